package memory

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/arbordb/arbor/pkg/db"
)

const btreeDegree = 32

// item is one stored entry. Inserted keys and values are always private
// copies and are never mutated in place, so tree clones can share them.
type item struct {
	key   []byte
	value []byte
}

func lessItem(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// partition is a named keyspace backed by its own tree. The 4-byte ID
// prefix exists only to give conflict fingerprints a per-partition domain;
// tree keys are stored unprefixed.
type partition struct {
	store   *Store
	name    string
	prefix  [4]byte
	dropped atomic.Bool
	tree    *btree.BTreeG[item]
}

var _ db.Partition = (*partition)(nil)

func newPartition(s *Store, name string, id uint32) *partition {
	p := &partition{
		store: s,
		name:  name,
		tree:  btree.NewG(btreeDegree, lessItem),
	}
	binary.BigEndian.PutUint32(p.prefix[:], id)
	return p
}

func (p *partition) Name() string {
	return p.name
}

// qual maps a user key into the partition's fingerprint domain.
func (p *partition) qual(key []byte) []byte {
	out := make([]byte, 0, len(p.prefix)+len(key))
	out = append(out, p.prefix[:]...)
	return append(out, key...)
}

func (p *partition) fingerprint() uint64 {
	return fingerprint(p.prefix[:])
}

func (p *partition) ok() error {
	if p.store.closed {
		return db.ErrClosed
	}
	if p.dropped.Load() {
		return db.ErrPartitionDropped
	}
	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (p *partition) Get(key []byte) ([]byte, error) {
	s := p.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := p.ok(); err != nil {
		return nil, err
	}
	old, ok := p.tree.Get(item{key: key})
	if !ok {
		return nil, db.ErrNotFound
	}
	return clone(old.value), nil
}

func (p *partition) Put(key, value []byte) (prev []byte, err error) {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := p.ok(); err != nil {
		return nil, err
	}
	old, had := p.tree.ReplaceOrInsert(item{key: clone(key), value: clone(value)})
	s.tracker.Record(fpSet(fingerprint(p.qual(key))))
	if !had {
		return nil, nil
	}
	return clone(old.value), nil
}

func (p *partition) Delete(key []byte) (prev []byte, err error) {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := p.ok(); err != nil {
		return nil, err
	}
	old, had := p.tree.Delete(item{key: key})
	if !had {
		return nil, nil
	}
	s.tracker.Record(fpSet(fingerprint(p.qual(key))))
	return clone(old.value), nil
}

func (p *partition) ApplyBatch(ops []db.Op) error {
	if len(ops) == 0 {
		return nil
	}

	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := p.ok(); err != nil {
		return err
	}
	for _, op := range ops {
		if op.Kind != db.OpPut && op.Kind != db.OpDelete {
			return fmt.Errorf("db: unknown batch op kind %d", op.Kind)
		}
	}

	fps := make(map[uint64]struct{}, len(ops))
	for _, op := range ops {
		fps[fingerprint(p.qual(op.Key))] = struct{}{}
		switch op.Kind {
		case db.OpPut:
			p.tree.ReplaceOrInsert(item{key: clone(op.Key), value: clone(op.Value)})
		case db.OpDelete:
			p.tree.Delete(item{key: op.Key})
		}
	}
	s.tracker.Record(fps)
	return nil
}

func (p *partition) PopMin() (key, value []byte, err error) {
	return p.pop((*btree.BTreeG[item]).DeleteMin)
}

func (p *partition) PopMax() (key, value []byte, err error) {
	return p.pop((*btree.BTreeG[item]).DeleteMax)
}

func (p *partition) pop(take func(*btree.BTreeG[item]) (item, bool)) (key, value []byte, err error) {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := p.ok(); err != nil {
		return nil, nil, err
	}
	old, ok := take(p.tree)
	if !ok {
		return nil, nil, db.ErrNotFound
	}
	s.tracker.Record(fpSet(fingerprint(p.qual(old.key))))
	return clone(old.key), clone(old.value), nil
}

func (p *partition) Count() (int, error) {
	s := p.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := p.ok(); err != nil {
		return 0, err
	}
	return p.tree.Len(), nil
}

func (p *partition) Clear() error {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := p.ok(); err != nil {
		return err
	}
	p.tree.Clear(false)
	s.tracker.Record(fpSet(p.fingerprint()))
	return nil
}

// NewIter snapshots the matching range into the iterator. Creation is
// linear in the range size; the cursor itself never touches the live tree.
func (p *partition) NewIter(start, end []byte) (db.Iterator, error) {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := p.ok(); err != nil {
		return nil, err
	}

	snap := p.tree.Clone()
	var items []item
	collect := func(it item) bool {
		items = append(items, it)
		return true
	}
	switch {
	case start == nil && end == nil:
		snap.Ascend(collect)
	case start == nil:
		snap.AscendLessThan(item{key: end}, collect)
	case end == nil:
		snap.AscendGreaterOrEqual(item{key: start}, collect)
	default:
		snap.AscendRange(item{key: start}, item{key: end}, collect)
	}
	return &Iterator{items: items}, nil
}

func (p *partition) NewPrefixIter(prefix []byte) (db.Iterator, error) {
	end := db.PrefixUpperBound(prefix)
	return p.NewIter(prefix, end)
}
