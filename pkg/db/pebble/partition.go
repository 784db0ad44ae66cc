package pebble

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"github.com/arbordb/arbor/pkg/db"
)

// partition is a named keyspace identified by a 4-byte big-endian ID prefix.
// All writes go through the store's exclusive lock so displaced-value reads,
// engine writes and conflict tracking stay atomic.
type partition struct {
	store   *Store
	name    string
	prefix  [partPrefixLen]byte
	dropped atomic.Bool
}

var _ db.Partition = (*partition)(nil)

func (p *partition) Name() string {
	return p.name
}

// key maps a user key into the partition's keyspace.
func (p *partition) key(k []byte) []byte {
	out := make([]byte, 0, partPrefixLen+len(k))
	out = append(out, p.prefix[:]...)
	return append(out, k...)
}

// bounds returns engine-level iteration bounds for the user range
// [start, end). Nil start or end means unbounded within the partition.
func (p *partition) bounds(start, end []byte) (lower, upper []byte) {
	lower = p.key(start)
	if end != nil {
		upper = p.key(end)
	} else {
		upper = db.PrefixUpperBound(p.prefix[:])
	}
	return lower, upper
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

// get reads through r and copies the value out, so callers own the result.
func (p *partition) get(r pebble.Reader, key []byte) ([]byte, error) {
	raw, closer, err := r.Get(p.key(key))
	if err == pebble.ErrNotFound {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pebble: get: %w", err)
	}
	defer closer.Close()

	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (p *partition) Get(key []byte) ([]byte, error) {
	s := p.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := p.ok(); err != nil {
		return nil, err
	}
	return p.get(s.db, key)
}

func (p *partition) Put(key, value []byte) (prev []byte, err error) {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := p.ok(); err != nil {
		return nil, err
	}
	prev, err = p.get(s.db, key)
	if err != nil && err != db.ErrNotFound {
		return nil, err
	}
	pk := p.key(key)
	if err := s.db.Set(pk, value, s.wo); err != nil {
		return nil, fmt.Errorf("pebble: put: %w", err)
	}
	s.tracker.Record(fpSet(fingerprint(pk)))
	return prev, nil
}

func (p *partition) Delete(key []byte) (prev []byte, err error) {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := p.ok(); err != nil {
		return nil, err
	}
	prev, err = p.get(s.db, key)
	if err == db.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pk := p.key(key)
	if err := s.db.Delete(pk, s.wo); err != nil {
		return nil, fmt.Errorf("pebble: delete: %w", err)
	}
	s.tracker.Record(fpSet(fingerprint(pk)))
	return prev, nil
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

	b := s.db.NewBatch()
	defer b.Close()

	fps := make(map[uint64]struct{}, len(ops))
	for _, op := range ops {
		pk := p.key(op.Key)
		fps[fingerprint(pk)] = struct{}{}
		switch op.Kind {
		case db.OpPut:
			_ = b.Set(pk, op.Value, nil)
		case db.OpDelete:
			_ = b.Delete(pk, nil)
		default:
			return fmt.Errorf("db: unknown batch op kind %d", op.Kind)
		}
	}
	if err := b.Commit(s.wo); err != nil {
		return fmt.Errorf(errInCommit, err)
	}
	s.tracker.Record(fps)
	return nil
}

func (p *partition) PopMin() (key, value []byte, err error) {
	return p.pop(func(it *pebble.Iterator) bool { return it.First() })
}

func (p *partition) PopMax() (key, value []byte, err error) {
	return p.pop(func(it *pebble.Iterator) bool { return it.Last() })
}

// pop removes the entry at one end of the partition under the write lock
// so concurrent pops never return the same entry.
func (p *partition) pop(position func(*pebble.Iterator) bool) (key, value []byte, err error) {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := p.ok(); err != nil {
		return nil, nil, err
	}

	lower, upper := p.bounds(nil, nil)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, nil, fmt.Errorf(errInIteratorCreation, err)
	}

	if !position(it) {
		err := it.Error()
		_ = it.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("pebble: pop: %w", err)
		}
		return nil, nil, db.ErrNotFound
	}

	pk := append([]byte(nil), it.Key()...)
	raw, verr := it.ValueAndErr()
	if verr != nil {
		_ = it.Close()
		return nil, nil, fmt.Errorf(errInIteratorValue, verr)
	}
	value = make([]byte, len(raw))
	copy(value, raw)
	if err := it.Close(); err != nil {
		return nil, nil, fmt.Errorf("pebble: pop: %w", err)
	}

	if err := s.db.Delete(pk, s.wo); err != nil {
		return nil, nil, fmt.Errorf("pebble: pop: %w", err)
	}
	s.tracker.Record(fpSet(fingerprint(pk)))
	return pk[partPrefixLen:], value, nil
}

// Count scans the partition. It is linear in the number of entries.
func (p *partition) Count() (int, error) {
	s := p.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := p.ok(); err != nil {
		return 0, err
	}

	lower, upper := p.bounds(nil, nil)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, fmt.Errorf(errInIteratorCreation, err)
	}

	n := 0
	for ok := it.First(); ok; ok = it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		_ = it.Close()
		return 0, fmt.Errorf("pebble: count: %w", err)
	}
	if err := it.Close(); err != nil {
		return 0, fmt.Errorf("pebble: count: %w", err)
	}
	return n, nil
}

// Clear removes every entry with a single range tombstone. Conflict-wise it
// touches the whole partition, so concurrent transactions that read it fail
// validation.
func (p *partition) Clear() error {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := p.ok(); err != nil {
		return err
	}

	lower, upper := p.bounds(nil, nil)
	if err := s.db.DeleteRange(lower, upper, s.wo); err != nil {
		return fmt.Errorf("pebble: clear: %w", err)
	}
	s.tracker.Record(fpSet(p.fingerprint()))
	return nil
}

func (p *partition) NewIter(start, end []byte) (db.Iterator, error) {
	s := p.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := p.ok(); err != nil {
		return nil, err
	}

	lower, upper := p.bounds(start, end)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf(errInIteratorCreation, err)
	}
	return &Iterator{iter: it, strip: partPrefixLen}, nil
}

func (p *partition) NewPrefixIter(prefix []byte) (db.Iterator, error) {
	end := db.PrefixUpperBound(prefix)
	if end == nil {
		// Prefix of all 0xff bytes: the range runs to the partition end.
		return p.NewIter(prefix, nil)
	}
	return p.NewIter(prefix, end)
}
