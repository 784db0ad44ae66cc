package memory

import (
	"fmt"

	"github.com/google/btree"

	"github.com/arbordb/arbor/pkg/db"
)

// staged is one uncommitted write, keyed in the overlay by the partition
// qualified key. Keys and values are copied in when staged.
type staged struct {
	part  *partition
	key   []byte
	value []byte
	del   bool
}

// txn is one optimistic transaction attempt over cloned trees. Reads go to
// the write overlay first, then to the clones taken at Begin. Not safe for
// concurrent use.
type txn struct {
	store  *Store
	snaps  map[string]*btree.BTreeG[item]
	readTs uint64
	parts  map[string]*partition

	writes map[string]staged
	reads  map[uint64]struct{}
	wfps   map[uint64]struct{}

	done  bool
	flush bool
}

var _ db.Txn = (*txn)(nil)

func (t *txn) resolve(p db.Partition) (*partition, error) {
	if t.done {
		return nil, db.ErrTxnDone
	}
	own, ok := p.(*partition)
	if !ok || t.parts[own.name] != own {
		return nil, db.ErrTxnPartition
	}
	return own, nil
}

func (t *txn) touch(p *partition, qk []byte) {
	t.reads[fingerprint(qk)] = struct{}{}
	t.reads[p.fingerprint()] = struct{}{}
}

func (t *txn) visible(p *partition, qk, key []byte) ([]byte, error) {
	if w, ok := t.writes[string(qk)]; ok {
		if w.del {
			return nil, db.ErrNotFound
		}
		return clone(w.value), nil
	}
	old, ok := t.snaps[p.name].Get(item{key: key})
	if !ok {
		return nil, db.ErrNotFound
	}
	return clone(old.value), nil
}

func (t *txn) Get(p db.Partition, key []byte) ([]byte, error) {
	own, err := t.resolve(p)
	if err != nil {
		return nil, err
	}
	qk := own.qual(key)
	t.touch(own, qk)
	return t.visible(own, qk, key)
}

func (t *txn) Put(p db.Partition, key, value []byte) (prev []byte, err error) {
	own, err := t.resolve(p)
	if err != nil {
		return nil, err
	}
	qk := own.qual(key)
	t.touch(own, qk)

	prev, err = t.visible(own, qk, key)
	if err != nil && err != db.ErrNotFound {
		return nil, err
	}

	t.wfps[fingerprint(qk)] = struct{}{}
	t.writes[string(qk)] = staged{part: own, key: clone(key), value: clone(value)}
	return prev, nil
}

func (t *txn) Delete(p db.Partition, key []byte) (prev []byte, err error) {
	own, err := t.resolve(p)
	if err != nil {
		return nil, err
	}
	qk := own.qual(key)
	t.touch(own, qk)

	prev, err = t.visible(own, qk, key)
	if err == db.ErrNotFound {
		prev = nil
	} else if err != nil {
		return nil, err
	}

	t.wfps[fingerprint(qk)] = struct{}{}
	t.writes[string(qk)] = staged{part: own, key: clone(key), del: true}
	return prev, nil
}

func (t *txn) ApplyBatch(p db.Partition, ops []db.Op) error {
	own, err := t.resolve(p)
	if err != nil {
		return err
	}
	for _, op := range ops {
		qk := own.qual(op.Key)
		t.touch(own, qk)
		t.wfps[fingerprint(qk)] = struct{}{}
		switch op.Kind {
		case db.OpPut:
			t.writes[string(qk)] = staged{part: own, key: clone(op.Key), value: clone(op.Value)}
		case db.OpDelete:
			t.writes[string(qk)] = staged{part: own, key: clone(op.Key), del: true}
		default:
			return fmt.Errorf("db: unknown batch op kind %d", op.Kind)
		}
	}
	return nil
}

func (t *txn) GenerateID() (uint64, error) {
	if t.done {
		return 0, db.ErrTxnDone
	}
	return t.store.GenerateID()
}

func (t *txn) Flush() {
	if !t.done {
		t.flush = true
	}
}

func (t *txn) Commit() error {
	if t.done {
		return db.ErrTxnDone
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.tracker.Done(t.readTs)
		return db.ErrClosed
	}

	// Read-only attempts cannot invalidate anyone and saw consistent
	// clones themselves, so they skip validation.
	if len(t.writes) == 0 {
		s.tracker.Done(t.readTs)
		return nil
	}

	if _, ok := s.tracker.Commit(t.readTs, t.reads, t.wfps); !ok {
		s.log.Debug().Uint64("read_ts", t.readTs).Int("writes", len(t.writes)).Msg("transaction conflict")
		return db.ErrConflict
	}

	for _, w := range t.writes {
		if w.del {
			w.part.tree.Delete(item{key: w.key})
		} else {
			w.part.tree.ReplaceOrInsert(item{key: w.key, value: w.value})
		}
	}
	return nil
}

func (t *txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.tracker.Done(t.readTs)
	t.snaps = nil
	return nil
}
