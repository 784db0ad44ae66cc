package pebble

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/arbordb/arbor/pkg/db"
)

// staged is one uncommitted write. Keys and values are copied in when
// staged, so callers may reuse their buffers.
type staged struct {
	value []byte
	del   bool
}

// txn is one optimistic transaction attempt. Reads go to the write overlay
// first, then to the snapshot taken at Begin. Every touched key is
// fingerprinted for commit-time validation. Not safe for concurrent use.
type txn struct {
	store  *Store
	snap   *pebble.Snapshot
	readTs uint64
	parts  map[string]*partition

	writes map[string]staged
	reads  map[uint64]struct{}
	wfps   map[uint64]struct{}

	done  bool
	flush bool
}

var _ db.Txn = (*txn)(nil)

// resolve checks that p is one of the partitions the transaction was begun
// with. Handle identity matters: a dropped and recreated partition has a
// fresh handle and must not alias the old one.
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

// touch records a read of pk and marks the enclosing partition, so partition
// wide writes (Clear, DropPartition) conflict with this attempt.
func (t *txn) touch(p *partition, pk []byte) {
	t.reads[fingerprint(pk)] = struct{}{}
	t.reads[p.fingerprint()] = struct{}{}
}

// visible returns the value of pk as this transaction sees it: its own
// staged write if any, otherwise the snapshot. The returned buffer is owned
// by the caller.
func (t *txn) visible(p *partition, pk []byte) ([]byte, error) {
	if w, ok := t.writes[string(pk)]; ok {
		if w.del {
			return nil, db.ErrNotFound
		}
		out := make([]byte, len(w.value))
		copy(out, w.value)
		return out, nil
	}

	raw, closer, err := t.snap.Get(pk)
	if err == pebble.ErrNotFound {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pebble: txn get: %w", err)
	}
	defer closer.Close()

	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (t *txn) Get(p db.Partition, key []byte) ([]byte, error) {
	own, err := t.resolve(p)
	if err != nil {
		return nil, err
	}
	pk := own.key(key)
	t.touch(own, pk)
	return t.visible(own, pk)
}

func (t *txn) Put(p db.Partition, key, value []byte) (prev []byte, err error) {
	own, err := t.resolve(p)
	if err != nil {
		return nil, err
	}
	pk := own.key(key)
	t.touch(own, pk)

	prev, err = t.visible(own, pk)
	if err != nil && err != db.ErrNotFound {
		return nil, err
	}

	t.wfps[fingerprint(pk)] = struct{}{}
	t.writes[string(pk)] = staged{value: append([]byte(nil), value...)}
	return prev, nil
}

func (t *txn) Delete(p db.Partition, key []byte) (prev []byte, err error) {
	own, err := t.resolve(p)
	if err != nil {
		return nil, err
	}
	pk := own.key(key)
	t.touch(own, pk)

	prev, err = t.visible(own, pk)
	if err == db.ErrNotFound {
		prev = nil
	} else if err != nil {
		return nil, err
	}

	t.wfps[fingerprint(pk)] = struct{}{}
	t.writes[string(pk)] = staged{del: true}
	return prev, nil
}

func (t *txn) ApplyBatch(p db.Partition, ops []db.Op) error {
	own, err := t.resolve(p)
	if err != nil {
		return err
	}
	for _, op := range ops {
		pk := own.key(op.Key)
		t.touch(own, pk)
		t.wfps[fingerprint(pk)] = struct{}{}
		switch op.Kind {
		case db.OpPut:
			t.writes[string(pk)] = staged{value: append([]byte(nil), op.Value...)}
		case db.OpDelete:
			t.writes[string(pk)] = staged{del: true}
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
	defer t.snap.Close()

	s := t.store
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		s.tracker.Done(t.readTs)
		return db.ErrClosed
	}

	// Read-only attempts cannot invalidate anyone and saw a consistent
	// snapshot themselves, so they skip validation.
	if len(t.writes) == 0 {
		s.mu.Unlock()
		s.tracker.Done(t.readTs)
		if t.flush {
			s.asyncFlush()
		}
		return nil
	}

	if _, ok := s.tracker.Commit(t.readTs, t.reads, t.wfps); !ok {
		s.mu.Unlock()
		s.log.Debug().Uint64("read_ts", t.readTs).Int("writes", len(t.writes)).Msg("transaction conflict")
		return db.ErrConflict
	}

	b := s.db.NewBatch()
	for pk, w := range t.writes {
		if w.del {
			_ = b.Delete([]byte(pk), nil)
		} else {
			_ = b.Set([]byte(pk), w.value, nil)
		}
	}
	err := b.Commit(s.wo)
	_ = b.Close()
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf(errInCommit, err)
	}
	if t.flush {
		s.asyncFlush()
	}
	return nil
}

func (t *txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.tracker.Done(t.readTs)
	return t.snap.Close()
}
