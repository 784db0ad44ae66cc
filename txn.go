package arbor

import (
	"errors"
	"fmt"

	"github.com/arbordb/arbor/pkg/codec"
	"github.com/arbordb/arbor/pkg/db"
)

// Joinable is anything that can take part in a transaction. Only Tree
// implements it; the interface exists to let trees with different type
// parameters join the same transaction.
type Joinable interface {
	joinable() (db.Store, db.Partition)
}

// Joined is a set of trees bound for a shared transaction. Build one with
// Join; it is a value and may be reused for any number of Transact calls.
type Joined struct {
	store db.Store
	parts []db.Partition
	err   error
}

// Join binds one or more trees for atomic transactions. All trees must come
// from the same Store; a mismatch surfaces as ErrStoreMismatch from
// Transact. Joining the same tree twice is harmless.
func Join(first Joinable, rest ...Joinable) Joined {
	store, part := first.joinable()
	j := Joined{store: store, parts: make([]db.Partition, 0, 1+len(rest))}
	j.parts = append(j.parts, part)
	for _, t := range rest {
		s, p := t.joinable()
		if s != store {
			j.err = ErrStoreMismatch
		}
		j.parts = append(j.parts, p)
	}
	return j
}

// Transact runs fn inside a transaction spanning the joined trees and
// commits it. On commit conflict the attempt is rolled back and fn is
// re-invoked from scratch until it commits, so fn must be idempotent up to
// its writes and must not keep state from failed attempts. Any other error
// returned by fn aborts the transaction and is returned to the caller
// unchanged.
//
// Encode failures inside fn cannot be handled mid-flight; they abort the
// attempt and come back wrapping ErrTxnEncoding and the *codec.EncodeError.
// Such attempts are never retried.
func (j Joined) Transact(fn func(*Txn) error) error {
	if j.err != nil {
		return j.err
	}
	for {
		raw, err := j.store.Begin(j.parts...)
		if err != nil {
			return err
		}
		err = attempt(raw, j.parts, fn)
		if errors.Is(err, db.ErrConflict) {
			continue
		}
		return err
	}
}

// attempt runs fn once against raw and commits. A panic carrying
// encodeAbort is converted to the wrapped ErrTxnEncoding error; any other
// panic is re-raised after the rollback.
func attempt(raw db.Txn, parts []db.Partition, fn func(*Txn) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			_ = raw.Rollback()
			abort, ok := r.(encodeAbort)
			if !ok {
				panic(r)
			}
			err = fmt.Errorf("%w: %w", ErrTxnEncoding, abort.err)
		}
	}()

	tx := &Txn{raw: raw, joined: parts}
	if err := fn(tx); err != nil {
		_ = raw.Rollback()
		return err
	}
	return raw.Commit()
}

// encodeAbort carries the encode failure out of a transactional operation.
type encodeAbort struct {
	err error
}

// txnEncode encodes v for a transactional operation. Failure aborts the
// surrounding attempt by panicking; Transact recovers the sentinel at the
// library boundary and turns it into an error.
func txnEncode(dst []byte, v any) []byte {
	out, err := codec.MarshalAppend(dst, v)
	if err != nil {
		panic(encodeAbort{err: err})
	}
	return out
}

// Txn is the handle a Transact callback receives. Typed access to the
// joined trees goes through View. The handle is only valid until the
// callback returns; operations on a kept handle fail with db.ErrTxnDone.
type Txn struct {
	raw    db.Txn
	joined []db.Partition
}

// GenerateID returns the next store-wide monotonic ID. IDs are handed out
// eagerly and are not rolled back with the transaction.
func (tx *Txn) GenerateID() (uint64, error) {
	return tx.raw.GenerateID()
}

// Flush schedules a durability barrier for after the transaction commits.
// It does not block and does nothing if the transaction aborts.
func (tx *Txn) Flush() {
	tx.raw.Flush()
}

// View returns the transactional view of tree inside tx. The tree must have
// been part of the Join that started tx; anything else is a programming
// error and panics.
func View[K, V any](tx *Txn, tree *Tree[K, V]) *TxTree[K, V] {
	for _, p := range tx.joined {
		if p == tree.part {
			return &TxTree[K, V]{tx: tx, part: tree.part}
		}
	}
	panic(fmt.Sprintf("arbor: tree %q is not part of this transaction", tree.Name()))
}

// TxTree is a Tree viewed through a transaction. Reads see the
// transaction's own writes first, then the snapshot taken when the attempt
// began. Like the Txn it belongs to, it is single-goroutine.
type TxTree[K, V any] struct {
	tx   *Txn
	part db.Partition
}

// Insert stores value under key and returns a view of the displaced value,
// or nil if the key was absent in this transaction's view.
func (t *TxTree[K, V]) Insert(key K, value V) (*Value[V], error) {
	var kb, vb [scratchSize]byte
	ek := txnEncode(kb[:0], key)
	ev := txnEncode(vb[:0], value)
	prev, err := t.tx.raw.Put(t.part, ek, ev)
	if err != nil {
		return nil, err
	}
	return valueView[V](prev), nil
}

// Get returns a view of the value under key as this transaction sees it, or
// nil if absent.
func (t *TxTree[K, V]) Get(key K) (*Value[V], error) {
	var kb [scratchSize]byte
	ek := txnEncode(kb[:0], key)
	raw, err := t.tx.raw.Get(t.part, ek)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Value[V]{raw: raw}, nil
}

// Remove deletes key and returns a view of the removed value, or nil if the
// key was absent in this transaction's view.
func (t *TxTree[K, V]) Remove(key K) (*Value[V], error) {
	var kb [scratchSize]byte
	ek := txnEncode(kb[:0], key)
	prev, err := t.tx.raw.Delete(t.part, ek)
	if err != nil {
		return nil, err
	}
	return valueView[V](prev), nil
}

// ApplyBatch stages every operation of b into the transaction. The batch is
// not consumed, so a retried callback can apply it again.
func (t *TxTree[K, V]) ApplyBatch(b *Batch[K, V]) error {
	ops, err := b.peek()
	if err != nil {
		return err
	}
	return t.tx.raw.ApplyBatch(t.part, ops)
}

// GenerateID returns the next store-wide monotonic ID.
func (t *TxTree[K, V]) GenerateID() (uint64, error) {
	return t.tx.GenerateID()
}

// Flush schedules a post-commit durability barrier.
func (t *TxTree[K, V]) Flush() {
	t.tx.Flush()
}
