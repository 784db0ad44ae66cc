package arbor

import (
	"github.com/arbordb/arbor/pkg/codec"
	"github.com/arbordb/arbor/pkg/db"
)

// Batch stages typed writes for one atomic application to a Tree. The zero
// value is ready to use. Insert and Remove encode immediately and report
// encode failures to the caller, so a batch that staged without error cannot
// fail to encode later.
//
// A batch is consumed by Tree.ApplyBatch; staging into or applying a
// consumed batch returns ErrBatchConsumed. Applying through a transaction
// (TxTree.ApplyBatch) stages a copy of the ops and leaves the batch intact,
// so a retried callback can re-apply it. A Batch is not safe for concurrent
// use.
type Batch[K, V any] struct {
	ops      []db.Op
	consumed bool
}

// Insert stages a put of value under key.
func (b *Batch[K, V]) Insert(key K, value V) error {
	if b.consumed {
		return ErrBatchConsumed
	}
	ek, err := codec.Marshal(key)
	if err != nil {
		return err
	}
	ev, err := codec.Marshal(value)
	if err != nil {
		return err
	}
	b.ops = append(b.ops, db.Op{Kind: db.OpPut, Key: ek, Value: ev})
	return nil
}

// Remove stages a delete of key. Removing an absent key is a no-op when the
// batch is applied.
func (b *Batch[K, V]) Remove(key K) error {
	if b.consumed {
		return ErrBatchConsumed
	}
	ek, err := codec.Marshal(key)
	if err != nil {
		return err
	}
	b.ops = append(b.ops, db.Op{Kind: db.OpDelete, Key: ek})
	return nil
}

// Len reports the number of staged operations.
func (b *Batch[K, V]) Len() int {
	return len(b.ops)
}

// take hands the staged ops to a direct apply and marks the batch consumed.
func (b *Batch[K, V]) take() ([]db.Op, error) {
	if b.consumed {
		return nil, ErrBatchConsumed
	}
	b.consumed = true
	return b.ops, nil
}

// peek hands the staged ops to a transactional apply without consuming.
func (b *Batch[K, V]) peek() ([]db.Op, error) {
	if b.consumed {
		return nil, ErrBatchConsumed
	}
	return b.ops, nil
}
