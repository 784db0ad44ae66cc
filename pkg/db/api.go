// Package db defines the raw storage engine contract the typed layer is
// built on: named ordered partitions of byte keys and values, staged atomic
// batches, double-ended range cursors, and optimistic multi-partition
// transactions. Implementations live in the backend sub-packages.
package db

import (
	"context"
	"io"
)

// Store is an open storage engine instance. A Store owns a set of named
// partitions and a single monotonic ID sequence. Stores are safe for
// concurrent use.
type Store interface {
	// OpenPartition returns a handle to the named partition, creating it if
	// it does not exist. Handles for the same name refer to the same data.
	OpenPartition(name string) (Partition, error)

	// DropPartition removes the named partition and all of its contents.
	// Dropping an absent partition is a no-op.
	DropPartition(name string) error

	// Partitions lists the names of all partitions in the store.
	Partitions() ([]string, error)

	// Begin starts one optimistic transaction attempt over the given
	// partitions. Reads observe a snapshot taken at Begin plus the
	// transaction's own writes. Commit reports ErrConflict if a concurrent
	// writer invalidated the attempt.
	Begin(parts ...Partition) (Txn, error)

	// GenerateID returns the next value of the store-wide monotonic
	// sequence. Values are strictly increasing for the life of the store
	// and never repeat across reopen; gaps are permitted.
	GenerateID() (uint64, error)

	// Flush blocks until every write accepted before the call is durable,
	// or until ctx is done.
	Flush(ctx context.Context) error

	// Export writes a compressed snapshot of every partition to w.
	Export(w io.Writer) error

	// Import restores partitions previously written by Export. Imported
	// entries overwrite existing ones key by key.
	Import(r io.Reader) error

	Close() error
}

// Partition is a named ordered keyspace within a Store. All operations are
// safe for concurrent use; read-modify-write operations (Put, Delete,
// PopMin, PopMax) are atomic with respect to each other and to transactions.
type Partition interface {
	Name() string

	// Get returns the value stored for key, or ErrNotFound.
	Get(key []byte) ([]byte, error)

	// Put stores value under key and returns the displaced previous value,
	// or nil if the key was absent.
	Put(key, value []byte) (prev []byte, err error)

	// Delete removes key and returns the displaced previous value, or nil
	// if the key was absent. Deleting an absent key is not an error.
	Delete(key []byte) (prev []byte, err error)

	// ApplyBatch applies the staged operations as one atomic unit. Either
	// every operation becomes visible or none does.
	ApplyBatch(ops []Op) error

	// PopMin removes and returns the smallest entry, atomically with
	// respect to concurrent writers. Returns ErrNotFound when empty.
	PopMin() (key, value []byte, err error)

	// PopMax removes and returns the largest entry. Returns ErrNotFound
	// when empty.
	PopMax() (key, value []byte, err error)

	// Count reports the number of entries. Backends may need to scan the
	// partition to answer.
	Count() (int, error)

	// Clear removes every entry in the partition as a single engine write.
	Clear() error

	// NewIter returns a cursor over [start, end) in ascending key order.
	// A nil bound is unbounded on that side.
	NewIter(start, end []byte) (Iterator, error)

	// NewPrefixIter returns a cursor over all keys beginning with prefix.
	NewPrefixIter(prefix []byte) (Iterator, error)
}

// Iterator is a double-ended cursor over an ordered key range. It starts
// un-positioned: call Next (or First) to position at the front, Prev (or
// Last) to position at the back. An Iterator is not safe for concurrent use.
// Key and Value return buffers owned by the caller.
type Iterator interface {
	// Next advances toward larger keys. From the un-positioned state it
	// positions at the first entry. Returns false when exhausted.
	Next() bool

	// Prev advances toward smaller keys. From the un-positioned state it
	// positions at the last entry. Returns false when exhausted.
	Prev() bool

	First() bool
	Last() bool
	Valid() bool
	Key() []byte
	Value() ([]byte, error)

	// Error reports any engine failure encountered while iterating.
	Error() error

	Close() error
}

// Txn is one attempt of an optimistic transaction over the partitions it
// was begun with. Reads see the snapshot plus the attempt's own writes.
// After Commit or Rollback every method reports ErrTxnDone. A Txn is not
// safe for concurrent use.
type Txn interface {
	// Get returns the value for key in p, observing the transaction's own
	// uncommitted writes first, or ErrNotFound.
	Get(p Partition, key []byte) ([]byte, error)

	// Put stages a write and returns the value it displaces as observed by
	// this transaction, or nil.
	Put(p Partition, key, value []byte) (prev []byte, err error)

	// Delete stages a removal and returns the displaced value as observed
	// by this transaction, or nil.
	Delete(p Partition, key []byte) (prev []byte, err error)

	// ApplyBatch stages every operation of a pre-built batch.
	ApplyBatch(p Partition, ops []Op) error

	// GenerateID draws from the store-wide monotonic sequence. IDs are
	// consumed even if the attempt later conflicts or aborts.
	GenerateID() (uint64, error)

	// Flush schedules an asynchronous durability flush to start after a
	// successful commit. It never blocks.
	Flush()

	// Commit validates the attempt against concurrently committed writes
	// and applies it atomically across all joined partitions. It reports
	// ErrConflict when validation fails; the caller may begin a new attempt.
	Commit() error

	// Rollback discards the attempt. Rollback after Commit is a no-op.
	Rollback() error
}

// OpKind distinguishes staged batch operations.
type OpKind uint8

const (
	OpPut OpKind = iota + 1
	OpDelete
)

// Op is one staged mutation. Value is nil for OpDelete.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}
