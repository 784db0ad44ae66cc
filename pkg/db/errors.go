package db

import "errors"

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("db: store is closed")

	// ErrNotFound is returned when a key is not present.
	ErrNotFound = errors.New("db: key not found")

	// ErrConflict is returned by Txn.Commit when a concurrent writer
	// invalidated the attempt. The attempt's writes were discarded; the
	// caller may begin a fresh attempt.
	ErrConflict = errors.New("db: transaction conflict")

	// ErrTxnDone is returned by operations on a committed or rolled-back
	// transaction.
	ErrTxnDone = errors.New("db: transaction has already ended")

	// ErrTxnPartition is returned when a transaction operation names a
	// partition the transaction was not begun with.
	ErrTxnPartition = errors.New("db: partition not part of this transaction")

	// ErrNoPartitions is returned by Begin when no partitions are given.
	ErrNoPartitions = errors.New("db: transaction needs at least one partition")

	// ErrReservedName is returned when a partition name collides with the
	// store's internal metadata namespace.
	ErrReservedName = errors.New("db: partition name is reserved")

	// ErrPartitionDropped is returned by operations through a handle whose
	// partition has been dropped.
	ErrPartitionDropped = errors.New("db: partition has been dropped")
)
