package arbor

import "errors"

var (
	// ErrTxnEncoding reports that a key or value failed to encode inside a
	// transaction callback. The attempt is rolled back and not retried; the
	// underlying *codec.EncodeError is wrapped alongside this sentinel.
	ErrTxnEncoding = errors.New("arbor: encoding failed inside transaction")

	// ErrBatchConsumed reports reuse of a batch that was already applied.
	ErrBatchConsumed = errors.New("arbor: batch already applied")

	// ErrStoreMismatch reports a Join over trees from different stores.
	ErrStoreMismatch = errors.New("arbor: joined trees belong to different stores")
)
