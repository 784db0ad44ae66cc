package pebble

import "errors"

// Format strings for wrapping engine failures.
const (
	errInIteratorCreation = "pebble: failed to create iterator: %w"
	errInIteratorValue    = "pebble: failed to read iterator value: %w"
	errInCommit           = "pebble: failed to commit batch: %w"
	errInExport           = "pebble: export: %w"
	errInImport           = "pebble: import: %w"
)

// ErrIteratorInvalid is returned by Value on an un-positioned or exhausted
// iterator.
var ErrIteratorInvalid = errors.New("pebble: iterator is not positioned")
