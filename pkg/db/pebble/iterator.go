package pebble

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/arbordb/arbor/pkg/db"
)

// Cursor position states. Re-entry from a past-the-end state goes through
// First or Last rather than relying on engine behavior for invalid cursors.
const (
	posUnset int8 = iota
	posAt
	posPastStart
	posPastEnd
)

type Iterator struct {
	iter  *pebble.Iterator
	strip int
	pos   int8
}

var _ db.Iterator = (*Iterator)(nil)

func (it *Iterator) Next() bool {
	var ok bool
	switch it.pos {
	case posPastEnd:
		return false
	case posUnset, posPastStart:
		ok = it.iter.First()
	default:
		ok = it.iter.Next()
	}
	if ok {
		it.pos = posAt
	} else {
		it.pos = posPastEnd
	}
	return ok
}

func (it *Iterator) Prev() bool {
	var ok bool
	switch it.pos {
	case posPastStart:
		return false
	case posUnset, posPastEnd:
		ok = it.iter.Last()
	default:
		ok = it.iter.Prev()
	}
	if ok {
		it.pos = posAt
	} else {
		it.pos = posPastStart
	}
	return ok
}

func (it *Iterator) First() bool {
	ok := it.iter.First()
	if ok {
		it.pos = posAt
	} else {
		it.pos = posPastEnd
	}
	return ok
}

func (it *Iterator) Last() bool {
	ok := it.iter.Last()
	if ok {
		it.pos = posAt
	} else {
		it.pos = posPastStart
	}
	return ok
}

func (it *Iterator) Valid() bool {
	return it.pos == posAt && it.iter.Valid()
}

func (it *Iterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	key := it.iter.Key()[it.strip:]
	out := make([]byte, len(key))
	copy(out, key)
	return out
}

func (it *Iterator) Value() ([]byte, error) {
	if !it.Valid() {
		return nil, ErrIteratorInvalid
	}
	raw, err := it.iter.ValueAndErr()
	if err != nil {
		return nil, fmt.Errorf(errInIteratorValue, err)
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (it *Iterator) Error() error {
	return it.iter.Error()
}

func (it *Iterator) Close() error {
	return it.iter.Close()
}
