package memory

import (
	"errors"

	"github.com/arbordb/arbor/pkg/db"
)

// ErrIteratorInvalid is returned by Value on an un-positioned or exhausted
// iterator.
var ErrIteratorInvalid = errors.New("memory: iterator is not positioned")

const (
	posUnset int8 = iota
	posAt
	posPastStart
	posPastEnd
)

// Iterator walks a range snapshot taken at creation. It shares stored
// buffers with tree clones, so Key and Value copy out.
type Iterator struct {
	items []item
	idx   int
	pos   int8
}

var _ db.Iterator = (*Iterator)(nil)

func (it *Iterator) Next() bool {
	switch it.pos {
	case posPastEnd:
		return false
	case posUnset, posPastStart:
		it.idx = 0
	default:
		it.idx++
	}
	if it.idx >= len(it.items) {
		it.pos = posPastEnd
		return false
	}
	it.pos = posAt
	return true
}

func (it *Iterator) Prev() bool {
	switch it.pos {
	case posPastStart:
		return false
	case posUnset, posPastEnd:
		it.idx = len(it.items) - 1
	default:
		it.idx--
	}
	if it.idx < 0 {
		it.pos = posPastStart
		return false
	}
	it.pos = posAt
	return true
}

func (it *Iterator) First() bool {
	it.pos = posUnset
	return it.Next()
}

func (it *Iterator) Last() bool {
	it.pos = posUnset
	return it.Prev()
}

func (it *Iterator) Valid() bool {
	return it.pos == posAt
}

func (it *Iterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return clone(it.items[it.idx].key)
}

func (it *Iterator) Value() ([]byte, error) {
	if !it.Valid() {
		return nil, ErrIteratorInvalid
	}
	return clone(it.items[it.idx].value), nil
}

func (it *Iterator) Error() error {
	return nil
}

func (it *Iterator) Close() error {
	it.items = nil
	it.pos = posPastEnd
	return nil
}
