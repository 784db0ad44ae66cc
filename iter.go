package arbor

import (
	"bytes"

	"github.com/arbordb/arbor/pkg/db"
)

// rawIter drives one typed iteration. Each end gets its own engine cursor,
// created on first use from the shared bounds; lastFwd/lastBack record the
// last key yielded at each end and the crossing checks stop iteration when
// the ends meet, so every entry is yielded at most once. An engine error
// ends the iteration and is held in err.
//
// The two cursors may observe the store at slightly different times (each
// reflects its creation point); entries written while the iteration runs may
// or may not be seen, but never twice.
type rawIter struct {
	part db.Partition
	lo   []byte
	hi   []byte

	fwd  db.Iterator
	back db.Iterator

	lastFwd  []byte
	lastBack []byte

	done bool
	err  error
}

func (r *rawIter) fail(err error) (key, value []byte, ok bool) {
	r.err = err
	r.done = true
	return nil, nil, false
}

func (r *rawIter) next(wantValue bool) (key, value []byte, ok bool) {
	if r.done {
		return nil, nil, false
	}
	if r.fwd == nil {
		it, err := r.part.NewIter(r.lo, r.hi)
		if err != nil {
			return r.fail(err)
		}
		r.fwd = it
	}
	if !r.fwd.Next() {
		if err := r.fwd.Error(); err != nil {
			return r.fail(err)
		}
		r.done = true
		return nil, nil, false
	}
	key = r.fwd.Key()
	if r.lastBack != nil && bytes.Compare(key, r.lastBack) >= 0 {
		r.done = true
		return nil, nil, false
	}
	if wantValue {
		v, err := r.fwd.Value()
		if err != nil {
			return r.fail(err)
		}
		value = v
	}
	r.lastFwd = key
	return key, value, true
}

func (r *rawIter) prev(wantValue bool) (key, value []byte, ok bool) {
	if r.done {
		return nil, nil, false
	}
	if r.back == nil {
		it, err := r.part.NewIter(r.lo, r.hi)
		if err != nil {
			return r.fail(err)
		}
		r.back = it
	}
	if !r.back.Prev() {
		if err := r.back.Error(); err != nil {
			return r.fail(err)
		}
		r.done = true
		return nil, nil, false
	}
	key = r.back.Key()
	if r.lastFwd != nil && bytes.Compare(key, r.lastFwd) <= 0 {
		r.done = true
		return nil, nil, false
	}
	if wantValue {
		v, err := r.back.Value()
		if err != nil {
			return r.fail(err)
		}
		value = v
	}
	r.lastBack = key
	return key, value, true
}

func (r *rawIter) close() error {
	r.done = true
	var first error
	if r.fwd != nil {
		if err := r.fwd.Close(); err != nil {
			first = err
		}
		r.fwd = nil
	}
	if r.back != nil {
		if err := r.back.Close(); err != nil && first == nil {
			first = err
		}
		r.back = nil
	}
	return first
}

func newIter[K, V any](part db.Partition, lo, hi []byte) *Iter[K, V] {
	return &Iter[K, V]{raw: &rawIter{part: part, lo: lo, hi: hi}}
}

// Iter walks a Tree range in encoded-key order from either end. It is a
// single-consumer cursor: share it between goroutines only with external
// synchronization. Engine failures stop the iteration and are reported by
// Err; decode failures surface from the returned views instead, leaving the
// iteration running.
type Iter[K, V any] struct {
	raw *rawIter
}

// Next returns the next entry from the front. ok is false once the range is
// exhausted, the ends have met, or an error stopped the iteration.
func (it *Iter[K, V]) Next() (*KeyValue[K, V], bool) {
	k, v, ok := it.raw.next(true)
	if !ok {
		return nil, false
	}
	return &KeyValue[K, V]{rawKey: k, rawValue: v}, true
}

// NextBack returns the next entry from the back.
func (it *Iter[K, V]) NextBack() (*KeyValue[K, V], bool) {
	k, v, ok := it.raw.prev(true)
	if !ok {
		return nil, false
	}
	return &KeyValue[K, V]{rawKey: k, rawValue: v}, true
}

// Keys narrows the iteration to keys only, skipping value retrieval. The
// receiver must not be used afterwards; Close either one.
func (it *Iter[K, V]) Keys() *KeysIter[K] {
	return &KeysIter[K]{raw: it.raw}
}

// Values narrows the iteration to values only. The receiver must not be
// used afterwards; Close either one.
func (it *Iter[K, V]) Values() *ValuesIter[V] {
	return &ValuesIter[V]{raw: it.raw}
}

// Err returns the engine error that stopped the iteration, if any.
func (it *Iter[K, V]) Err() error {
	return it.raw.err
}

// Close releases the engine cursors. It is safe to call more than once.
func (it *Iter[K, V]) Close() error {
	return it.raw.close()
}

// KeysIter is the keys-only projection of an Iter.
type KeysIter[K any] struct {
	raw *rawIter
}

// Next returns the next key from the front.
func (it *KeysIter[K]) Next() (*Key[K], bool) {
	k, _, ok := it.raw.next(false)
	if !ok {
		return nil, false
	}
	return &Key[K]{raw: k}, true
}

// NextBack returns the next key from the back.
func (it *KeysIter[K]) NextBack() (*Key[K], bool) {
	k, _, ok := it.raw.prev(false)
	if !ok {
		return nil, false
	}
	return &Key[K]{raw: k}, true
}

// Err returns the engine error that stopped the iteration, if any.
func (it *KeysIter[K]) Err() error {
	return it.raw.err
}

// Close releases the engine cursors.
func (it *KeysIter[K]) Close() error {
	return it.raw.close()
}

// ValuesIter is the values-only projection of an Iter.
type ValuesIter[V any] struct {
	raw *rawIter
}

// Next returns the next value from the front.
func (it *ValuesIter[V]) Next() (*Value[V], bool) {
	_, v, ok := it.raw.next(true)
	if !ok {
		return nil, false
	}
	return &Value[V]{raw: v}, true
}

// NextBack returns the next value from the back.
func (it *ValuesIter[V]) NextBack() (*Value[V], bool) {
	_, v, ok := it.raw.prev(true)
	if !ok {
		return nil, false
	}
	return &Value[V]{raw: v}, true
}

// Err returns the engine error that stopped the iteration, if any.
func (it *ValuesIter[V]) Err() error {
	return it.raw.err
}

// Close releases the engine cursors.
func (it *ValuesIter[V]) Close() error {
	return it.raw.close()
}
