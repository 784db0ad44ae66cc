package arbor

import (
	"context"
	"errors"

	"github.com/arbordb/arbor/pkg/codec"
	"github.com/arbordb/arbor/pkg/db"
)

// scratchSize is the capacity of the stack buffers handed to MarshalAppend.
// Encodings that fit produce no allocation for the encode itself; longer
// ones spill to the heap with identical bytes.
const scratchSize = 64

// Tree is a typed, ordered collection stored in one partition of a Store.
// Entries order by their encoded key bytes. A Tree holds no state beyond
// the partition handle and is safe to share across goroutines; the engine
// serializes access internally.
//
// Opening the same name with different type parameters is not detected.
// The stored bytes simply will not decode, so pick one pairing per name.
type Tree[K, V any] struct {
	store db.Store
	part  db.Partition
}

// Open returns the typed handle for the named collection, creating the
// underlying partition if needed.
func Open[K, V any](store db.Store, name string) (*Tree[K, V], error) {
	part, err := store.OpenPartition(name)
	if err != nil {
		return nil, err
	}
	return &Tree[K, V]{store: store, part: part}, nil
}

// Name returns the collection name.
func (t *Tree[K, V]) Name() string {
	return t.part.Name()
}

// joinable seals the Joinable interface to Tree.
func (t *Tree[K, V]) joinable() (db.Store, db.Partition) {
	return t.store, t.part
}

// Insert stores value under key and returns a view of the displaced value,
// or nil if the key was absent.
func (t *Tree[K, V]) Insert(key K, value V) (*Value[V], error) {
	var kb, vb [scratchSize]byte
	ek, err := codec.MarshalAppend(kb[:0], key)
	if err != nil {
		return nil, err
	}
	ev, err := codec.MarshalAppend(vb[:0], value)
	if err != nil {
		return nil, err
	}
	prev, err := t.part.Put(ek, ev)
	if err != nil {
		return nil, err
	}
	return valueView[V](prev), nil
}

// Get returns a view of the value stored under key, or nil if the key is
// absent.
func (t *Tree[K, V]) Get(key K) (*Value[V], error) {
	var kb [scratchSize]byte
	ek, err := codec.MarshalAppend(kb[:0], key)
	if err != nil {
		return nil, err
	}
	raw, err := t.part.Get(ek)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Value[V]{raw: raw}, nil
}

// Remove deletes key and returns a view of the removed value, or nil if the
// key was absent. Removing an absent key is not an error.
func (t *Tree[K, V]) Remove(key K) (*Value[V], error) {
	var kb [scratchSize]byte
	ek, err := codec.MarshalAppend(kb[:0], key)
	if err != nil {
		return nil, err
	}
	prev, err := t.part.Delete(ek)
	if err != nil {
		return nil, err
	}
	return valueView[V](prev), nil
}

// ApplyBatch applies every staged operation atomically and consumes the
// batch.
func (t *Tree[K, V]) ApplyBatch(b *Batch[K, V]) error {
	ops, err := b.take()
	if err != nil {
		return err
	}
	return t.part.ApplyBatch(ops)
}

// Iter iterates the whole collection.
func (t *Tree[K, V]) Iter() *Iter[K, V] {
	return newIter[K, V](t.part, nil, nil)
}

// Range iterates the half-open key interval [from, to). A nil bound leaves
// that end of the interval open. Bounds compare by encoded bytes: byte
// arrays and equal-length strings order naturally, little-endian integers
// do not.
func (t *Tree[K, V]) Range(from, to *K) (*Iter[K, V], error) {
	var lo, hi []byte
	var err error
	if from != nil {
		if lo, err = codec.Marshal(*from); err != nil {
			return nil, err
		}
	}
	if to != nil {
		if hi, err = codec.Marshal(*to); err != nil {
			return nil, err
		}
	}
	return newIter[K, V](t.part, lo, hi), nil
}

// ScanPrefix iterates every entry of tree whose encoded key starts with the
// encoded bytes of prefix. The prefix type is independent of the key type so
// composite keys can be scanned by a leading part, e.g. a struct key by its
// first field. The match is on encoded bytes: varint and length-prefixed
// encodings rarely form meaningful prefixes, so this works best with
// fixed-width leading fields. It is a function rather than a method because
// methods cannot introduce the extra type parameter.
func ScanPrefix[K, V, P any](tree *Tree[K, V], prefix P) (*Iter[K, V], error) {
	ep, err := codec.Marshal(prefix)
	if err != nil {
		return nil, err
	}
	return newIter[K, V](tree.part, ep, db.PrefixUpperBound(ep)), nil
}

// PopMin removes and returns the entry with the smallest key, or nil if the
// collection is empty.
func (t *Tree[K, V]) PopMin() (*KeyValue[K, V], error) {
	return t.pop(t.part.PopMin)
}

// PopMax removes and returns the entry with the largest key, or nil if the
// collection is empty.
func (t *Tree[K, V]) PopMax() (*KeyValue[K, V], error) {
	return t.pop(t.part.PopMax)
}

func (t *Tree[K, V]) pop(take func() (key, value []byte, err error)) (*KeyValue[K, V], error) {
	k, v, err := take()
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &KeyValue[K, V]{rawKey: k, rawValue: v}, nil
}

// Len counts the entries. The engine may have to scan the collection, so
// this is linear in its size.
func (t *Tree[K, V]) Len() (int, error) {
	return t.part.Count()
}

// IsEmpty reports whether the collection has no entries. Unlike Len it
// probes for a first entry instead of counting.
func (t *Tree[K, V]) IsEmpty() (bool, error) {
	it, err := t.part.NewIter(nil, nil)
	if err != nil {
		return false, err
	}
	defer it.Close()

	if it.Next() {
		return false, nil
	}
	if err := it.Error(); err != nil {
		return false, err
	}
	return true, nil
}

// Clear removes every entry.
func (t *Tree[K, V]) Clear() error {
	return t.part.Clear()
}

// Flush blocks until writes accepted so far are durable or ctx is done. The
// barrier is store wide, not per collection.
func (t *Tree[K, V]) Flush(ctx context.Context) error {
	return t.store.Flush(ctx)
}

// Transact runs fn in a transaction over just this tree. See Joined.Transact
// for the retry and error contract.
func (t *Tree[K, V]) Transact(fn func(*Txn) error) error {
	return Join(t).Transact(fn)
}
