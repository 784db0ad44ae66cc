package arbor

import "github.com/arbordb/arbor/pkg/codec"

// Value is a lazily decoded view of one stored value. The view owns its
// byte buffer; nothing is decoded until Value is called. Decoded []byte and
// string fields alias that buffer, which stays reachable for as long as the
// decoded value is.
type Value[V any] struct {
	raw []byte
}

// Value decodes the stored bytes. Each call decodes afresh.
func (v *Value[V]) Value() (V, error) {
	var out V
	err := codec.Unmarshal(v.raw, &out)
	return out, err
}

// Key is a lazily decoded view of one stored key.
type Key[K any] struct {
	raw []byte
}

// Key decodes the stored bytes.
func (k *Key[K]) Key() (K, error) {
	var out K
	err := codec.Unmarshal(k.raw, &out)
	return out, err
}

// KeyValue is a lazily decoded view of one stored entry.
type KeyValue[K, V any] struct {
	rawKey   []byte
	rawValue []byte
}

// Key decodes the entry's key.
func (kv *KeyValue[K, V]) Key() (K, error) {
	var out K
	err := codec.Unmarshal(kv.rawKey, &out)
	return out, err
}

// Value decodes the entry's value.
func (kv *KeyValue[K, V]) Value() (V, error) {
	var out V
	err := codec.Unmarshal(kv.rawValue, &out)
	return out, err
}

// valueView wraps engine-returned bytes, mapping the engine's nil (nothing
// displaced, nothing found) to a nil view. Present-but-empty values arrive
// as non-nil empty slices and get a real view.
func valueView[V any](raw []byte) *Value[V] {
	if raw == nil {
		return nil
	}
	return &Value[V]{raw: raw}
}
