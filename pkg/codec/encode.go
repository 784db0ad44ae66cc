// Package codec implements the fixed binary encoding stored keys and values
// use: little-endian fixed-width sized integers, LEB128 varints for int,
// uint and lengths (zigzag for int), length-prefixed strings, byte slices
// and maps, structs field by field, arrays raw and one-byte nil markers for
// pointers. Map entries are ordered by encoded key bytes so equal values
// always encode to equal bytes. Types may take over their own encoding by
// implementing encoding.BinaryMarshaler and encoding.BinaryUnmarshaler;
// their payload is length-prefixed in the stream.
package codec

import (
	"encoding"
	"encoding/binary"
	"math"
	"reflect"
	"sort"
)

var binaryMarshalerType = reflect.TypeOf((*encoding.BinaryMarshaler)(nil)).Elem()

// Marshal returns the encoding of v.
func Marshal(v interface{}) ([]byte, error) {
	return MarshalAppend(nil, v)
}

// MarshalAppend appends the encoding of v to dst and returns the extended
// buffer. Callers with small values can pass a stack scratch buffer as dst
// and avoid heap allocation; the bytes produced do not depend on dst.
func MarshalAppend(dst []byte, v interface{}) ([]byte, error) {
	e := encoder{buf: dst}
	if err := e.marshal(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return e.buf, nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) marshal(v reflect.Value) error {
	if !v.IsValid() {
		return &EncodeError{Err: ErrUnsupportedType}
	}

	if m, ok := e.marshaler(v); ok {
		b, err := m.MarshalBinary()
		if err != nil {
			return &EncodeError{Type: v.Type(), Err: err}
		}
		e.length(len(b))
		e.buf = append(e.buf, b...)
		return nil
	}

	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			e.buf = append(e.buf, 0x01)
		} else {
			e.buf = append(e.buf, 0x00)
		}
	case reflect.Int:
		e.buf = binary.AppendUvarint(e.buf, zigzag(v.Int()))
	case reflect.Int8:
		e.buf = append(e.buf, byte(v.Int()))
	case reflect.Int16:
		e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(v.Int()))
	case reflect.Int32:
		e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(v.Int()))
	case reflect.Int64:
		e.buf = binary.LittleEndian.AppendUint64(e.buf, uint64(v.Int()))
	case reflect.Uint:
		e.buf = binary.AppendUvarint(e.buf, v.Uint())
	case reflect.Uint8:
		e.buf = append(e.buf, byte(v.Uint()))
	case reflect.Uint16:
		e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(v.Uint()))
	case reflect.Uint32:
		e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(v.Uint()))
	case reflect.Uint64:
		e.buf = binary.LittleEndian.AppendUint64(e.buf, v.Uint())
	case reflect.Float32:
		e.buf = binary.LittleEndian.AppendUint32(e.buf, math.Float32bits(float32(v.Float())))
	case reflect.Float64:
		e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(v.Float()))
	case reflect.String:
		e.length(v.Len())
		e.buf = append(e.buf, v.String()...)
	case reflect.Slice:
		return e.encodeSlice(v)
	case reflect.Array:
		return e.encodeArray(v)
	case reflect.Struct:
		return e.encodeStruct(v)
	case reflect.Ptr:
		return e.encodePointer(v)
	case reflect.Map:
		return e.encodeMap(v)
	default:
		return &EncodeError{Type: v.Type(), Err: ErrUnsupportedType}
	}
	return nil
}

// marshaler reports whether v or its address implements
// encoding.BinaryMarshaler.
func (e *encoder) marshaler(v reflect.Value) (encoding.BinaryMarshaler, bool) {
	t := v.Type()
	if t.Implements(binaryMarshalerType) {
		if v.Kind() == reflect.Ptr && v.IsNil() {
			return nil, false
		}
		return v.Interface().(encoding.BinaryMarshaler), true
	}
	if v.CanAddr() && reflect.PtrTo(t).Implements(binaryMarshalerType) {
		return v.Addr().Interface().(encoding.BinaryMarshaler), true
	}
	return nil, false
}

func (e *encoder) length(n int) {
	e.buf = binary.AppendUvarint(e.buf, uint64(n))
}

func (e *encoder) encodeSlice(v reflect.Value) error {
	if v.Type().Elem().Kind() == reflect.Uint8 {
		e.length(v.Len())
		e.buf = append(e.buf, v.Bytes()...)
		return nil
	}
	e.length(v.Len())
	for i := 0; i < v.Len(); i++ {
		if err := e.marshal(v.Index(i)); err != nil {
			return err
		}
	}
	return nil
}

// encodeArray writes array elements back to back; the length is part of the
// type, so it is not encoded.
func (e *encoder) encodeArray(v reflect.Value) error {
	if v.Type().Elem().Kind() == reflect.Uint8 {
		for i := 0; i < v.Len(); i++ {
			e.buf = append(e.buf, byte(v.Index(i).Uint()))
		}
		return nil
	}
	for i := 0; i < v.Len(); i++ {
		if err := e.marshal(v.Index(i)); err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) encodeStruct(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() || field.Tag.Get("codec") == "-" {
			continue
		}
		if err := e.marshal(v.Field(i)); err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) encodePointer(v reflect.Value) error {
	if v.IsNil() {
		e.buf = append(e.buf, 0x00)
		return nil
	}
	e.buf = append(e.buf, 0x01)
	return e.marshal(v.Elem())
}

// encodeMap writes entries sorted by their encoded key bytes, making the
// output independent of map iteration order.
func (e *encoder) encodeMap(v reflect.Value) error {
	e.length(v.Len())
	if v.Len() == 0 {
		return nil
	}

	type entry struct {
		key   []byte
		value reflect.Value
	}
	entries := make([]entry, 0, v.Len())

	iter := v.MapRange()
	for iter.Next() {
		ke := encoder{}
		if err := ke.marshal(iter.Key()); err != nil {
			return err
		}
		entries = append(entries, entry{key: ke.buf, value: iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return string(entries[i].key) < string(entries[j].key)
	})

	for _, ent := range entries {
		e.buf = append(e.buf, ent.key...)
		if err := e.marshal(ent.value); err != nil {
			return err
		}
	}
	return nil
}

// zigzag folds the sign bit into the low bit so small magnitudes of either
// sign stay short in varint form.
func zigzag(i int64) uint64 {
	return uint64((i << 1) ^ (i >> 63))
}

func unzigzag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}
