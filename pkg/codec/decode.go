package codec

import (
	"encoding"
	"encoding/binary"
	"io"
	"math"
	"reflect"
	"unsafe"
)

var binaryUnmarshalerType = reflect.TypeOf((*encoding.BinaryUnmarshaler)(nil)).Elem()

// Unmarshal decodes data into the value dst points to. The whole buffer
// must be consumed; trailing bytes are an error.
//
// Decoding borrows from data: string and []byte destinations alias the
// input buffer instead of copying it. The caller must not modify data while
// any decoded value is still in use.
func Unmarshal(data []byte, dst interface{}) error {
	dstv := reflect.ValueOf(dst)
	if dstv.Kind() != reflect.Ptr || dstv.IsNil() {
		return &DecodeError{Type: reflect.TypeOf(dst), Err: ErrUnsupportedType}
	}

	d := decoder{data: data}
	if err := d.unmarshal(dstv.Elem()); err != nil {
		return err
	}
	if d.off != len(d.data) {
		return d.fail(dstv.Elem().Type(), errTrailingBytes)
	}
	return nil
}

type decoder struct {
	data []byte
	off  int
}

func (d *decoder) fail(t reflect.Type, err error) *DecodeError {
	return &DecodeError{Type: t, Offset: int64(d.off), Err: err}
}

// take returns the next n bytes as a sub-slice of the input, without
// copying.
func (d *decoder) take(n int, t reflect.Type) ([]byte, error) {
	if n < 0 || n > len(d.data)-d.off {
		return nil, d.fail(t, io.ErrUnexpectedEOF)
	}
	b := d.data[d.off : d.off+n : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) byte(t reflect.Type) (byte, error) {
	if d.off >= len(d.data) {
		return 0, d.fail(t, io.ErrUnexpectedEOF)
	}
	b := d.data[d.off]
	d.off++
	return b, nil
}

func (d *decoder) uvarint(t reflect.Type) (uint64, error) {
	u, n := binary.Uvarint(d.data[d.off:])
	if n == 0 {
		return 0, d.fail(t, io.ErrUnexpectedEOF)
	}
	if n < 0 {
		return 0, d.fail(t, errVarintOverflow)
	}
	d.off += n
	return u, nil
}

// length reads a collection length and rejects values that could not fit in
// the remaining input, so hostile lengths fail before allocating. Zero-size
// elements consume no input and get a fixed cap instead.
func (d *decoder) length(t reflect.Type, elemSize uintptr) (int, error) {
	u, err := d.uvarint(t)
	if err != nil {
		return 0, err
	}
	if elemSize > 0 {
		if u > uint64(len(d.data)-d.off) {
			return 0, d.fail(t, io.ErrUnexpectedEOF)
		}
	} else if u > math.MaxInt32 {
		return 0, d.fail(t, errVarintOverflow)
	}
	return int(u), nil
}

func (d *decoder) unmarshal(v reflect.Value) error {
	t := v.Type()

	if v.CanAddr() && reflect.PtrTo(t).Implements(binaryUnmarshalerType) {
		n, err := d.length(t, 1)
		if err != nil {
			return err
		}
		b, err := d.take(n, t)
		if err != nil {
			return err
		}
		if err := v.Addr().Interface().(encoding.BinaryUnmarshaler).UnmarshalBinary(b); err != nil {
			return d.fail(t, err)
		}
		return nil
	}

	switch v.Kind() {
	case reflect.Bool:
		b, err := d.byte(t)
		if err != nil {
			return err
		}
		if b > 1 {
			return d.fail(t, errInvalidBool)
		}
		v.SetBool(b == 1)
	case reflect.Int:
		u, err := d.uvarint(t)
		if err != nil {
			return err
		}
		v.SetInt(unzigzag(u))
	case reflect.Int8:
		b, err := d.byte(t)
		if err != nil {
			return err
		}
		v.SetInt(int64(int8(b)))
	case reflect.Int16:
		b, err := d.take(2, t)
		if err != nil {
			return err
		}
		v.SetInt(int64(int16(binary.LittleEndian.Uint16(b))))
	case reflect.Int32:
		b, err := d.take(4, t)
		if err != nil {
			return err
		}
		v.SetInt(int64(int32(binary.LittleEndian.Uint32(b))))
	case reflect.Int64:
		b, err := d.take(8, t)
		if err != nil {
			return err
		}
		v.SetInt(int64(binary.LittleEndian.Uint64(b)))
	case reflect.Uint:
		u, err := d.uvarint(t)
		if err != nil {
			return err
		}
		v.SetUint(u)
	case reflect.Uint8:
		b, err := d.byte(t)
		if err != nil {
			return err
		}
		v.SetUint(uint64(b))
	case reflect.Uint16:
		b, err := d.take(2, t)
		if err != nil {
			return err
		}
		v.SetUint(uint64(binary.LittleEndian.Uint16(b)))
	case reflect.Uint32:
		b, err := d.take(4, t)
		if err != nil {
			return err
		}
		v.SetUint(uint64(binary.LittleEndian.Uint32(b)))
	case reflect.Uint64:
		b, err := d.take(8, t)
		if err != nil {
			return err
		}
		v.SetUint(binary.LittleEndian.Uint64(b))
	case reflect.Float32:
		b, err := d.take(4, t)
		if err != nil {
			return err
		}
		v.SetFloat(float64(math.Float32frombits(binary.LittleEndian.Uint32(b))))
	case reflect.Float64:
		b, err := d.take(8, t)
		if err != nil {
			return err
		}
		v.SetFloat(math.Float64frombits(binary.LittleEndian.Uint64(b)))
	case reflect.String:
		n, err := d.length(t, 1)
		if err != nil {
			return err
		}
		b, err := d.take(n, t)
		if err != nil {
			return err
		}
		v.SetString(borrowString(b))
	case reflect.Slice:
		return d.decodeSlice(v)
	case reflect.Array:
		return d.decodeArray(v)
	case reflect.Struct:
		return d.decodeStruct(v)
	case reflect.Ptr:
		return d.decodePointer(v)
	case reflect.Map:
		return d.decodeMap(v)
	default:
		return d.fail(t, ErrUnsupportedType)
	}
	return nil
}

func (d *decoder) decodeSlice(v reflect.Value) error {
	t := v.Type()
	if t.Elem().Kind() == reflect.Uint8 {
		n, err := d.length(t, 1)
		if err != nil {
			return err
		}
		b, err := d.take(n, t)
		if err != nil {
			return err
		}
		v.SetBytes(b)
		return nil
	}

	n, err := d.length(t, t.Elem().Size())
	if err != nil {
		return err
	}
	out := reflect.MakeSlice(t, n, n)
	for i := 0; i < n; i++ {
		if err := d.unmarshal(out.Index(i)); err != nil {
			return err
		}
	}
	v.Set(out)
	return nil
}

func (d *decoder) decodeArray(v reflect.Value) error {
	t := v.Type()
	if t.Elem().Kind() == reflect.Uint8 {
		b, err := d.take(v.Len(), t)
		if err != nil {
			return err
		}
		reflect.Copy(v, reflect.ValueOf(b))
		return nil
	}
	for i := 0; i < v.Len(); i++ {
		if err := d.unmarshal(v.Index(i)); err != nil {
			return err
		}
	}
	return nil
}

func (d *decoder) decodeStruct(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() || field.Tag.Get("codec") == "-" {
			continue
		}
		if err := d.unmarshal(v.Field(i)); err != nil {
			return err
		}
	}
	return nil
}

func (d *decoder) decodePointer(v reflect.Value) error {
	t := v.Type()
	marker, err := d.byte(t)
	if err != nil {
		return err
	}
	switch marker {
	case 0x00:
		v.Set(reflect.Zero(t))
		return nil
	case 0x01:
		if v.IsNil() {
			v.Set(reflect.New(t.Elem()))
		}
		return d.unmarshal(v.Elem())
	default:
		return d.fail(t, errInvalidPointerMarker)
	}
}

func (d *decoder) decodeMap(v reflect.Value) error {
	t := v.Type()
	n, err := d.length(t, 1)
	if err != nil {
		return err
	}
	out := reflect.MakeMapWithSize(t, n)
	for i := 0; i < n; i++ {
		key := reflect.New(t.Key()).Elem()
		if err := d.unmarshal(key); err != nil {
			return err
		}
		val := reflect.New(t.Elem()).Elem()
		if err := d.unmarshal(val); err != nil {
			return err
		}
		out.SetMapIndex(key, val)
	}
	v.Set(out)
	return nil
}

// borrowString aliases b as a string without copying. Safe as long as the
// input buffer is never modified, which Unmarshal's contract requires.
func borrowString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
