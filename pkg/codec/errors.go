package codec

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrUnsupportedType is the cause reported for Go types the encoding cannot
// represent (channels, functions, interfaces, complex numbers).
var ErrUnsupportedType = errors.New("unsupported type")

var (
	errTrailingBytes        = errors.New("trailing bytes after value")
	errVarintOverflow       = errors.New("varint overflows 64 bits")
	errInvalidBool          = errors.New("invalid boolean byte")
	errInvalidPointerMarker = errors.New("invalid pointer marker")
)

// EncodeError reports a value that could not be encoded.
type EncodeError struct {
	Type reflect.Type
	Err  error
}

func (e *EncodeError) Error() string {
	if e.Type == nil {
		return fmt.Sprintf("codec: encode: %v", e.Err)
	}
	return fmt.Sprintf("codec: encode %s: %v", e.Type, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// DecodeError reports input that could not be decoded into the target type,
// with the offset at which decoding failed.
type DecodeError struct {
	Type   reflect.Type
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Type == nil {
		return fmt.Sprintf("codec: decode: %v", e.Err)
	}
	return fmt.Sprintf("codec: decode %s at offset %d: %v", e.Type, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
