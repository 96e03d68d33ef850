// Package encoding holds the marshalers used for options files, cached snapshots and stored records.
package encoding

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack"
)

// Marshaler interface specifies encoding to byte array and back to the object.
type Marshaler interface {
	// Encodes any object to byte array.
	Marshal(v any) ([]byte, error)
	// Decodes byte array back to its Object type.
	Unmarshal(data []byte, v any) error
}

// DefaultMarshaler is the JSON marshaler used for human edited payloads (options files).
var DefaultMarshaler = NewMarshaler()

// BinaryMarshaler packs cached snapshots and stored records. Defaults to msgpack.
var BinaryMarshaler = NewMsgpackMarshaler()

type defaultMarshaler struct{}

// NewMarshaler returns the marshaler based on the golang json package.
func NewMarshaler() Marshaler {
	return &defaultMarshaler{}
}

func (m defaultMarshaler) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (m defaultMarshaler) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type msgpackMarshaler struct{}

// NewMsgpackMarshaler returns a compact binary marshaler based on msgpack.
func NewMsgpackMarshaler() Marshaler {
	return &msgpackMarshaler{}
}

func (m msgpackMarshaler) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (m msgpackMarshaler) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// Marshal that can do byte array pass-through.
func Marshal[T any](m Marshaler, v T) ([]byte, error) {
	switch tv := any(v).(type) {
	case *[]byte:
		return *tv, nil
	case []byte:
		return tv, nil
	default:
		return m.Marshal(v)
	}
}

// Unmarshal that can do byte array pass-through.
func Unmarshal[T any](m Marshaler, ba []byte, v *T) error {
	if p, ok := any(v).(*[]byte); ok {
		*p = ba
		return nil
	}
	return m.Unmarshal(ba, v)
}
