// Package bstruct encodes Go structs into binary records with an
// explicit byte order. It exists for building fixed-layout structures
// (such as ELF file and program headers) field by field without
// hand-writing offset arithmetic.
package bstruct

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"reflect"
)

// Byter abstracts types that can encode themselves using a given
// byte order.
type Byter interface {
	ToBytes(binary.ByteOrder) []byte
}

// FieldInfo describes a single encoded struct field.
type FieldInfo struct {
	Index int
	Name  string
	Type  string
	Value []byte
}

var (
	// DefaultExitFn is invoked by functions and methods ending in
	// the "OrExit" suffix when an error occurs.
	DefaultExitFn = func(err error) {
		log.Fatalln(err)
	}
)

// StructToBytesOrExit calls StructToBytes. It calls DefaultExitFn if
// an error occurs.
func StructToBytesOrExit(s interface{}, bo binary.ByteOrder, optFn func(FieldInfo) error) []byte {
	b, err := StructToBytes(s, bo, optFn)
	if err != nil {
		DefaultExitFn(err)
	}

	return b
}

// StructToBytes encodes the fields of s in declaration order using
// the specified byte order. Supported field types are byte, the
// fixed-width unsigned integers, []byte, byte arrays, and any type
// implementing Byter.
//
// If optFn is non-nil, it is invoked once per field after the field
// has been encoded. Returning a non-nil error from optFn aborts
// the encoding.
func StructToBytes(s interface{}, bo binary.ByteOrder, optFn func(FieldInfo) error) ([]byte, error) {
	if s == nil {
		return nil, errors.New("struct is nil")
	}

	structValue := reflect.ValueOf(s)
	if structValue.Kind() != reflect.Struct {
		return nil, fmt.Errorf("unsupported type %T - expected a struct", s)
	}

	structType := structValue.Type()

	numFields := structValue.NumField()

	var b []byte

	for i := 0; i < numFields; i++ {
		field := structType.Field(i)
		fieldValue := structValue.Field(i)

		at := len(b)

		var err error

		b, err = appendField(b, fieldValue, bo)
		if err != nil {
			return nil, fmt.Errorf("failed to encode field %q (index %d) - %w",
				field.Name, i, err)
		}

		if optFn != nil {
			err := optFn(FieldInfo{
				Index: i,
				Name:  field.Name,
				Type:  field.Type.String(),
				Value: b[at:],
			})
			if err != nil {
				return nil, err
			}
		}
	}

	return b, nil
}

func appendField(b []byte, fieldValue reflect.Value, bo binary.ByteOrder) ([]byte, error) {
	switch t := fieldValue.Interface().(type) {
	case Byter:
		return append(b, t.ToBytes(bo)...), nil
	case uint8:
		return append(b, t), nil
	case uint16:
		b = append(b, make([]byte, 2)...)
		bo.PutUint16(b[len(b)-2:], t)

		return b, nil
	case uint32:
		b = append(b, make([]byte, 4)...)
		bo.PutUint32(b[len(b)-4:], t)

		return b, nil
	case uint64:
		b = append(b, make([]byte, 8)...)
		bo.PutUint64(b[len(b)-8:], t)

		return b, nil
	case []byte:
		return append(b, t...), nil
	}

	// Byte arrays (e.g., an ELF header's e_ident field) do not
	// satisfy the []byte case above.
	if fieldValue.Kind() == reflect.Array && fieldValue.Type().Elem().Kind() == reflect.Uint8 {
		for i := 0; i < fieldValue.Len(); i++ {
			b = append(b, byte(fieldValue.Index(i).Uint()))
		}

		return b, nil
	}

	return nil, fmt.Errorf("unsupported data type %T", fieldValue.Interface())
}
