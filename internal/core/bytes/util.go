package bytes

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
)

// StripPadding returns a slice of b without the trailing 0s.
func StripPadding(b []byte) []byte {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0 {
			return b[:i+1]
		}
	}
	return []byte{}
}

// BytesFromStruct serializes the fields of a struct to an array of bytes in the
// order in which the fields are declared, using the given byte order for
// multi-byte fields. data must be a struct or pointer to struct.
func BytesFromStruct(data interface{}, order binary.ByteOrder) ([]byte, error) {
	val := reflect.ValueOf(data)
	valKind := val.Kind()

	if valKind == reflect.Ptr {
		val = val.Elem()
		valKind = val.Kind()
	}

	if valKind != reflect.Struct {
		return nil, fmt.Errorf("BytesFromStruct(): data must be of type struct or ptr to struct, got: %s", valKind)
	}

	convertedBytes := new(bytes.Buffer)
	// It's possible to use binary.Write on val.Interface itself, but doing
	// so prevents this function from working with dynamically sized types.
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)

		var err error
		switch kind := field.Kind(); kind {
		case reflect.Struct, reflect.Ptr:
			var b []byte
			if b, err = BytesFromStruct(field.Interface(), order); err == nil {
				_, err = convertedBytes.Write(b)
			}
		default:
			err = binary.Write(convertedBytes, order, field.Interface())
		}
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", val.Type().Field(i).Name, err)
		}
	}
	return convertedBytes.Bytes(), nil
}

// StructFromBytes populates the struct pointed to by targetStruct by reading in a
// stream of bytes and filling the values in sequential order. It fails if data
// is too short to fill every field.
func StructFromBytes(data []byte, targetStruct interface{}, order binary.ByteOrder) error {
	targetVal := reflect.ValueOf(targetStruct)

	if valKind := targetVal.Kind(); valKind != reflect.Ptr || targetVal.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("StructFromBytes(): targetStruct must be a ptr to struct, got: %s", valKind)
	}

	reader := bytes.NewReader(data)
	val := targetVal.Elem()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)

		var err error
		switch field.Kind() {
		case reflect.Ptr:
			err = binary.Read(reader, order, field.Interface())
		default:
			err = binary.Read(reader, order, field.Addr().Interface())
		}
		if err != nil {
			return fmt.Errorf("field %s: %w", val.Type().Field(i).Name, err)
		}
	}
	return nil
}
