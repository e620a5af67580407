// Package schema converts typed message structs to and from the open
// structured value carried in frame payloads.
//
// An encoded message is a map[string]any holding one entry per exported
// struct field plus the discriminator entry "__id". Field keys follow the
// json struct tag name when one is present, otherwise the Go field name.
// Numeric arrays of length 16 travel as a 4x4 matrix with the keys
// e00..e33 (row-major) and numeric arrays of length 3 as a vector with the
// keys x, y and z, so that peers outside Go can map them onto their own
// matrix and vector types.
package schema

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

// DiscriminatorKey names the entry that carries the message kind.
const DiscriminatorKey = "__id"

var (
	// ErrUnsupported is returned for Go kinds the codec cannot represent.
	ErrUnsupported = errors.New("schema: unsupported type")
	// ErrNotStructured is returned when a key/value collection was expected.
	ErrNotStructured = errors.New("schema: value is not a structured object")
	// ErrArrayShape is returned when an encoded array has the wrong key set.
	ErrArrayShape = errors.New("schema: bad array shape")
)

var (
	matrixKeys = [16]string{
		"e00", "e01", "e02", "e03",
		"e10", "e11", "e12", "e13",
		"e20", "e21", "e22", "e23",
		"e30", "e31", "e32", "e33",
	}
	vectorKeys = [3]string{"x", "y", "z"}
)

// Matrix4 is a 4x4 matrix stored in row-major order.
type Matrix4 [16]float64

// Identity4 returns the 4x4 identity matrix.
func Identity4() Matrix4 {
	return Matrix4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// At returns the element at row r, column c.
func (m Matrix4) At(r, c int) float64 {
	return m[r*4+c]
}

// Vector3 is a 3-component vector.
type Vector3 [3]float64

// Encode converts a message struct (or a pointer to one) into its
// structured wire value and stamps the discriminator on it.
func Encode(v any) (map[string]any, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, errors.Wrap(ErrUnsupported, "schema: cannot encode nil message")
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, errors.Wrapf(ErrUnsupported, "schema: cannot encode %T as a message", v)
	}

	out, err := encodeStruct(rv)
	if err != nil {
		return nil, err
	}
	out[DiscriminatorKey] = nameOfType(rv.Type())
	return out, nil
}

// Marshal encodes v and renders it as a JSON object.
func Marshal(v any) ([]byte, error) {
	m, err := Encode(v)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrapf(err, "schema: marshal %s", Name(v))
	}
	return b, nil
}

// Unmarshal parses a JSON payload into a structured value. Numbers are kept
// as json.Number so integers survive without a float round trip.
func Unmarshal(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(err, "schema: parse payload")
	}
	if dec.More() {
		return nil, errors.New("schema: trailing data after payload object")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errors.Wrapf(ErrNotStructured, "schema: payload is %s", describe(v))
	}
	return m, nil
}

// Discriminator returns the message kind stored in an encoded value.
func Discriminator(value map[string]any) (string, bool) {
	s, ok := value[DiscriminatorKey].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func encodeStruct(rv reflect.Value) (map[string]any, error) {
	fields := fieldsOf(rv.Type())
	out := make(map[string]any, len(fields)+1)
	for _, f := range fields {
		ev, err := encodeValue(rv.Field(f.index))
		if err != nil {
			return nil, errors.Wrapf(err, "field %q of %s", f.key, rv.Type().Name())
		}
		out[f.key] = ev
	}
	return out, nil
}

func encodeValue(rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Struct:
		return encodeStruct(rv)
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return encodeValue(rv.Elem())
	case reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return encodeValue(rv.Elem())
	case reflect.Array:
		return encodeArray(rv)
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			ev, err := encodeValue(rv.Index(i))
			if err != nil {
				return nil, errors.Wrapf(err, "index %d", i)
			}
			out[i] = ev
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, errors.Wrapf(ErrUnsupported, "map key %s", rv.Type().Key())
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			ev, err := encodeValue(iter.Value())
			if err != nil {
				return nil, errors.Wrapf(err, "key %q", iter.Key().String())
			}
			out[iter.Key().String()] = ev
		}
		return out, nil
	}
	return nil, errors.Wrapf(ErrUnsupported, "%s", rv.Type())
}

func encodeArray(rv reflect.Value) (map[string]any, error) {
	if !isNumericKind(rv.Type().Elem().Kind()) {
		return nil, errors.Wrapf(ErrUnsupported, "array of %s", rv.Type().Elem())
	}

	var keys []string
	switch rv.Len() {
	case len(matrixKeys):
		keys = matrixKeys[:]
	case len(vectorKeys):
		keys = vectorKeys[:]
	default:
		return nil, errors.Wrapf(ErrUnsupported, "numeric array of length %d", rv.Len())
	}

	out := make(map[string]any, len(keys))
	for i, k := range keys {
		ev, err := encodeValue(rv.Index(i))
		if err != nil {
			return nil, err
		}
		out[k] = ev
	}
	return out, nil
}

type field struct {
	index int
	key   string
}

func fieldsOf(t reflect.Type) []field {
	fields := make([]field, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		key := sf.Name
		if tag, ok := sf.Tag.Lookup("json"); ok {
			name, _, _ := strings.Cut(tag, ",")
			if name == "-" {
				continue
			}
			if name != "" {
				key = name
			}
		}
		fields = append(fields, field{index: i, key: key})
	}
	return fields
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func describe(v any) string {
	if v == nil {
		return "null"
	}
	return reflect.TypeOf(v).String()
}
