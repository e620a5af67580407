package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/pkg/errors"
)

// FieldError reports a field the target message declares but the encoded
// value does not carry.
type FieldError struct {
	Field string
	Kind  string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("schema: field %q is missing from encoded object of type %q", e.Field, e.Kind)
}

// DecodeAs decodes value into a new message of type T. T is a struct type
// or a pointer to one.
func DecodeAs[T any](value any) (T, error) {
	var out T
	rv := reflect.ValueOf(&out).Elem()
	if rv.Kind() == reflect.Pointer && rv.Type().Elem().Kind() == reflect.Struct {
		p := reflect.New(rv.Type().Elem())
		if err := Decode(p.Interface(), value); err != nil {
			return out, err
		}
		rv.Set(p)
		return out, nil
	}
	err := Decode(&out, value)
	return out, err
}

// Decode fills the struct pointed to by target from a structured value.
//
// Keys unknown to the target are ignored. Every field the target declares
// must be present. A value whose Go type already fits the field is used as
// is; anything else is converted recursively: objects into nested structs,
// e00..e33 objects into 16-element numeric arrays, x/y/z objects into
// 3-element numeric arrays and numbers into numeric fields. Strings, bools
// and numbers are never converted into one another.
func Decode(target any, value any) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.Wrapf(ErrUnsupported, "schema: decode target must be a non-nil pointer, got %T", target)
	}
	elem := rv.Elem()
	if elem.Kind() != reflect.Struct {
		return errors.Wrapf(ErrUnsupported, "schema: cannot decode into %s", elem.Type())
	}
	return decodeValue(elem, value)
}

func decodeValue(dst reflect.Value, v any) error {
	t := dst.Type()
	if v != nil && reflect.TypeOf(v).AssignableTo(t) {
		dst.Set(reflect.ValueOf(v))
		return nil
	}

	switch t.Kind() {
	case reflect.Struct:
		return decodeStruct(dst, v)
	case reflect.Pointer:
		if v == nil {
			dst.Set(reflect.Zero(t))
			return nil
		}
		p := reflect.New(t.Elem())
		if err := decodeValue(p.Elem(), v); err != nil {
			return err
		}
		dst.Set(p)
		return nil
	case reflect.Interface:
		if v == nil {
			dst.Set(reflect.Zero(t))
			return nil
		}
		return mismatch(t, v)
	case reflect.Array:
		return decodeArray(dst, v)
	case reflect.Slice:
		return decodeSlice(dst, v)
	case reflect.Map:
		return decodeMap(dst, v)
	case reflect.Bool:
		b, ok := v.(bool)
		if !ok {
			return mismatch(t, v)
		}
		dst.SetBool(b)
		return nil
	case reflect.String:
		// json.Number is a string type but stays a number here.
		if _, isNum := v.(json.Number); isNum {
			return mismatch(t, v)
		}
		rv := reflect.ValueOf(v)
		if v == nil || rv.Kind() != reflect.String {
			return mismatch(t, v)
		}
		dst.SetString(rv.String())
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := asInt64(v)
		if err != nil {
			return errors.Wrapf(err, "decode %s", t)
		}
		if dst.OverflowInt(n) {
			return errors.Errorf("schema: %d overflows %s", n, t)
		}
		dst.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := asUint64(v)
		if err != nil {
			return errors.Wrapf(err, "decode %s", t)
		}
		if dst.OverflowUint(n) {
			return errors.Errorf("schema: %d overflows %s", n, t)
		}
		dst.SetUint(n)
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := asFloat64(v)
		if err != nil {
			return errors.Wrapf(err, "decode %s", t)
		}
		if dst.OverflowFloat(f) {
			return errors.Errorf("schema: %g overflows %s", f, t)
		}
		dst.SetFloat(f)
		return nil
	}
	return errors.Wrapf(ErrUnsupported, "schema: no decoder for %s", t)
}

func decodeStruct(dst reflect.Value, v any) error {
	t := dst.Type()
	m, ok := v.(map[string]any)
	if !ok {
		return errors.Wrapf(ErrNotStructured, "schema: cannot decode %s from %s", t, describe(v))
	}

	for _, f := range fieldsOf(t) {
		raw, present := m[f.key]
		if !present {
			return &FieldError{Field: f.key, Kind: nameOfType(t)}
		}
		if err := decodeValue(dst.Field(f.index), raw); err != nil {
			return errors.Wrapf(err, "field %q of %s", f.key, nameOfType(t))
		}
	}
	return nil
}

func decodeArray(dst reflect.Value, v any) error {
	t := dst.Type()
	if !isNumericKind(t.Elem().Kind()) {
		return errors.Wrapf(ErrUnsupported, "schema: no decoder for %s", t)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return errors.Wrapf(ErrNotStructured, "schema: cannot decode %s from %s", t, describe(v))
	}

	var keys []string
	switch len(m) {
	case len(matrixKeys):
		if !hasExactly(m, matrixKeys[:]) {
			return errors.Wrap(ErrArrayShape, "schema: encoded array is not a 4x4 matrix")
		}
		keys = matrixKeys[:]
	case len(vectorKeys):
		if !hasExactly(m, vectorKeys[:]) {
			return errors.Wrap(ErrArrayShape, "schema: encoded array is not a 3-vector")
		}
		keys = vectorKeys[:]
	default:
		return errors.Wrapf(ErrArrayShape, "schema: encoded array with %d elements is unsupported", len(m))
	}
	if t.Len() != len(keys) {
		return errors.Wrapf(ErrArrayShape, "schema: cannot decode %d elements into %s", len(keys), t)
	}

	for i, k := range keys {
		if err := decodeValue(dst.Index(i), m[k]); err != nil {
			return errors.Wrapf(err, "element %s", k)
		}
	}
	return nil
}

func decodeSlice(dst reflect.Value, v any) error {
	t := dst.Type()
	if v == nil {
		dst.Set(reflect.Zero(t))
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return mismatch(t, v)
	}
	out := reflect.MakeSlice(t, len(items), len(items))
	for i, item := range items {
		if err := decodeValue(out.Index(i), item); err != nil {
			return errors.Wrapf(err, "index %d", i)
		}
	}
	dst.Set(out)
	return nil
}

func decodeMap(dst reflect.Value, v any) error {
	t := dst.Type()
	if t.Key().Kind() != reflect.String {
		return errors.Wrapf(ErrUnsupported, "schema: map key %s", t.Key())
	}
	if v == nil {
		dst.Set(reflect.Zero(t))
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return errors.Wrapf(ErrNotStructured, "schema: cannot decode %s from %s", t, describe(v))
	}
	out := reflect.MakeMapWithSize(t, len(m))
	for k, item := range m {
		ev := reflect.New(t.Elem()).Elem()
		if err := decodeValue(ev, item); err != nil {
			return errors.Wrapf(err, "key %q", k)
		}
		out.SetMapIndex(reflect.ValueOf(k).Convert(t.Key()), ev)
	}
	dst.Set(out)
	return nil
}

func hasExactly(m map[string]any, keys []string) bool {
	if len(m) != len(keys) {
		return false
	}
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

func mismatch(t reflect.Type, v any) error {
	return errors.Errorf("schema: cannot decode %s from %s", t, describe(v))
}

func asInt64(v any) (int64, error) {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, errors.Wrapf(err, "schema: bad number %q", n)
		}
		return floatToInt(f)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, errors.Errorf("schema: %d overflows int64", u)
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		return floatToInt(rv.Float())
	}
	return 0, errors.Errorf("schema: %s is not a number", describe(v))
}

func floatToInt(f float64) (int64, error) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, errors.Errorf("schema: %g is not an integer", f)
	}
	return int64(f), nil
}

func asUint64(v any) (uint64, error) {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			if i < 0 {
				return 0, errors.Errorf("schema: %d is negative", i)
			}
			return uint64(i), nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, errors.Wrapf(err, "schema: bad number %q", n)
		}
		return floatToUint(f)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		if i < 0 {
			return 0, errors.Errorf("schema: %d is negative", i)
		}
		return uint64(i), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return floatToUint(rv.Float())
	}
	return 0, errors.Errorf("schema: %s is not a number", describe(v))
}

func floatToUint(f float64) (uint64, error) {
	if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 {
		return 0, errors.Errorf("schema: %g is not an unsigned integer", f)
	}
	return uint64(f), nil
}

func asFloat64(v any) (float64, error) {
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		if err != nil {
			return 0, errors.Wrapf(err, "schema: bad number %q", n)
		}
		return f, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}
	return 0, errors.Errorf("schema: %s is not a number", describe(v))
}
