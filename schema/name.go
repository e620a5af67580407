package schema

import "reflect"

// Named lets a message type choose its own discriminator instead of its Go
// type name. It must be implemented on the value receiver.
type Named interface {
	MessageName() string
}

var namedType = reflect.TypeOf((*Named)(nil)).Elem()

// Name returns the discriminator for a message value.
func Name(v any) string {
	if v == nil {
		return ""
	}
	return nameOfType(reflect.TypeOf(v))
}

// NameOf returns the discriminator for message type T.
func NameOf[T any]() string {
	return nameOfType(reflect.TypeOf((*T)(nil)).Elem())
}

func nameOfType(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Interface && t.Implements(namedType) {
		return reflect.Zero(t).Interface().(Named).MessageName()
	}
	return t.Name()
}
