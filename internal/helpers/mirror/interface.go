package mirror

import "reflect"

// NewEmpty returns a zeroed value shaped like v. For a pointer it allocates a
// fresh pointee, so the result can be decoded into.
func NewEmpty[T any](v T) T {
	typ := reflect.TypeOf(v)
	if typ.Kind() == reflect.Pointer {
		return reflect.New(typ.Elem()).Interface().(T)
	}
	return reflect.New(typ).Elem().Interface().(T)
}
