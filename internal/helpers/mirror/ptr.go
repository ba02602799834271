package mirror

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrNotPointer         = errors.New("config target is not a pointer")
	ErrNilPointer         = errors.New("config target is a nil pointer")
	ErrInvalidPointerKind = errors.New("config target does not point to a struct")
)

// IsStructPointer checks that v can be decoded into by the config loaders.
// The returned error wraps one of the sentinels above and names the type.
func IsStructPointer(v any) error {
	rv := reflect.ValueOf(v)
	switch {
	case rv.Kind() != reflect.Pointer:
		return fmt.Errorf("%w: %T", ErrNotPointer, v)
	case rv.IsNil():
		return fmt.Errorf("%w: %T", ErrNilPointer, v)
	case rv.Elem().Kind() != reflect.Struct:
		return fmt.Errorf("%w: %T", ErrInvalidPointerKind, v)
	}
	return nil
}
