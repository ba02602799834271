// Package nopanic runs callbacks that must not take their caller down.
package nopanic

import (
	"github.com/lattesec/agvclient/internal/helpers/debughelper"
	"github.com/lattesec/log"
)

func run[T any](name string, fn func() T) (out T, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				WithMeta("scope", "nopanic").
				Msgf("panic in %s: %v", name, r).
				Send()
			log.Debug().
				WithMeta("scope", "nopanic").
				Msg(debughelper.TraceStack()).
				Send()
			panicked = true
		}
	}()

	return fn(), false
}

// NoPanicRun returns fn's result, or the zero value if fn panicked.
func NoPanicRun[T any](name string, fn func() T) (out T) {
	out, _ = run(name, fn)
	return out
}

// NoPanicRunVoid reports whether fn panicked.
func NoPanicRunVoid(name string, fn func()) bool {
	_, panicked := run(name, func() any {
		fn()
		return nil
	})
	return panicked
}
