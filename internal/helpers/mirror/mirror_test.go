package mirror

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type sample struct {
	Name string
}

func TestNewEmpty(t *testing.T) {
	in := &sample{Name: "x"}
	out := NewEmpty(in)
	assert.NotNil(t, out)
	assert.Equal(t, "", out.Name)
	assert.NotSame(t, in, out)

	assert.Equal(t, sample{}, NewEmpty(sample{Name: "y"}))
}

func TestIsStructPointer(t *testing.T) {
	assert.NoError(t, IsStructPointer(&sample{}))
	assert.ErrorIs(t, IsStructPointer(sample{}), ErrNotPointer)
	assert.ErrorIs(t, IsStructPointer((*sample)(nil)), ErrNilPointer)
	n := 1
	assert.ErrorIs(t, IsStructPointer(&n), ErrInvalidPointerKind)
}
