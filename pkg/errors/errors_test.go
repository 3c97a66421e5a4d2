package errors

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsByCode(t *testing.T) {
	base := New(4000, "ws: malformed frame")
	wrapped := base.WithError(io.ErrUnexpectedEOF)

	assert.True(t, Is(wrapped, base))
	assert.True(t, Is(wrapped, io.ErrUnexpectedEOF))
	assert.False(t, Is(wrapped, New(4004, "other")))

	outer := fmt.Errorf("read frame: %w", wrapped)
	assert.True(t, Is(outer, base))
	assert.Equal(t, 4000, CodeOf(outer))
	assert.Equal(t, "ws: malformed frame", MessageOf(outer))
}

func TestErrorImmutability(t *testing.T) {
	base := New(5030, "ws: transport unavailable")
	_ = base.WithMessage("changed")
	_ = base.WithError(io.EOF)

	assert.Equal(t, "ws: transport unavailable", base.Message)
	assert.Nil(t, base.Err)
	assert.Equal(t, "ws: transport unavailable: EOF", base.WithError(io.EOF).Error())

	clone := base.Clone()
	clone.Message = "x"
	assert.NotEqual(t, clone.Message, base.Message)
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, 0, CodeOf(io.EOF))
	assert.Equal(t, "EOF", MessageOf(io.EOF))
	assert.Equal(t, "", MessageOf(nil))
}
