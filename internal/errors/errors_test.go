package errors

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestE(t *testing.T) {
	t.Run("nil cause yields nil", func(t *testing.T) {
		assert.Nil(t, E(ErrEnqueue, "send", nil))
	})

	t.Run("matches kind and cause", func(t *testing.T) {
		err := E(ErrEnqueue, "send", io.ErrUnexpectedEOF)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrEnqueue))
		assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
		assert.False(t, errors.Is(err, ErrPersistence))
		assert.Equal(t, "send: enqueue error: unexpected EOF", err.Error())
	})

	t.Run("kind survives further wrapping", func(t *testing.T) {
		err := Wrap(E(ErrPersistence, "", io.EOF), "create order")
		assert.True(t, Is(err, ErrPersistence))
		assert.Equal(t, ErrPersistence, KindOf(err))
		assert.Equal(t, "create order: persistence error: EOF", err.Error())
	})
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "ignored"))
	assert.Nil(t, Wrapf(nil, "ignored %d", 1))

	err := Wrapf(io.EOF, "read %d", 3)
	assert.Equal(t, "read 3: EOF", err.Error())
	assert.True(t, Is(err, io.EOF))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Nil(t, KindOf(io.EOF))

	assert.Equal(t, ErrNotFound, KindOf(E(ErrNotFound, "get order", io.EOF)))
}
