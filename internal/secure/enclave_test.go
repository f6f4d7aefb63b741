package secure

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecureBufferRejectsEmpty(t *testing.T) {
	t.Parallel()

	_, err := NewSecureBuffer(nil)
	assert.Error(t, err)
}

func TestSecureBufferRoundTrip(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0xAB}, 32)
	expected := bytes.Clone(key)

	buf, err := NewSecureBuffer(key)
	require.NoError(t, err)
	defer buf.Destroy()
	assert.Equal(t, 32, buf.Size())

	err = buf.With(func(b []byte) error {
		assert.Equal(t, expected, b)
		return nil
	})
	require.NoError(t, err)
}

func TestSecureBufferWithPropagatesError(t *testing.T) {
	t.Parallel()

	buf, err := NewSecureBuffer([]byte("0123456789abcdef"))
	require.NoError(t, err)
	defer buf.Destroy()

	sentinel := errors.New("callback failed")
	assert.ErrorIs(t, buf.With(func([]byte) error { return sentinel }), sentinel)
}

func TestSecureBufferDestroy(t *testing.T) {
	t.Parallel()

	buf, err := NewSecureBuffer([]byte("0123456789abcdef"))
	require.NoError(t, err)

	buf.Destroy()
	buf.Destroy()

	_, err = buf.Open()
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.ErrorIs(t, buf.With(func([]byte) error { return nil }), ErrDestroyed)
}

func TestSecureBufferConcurrentOpen(t *testing.T) {
	t.Parallel()

	buf, err := NewSecureBuffer(bytes.Repeat([]byte{0x01}, 32))
	require.NoError(t, err)
	defer buf.Destroy()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, buf.With(func(b []byte) error {
				if len(b) != 32 {
					return errors.New("wrong size")
				}
				return nil
			}))
		}()
	}
	wg.Wait()
}
