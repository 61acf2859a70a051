package cdr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"github.com/fzft/go-proactor/buffer"
	"github.com/fzft/go-proactor/ioerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeIdempotent(t *testing.T) {
	headers := []Header{
		Short,
		Long,
		{Size: 2, Order: binary.LittleEndian},
		{Size: 4, Order: binary.LittleEndian},
	}
	rng := rand.New(rand.NewSource(1))
	for _, h := range headers {
		for _, size := range []int{0, 1, 17, 4096, 60000} {
			body := make([]byte, size)
			rng.Read(body)

			buf, err := buffer.New(0)
			require.NoError(t, err)
			require.NoError(t, Encode(buf, h, body))
			frame := append([]byte(nil), buf.Bytes()...)

			got, n, err := Decode(frame, h)
			require.NoError(t, err)
			assert.Equal(t, len(frame), n)
			assert.True(t, bytes.Equal(body, got))

			again, err := Append(nil, h, got)
			require.NoError(t, err)
			assert.Equal(t, frame, again, "re-encoding a decoded frame gives the same bytes")
		}
	}
}

func TestHeaderValueIncludesHeader(t *testing.T) {
	frame, err := Append(nil, Short, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 5, 'a', 'b', 'c'}, frame)

	frame, err = Append(nil, Header{Size: 4, Order: binary.LittleEndian}, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 0, 0, 0, 'a', 'b', 'c'}, frame)
}

func TestDecodeIncomplete(t *testing.T) {
	frame, err := Append(nil, Long, []byte("hello"))
	require.NoError(t, err)
	for i := 0; i < len(frame); i++ {
		_, _, err := Decode(frame[:i], Long)
		assert.ErrorIs(t, err, ErrIncomplete, "prefix of %d bytes", i)
	}
}

func TestDecodeTwoFrames(t *testing.T) {
	var stream []byte
	stream, _ = Append(stream, Short, []byte("one"))
	stream, _ = Append(stream, Short, []byte("three"))

	body, n, err := Decode(stream, Short)
	require.NoError(t, err)
	assert.Equal(t, "one", string(body))
	body, _, err = Decode(stream[n:], Short)
	require.NoError(t, err)
	assert.Equal(t, "three", string(body))
}

func TestLengthLimits(t *testing.T) {
	_, err := Short.Length([]byte{0, 1})
	assert.True(t, errors.Is(err, ioerr.ErrInvalidArgument), "shorter than the header")

	h := Header{Size: 4, Order: binary.BigEndian, Max: 100}
	_, err = h.Length([]byte{0, 0, 0, 101})
	assert.True(t, errors.Is(err, ioerr.ErrInvalidArgument), "over the limit")
	n, err := h.Length([]byte{0, 0, 0, 100})
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	_, err = Append(nil, Short, make([]byte, 0xFFFF))
	assert.True(t, errors.Is(err, ioerr.ErrInvalidArgument), "does not fit two bytes")
	assert.Equal(t, 0xFFFF, Short.MaxMessage())
	assert.Equal(t, DefaultMaxMessage, Long.MaxMessage())
}

func TestBadHeader(t *testing.T) {
	for _, h := range []Header{{Size: 3, Order: binary.BigEndian}, {Size: 4}} {
		_, err := Append(nil, h, nil)
		assert.True(t, errors.Is(err, ioerr.ErrInvalidArgument))
		_, _, err = Decode([]byte{0, 0, 0, 4}, h)
		assert.True(t, errors.Is(err, ioerr.ErrInvalidArgument))
	}
}
