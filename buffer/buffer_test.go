package buffer

import (
	"errors"
	"testing"

	"github.com/fzft/go-proactor/ioerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBuffer(t *testing.T) {
	b, err := New(16)
	require.NoError(t, err)
	assert.Equal(t, 16, b.Cap())
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 16, b.Available())
	assert.Equal(t, 1, b.Refs())
}

func TestCursors(t *testing.T) {
	b, err := New(8)
	require.NoError(t, err)

	copy(b.Tail(), "abcdef")
	require.NoError(t, b.AdvanceWrite(6))
	assert.Equal(t, []byte("abcdef"), b.Bytes())
	assert.Equal(t, 2, b.Available())

	require.NoError(t, b.AdvanceRead(2))
	assert.Equal(t, []byte("cdef"), b.Bytes())
	assert.Equal(t, 4, b.Len())

	err = b.AdvanceRead(5)
	assert.True(t, errors.Is(err, ioerr.ErrInvalidArgument))
	err = b.AdvanceWrite(3)
	assert.True(t, errors.Is(err, ioerr.ErrInvalidArgument))
	assert.Equal(t, 2, b.ReadOffset())
	assert.Equal(t, 6, b.WriteOffset())
}

func TestResetOnlyWhenEmpty(t *testing.T) {
	b, err := From([]byte("xy"))
	require.NoError(t, err)

	assert.True(t, errors.Is(b.Reset(), ioerr.ErrInvalidArgument))
	require.NoError(t, b.AdvanceRead(2))
	require.NoError(t, b.Reset())
	assert.Equal(t, 0, b.ReadOffset())
	assert.Equal(t, 0, b.WriteOffset())
}

func TestSpacePreservesOffsets(t *testing.T) {
	b, err := From([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, b.AdvanceRead(1))

	require.NoError(t, b.Space(100))
	assert.GreaterOrEqual(t, b.Available(), 100)
	assert.Equal(t, 1, b.ReadOffset())
	assert.Equal(t, 5, b.WriteOffset())
	assert.Equal(t, []byte("ello"), b.Bytes())
}

func TestSpaceOutOfMemory(t *testing.T) {
	a := NewAccounting(32)
	b, err := NewWith(a, 16)
	require.NoError(t, err)
	assert.Equal(t, int64(16), a.Used())

	err = b.Space(64)
	assert.True(t, errors.Is(err, ioerr.ErrOutOfMemory))
	assert.Equal(t, 16, b.Cap())
	assert.Equal(t, int64(16), a.Used())

	_, err = b.Write(make([]byte, 40))
	assert.True(t, errors.Is(err, ioerr.ErrOutOfMemory))
	assert.Equal(t, 0, b.Len(), "a failed write must not store a prefix")
}

func TestWriteRead(t *testing.T) {
	b, err := New(2)
	require.NoError(t, err)

	n, err := b.Write([]byte("round trip"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	out := make([]byte, 5)
	n, err = b.Read(out)
	require.NoError(t, err)
	assert.Equal(t, "round", string(out[:n]))
	assert.Equal(t, " trip", string(b.Bytes()))
}

func TestRefcountFreesOnLastRelease(t *testing.T) {
	a := NewAccounting(1024)
	b, err := NewWith(a, 100)
	require.NoError(t, err)

	b.Retain()
	b.Release()
	assert.Equal(t, int64(100), a.Used())

	b.Release()
	assert.Equal(t, int64(0), a.Used())
	assert.Panics(t, b.Release)
}

func TestAccountingCharge(t *testing.T) {
	a := NewAccounting(10)
	require.NoError(t, a.Charge(10))
	assert.True(t, errors.Is(a.Charge(1), ioerr.ErrOutOfMemory))
	a.Uncharge(10)
	assert.Equal(t, int64(0), a.Used())

	_, err := a.Alloc(-1)
	assert.True(t, errors.Is(err, ioerr.ErrInvalidArgument))
}
