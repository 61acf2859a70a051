package proactor

import (
	"errors"
	"sync"
	"testing"

	"github.com/fzft/go-proactor/buffer"
	"github.com/fzft/go-proactor/ioerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContinuationRunsOnce(t *testing.T) {
	a := buffer.NewAccounting(1 << 20)
	var used int64 = -1
	calls := 0
	k, err := NewContinuation(a, func(err error) {
		calls++
		used = a.Used()
		assert.Equal(t, ioerr.ErrClosed, err)
	})
	require.NoError(t, err)
	assert.EqualValues(t, continuationSize, a.Used())

	var wg sync.WaitGroup
	ran := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ran <- k.Invoke(ioerr.ErrClosed)
		}()
	}
	wg.Wait()
	close(ran)
	won := 0
	for ok := range ran {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, calls)
	assert.Zero(t, used, "freed before the function runs")
	assert.True(t, k.Consumed())
	assert.False(t, k.Discard())
}

func TestContinuationDiscard(t *testing.T) {
	a := buffer.NewAccounting(1 << 20)
	k, err := NewContinuation(a, func(error) { t.Fatal("must not run") })
	require.NoError(t, err)
	assert.True(t, k.Discard())
	assert.False(t, k.Invoke(nil))
	assert.Zero(t, a.Used())
}

func TestContinuationOutOfMemory(t *testing.T) {
	a := buffer.NewAccounting(int64(continuationSize) - 1)
	_, err := NewContinuation(a, func(error) {})
	assert.True(t, errors.Is(err, ioerr.ErrOutOfMemory))
	assert.Zero(t, a.Used())
}
