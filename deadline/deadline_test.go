package deadline

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fzft/go-proactor/ioerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNever(t *testing.T) {
	d := Never()
	left, expired := d.Remaining()
	assert.True(t, d.IsInfinite())
	assert.False(t, expired)
	assert.Equal(t, Infinite, left)
	assert.Equal(t, -1, d.Millis())
}

func TestNegativeIsInfinite(t *testing.T) {
	assert.True(t, After(-5*time.Second).IsInfinite())
}

func TestDeadlineExpires(t *testing.T) {
	mock := clock.NewMock()
	d := AfterOn(mock, 100*time.Millisecond)

	left, expired := d.Remaining()
	assert.False(t, expired)
	assert.Equal(t, 100*time.Millisecond, left)

	mock.Add(40 * time.Millisecond)
	left, _ = d.Remaining()
	assert.Equal(t, 60*time.Millisecond, left)

	mock.Add(60 * time.Millisecond)
	assert.True(t, d.Expired())
	assert.Equal(t, 0, d.Millis())
}

func TestMillisRoundsUp(t *testing.T) {
	mock := clock.NewMock()
	d := AfterOn(mock, 1500*time.Microsecond)
	assert.Equal(t, 2, d.Millis())
}

func TestCountdownNext(t *testing.T) {
	mock := clock.NewMock()
	c := NewCountdownOn(mock, time.Second)

	wait, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, time.Second, wait)

	mock.Add(700 * time.Millisecond)
	wait, err = c.Next()
	require.NoError(t, err)
	assert.Equal(t, 300*time.Millisecond, wait)
	assert.Equal(t, 700*time.Millisecond, c.Elapsed())

	mock.Add(300 * time.Millisecond)
	_, err = c.Next()
	assert.True(t, errors.Is(err, ioerr.ErrTimeout))
}

func TestCountdownInfinite(t *testing.T) {
	c := NewCountdown(Infinite)
	wait, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, Infinite, wait)
	assert.Equal(t, time.Duration(0), c.Elapsed())
}
