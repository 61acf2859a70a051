//go:build unix

package pipe

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/fzft/go-proactor/ioerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func connected(t *testing.T) (*Pipe, *Pipe) {
	l, err := Listen(filepath.Join(t.TempDir(), "p"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	accepted := make(chan *Pipe, 1)
	var g errgroup.Group
	g.Go(func() error {
		p, err := l.Accept(2 * time.Second)
		accepted <- p
		return err
	})
	client, err := Dial(l.Path(), time.Second)
	require.NoError(t, err)
	require.NoError(t, g.Wait())
	server := <-accepted
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestPath(t *testing.T) {
	assert.Equal(t, "/run/app.sock", Path("/run/app.sock"))
	assert.Equal(t, "app", filepath.Base(Path("app")))
	assert.True(t, filepath.IsAbs(Path("app")))
}

func TestRoundTrip(t *testing.T) {
	client, server := connected(t)

	n, err := client.Send([]byte("hello"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = server.Recv(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	_, err = server.Send([]byte("world"), time.Second)
	require.NoError(t, err)
	n, err = client.RecvSome(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))
}

func TestRecvTimeout(t *testing.T) {
	_, server := connected(t)
	start := time.Now()
	_, err := server.Recv(make([]byte, 1), 50*time.Millisecond)
	assert.ErrorIs(t, err, ioerr.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPeerClosed(t *testing.T) {
	client, server := connected(t)
	_, err := client.Send([]byte("ab"), time.Second)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	buf := make([]byte, 4)
	n, err := server.Recv(buf, time.Second)
	assert.Equal(t, 2, n)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestClosedPipe(t *testing.T) {
	client, _ := connected(t)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	_, err := client.Send([]byte("x"), 0)
	assert.ErrorIs(t, err, ioerr.ErrClosed)
	_, err = client.Detach()
	assert.ErrorIs(t, err, ioerr.ErrClosed)
}

// Both directions move a large payload at once; neither side may wait on
// the other's lock.
func TestDuplex(t *testing.T) {
	client, server := connected(t)
	payload := bytes.Repeat([]byte("0123456789abcdef"), 1<<16)

	var g errgroup.Group
	for _, p := range []*Pipe{client, server} {
		p := p
		g.Go(func() error {
			_, err := p.Send(payload, 5*time.Second)
			return err
		})
		g.Go(func() error {
			got := make([]byte, len(payload))
			if _, err := p.Recv(got, 5*time.Second); err != nil {
				return err
			}
			if !bytes.Equal(got, payload) {
				return errors.New("payload mismatch")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestConcurrentSendersDoNotInterleave(t *testing.T) {
	client, server := connected(t)
	a := bytes.Repeat([]byte{'a'}, 256<<10)
	b := bytes.Repeat([]byte{'b'}, 256<<10)

	var g errgroup.Group
	g.Go(func() error { _, err := client.Send(a, 5*time.Second); return err })
	g.Go(func() error { _, err := client.Send(b, 5*time.Second); return err })

	got := make([]byte, len(a)+len(b))
	_, err := server.Recv(got, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, g.Wait())

	first, second := got[:len(a)], got[len(a):]
	assert.True(t, bytes.Equal(first, a) && bytes.Equal(second, b) ||
		bytes.Equal(first, b) && bytes.Equal(second, a))
}

func TestDialMissing(t *testing.T) {
	_, err := Dial(filepath.Join(t.TempDir(), "none"), 100*time.Millisecond)
	assert.Error(t, err)
}

func TestListenerClose(t *testing.T) {
	l, err := Listen(filepath.Join(t.TempDir(), "p"))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	_, err = l.Accept(0)
	assert.ErrorIs(t, err, ioerr.ErrClosed)
}

func TestListenReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p")
	l, err := Listen(path)
	require.NoError(t, err)
	// Leave the file behind the way a crashed server would.
	require.NoError(t, l.l.l.Socket().Close())

	l2, err := Listen(path)
	require.NoError(t, err)
	l2.Close()
}
