//go:build unix

package sock

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/fzft/go-proactor/deadline"
	"github.com/fzft/go-proactor/ioerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func newPair(t *testing.T) (*Socket, *Socket) {
	a, b, err := Pair()
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestSocketFlags(t *testing.T) {
	s, err := New(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer s.Close()

	fl, err := unix.FcntlInt(uintptr(s.FD()), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, fl&unix.O_NONBLOCK)

	fd, err := unix.FcntlInt(uintptr(s.FD()), unix.F_GETFD, 0)
	require.NoError(t, err)
	assert.NotZero(t, fd&unix.FD_CLOEXEC)
}

func TestCloseIdempotent(t *testing.T) {
	s, err := New(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, InvalidFD, s.FD())

	_, err = s.Send([]byte("x"), time.Second)
	assert.True(t, IsClosed(err))
}

func TestDetach(t *testing.T) {
	s, err := New(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	fd, err := s.Detach()
	require.NoError(t, err)
	defer unix.Close(fd)

	require.NoError(t, s.Close())
	_, err = unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	assert.NoError(t, err, "detached descriptor must stay open")
}

func TestRoundTrip(t *testing.T) {
	a, b := newPair(t)
	for _, size := range []int{0, 1, 5, 4096, 1 << 20} {
		payload := make([]byte, size)
		rand.Read(payload)

		var g errgroup.Group
		g.Go(func() error {
			_, err := a.Send(payload, 5*time.Second)
			return err
		})
		got := make([]byte, size)
		n, err := b.Recv(got, 5*time.Second)
		require.NoError(t, err)
		require.NoError(t, g.Wait())
		assert.Equal(t, size, n)
		assert.True(t, bytes.Equal(payload, got), "size %d", size)
	}
}

func TestRecvTimeout(t *testing.T) {
	_, b := newPair(t)
	const timeout = 50 * time.Millisecond

	start := time.Now()
	n, err := b.Recv(make([]byte, 4), timeout)
	elapsed := time.Since(start)

	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, ioerr.ErrTimeout))
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+250*time.Millisecond)
}

func TestSendTimeoutReportsProgress(t *testing.T) {
	a, _ := newPair(t)
	big := make([]byte, 8<<20)

	n, err := a.Send(big, 50*time.Millisecond)
	assert.True(t, errors.Is(err, ioerr.ErrTimeout))
	assert.Greater(t, n, 0)
	assert.Less(t, n, len(big))
}

func TestRecvPeerClosed(t *testing.T) {
	a, b := newPair(t)
	_, err := a.Send([]byte("abc"), time.Second)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	buf := make([]byte, 5)
	n, err := b.Recv(buf, time.Second)
	assert.Equal(t, 3, n)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, "abc", string(buf[:n]))
}

func TestRecvSome(t *testing.T) {
	a, b := newPair(t)
	_, err := a.Send([]byte("hi"), time.Second)
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := b.RecvSome(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))
}

func TestListenConnectAccept(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	var g errgroup.Group
	var srv *Socket
	g.Go(func() (err error) {
		srv, err = ln.Accept(2 * time.Second)
		return err
	})

	cli, err := New(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer cli.Close()
	require.NoError(t, cli.Connect(addr, 2*time.Second))
	require.NoError(t, g.Wait())
	defer srv.Close()

	assert.Equal(t, addr.Port, cli.RemoteAddr().(*net.TCPAddr).Port)

	_, err = cli.Send([]byte("ping"), time.Second)
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = srv.Recv(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestAcceptTimeout(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = ln.Accept(20 * time.Millisecond)
	assert.True(t, errors.Is(err, ioerr.ErrTimeout))
}

func TestConnectRefused(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr()
	require.NoError(t, ln.Close())

	s, err := New(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer s.Close()

	err = s.Connect(addr, time.Second)
	assert.True(t, errors.Is(err, syscall.ECONNREFUSED), "got %v", err)
}

func TestConnectByName(t *testing.T) {
	ln, err := Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	s, err := ConnectByName("tcp4", "127.0.0.1", strconv.Itoa(port), time.Second)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, port, s.RemoteAddr().(*net.TCPAddr).Port)
}

func TestConnectAnyTriesLastCandidate(t *testing.T) {
	ln, err := Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	dead, err := Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.Addr()
	require.NoError(t, dead.Close())

	addrs := []net.Addr{deadAddr, deadAddr, ln.Addr()}
	s, err := ConnectAny(addrs, deadline.NewCountdown(time.Second))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, ln.Addr().(*net.TCPAddr).Port, s.RemoteAddr().(*net.TCPAddr).Port)
}

func TestConnectAnyBudget(t *testing.T) {
	const budget = 200 * time.Millisecond
	var addrs []net.Addr
	for i := 1; i <= 5; i++ {
		addrs = append(addrs, &net.TCPAddr{IP: net.IPv4(192, 0, 2, byte(i)), Port: 9})
	}

	start := time.Now()
	s, err := ConnectAny(addrs, deadline.NewCountdown(budget))
	elapsed := time.Since(start)
	if s != nil {
		s.Close()
	}
	assert.Error(t, err)
	assert.Less(t, elapsed, budget+150*time.Millisecond)
}

func TestConnectUnix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.sock")
	ln, err := Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	var g errgroup.Group
	g.Go(func() error {
		srv, err := ln.Accept(time.Second)
		if err != nil {
			return err
		}
		defer srv.Close()
		_, err = srv.Send([]byte("local"), time.Second)
		return err
	})

	cli, err := ConnectUnix(path, time.Second)
	require.NoError(t, err)
	defer cli.Close()

	buf := make([]byte, 5)
	_, err = cli.Recv(buf, time.Second)
	require.NoError(t, err)
	require.NoError(t, g.Wait())
	assert.Equal(t, "local", string(buf))
}

func TestResolverCache(t *testing.T) {
	r := NewResolver(8, time.Minute)
	addrs, err := r.Resolve(context.Background(), "tcp4", "127.0.0.1", "80")
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, 1, r.cache.Len())

	again, err := r.Resolve(context.Background(), "tcp4", "127.0.0.1", "80")
	require.NoError(t, err)
	assert.Same(t, addrs[0], again[0])
}

func TestResolveFamilyFilter(t *testing.T) {
	_, err := DefaultResolver.Resolve(context.Background(), "tcp6", "127.0.0.1", "80")
	assert.Error(t, err)
}
