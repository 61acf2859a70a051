//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package cdr

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fzft/go-proactor/buffer"
	"github.com/fzft/go-proactor/deadline"
	"github.com/fzft/go-proactor/ioerr"
	"github.com/fzft/go-proactor/proactor"
	"github.com/fzft/go-proactor/sock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

type result struct {
	calls atomic.Int32
	n     int
	err   error
}

func (r *result) cb(_ *proactor.AsyncSocket, n int, err error) {
	r.calls.Add(1)
	r.n = n
	r.err = err
}

func (r *result) done() bool { return r.calls.Load() > 0 }

func setup(t *testing.T, opts ...proactor.Option) (*proactor.Proactor, *sock.Socket, *proactor.AsyncSocket) {
	p, err := proactor.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Destroy() })

	a, b, err := sock.Pair()
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	fd, err := b.Detach()
	require.NoError(t, err)
	s, err := p.Attach(fd)
	require.NoError(t, err)
	return p, a, s
}

func runUntil(t *testing.T, p *proactor.Proactor, cond func() bool) {
	t.Helper()
	cd := deadline.NewCountdown(5 * time.Second)
	for !cond() {
		_, err := cd.Next()
		require.NoError(t, err, "condition not reached")
		_, err = p.Run(10 * time.Millisecond)
		require.NoError(t, err)
	}
}

func TestRecvWithHeader(t *testing.T) {
	p, peer, s := setup(t)
	buf, err := buffer.New(0)
	require.NoError(t, err)

	var r result
	require.NoError(t, RecvWithHeader(s, buf, Short, r.cb))

	frame, err := Append(nil, Short, []byte("hello"))
	require.NoError(t, err)
	// Split inside the header, then inside the body.
	for _, part := range [][]byte{frame[:1], frame[1:4], frame[4:]} {
		_, err := peer.Send(part, time.Second)
		require.NoError(t, err)
		_, err = p.Run(10 * time.Millisecond)
		require.NoError(t, err)
	}
	runUntil(t, p, r.done)

	assert.EqualValues(t, 1, r.calls.Load())
	assert.NoError(t, r.err)
	assert.Equal(t, len(frame), r.n)
	assert.Equal(t, frame, buf.Bytes())
}

func TestRecvWithHeaderEmptyBody(t *testing.T) {
	p, peer, s := setup(t)
	buf, err := buffer.New(0)
	require.NoError(t, err)

	var r result
	require.NoError(t, RecvWithHeader(s, buf, Long, r.cb))
	frame, _ := Append(nil, Long, nil)
	_, err = peer.Send(frame, time.Second)
	require.NoError(t, err)
	runUntil(t, p, r.done)

	assert.NoError(t, r.err)
	assert.Equal(t, 4, r.n)
	assert.Zero(t, p.Pending())
}

func TestRecvWithHeaderPeerClosesMidBody(t *testing.T) {
	p, peer, s := setup(t)
	buf, err := buffer.New(0)
	require.NoError(t, err)

	var r result
	require.NoError(t, RecvWithHeader(s, buf, Short, r.cb))
	_, err = peer.Send([]byte{0, 10, 'a', 'b'}, time.Second)
	require.NoError(t, err)
	require.NoError(t, peer.Close())
	runUntil(t, p, r.done)

	// Give a second callback the chance to show up.
	_, err = p.Run(20 * time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, 1, r.calls.Load())
	assert.ErrorIs(t, r.err, ioerr.ErrShutdown)
	assert.Equal(t, 4, r.n)
}

func TestRecvWithHeaderRejectsLength(t *testing.T) {
	p, peer, s := setup(t)
	buf, err := buffer.New(0)
	require.NoError(t, err)

	var r result
	require.NoError(t, RecvWithHeader(s, buf, Short, r.cb))
	_, err = peer.Send([]byte{0, 1}, time.Second)
	require.NoError(t, err)
	runUntil(t, p, r.done)

	assert.True(t, errors.Is(r.err, ioerr.ErrInvalidArgument))
	assert.Equal(t, 2, r.n)
}

func TestRecvWithHeaderCloseFiresOnce(t *testing.T) {
	p, _, s := setup(t)
	buf, err := buffer.New(0)
	require.NoError(t, err)

	var r result
	require.NoError(t, RecvWithHeader(s, buf, Long, r.cb))
	require.NoError(t, s.Close())
	runUntil(t, p, r.done)
	_, err = p.Run(0)
	require.NoError(t, err)

	assert.EqualValues(t, 1, r.calls.Load())
	assert.ErrorIs(t, r.err, ioerr.ErrClosed)
}

func TestRecvWithHeaderBusy(t *testing.T) {
	_, _, s := setup(t)
	buf, err := buffer.New(0)
	require.NoError(t, err)
	var r result
	require.NoError(t, RecvWithHeader(s, buf, Short, r.cb))
	err = RecvWithHeader(s, buf, Short, r.cb)
	assert.ErrorIs(t, err, ioerr.ErrBusy)
}

func TestContinuationFreedOnce(t *testing.T) {
	alloc := buffer.NewAccounting(1 << 20)
	p, peer, s := setup(t, proactor.WithAllocator(alloc))
	buf, err := buffer.NewWith(alloc, 64)
	require.NoError(t, err)
	before := alloc.Used()

	var r result
	require.NoError(t, RecvWithHeader(s, buf, Short, r.cb))
	frame, _ := Append(nil, Short, []byte("xyz"))
	_, err = peer.Send(frame, time.Second)
	require.NoError(t, err)
	runUntil(t, p, r.done)

	require.NoError(t, r.err)
	assert.Equal(t, before, alloc.Used())
}

func TestSendRecvWithHeader(t *testing.T) {
	p, peer, s := setup(t)

	var g errgroup.Group
	g.Go(func() error {
		req, err := ReadFrame(peer, Long, 5*time.Second)
		if err != nil {
			return err
		}
		return WriteFrame(peer, Long, bytes.ToUpper(req), 5*time.Second)
	})

	out, err := buffer.New(0)
	require.NoError(t, err)
	require.NoError(t, Encode(out, Long, []byte("ping")))
	in, err := buffer.New(0)
	require.NoError(t, err)

	var r result
	require.NoError(t, SendRecvWithHeader(s, out, in, Long, r.cb))
	runUntil(t, p, r.done)
	require.NoError(t, g.Wait())

	require.NoError(t, r.err)
	body, n, err := Decode(in.Bytes(), Long)
	require.NoError(t, err)
	assert.Equal(t, r.n, n)
	assert.Equal(t, "PING", string(body))
	assert.Zero(t, out.Len())
}

func TestSendRecvWithHeaderSendFails(t *testing.T) {
	p, peer, s := setup(t)
	require.NoError(t, peer.Close())

	out, err := buffer.New(0)
	require.NoError(t, err)
	require.NoError(t, Encode(out, Long, bytes.Repeat([]byte("x"), 1<<20)))
	in, err := buffer.New(0)
	require.NoError(t, err)

	var r result
	require.NoError(t, SendRecvWithHeader(s, out, in, Long, r.cb))
	runUntil(t, p, r.done)
	assert.Error(t, r.err)
	assert.EqualValues(t, 1, r.calls.Load())
}

func TestRecvMsgWithHeader(t *testing.T) {
	p, peer, s := setup(t)

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	buf, err := buffer.New(0)
	require.NoError(t, err)
	ctrl, err := buffer.New(unix.CmsgSpace(4))
	require.NoError(t, err)
	var r result
	require.NoError(t, RecvMsgWithHeader(s, buf, ctrl, Short, r.cb))

	frame, _ := Append(nil, Short, []byte("fd"))
	_, err = unix.SendmsgN(peer.FD(), frame, unix.UnixRights(fds[1]), nil, 0)
	require.NoError(t, err)
	runUntil(t, p, r.done)

	require.NoError(t, r.err)
	assert.Equal(t, frame, buf.Bytes())
	msgs, err := unix.ParseSocketControlMessage(ctrl.Bytes())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	rights, err := unix.ParseUnixRights(&msgs[0])
	require.NoError(t, err)
	require.Len(t, rights, 1)
	unix.Close(rights[0])
}

func TestCallOverBlockingSockets(t *testing.T) {
	a, b, err := sock.Pair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	var g errgroup.Group
	g.Go(func() error {
		req, err := ReadFrame(b, Short, time.Second)
		if err != nil {
			return err
		}
		return WriteFrame(b, Short, append(req, '!'), time.Second)
	})
	reply, err := Call(a, Short, []byte("hi"), time.Second)
	require.NoError(t, err)
	require.NoError(t, g.Wait())
	assert.Equal(t, "hi!", string(reply))
}

func TestReadFrameTimeout(t *testing.T) {
	a, b, err := sock.Pair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()
	_, err = ReadFrame(a, Short, 30*time.Millisecond)
	assert.ErrorIs(t, err, ioerr.ErrTimeout)
}
