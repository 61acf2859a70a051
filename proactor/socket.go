package proactor

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fzft/go-proactor/buffer"
	"github.com/fzft/go-proactor/ioerr"
	"github.com/fzft/go-proactor/sock"
	"go.uber.org/zap"
)

// IOFunc receives the outcome of a transfer: n is the number of bytes moved
// by this operation, err is nil only when the operation was fully satisfied.
type IOFunc func(s *AsyncSocket, n int, err error)

type handleKind uint8

const (
	kindSocket handleKind = iota
	kindPipe
)

func (k handleKind) String() string {
	if k == kindPipe {
		return "pipe"
	}
	return "socket"
}

// AsyncSocket is a socket or pipe attached to a Proactor. It allows one
// outstanding operation per direction: a receive and a send may be in flight
// at the same time, a second receive while the first is pending fails with
// ioerr.ErrBusy.
//
// The socket is reference counted. It starts with one reference owned by
// whoever created or accepted it; dropping the last reference closes it.
//
// Buffers handed to an operation must not be touched until its continuation
// runs.
type AsyncSocket struct {
	p      *Proactor
	id     uint64
	fd     sock.FD
	family int
	kind   handleKind
	refs   atomic.Int32

	mu     sync.Mutex
	closed bool
	rd, wr *op
	sys    sockSys
}

// ID is unique within the proactor.
func (s *AsyncSocket) ID() uint64 { return s.id }

// Proactor returns the proactor the socket is attached to.
func (s *AsyncSocket) Proactor() *Proactor { return s.p }

func (s *AsyncSocket) LocalAddr() net.Addr {
	if s.kind == kindPipe {
		return nil
	}
	return sock.LocalAddrOf(s.fd)
}

func (s *AsyncSocket) RemoteAddr() net.Addr {
	if s.kind == kindPipe {
		return nil
	}
	return sock.RemoteAddrOf(s.fd)
}

// Retain adds a reference.
func (s *AsyncSocket) Retain() *AsyncSocket {
	s.refs.Add(1)
	return s
}

// Release drops a reference; the last one closes the socket.
func (s *AsyncSocket) Release() {
	switch n := s.refs.Add(-1); {
	case n == 0:
		if err := s.Close(); err != nil {
			s.p.logger.Debug("Close on release failed", zap.Uint64("id", s.id), zap.Error(err))
		}
	case n < 0:
		panic("proactor: release of a released socket")
	}
}

// Close cancels the operations in flight, whose continuations then fire with
// ioerr.ErrClosed, and closes the handle. Closing twice is a no-op.
func (s *AsyncSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ops := s.p.be.cancel(s)
	s.mu.Unlock()

	err := s.p.be.detach(s)
	s.p.forget(s)
	s.p.complete(ops)
	s.p.logger.Debug("Closed", zap.Uint64("id", s.id), zap.Int("cancelled", len(ops)))
	return err
}

// Recv reads into the tail of buf. With n == 0 it completes as soon as any
// data arrived; otherwise only once exactly n bytes were read, or on error.
// Room for n bytes is reserved up front, so allocation failures surface here.
func (s *AsyncSocket) Recv(buf *buffer.Buffer, n int, cb IOFunc) error {
	return s.recv(opRecv, buf, nil, n, cb)
}

// RecvMsg is Recv that also collects ancillary data into ctrl, appended in
// lockstep with the payload.
func (s *AsyncSocket) RecvMsg(buf, ctrl *buffer.Buffer, n int, cb IOFunc) error {
	if ctrl == nil {
		return ioerr.Errorf(ioerr.ErrInvalidArgument, "nil control buffer")
	}
	if ctrl.Available() == 0 {
		if err := ctrl.Space(ctrlChunk); err != nil {
			return err
		}
	}
	return s.recv(opRecvMsg, buf, ctrl, n, cb)
}

func (s *AsyncSocket) recv(kind opKind, buf, ctrl *buffer.Buffer, n int, cb IOFunc) error {
	if buf == nil || cb == nil || n < 0 {
		return ioerr.Errorf(ioerr.ErrInvalidArgument, "%s: bad arguments", kind)
	}
	room := n
	if n == 0 && buf.Available() == 0 {
		room = recvChunk
	}
	if err := buf.Space(room); err != nil {
		return err
	}
	o := &op{kind: kind, sock: s, bufs: []*buffer.Buffer{buf}, ctrl: ctrl, want: n}
	return s.queue(o, func(err error) { cb(s, o.done, err) })
}

// Send writes every unread byte of buf and drains it as it goes.
func (s *AsyncSocket) Send(buf *buffer.Buffer, cb IOFunc) error {
	if buf == nil {
		return ioerr.Errorf(ioerr.ErrInvalidArgument, "send: nil buffer")
	}
	return s.send(opSend, []*buffer.Buffer{buf}, nil, cb)
}

// SendV writes the buffers in order as one operation.
func (s *AsyncSocket) SendV(bufs []*buffer.Buffer, cb IOFunc) error {
	for _, b := range bufs {
		if b == nil {
			return ioerr.Errorf(ioerr.ErrInvalidArgument, "sendv: nil buffer")
		}
	}
	return s.send(opSendV, append([]*buffer.Buffer(nil), bufs...), nil, cb)
}

// SendMsg is Send with ancillary data, transmitted with the first chunk.
func (s *AsyncSocket) SendMsg(buf, ctrl *buffer.Buffer, cb IOFunc) error {
	if buf == nil || ctrl == nil {
		return ioerr.Errorf(ioerr.ErrInvalidArgument, "sendmsg: nil buffer")
	}
	return s.send(opSendMsg, []*buffer.Buffer{buf}, ctrl, cb)
}

func (s *AsyncSocket) send(kind opKind, bufs []*buffer.Buffer, ctrl *buffer.Buffer, cb IOFunc) error {
	if cb == nil {
		return ioerr.Errorf(ioerr.ErrInvalidArgument, "%s: nil callback", kind)
	}
	o := &op{kind: kind, sock: s, bufs: bufs, ctrl: ctrl}
	return s.queue(o, func(err error) { cb(s, o.done, err) })
}

// accept waits for one connection on a listening socket.
func (s *AsyncSocket) accept(fn func(ns *AsyncSocket, err error)) error {
	o := &op{kind: opAccept, sock: s}
	return s.queue(o, func(err error) { fn(o.accepted, err) })
}

// connect connects an unconnected socket to addr. A zero expires means no
// deadline.
func (s *AsyncSocket) connect(addr net.Addr, expires time.Time, fn func(err error)) error {
	o := &op{kind: opConnect, sock: s, addr: addr, expires: expires}
	return s.queue(o, fn)
}

// queue boxes fn into a continuation and starts o. On any error nothing was
// queued and fn will never run.
func (s *AsyncSocket) queue(o *op, fn func(err error)) error {
	k, err := NewContinuation(s.p.alloc, fn)
	if err != nil {
		return err
	}
	o.k = k
	o.retain()
	if !o.expires.IsZero() {
		s.p.arm(o)
	}
	if err := s.start(o); err != nil {
		if !o.expires.IsZero() {
			s.p.untime(o)
		}
		o.release()
		k.Discard()
		return err
	}
	return nil
}

func (s *AsyncSocket) start(o *op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ioerr.ErrClosed
	}
	slot := &s.rd
	if o.kind.writer() {
		slot = &s.wr
	}
	if *slot != nil {
		return ioerr.ErrBusy
	}
	*slot = o
	s.p.pending.Add(1)
	if err := s.p.be.begin(o); err != nil {
		*slot = nil
		s.p.pending.Add(-1)
		return err
	}
	s.p.metrics.start(o.kind)
	return nil
}
