//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package proactor

import (
	"os"
	"sync"
	"time"

	"github.com/fzft/go-proactor/ioerr"
	"github.com/fzft/go-proactor/sock"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// sockSys is the interest currently registered for a descriptor.
type sockSys struct {
	read, write bool
}

type opSys struct{}

// event is one descriptor's readiness. Error and hangup conditions report
// both directions ready, the retried system call then surfaces the error.
type event struct {
	fd          int
	read, write bool
}

// poller is the readiness notification mechanism: epoll or kqueue. Interest
// is level-triggered. A descriptor is registered only while it has an
// operation pending, so an idle half-closed socket does not spin the loop.
type poller interface {
	update(fd int, read, write bool) error
	wait(timeout time.Duration, evs []event) (int, error)
	wake() error
	close() error
}

// reactor turns readiness into completions by performing each operation's
// system call once its descriptor is ready.
type reactor struct {
	p      *Proactor
	pl     poller
	events []event

	mu    sync.RWMutex
	socks map[int]*AsyncSocket
}

func newBackend(p *Proactor, maxEvents int) (backend, error) {
	pl, err := newPoller(maxEvents)
	if err != nil {
		return nil, err
	}
	return &reactor{
		p:      p,
		pl:     pl,
		events: make([]event, maxEvents),
		socks:  make(map[int]*AsyncSocket),
	}, nil
}

// prepareHandle switches fd to non-blocking mode and reports its address
// family, zero for descriptors that are not sockets.
func prepareHandle(fd sock.FD) (int, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return 0, os.NewSyscallError("fcntl", err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, nil
	}
	switch sa.(type) {
	case *unix.SockaddrInet4:
		return unix.AF_INET, nil
	case *unix.SockaddrInet6:
		return unix.AF_INET6, nil
	case *unix.SockaddrUnix:
		return unix.AF_UNIX, nil
	}
	return 0, nil
}

func (r *reactor) attach(s *AsyncSocket) error {
	r.mu.Lock()
	r.socks[s.fd] = s
	r.mu.Unlock()
	return nil
}

func (r *reactor) begin(o *op) error {
	switch o.kind {
	case opConnect:
		_, sa, err := sock.ToSockaddr(o.addr)
		if err != nil {
			return err
		}
		switch err := unix.Connect(o.sock.fd, sa); err {
		case nil, unix.EINPROGRESS, unix.EINTR, unix.EAGAIN:
		default:
			// Refused on the spot: still reported through the continuation.
			o.finish(os.NewSyscallError("connect", err))
			r.p.complete([]*op{o})
			return nil
		}
	default:
		perform(o)
		if o.finished {
			r.p.complete([]*op{o})
			return nil
		}
	}
	return r.interest(o.sock)
}

// interest registers exactly the directions that have an unfinished
// operation.
func (r *reactor) interest(s *AsyncSocket) error {
	want := sockSys{
		read:  s.rd != nil && !s.rd.finished,
		write: s.wr != nil && !s.wr.finished,
	}
	if want == s.sys {
		return nil
	}
	if err := r.pl.update(s.fd, want.read, want.write); err != nil {
		return err
	}
	s.sys = want
	return nil
}

func (r *reactor) abort(o *op) bool {
	o.finish(ioerr.ErrTimeout)
	if err := r.interest(o.sock); err != nil {
		r.p.logger.Debug("Failed to drop interest", zap.Int("fd", o.sock.fd), zap.Error(err))
	}
	return true
}

func (r *reactor) cancel(s *AsyncSocket) []*op {
	var ops []*op
	for _, o := range [...]*op{s.rd, s.wr} {
		if o != nil && !o.finished {
			o.finish(ioerr.ErrClosed)
			ops = append(ops, o)
		}
	}
	if err := r.interest(s); err != nil {
		r.p.logger.Debug("Failed to drop interest", zap.Int("fd", s.fd), zap.Error(err))
	}
	return ops
}

// detach forgets the descriptor before closing it, so a new socket reusing
// the number is not unregistered by mistake.
func (r *reactor) detach(s *AsyncSocket) error {
	r.mu.Lock()
	if r.socks[s.fd] == s {
		delete(r.socks, s.fd)
	}
	r.mu.Unlock()
	return os.NewSyscallError("close", unix.Close(s.fd))
}

func (r *reactor) poll(timeout time.Duration, done func(o *op)) error {
	n, err := r.pl.wait(timeout, r.events)
	if err == unix.EINTR {
		return nil
	}
	if err != nil {
		return os.NewSyscallError("wait", err)
	}
	for i := 0; i < n; i++ {
		ev := r.events[i]
		r.mu.RLock()
		s := r.socks[ev.fd]
		r.mu.RUnlock()
		if s == nil {
			continue
		}

		var finished [2]*op
		m := 0
		s.mu.Lock()
		if !s.closed {
			if o := s.rd; ev.read && o != nil && !o.finished {
				if perform(o); o.finished {
					finished[m] = o
					m++
				}
			}
			if o := s.wr; ev.write && o != nil && !o.finished {
				if perform(o); o.finished {
					finished[m] = o
					m++
				}
			}
			if err := r.interest(s); err != nil {
				r.p.logger.Warn("Failed to update interest", zap.Int("fd", s.fd), zap.Error(err))
			}
		}
		s.mu.Unlock()
		for _, o := range finished[:m] {
			done(o)
		}
	}
	return nil
}

func (r *reactor) wake() error { return r.pl.wake() }

func (r *reactor) close() error { return r.pl.close() }

// perform runs o's system call until o finishes or the descriptor would
// block.
func perform(o *op) {
	for !o.finished {
		var err error
		switch o.kind {
		case opRecv, opRecvMsg:
			err = doRecv(o)
		case opSend, opSendV, opSendMsg:
			err = doSend(o)
		case opAccept:
			err = doAccept(o)
		case opConnect:
			err = doConnect(o)
		}
		switch err {
		case nil, unix.EINTR:
		case unix.EAGAIN:
			return
		default:
			o.finish(os.NewSyscallError(o.kind.String(), err))
		}
	}
}

func doRecv(o *op) error {
	b := o.bufs[0]
	tail := b.Tail()
	if t := o.recvTarget(); t < len(tail) {
		tail = tail[:t]
	}
	var n int
	if o.kind == opRecvMsg {
		var oobn, flags int
		var err error
		n, oobn, flags, _, err = unix.Recvmsg(o.sock.fd, tail, o.ctrl.Tail(), recvmsgFlags)
		if err != nil {
			return err
		}
		if err := o.ctrl.AdvanceWrite(oobn); err != nil {
			o.finish(err)
			return nil
		}
		if flags&unix.MSG_CTRUNC != 0 {
			o.finish(ioerr.Errorf(ioerr.ErrInvalidArgument, "control data truncated"))
			return nil
		}
	} else {
		var err error
		if n, err = unix.Read(o.sock.fd, tail); err != nil {
			return err
		}
	}
	if n == 0 {
		o.finish(ioerr.ErrShutdown)
		return nil
	}
	if done, err := o.received(n); err != nil {
		o.finish(err)
	} else if done {
		o.finish(nil)
	}
	return nil
}

// doSend drains the current buffer. Ancillary data rides on the first chunk.
func doSend(o *op) error {
	if o.sendComplete() {
		o.finish(nil)
		return nil
	}
	var data []byte
	if o.idx < len(o.bufs) {
		data = o.bufs[o.idx].Bytes()
	}
	var n int
	var err error
	if o.ctrl != nil && o.ctrl.Len() > 0 {
		if n, err = unix.SendmsgN(o.sock.fd, data, o.ctrl.Bytes(), nil, 0); err != nil {
			return err
		}
		_ = o.ctrl.AdvanceRead(o.ctrl.Len())
	} else if n, err = unix.Write(o.sock.fd, data); err != nil {
		return err
	}
	if err := o.sent(n); err != nil {
		o.finish(err)
		return nil
	}
	if o.sendComplete() {
		o.finish(nil)
	}
	return nil
}

func doAccept(o *op) error {
	nfd, _, err := sock.Accept(o.sock.fd)
	if err == unix.ECONNABORTED {
		return unix.EINTR
	}
	if err != nil {
		return err
	}
	ns, err := o.sock.p.newSocket(nfd, o.sock.family, kindSocket)
	if err != nil {
		unix.Close(nfd)
		o.finish(err)
		return nil
	}
	o.accepted = ns
	o.finish(nil)
	return nil
}

// doConnect runs once the connecting descriptor turned writable; SO_ERROR
// holds the outcome.
func doConnect(o *op) error {
	if err := sock.PendingError(o.sock.fd); err != nil {
		o.finish(os.NewSyscallError("connect", err))
		return nil
	}
	if _, err := unix.Getpeername(o.sock.fd); err != nil {
		if err == unix.ENOTCONN {
			return unix.EAGAIN
		}
		o.finish(os.NewSyscallError("getpeername", err))
		return nil
	}
	o.finish(nil)
	return nil
}
