package proactor

import (
	"errors"
	"net"
	"os"
	"sync/atomic"

	"github.com/fzft/go-proactor/ioerr"
	"github.com/fzft/go-proactor/sock"
	"go.uber.org/zap"
)

// AcceptFunc receives each accepted connection. The callee owns the socket's
// reference. err is set, and s nil, when an accept failed; the acceptor keeps
// going unless err is ioerr.ErrClosed.
type AcceptFunc func(a *Acceptor, s *AsyncSocket, err error)

// Acceptor keeps one accept outstanding on a listening socket and re-arms it
// after every delivery until Release.
type Acceptor struct {
	p        *Proactor
	ls       *AsyncSocket
	addr     net.Addr
	cb       AcceptFunc
	released atomic.Bool
}

// Accept listens on address and starts accepting. network is tcp, tcp4, tcp6
// or unix.
func (p *Proactor) Accept(network, address string, cb AcceptFunc) (*Acceptor, error) {
	if cb == nil {
		return nil, ioerr.Errorf(ioerr.ErrInvalidArgument, "accept: nil callback")
	}
	ln, err := sock.Listen(network, address)
	if err != nil {
		return nil, err
	}
	addr := ln.Addr()
	fd, err := ln.Socket().Detach()
	if err != nil {
		return nil, err
	}
	ls, err := p.newSocket(fd, ln.Socket().Family(), kindSocket)
	if err != nil {
		_ = sock.NewFromFD(fd, 0, 0).Close()
		return nil, err
	}
	a := &Acceptor{p: p, ls: ls, addr: addr, cb: cb}
	if err := a.arm(); err != nil {
		_ = ls.Close()
		return nil, err
	}
	p.logger.Info("Accepting", zap.Stringer("addr", addr))
	return a, nil
}

// Addr is the bound listening address.
func (a *Acceptor) Addr() net.Addr { return a.addr }

// Release stops accepting and closes the listening socket. The callback is not
// called again; a connection accepted concurrently is closed.
func (a *Acceptor) Release() error {
	if !a.released.CompareAndSwap(false, true) {
		return nil
	}
	err := a.ls.Close()
	if ua, ok := a.addr.(*net.UnixAddr); ok {
		_ = os.Remove(ua.Name)
	}
	return err
}

func (a *Acceptor) arm() error {
	return a.ls.accept(a.accepted)
}

func (a *Acceptor) accepted(ns *AsyncSocket, err error) {
	if a.released.Load() {
		if ns != nil {
			ns.Release()
		}
		return
	}
	if errors.Is(err, ioerr.ErrClosed) {
		a.released.Store(true)
		a.cb(a, nil, err)
		return
	}
	a.cb(a, ns, err)
	if a.released.Load() {
		return
	}
	if err := a.arm(); err != nil {
		a.p.logger.Warn("Failed to re-arm accept", zap.Stringer("addr", a.addr), zap.Error(err))
		a.released.Store(true)
		a.cb(a, nil, err)
	}
}
