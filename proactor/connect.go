package proactor

import (
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/fzft/go-proactor/deadline"
	"github.com/fzft/go-proactor/ioerr"
	"github.com/fzft/go-proactor/sock"
	"go.uber.org/zap"
)

// ConnectFunc receives the connected socket, owned by the callee, or the error
// of the last candidate tried.
type ConnectFunc func(s *AsyncSocket, err error)

// Connect resolves host and service and connects to the first candidate that
// accepts, trying each in order while the timeout lasts. Resolution happens
// before Connect returns; the connects themselves are asynchronous.
func (p *Proactor) Connect(network, host, service string, timeout time.Duration, cb ConnectFunc) error {
	if cb == nil {
		return ioerr.Errorf(ioerr.ErrInvalidArgument, "connect: nil callback")
	}
	cd := deadline.NewCountdown(timeout)
	addrs, err := p.resolver.ResolveWithin(cd, network, host, service)
	if err != nil {
		return err
	}
	return p.ConnectAddrs(addrs, cd, cb)
}

// ConnectAddrs is Connect over already resolved candidates.
func (p *Proactor) ConnectAddrs(addrs []net.Addr, cd *deadline.Countdown, cb ConnectFunc) error {
	if len(addrs) == 0 || cb == nil {
		return ioerr.Errorf(ioerr.ErrInvalidArgument, "connect: no candidates")
	}
	c := &connector{p: p, addrs: addrs, cd: cd}
	k, err := NewContinuation(p.alloc, func(err error) { cb(c.conn, err) })
	if err != nil {
		return err
	}
	c.k = k
	if err := c.next(); err != nil {
		k.Discard()
		return err
	}
	return nil
}

// connector walks the candidate list. One user continuation survives every
// attempt.
type connector struct {
	p       *Proactor
	addrs   []net.Addr
	idx     int
	cd      *deadline.Countdown
	conn    *AsyncSocket
	lastErr error
	k       *Continuation
}

// next starts the next candidate that can be started. It returns an error
// when none could; that error has not been delivered.
func (c *connector) next() error {
	for c.idx < len(c.addrs) {
		wait, err := c.cd.Next()
		if err != nil {
			return err
		}
		addr := c.addrs[c.idx]
		c.idx++

		s, err := c.p.streamSocket(addr)
		if err != nil {
			if errors.Is(err, ioerr.ErrClosed) {
				return err
			}
			c.lastErr = err
			continue
		}
		var expires time.Time
		if !c.cd.IsInfinite() {
			expires = deadline.Clock.Now().Add(wait)
		}
		if err = s.connect(addr, expires, func(err error) { c.connected(s, err) }); err == nil {
			return nil
		}
		c.lastErr = err
		_ = s.Close()
	}
	if _, err := c.cd.Next(); err != nil {
		return err
	}
	if c.lastErr == nil {
		c.lastErr = ioerr.Errorf(ioerr.ErrInvalidArgument, "connect: no candidates")
	}
	return c.lastErr
}

func (c *connector) connected(s *AsyncSocket, err error) {
	if err == nil {
		c.conn = s
		c.k.Invoke(nil)
		return
	}
	c.p.logger.Debug("Connect candidate failed", zap.Stringer("addr", c.addrs[c.idx-1]), zap.Error(err))
	_ = s.Close()
	c.lastErr = err
	if err := c.next(); err != nil {
		c.k.Invoke(err)
	}
}

func (p *Proactor) streamSocket(addr net.Addr) (*AsyncSocket, error) {
	family, _, err := sock.ToSockaddr(addr)
	if err != nil {
		return nil, err
	}
	raw, err := sock.New(family, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	fd, err := raw.Detach()
	if err != nil {
		return nil, err
	}
	s, err := p.newSocket(fd, family, kindSocket)
	if err != nil {
		_ = sock.NewFromFD(fd, family, syscall.SOCK_STREAM).Close()
		return nil, err
	}
	return s, nil
}

// Attach takes ownership of a connected, non-blocking socket descriptor (on
// POSIX any descriptor works, e.g. one end of a socketpair).
func (p *Proactor) Attach(fd sock.FD) (*AsyncSocket, error) {
	family, err := prepareHandle(fd)
	if err != nil {
		return nil, err
	}
	return p.newSocket(fd, family, kindSocket)
}
