// Package sock is the blocking socket API: synchronous send, recv and connect
// whose waits are bounded by a millisecond accurate timeout.
//
// Every socket is created non-blocking and close-on-exec in the same system
// call that creates it. Blocking behaviour is emulated: the I/O primitive is
// retried on EINTR, and on EWOULDBLOCK the caller waits for readiness (poll on
// POSIX, select on Windows) for whatever is left of the timeout. The pending
// socket error (SO_ERROR) is re-read after every wake.
//
// A negative timeout waits forever, zero only tries once.
package sock

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fzft/go-proactor/deadline"
	"github.com/fzft/go-proactor/ioerr"
	"github.com/fzft/go-proactor/log"
	"go.uber.org/zap"
)

type waitMode int

const (
	waitRead waitMode = iota
	waitWrite
)

// Socket owns one OS socket. Close is idempotent.
type Socket struct {
	mu     sync.RWMutex
	fd     FD
	family int
	sotype int
}

// New creates a non-blocking, close-on-exec socket.
func New(family, sotype, proto int) (*Socket, error) {
	fd, err := sysSocket(family, sotype, proto)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	return &Socket{fd: fd, family: family, sotype: sotype}, nil
}

// NewFromFD wraps an already non-blocking descriptor and takes ownership.
func NewFromFD(fd FD, family, sotype int) *Socket {
	return &Socket{fd: fd, family: family, sotype: sotype}
}

func (s *Socket) Family() int { return s.family }

// FD returns the descriptor, or InvalidFD after Close/Detach.
func (s *Socket) FD() FD {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fd
}

func (s *Socket) sysfd() (FD, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fd == InvalidFD {
		return InvalidFD, ioerr.ErrClosed
	}
	return s.fd, nil
}

// Detach gives up ownership of the descriptor; the Socket becomes closed
// without closing the descriptor.
func (s *Socket) Detach() (FD, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fd := s.fd
	if fd == InvalidFD {
		return InvalidFD, ioerr.ErrClosed
	}
	s.fd = InvalidFD
	return fd, nil
}

// Close releases the descriptor. Closing twice is a no-op.
func (s *Socket) Close() error {
	s.mu.Lock()
	fd := s.fd
	s.fd = InvalidFD
	s.mu.Unlock()
	if fd == InvalidFD {
		return nil
	}
	return os.NewSyscallError("close", closeFD(fd))
}

// Send writes all of b. n always reports how much reached the kernel, also
// when err is ioerr.ErrTimeout.
func (s *Socket) Send(b []byte, timeout time.Duration) (n int, err error) {
	fd, err := s.sysfd()
	if err != nil {
		return 0, err
	}
	cd := deadline.NewCountdown(timeout)
	for n < len(b) {
		m, werr := sysWrite(fd, b[n:])
		if m > 0 {
			n += m
		}
		switch {
		case werr == nil:
		case isInterrupted(werr):
		case isWouldBlock(werr):
			if err = await(fd, waitWrite, cd); err != nil {
				return n, err
			}
		default:
			return n, os.NewSyscallError("write", werr)
		}
	}
	return n, nil
}

// Recv fills b. When the peer closes first the partial count is returned
// with io.EOF.
func (s *Socket) Recv(b []byte, timeout time.Duration) (n int, err error) {
	return s.recv(b, timeout, false)
}

// RecvSome returns as soon as at least one byte was read.
func (s *Socket) RecvSome(b []byte, timeout time.Duration) (n int, err error) {
	return s.recv(b, timeout, true)
}

func (s *Socket) recv(b []byte, timeout time.Duration, some bool) (n int, err error) {
	fd, err := s.sysfd()
	if err != nil {
		return 0, err
	}
	cd := deadline.NewCountdown(timeout)
	for n < len(b) {
		m, rerr := sysRead(fd, b[n:])
		switch {
		case rerr == nil && m == 0:
			return n, io.EOF
		case rerr == nil:
			n += m
			if some {
				return n, nil
			}
		case isInterrupted(rerr):
		case isWouldBlock(rerr):
			if err = await(fd, waitRead, cd); err != nil {
				return n, err
			}
		default:
			return n, os.NewSyscallError("read", rerr)
		}
	}
	return n, nil
}

// Connect performs a non-blocking connect and waits for its outcome. The
// result of a failed asynchronous connect is only visible through SO_ERROR.
func (s *Socket) Connect(addr net.Addr, timeout time.Duration) error {
	fd, err := s.sysfd()
	if err != nil {
		return err
	}
	_, sa, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	cerr := sysConnect(fd, sa)
	switch {
	case cerr == nil:
		return nil
	case isInProgress(cerr), isInterrupted(cerr), isWouldBlock(cerr):
	default:
		return os.NewSyscallError("connect", cerr)
	}
	if err := await(fd, waitWrite, deadline.NewCountdown(timeout)); err != nil {
		return err
	}
	return finishConnect(fd)
}

// SetKeepAlive turns TCP keepalive probes on or off.
func (s *Socket) SetKeepAlive(on bool) error {
	fd, err := s.sysfd()
	if err != nil {
		return err
	}
	return os.NewSyscallError("setsockopt", setKeepAlive(fd, on))
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() net.Addr {
	fd, err := s.sysfd()
	if err != nil {
		return nil
	}
	return localAddr(fd)
}

// RemoteAddr returns the peer address.
func (s *Socket) RemoteAddr() net.Addr {
	fd, err := s.sysfd()
	if err != nil {
		return nil
	}
	return remoteAddr(fd)
}

// await blocks until fd is ready in mode or the countdown is spent. A wake
// with nothing ready loops until the countdown itself reports expiry, so a
// wait never returns ErrTimeout early.
func await(fd FD, mode waitMode, cd *deadline.Countdown) error {
	for {
		wait, err := cd.Next()
		if err != nil {
			return err
		}
		ready, err := waitFD(fd, mode, wait)
		switch {
		case err != nil && isInterrupted(err):
			continue
		case err != nil:
			return os.NewSyscallError("wait", err)
		case !ready:
			continue
		}
		if soErr := pendingError(fd); soErr != nil {
			return os.NewSyscallError("getsockopt", soErr)
		}
		return nil
	}
}

// ConnectByName resolves host and service and connects to the first
// candidate that accepts, trying every candidate while the shared budget
// lasts. Failed candidate sockets are closed.
func ConnectByName(network, host, service string, timeout time.Duration) (*Socket, error) {
	return DefaultResolver.ConnectByName(network, host, service, timeout)
}

// ConnectByName is ConnectByName with this resolver.
func (r *Resolver) ConnectByName(network, host, service string, timeout time.Duration) (*Socket, error) {
	cd := deadline.NewCountdown(timeout)
	addrs, err := r.ResolveWithin(cd, network, host, service)
	if err != nil {
		return nil, err
	}
	return ConnectAny(addrs, cd)
}

// ConnectAny tries addrs in order, inclusive of the last, until one connects
// or cd runs out.
func ConnectAny(addrs []net.Addr, cd *deadline.Countdown) (*Socket, error) {
	lastErr := error(ioerr.Errorf(ioerr.ErrInvalidArgument, "no addresses"))
	for _, addr := range addrs {
		wait, err := cd.Next()
		if err != nil {
			return nil, err
		}
		family, _, err := toSockaddr(addr)
		if err != nil {
			lastErr = err
			continue
		}
		s, err := New(family, sockStream, 0)
		if err != nil {
			return nil, err
		}
		if err = s.Connect(addr, wait); err == nil {
			return s, nil
		}
		log.Logger.Debug("connect candidate failed", zap.Stringer("addr", addr), zap.Error(err))
		_ = s.Close()
		lastErr = err
	}
	if _, err := cd.Next(); err != nil {
		return nil, err
	}
	return nil, lastErr
}

// ConnectUnix connects to a local stream socket at path.
func ConnectUnix(path string, timeout time.Duration) (*Socket, error) {
	s, err := New(afUnix, sockStream, 0)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(&net.UnixAddr{Name: path, Net: "unix"}, timeout); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Listener is a bound, listening socket accepting blocking connections.
type Listener struct {
	s *Socket
}

const listenBacklog = 128

// Listen binds and listens on address. network is tcp, tcp4, tcp6 or unix.
func Listen(network, address string) (*Listener, error) {
	addr, err := resolveListenAddr(network, address)
	if err != nil {
		return nil, err
	}
	family, sa, err := toSockaddr(addr)
	if err != nil {
		return nil, err
	}
	s, err := New(family, sockStream, 0)
	if err != nil {
		return nil, err
	}
	fd := s.FD()
	if family != afUnix {
		if err := setReuseAddr(fd); err != nil {
			_ = s.Close()
			return nil, os.NewSyscallError("setsockopt", err)
		}
	}
	if err := sysBind(fd, sa); err != nil {
		_ = s.Close()
		return nil, os.NewSyscallError("bind", err)
	}
	if err := sysListen(fd, listenBacklog); err != nil {
		_ = s.Close()
		return nil, os.NewSyscallError("listen", err)
	}
	return &Listener{s: s}, nil
}

func resolveListenAddr(network, address string) (net.Addr, error) {
	switch network {
	case "unix":
		return &net.UnixAddr{Name: address, Net: "unix"}, nil
	case "tcp", "tcp4", "tcp6":
		return net.ResolveTCPAddr(network, address)
	}
	return nil, ioerr.Errorf(ioerr.ErrNotSupported, "network %q", network)
}

// Accept waits up to timeout for a connection.
func (l *Listener) Accept(timeout time.Duration) (*Socket, error) {
	fd, err := l.s.sysfd()
	if err != nil {
		return nil, err
	}
	cd := deadline.NewCountdown(timeout)
	for {
		nfd, aerr := sysAccept(fd)
		switch {
		case aerr == nil:
			return &Socket{fd: nfd, family: l.s.family, sotype: l.s.sotype}, nil
		case isInterrupted(aerr), isConnAborted(aerr):
		case isWouldBlock(aerr):
			if err := await(fd, waitRead, cd); err != nil {
				return nil, err
			}
		default:
			return nil, os.NewSyscallError("accept", aerr)
		}
	}
}

func (l *Listener) Addr() net.Addr { return l.s.LocalAddr() }

// Socket exposes the listening socket, e.g. to hand it to a proactor.
func (l *Listener) Socket() *Socket { return l.s }

func (l *Listener) Close() error {
	if l.s.family == afUnix {
		if ua, ok := l.s.LocalAddr().(*net.UnixAddr); ok && ua.Name != "" {
			defer os.Remove(ua.Name)
		}
	}
	return l.s.Close()
}

// IsClosed reports whether err came from using a closed socket.
func IsClosed(err error) bool {
	return errors.Is(err, ioerr.ErrClosed)
}

// LocalAddrOf returns the bound address of a raw descriptor.
func LocalAddrOf(fd FD) net.Addr { return localAddr(fd) }

// RemoteAddrOf returns the peer address of a raw descriptor.
func RemoteAddrOf(fd FD) net.Addr { return remoteAddr(fd) }
