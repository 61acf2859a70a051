//go:build unix

package sock

import (
	"net"
	"os"
	"syscall"
	"time"

	"github.com/fzft/go-proactor/ioerr"
	"golang.org/x/sys/unix"
)

// FD is the POSIX file descriptor.
type FD = int

// InvalidFD marks a closed or detached socket.
const InvalidFD FD = -1

const (
	afUnix     = unix.AF_UNIX
	sockStream = unix.SOCK_STREAM
)

func sysWrite(fd FD, b []byte) (int, error) { return unix.Write(fd, b) }

func sysRead(fd FD, b []byte) (int, error) { return unix.Read(fd, b) }

func sysConnect(fd FD, sa unix.Sockaddr) error { return unix.Connect(fd, sa) }

func sysBind(fd FD, sa unix.Sockaddr) error { return unix.Bind(fd, sa) }

func sysListen(fd FD, backlog int) error { return unix.Listen(fd, backlog) }

func closeFD(fd FD) error { return unix.Close(fd) }

func setReuseAddr(fd FD) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

func setKeepAlive(fd FD, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, v)
}

func isWouldBlock(err error) bool { return err == unix.EAGAIN || err == unix.EWOULDBLOCK }

func isInterrupted(err error) bool { return err == unix.EINTR }

func isInProgress(err error) bool { return err == unix.EINPROGRESS || err == unix.EALREADY }

func isConnAborted(err error) bool { return err == unix.ECONNABORTED }

// waitFD polls one descriptor. Error and hangup conditions count as ready:
// the caller learns the outcome from SO_ERROR or the retried syscall.
func waitFD(fd FD, mode waitMode, timeout time.Duration) (bool, error) {
	events := int16(unix.POLLIN | unix.POLLPRI)
	if mode == waitWrite {
		events = unix.POLLOUT
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	n, err := unix.Poll(fds, Millis(timeout))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Millis converts a timeout for poll-style primitives, rounding up.
func Millis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}

// PendingError reads and clears SO_ERROR.
func PendingError(fd FD) error { return pendingError(fd) }

func pendingError(fd FD) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return syscall.Errno(v)
	}
	return nil
}

func finishConnect(fd FD) error {
	if _, err := unix.Getpeername(fd); err != nil {
		if soErr := pendingError(fd); soErr != nil {
			return os.NewSyscallError("connect", soErr)
		}
		return os.NewSyscallError("getpeername", err)
	}
	return nil
}

func localAddr(fd FD) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return FromSockaddr(sa)
}

func remoteAddr(fd FD) net.Addr {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil
	}
	return FromSockaddr(sa)
}

// ToSockaddr converts a Go address into the family and raw sockaddr used by
// the system calls.
func ToSockaddr(addr net.Addr) (int, unix.Sockaddr, error) { return toSockaddr(addr) }

func toSockaddr(addr net.Addr) (int, unix.Sockaddr, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		if a.IP == nil || a.IP.To4() != nil {
			sa := &unix.SockaddrInet4{Port: a.Port}
			if ip4 := a.IP.To4(); ip4 != nil {
				sa.Addr = [4]byte(ip4)
			}
			return unix.AF_INET, sa, nil
		}
		sa := &unix.SockaddrInet6{Port: a.Port, Addr: [16]byte(a.IP.To16())}
		if a.Zone != "" {
			if ifi, err := net.InterfaceByName(a.Zone); err == nil {
				sa.ZoneId = uint32(ifi.Index)
			}
		}
		return unix.AF_INET6, sa, nil
	case *net.UnixAddr:
		return unix.AF_UNIX, &unix.SockaddrUnix{Name: a.Name}, nil
	}
	return 0, nil, ioerr.Errorf(ioerr.ErrNotSupported, "address %T", addr)
}

// FromSockaddr converts a raw sockaddr back into a Go address.
func FromSockaddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3]), Port: a.Port}
	case *unix.SockaddrInet6:
		addr := &net.TCPAddr{IP: append(net.IP(nil), a.Addr[:]...), Port: a.Port}
		if a.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(a.ZoneId)); err == nil {
				addr.Zone = ifi.Name
			}
		}
		return addr
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: a.Name, Net: "unix"}
	}
	return nil
}

// Pair returns two connected local stream sockets.
func Pair() (*Socket, *Socket, error) {
	fds, err := sysSocketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}
	return NewFromFD(fds[0], unix.AF_UNIX, unix.SOCK_STREAM), NewFromFD(fds[1], unix.AF_UNIX, unix.SOCK_STREAM), nil
}
