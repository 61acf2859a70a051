//go:build windows

package sock

import (
	"net"
	"os"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/fzft/go-proactor/ioerr"
	"golang.org/x/sys/windows"
)

// FD is the winsock SOCKET handle.
type FD = windows.Handle

// InvalidFD marks a closed or detached socket.
const InvalidFD FD = windows.InvalidHandle

const (
	afUnix     = windows.AF_UNIX
	sockStream = windows.SOCK_STREAM

	wsaFlagNoHandleInherit = 0x80
	fionbio                = 0x8004667e
	soError                = 0x1007
	fdSetSize              = 64
)

const (
	wsaEINTR        = syscall.Errno(10004)
	wsaEINVAL       = syscall.Errno(10022)
	wsaEWOULDBLOCK  = syscall.Errno(10035)
	wsaEINPROGRESS  = syscall.Errno(10036)
	wsaEALREADY     = syscall.Errno(10037)
	wsaECONNABORTED = syscall.Errno(10053)
)

var (
	ws2dll          = windows.NewLazySystemDLL("ws2_32.dll")
	procSelect      = ws2dll.NewProc("select")
	procIoctlsocket = ws2dll.NewProc("ioctlsocket")
	procAccept      = ws2dll.NewProc("accept")

	wsaOnce sync.Once
	wsaErr  error
)

func wsaStartup() error {
	wsaOnce.Do(func() {
		var data windows.WSAData
		wsaErr = windows.WSAStartup(uint32(0x202), &data)
	})
	return wsaErr
}

// sysSocket creates an overlapped-capable, non-inheritable socket and turns on
// non-blocking mode before anyone else can see it.
func sysSocket(family, sotype, proto int) (FD, error) {
	if err := wsaStartup(); err != nil {
		return InvalidFD, err
	}
	fd, err := windows.WSASocket(int32(family), int32(sotype), int32(proto), nil, 0,
		windows.WSA_FLAG_OVERLAPPED|wsaFlagNoHandleInherit)
	if err != nil {
		return InvalidFD, err
	}
	if err := setNonblock(fd); err != nil {
		windows.Closesocket(fd)
		return InvalidFD, err
	}
	return fd, nil
}

// NewSocketHandle is sysSocket for the proactor.
func NewSocketHandle(family, sotype, proto int) (FD, error) {
	fd, err := sysSocket(family, sotype, proto)
	if err != nil {
		return InvalidFD, os.NewSyscallError("socket", err)
	}
	return fd, nil
}

func setNonblock(fd FD) error {
	mode := uint32(1)
	r1, _, e := procIoctlsocket.Call(uintptr(fd), uintptr(fionbio), uintptr(unsafe.Pointer(&mode)))
	if int32(r1) != 0 {
		return e
	}
	return nil
}

func sysWrite(fd FD, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	buf := windows.WSABuf{Len: uint32(len(b)), Buf: &b[0]}
	var n uint32
	err := windows.WSASend(fd, &buf, 1, &n, 0, nil, nil)
	return int(n), err
}

func sysRead(fd FD, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	buf := windows.WSABuf{Len: uint32(len(b)), Buf: &b[0]}
	var n, flags uint32
	err := windows.WSARecv(fd, &buf, 1, &n, &flags, nil, nil)
	return int(n), err
}

func sysConnect(fd FD, sa windows.Sockaddr) error { return windows.Connect(fd, sa) }

func sysBind(fd FD, sa windows.Sockaddr) error { return windows.Bind(fd, sa) }

func sysListen(fd FD, backlog int) error { return windows.Listen(fd, backlog) }

func closeFD(fd FD) error { return windows.Closesocket(fd) }

func setReuseAddr(fd FD) error {
	return windows.SetsockoptInt(fd, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}

func setKeepAlive(fd FD, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return windows.SetsockoptInt(fd, windows.SOL_SOCKET, windows.SO_KEEPALIVE, v)
}

// sysAccept inherits non-blocking mode from the listener; inheritance of the
// handle itself is switched off explicitly.
func sysAccept(fd FD) (FD, error) {
	r1, _, e := procAccept.Call(uintptr(fd), 0, 0)
	nfd := FD(r1)
	if nfd == InvalidFD {
		return InvalidFD, e
	}
	if err := windows.SetHandleInformation(nfd, windows.HANDLE_FLAG_INHERIT, 0); err != nil {
		windows.Closesocket(nfd)
		return InvalidFD, err
	}
	return nfd, nil
}

func isWouldBlock(err error) bool { return err == wsaEWOULDBLOCK }

func isInterrupted(err error) bool { return err == wsaEINTR }

func isInProgress(err error) bool {
	return err == wsaEINPROGRESS || err == wsaEALREADY || err == wsaEINVAL
}

func isConnAborted(err error) bool { return err == wsaECONNABORTED }

type fdSet struct {
	count uint32
	array [fdSetSize]windows.Handle
}

type timeval struct {
	sec  int32
	usec int32
}

// waitFD selects on one socket. Connect failures are reported in the
// exception set, so a write wait watches both.
func waitFD(fd FD, mode waitMode, timeout time.Duration) (bool, error) {
	set := fdSet{count: 1}
	set.array[0] = fd
	except := set
	var rset, wset *fdSet
	if mode == waitWrite {
		wset = &set
	} else {
		rset = &set
	}
	var tv *timeval
	if timeout >= 0 {
		ms := Millis(timeout)
		tv = &timeval{sec: int32(ms / 1000), usec: int32(ms%1000) * 1000}
	}
	r1, _, e := procSelect.Call(0,
		uintptr(unsafe.Pointer(rset)),
		uintptr(unsafe.Pointer(wset)),
		uintptr(unsafe.Pointer(&except)),
		uintptr(unsafe.Pointer(tv)))
	n := int32(r1)
	if n < 0 {
		return false, e
	}
	return n > 0, nil
}

// Millis converts a timeout for select/WaitFor style primitives, rounding up.
func Millis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}

// PendingError reads and clears SO_ERROR.
func PendingError(fd FD) error { return pendingError(fd) }

func pendingError(fd FD) error {
	v, err := windows.GetsockoptInt(fd, windows.SOL_SOCKET, soError)
	if err != nil {
		return err
	}
	if v != 0 {
		return syscall.Errno(v)
	}
	return nil
}

func finishConnect(fd FD) error {
	if _, err := windows.Getpeername(fd); err != nil {
		if soErr := pendingError(fd); soErr != nil {
			return os.NewSyscallError("connect", soErr)
		}
		return os.NewSyscallError("getpeername", err)
	}
	return nil
}

func localAddr(fd FD) net.Addr {
	sa, err := windows.Getsockname(fd)
	if err != nil {
		return nil
	}
	return FromSockaddr(sa)
}

func remoteAddr(fd FD) net.Addr {
	sa, err := windows.Getpeername(fd)
	if err != nil {
		return nil
	}
	return FromSockaddr(sa)
}

// ToSockaddr converts a Go address into the family and raw sockaddr used by
// winsock.
func ToSockaddr(addr net.Addr) (int, windows.Sockaddr, error) { return toSockaddr(addr) }

func toSockaddr(addr net.Addr) (int, windows.Sockaddr, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		if a.IP == nil || a.IP.To4() != nil {
			sa := &windows.SockaddrInet4{Port: a.Port}
			if ip4 := a.IP.To4(); ip4 != nil {
				sa.Addr = [4]byte(ip4)
			}
			return windows.AF_INET, sa, nil
		}
		sa := &windows.SockaddrInet6{Port: a.Port, Addr: [16]byte(a.IP.To16())}
		if a.Zone != "" {
			if ifi, err := net.InterfaceByName(a.Zone); err == nil {
				sa.ZoneId = uint32(ifi.Index)
			}
		}
		return windows.AF_INET6, sa, nil
	case *net.UnixAddr:
		return windows.AF_UNIX, &windows.SockaddrUnix{Name: a.Name}, nil
	}
	return 0, nil, ioerr.Errorf(ioerr.ErrNotSupported, "address %T", addr)
}

// FromSockaddr converts a raw sockaddr back into a Go address.
func FromSockaddr(sa windows.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *windows.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3]), Port: a.Port}
	case *windows.SockaddrInet6:
		return &net.TCPAddr{IP: append(net.IP(nil), a.Addr[:]...), Port: a.Port}
	case *windows.SockaddrUnix:
		return &net.UnixAddr{Name: a.Name, Net: "unix"}
	}
	return nil
}
