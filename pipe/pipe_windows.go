//go:build windows

package pipe

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/fzft/go-proactor/deadline"
	"github.com/fzft/go-proactor/ioerr"
	"github.com/fzft/go-proactor/log"
	"github.com/fzft/go-proactor/sock"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

// Handle is the overlapped pipe handle a detached pipe hands over; it can be
// attached to a proactor with AttachPipe.
type Handle = windows.Handle

const invalidHandle = windows.InvalidHandle

const (
	pipePrefix     = `\\.\pipe\`
	pipeBufferSize = 64 << 10

	pipeAccessDuplex          = 0x3
	pipeRejectRemoteClients   = 0x8
	pipeUnlimitedInstances    = 255
	fileFlagFirstPipeInstance = 0x80000
	waitTimeout               = 0x102

	errPipeNotConnected = syscall.Errno(233)
)

var (
	kernel32          = windows.NewLazySystemDLL("kernel32.dll")
	procWaitNamedPipe = kernel32.NewProc("WaitNamedPipeW")
)

// Path maps a pipe name to its namespace path.
func Path(name string) string {
	if strings.HasPrefix(name, pipePrefix) {
		return name
	}
	return pipePrefix + name
}

// overlapped pairs an OVERLAPPED with the manual-reset event it signals.
type overlapped struct {
	ov windows.Overlapped
}

func newOverlapped() (*overlapped, error) {
	ev, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return nil, os.NewSyscallError("CreateEvent", err)
	}
	return &overlapped{ov: windows.Overlapped{HEvent: ev}}, nil
}

func (o *overlapped) close() {
	windows.CloseHandle(o.ov.HEvent)
}

// wait runs one overlapped call and waits up to timeout for it. On timeout
// the call is cancelled, and GetOverlappedResult then tells whether it
// completed before the cancel took effect; such a result is kept.
func (o *overlapped) wait(h windows.Handle, timeout time.Duration, start func(ov *windows.Overlapped) error) (int, error) {
	ev := o.ov.HEvent
	o.ov = windows.Overlapped{HEvent: ev}
	if err := windows.ResetEvent(ev); err != nil {
		return 0, os.NewSyscallError("ResetEvent", err)
	}
	err := start(&o.ov)
	if err != nil && err != windows.ERROR_IO_PENDING {
		return 0, err
	}

	timedOut := false
	ms := uint32(windows.INFINITE)
	if timeout >= 0 {
		ms = uint32(sock.Millis(timeout))
	}
	r, werr := windows.WaitForSingleObject(ev, ms)
	switch {
	case werr != nil:
		windows.CancelIoEx(h, &o.ov)
		log.Logger.Debug("WaitForSingleObject failed", zap.Error(werr))
	case r == waitTimeout:
		timedOut = true
		windows.CancelIoEx(h, &o.ov)
	}

	var n uint32
	err = windows.GetOverlappedResult(h, &o.ov, &n, true)
	switch {
	case err == nil, err == windows.ERROR_MORE_DATA:
		return int(n), nil
	case err == windows.ERROR_OPERATION_ABORTED && timedOut:
		return int(n), ioerr.ErrTimeout
	}
	return int(n), err
}

type conn struct {
	h  windows.Handle
	rd *overlapped
	wr *overlapped
}

func newConn(h windows.Handle) (*conn, error) {
	rd, err := newOverlapped()
	if err != nil {
		return nil, err
	}
	wr, err := newOverlapped()
	if err != nil {
		rd.close()
		return nil, err
	}
	return &conn{h: h, rd: rd, wr: wr}, nil
}

// dial opens the client end. While every instance is busy it waits for the
// server with WaitNamedPipe, drawing each wait from one countdown.
func dial(path string, timeout time.Duration) (*conn, error) {
	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, ioerr.Errorf(ioerr.ErrInvalidArgument, "pipe name %q", path)
	}
	cd := deadline.NewCountdown(timeout)
	for {
		h, err := windows.CreateFile(name, windows.GENERIC_READ|windows.GENERIC_WRITE, 0, nil,
			windows.OPEN_EXISTING, windows.FILE_FLAG_OVERLAPPED, 0)
		if err == nil {
			c, err := newConn(h)
			if err != nil {
				windows.CloseHandle(h)
			}
			return c, err
		}
		if err != windows.ERROR_PIPE_BUSY {
			return nil, os.NewSyscallError("CreateFile", err)
		}
		wait, err := cd.Next()
		if err != nil {
			return nil, err
		}
		ms := uintptr(windows.INFINITE)
		if wait >= 0 {
			ms = uintptr(sock.Millis(wait))
		}
		// A failed wait (timeout or vanished server) is retried until the
		// countdown itself runs out.
		procWaitNamedPipe.Call(uintptr(unsafe.Pointer(name)), ms)
	}
}

func (c *conn) send(b []byte, timeout time.Duration) (n int, err error) {
	cd := deadline.NewCountdown(timeout)
	for n < len(b) {
		left, _ := cd.Remaining()
		if n > 0 && cd.Expired() {
			return n, ioerr.ErrTimeout
		}
		m, err := c.wr.wait(c.h, left, func(ov *windows.Overlapped) error {
			return windows.WriteFile(c.h, b[n:], nil, ov)
		})
		n += m
		if err != nil {
			return n, mapErr("WriteFile", err)
		}
	}
	return n, nil
}

func (c *conn) recv(b []byte, timeout time.Duration, some bool) (n int, err error) {
	cd := deadline.NewCountdown(timeout)
	for n < len(b) {
		left, _ := cd.Remaining()
		if n > 0 && cd.Expired() {
			return n, ioerr.ErrTimeout
		}
		m, err := c.rd.wait(c.h, left, func(ov *windows.Overlapped) error {
			return windows.ReadFile(c.h, b[n:], nil, ov)
		})
		n += m
		if err != nil {
			return n, mapErr("ReadFile", err)
		}
		if m == 0 {
			return n, ioerr.ErrShutdown
		}
		if some {
			return n, nil
		}
	}
	return n, nil
}

func mapErr(name string, err error) error {
	switch err {
	case ioerr.ErrTimeout:
		return err
	case windows.ERROR_BROKEN_PIPE, windows.ERROR_HANDLE_EOF, windows.ERROR_NO_DATA, errPipeNotConnected:
		return ioerr.ErrShutdown
	case windows.ERROR_OPERATION_ABORTED, windows.ERROR_INVALID_HANDLE:
		return ioerr.ErrClosed
	}
	return os.NewSyscallError(name, err)
}

func (c *conn) release() {
	c.rd.close()
	c.wr.close()
}

func (c *conn) detach() (Handle, error) {
	c.release()
	return c.h, nil
}

func (c *conn) close() error {
	c.release()
	return os.NewSyscallError("CloseHandle", windows.CloseHandle(c.h))
}

// listener keeps one unconnected pipe instance ready; Accept connects it and
// creates the next one.
type listener struct {
	mu      sync.Mutex
	name    *uint16
	h       windows.Handle
	ov      *overlapped
	first   bool
	closing atomic.Bool
	// cur mirrors h for close, which cannot take mu while Accept waits.
	cur atomic.Uintptr
}

func listen(path string) (*listener, error) {
	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, ioerr.Errorf(ioerr.ErrInvalidArgument, "pipe name %q", path)
	}
	ov, err := newOverlapped()
	if err != nil {
		return nil, err
	}
	l := &listener{name: name, ov: ov, first: true}
	if l.h, err = l.instance(); err != nil {
		ov.close()
		return nil, err
	}
	l.cur.Store(uintptr(l.h))
	return l, nil
}

func (l *listener) instance() (windows.Handle, error) {
	flags := uint32(pipeAccessDuplex | windows.FILE_FLAG_OVERLAPPED)
	if l.first {
		flags |= fileFlagFirstPipeInstance
		l.first = false
	}
	// Byte type, byte read mode and blocking mode are all zero.
	h, err := windows.CreateNamedPipe(l.name, flags, pipeRejectRemoteClients,
		pipeUnlimitedInstances, pipeBufferSize, pipeBufferSize, 0, nil)
	if err != nil {
		return windows.InvalidHandle, os.NewSyscallError("CreateNamedPipe", err)
	}
	return h, nil
}

func (l *listener) accept(timeout time.Duration) (*conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.h == windows.InvalidHandle || l.closing.Load() {
		return nil, ioerr.ErrClosed
	}
	_, err := l.ov.wait(l.h, timeout, func(ov *windows.Overlapped) error {
		return windows.ConnectNamedPipe(l.h, ov)
	})
	switch err {
	case nil, windows.ERROR_PIPE_CONNECTED, windows.ERROR_NO_DATA:
	default:
		if l.closing.Load() {
			return nil, ioerr.ErrClosed
		}
		return nil, mapErr("ConnectNamedPipe", err)
	}
	h := l.h
	if l.h, err = l.instance(); err != nil {
		l.h = windows.InvalidHandle
		l.cur.Store(0)
		windows.CloseHandle(h)
		return nil, err
	}
	l.cur.Store(uintptr(l.h))
	c, err := newConn(h)
	if err != nil {
		windows.CloseHandle(h)
		return nil, err
	}
	return c, nil
}

func (l *listener) close() error {
	l.closing.Store(true)
	if h := windows.Handle(l.cur.Load()); h != 0 {
		// Unblock an Accept waiting on the instance.
		windows.CancelIoEx(h, nil)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.h
	l.h = windows.InvalidHandle
	l.cur.Store(0)
	l.ov.close()
	if h == windows.InvalidHandle {
		return nil
	}
	return os.NewSyscallError("CloseHandle", windows.CloseHandle(h))
}
