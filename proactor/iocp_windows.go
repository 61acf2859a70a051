//go:build windows

package proactor

import (
	"os"
	"syscall"
	"time"
	"unsafe"

	"github.com/fzft/go-proactor/ioerr"
	"github.com/fzft/go-proactor/sock"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

const (
	waitTimeout        = syscall.Errno(258)
	errNetnameDeleted  = syscall.Errno(64)
	soUpdateAcceptCtx  = 0x700b
	soUpdateConnectCtx = 0x7010
	acceptAddrLen      = int(unsafe.Sizeof(windows.RawSockaddrAny{})) + 16
	wakeKey            = ^uintptr(0)
	infinite           = 0xFFFFFFFF
)

type sockSys struct{}

// opSys starts with the OVERLAPPED handed to the kernel; a completion packet
// carries its address, which is also the address of the op.
type opSys struct {
	ov       windows.Overlapped
	wsabufs  []windows.WSABuf
	flags    uint32
	qty      uint32
	acceptFD windows.Handle
	addrBuf  [2 * acceptAddrLen]byte
}

// iocp is the completion port backend. Every operation is issued overlapped
// and reports through the port exactly once, whether it succeeded, failed or
// was cancelled.
type iocp struct {
	p         *Proactor
	port      windows.Handle
	maxEvents int
}

func newBackend(p *Proactor, maxEvents int) (backend, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, os.NewSyscallError("CreateIoCompletionPort", err)
	}
	return &iocp{p: p, port: port, maxEvents: maxEvents}, nil
}

// prepareHandle reports the family of an overlapped socket.
func prepareHandle(fd sock.FD) (int, error) {
	sa, err := windows.Getsockname(fd)
	if err != nil {
		return 0, os.NewSyscallError("getsockname", err)
	}
	switch sa.(type) {
	case *windows.SockaddrInet4:
		return windows.AF_INET, nil
	case *windows.SockaddrInet6:
		return windows.AF_INET6, nil
	case *windows.SockaddrUnix:
		return windows.AF_UNIX, nil
	}
	return 0, nil
}

// AttachPipe takes ownership of a named pipe handle opened with
// FILE_FLAG_OVERLAPPED. Recv and Send then go through ReadFile and WriteFile.
func (p *Proactor) AttachPipe(h windows.Handle) (*AsyncSocket, error) {
	return p.newSocket(h, 0, kindPipe)
}

func (b *iocp) attach(s *AsyncSocket) error {
	if _, err := windows.CreateIoCompletionPort(s.fd, b.port, 0, 0); err != nil {
		return os.NewSyscallError("CreateIoCompletionPort", err)
	}
	return nil
}

func (b *iocp) begin(o *op) error {
	return b.issue(o)
}

// issue starts (or continues) o. ERROR_IO_PENDING and synchronous success
// both leave a packet to come through the port.
func (b *iocp) issue(o *op) error {
	o.sys.ov = windows.Overlapped{}
	s := o.sock
	var err error
	name := o.kind.String()

	switch {
	case o.kind == opRecvMsg || o.kind == opSendMsg:
		return ioerr.Errorf(ioerr.ErrNotSupported, "%s on windows", o.kind)

	case s.kind == kindPipe && o.kind == opRecv:
		name = "ReadFile"
		tail := o.bufs[0].Tail()[:o.recvTarget()]
		err = windows.ReadFile(s.fd, tail, nil, &o.sys.ov)

	case s.kind == kindPipe && (o.kind == opSend || o.kind == opSendV):
		if o.sendComplete() {
			return b.post(o)
		}
		name = "WriteFile"
		err = windows.WriteFile(s.fd, o.bufs[o.idx].Bytes(), nil, &o.sys.ov)

	case s.kind == kindPipe:
		return ioerr.Errorf(ioerr.ErrNotSupported, "%s on a pipe", o.kind)

	case o.kind == opRecv:
		tail := o.bufs[0].Tail()[:o.recvTarget()]
		o.sys.wsabufs = append(o.sys.wsabufs[:0], windows.WSABuf{Len: uint32(len(tail)), Buf: &tail[0]})
		o.sys.flags = 0
		err = windows.WSARecv(s.fd, &o.sys.wsabufs[0], 1, &o.sys.qty, &o.sys.flags, &o.sys.ov, nil)

	case o.kind == opSend || o.kind == opSendV:
		o.sys.wsabufs = o.sys.wsabufs[:0]
		for _, buf := range o.bufs[o.idx:] {
			if data := buf.Bytes(); len(data) > 0 {
				o.sys.wsabufs = append(o.sys.wsabufs, windows.WSABuf{Len: uint32(len(data)), Buf: &data[0]})
			}
		}
		if len(o.sys.wsabufs) == 0 {
			return b.post(o)
		}
		err = windows.WSASend(s.fd, &o.sys.wsabufs[0], uint32(len(o.sys.wsabufs)), &o.sys.qty, 0, &o.sys.ov, nil)

	case o.kind == opAccept:
		nfd, serr := sock.NewSocketHandle(s.family, windows.SOCK_STREAM, 0)
		if serr != nil {
			return serr
		}
		o.sys.acceptFD = nfd
		name = "AcceptEx"
		err = windows.AcceptEx(s.fd, nfd, &o.sys.addrBuf[0], 0,
			uint32(acceptAddrLen), uint32(acceptAddrLen), &o.sys.qty, &o.sys.ov)
		if err != nil && err != windows.ERROR_IO_PENDING {
			windows.Closesocket(nfd)
			o.sys.acceptFD = 0
		}

	case o.kind == opConnect:
		name = "ConnectEx"
		err = b.connect(o)
	}

	if err != nil && err != windows.ERROR_IO_PENDING {
		return os.NewSyscallError(name, err)
	}
	return nil
}

// connect binds the socket to the wildcard address, which ConnectEx
// requires, and starts the connect.
func (b *iocp) connect(o *op) error {
	if err := windows.LoadConnectEx(); err != nil {
		return err
	}
	_, sa, err := sock.ToSockaddr(o.addr)
	if err != nil {
		return err
	}
	var local windows.Sockaddr
	switch sa.(type) {
	case *windows.SockaddrInet4:
		local = &windows.SockaddrInet4{}
	case *windows.SockaddrInet6:
		local = &windows.SockaddrInet6{}
	default:
		return ioerr.Errorf(ioerr.ErrNotSupported, "connect to %s", o.addr)
	}
	if err := windows.Bind(o.sock.fd, local); err != nil {
		return err
	}
	return windows.ConnectEx(o.sock.fd, sa, nil, 0, nil, &o.sys.ov)
}

// post completes o through the port without any I/O.
func (b *iocp) post(o *op) error {
	return os.NewSyscallError("PostQueuedCompletionStatus",
		windows.PostQueuedCompletionStatus(b.port, 0, 0, &o.sys.ov))
}

func (b *iocp) abort(o *op) bool {
	if err := windows.CancelIoEx(o.sock.fd, &o.sys.ov); err != nil {
		b.p.logger.Debug("CancelIoEx failed", zap.Uint64("id", o.sock.id), zap.Error(err))
	}
	return false
}

func (b *iocp) cancel(s *AsyncSocket) []*op {
	if s.rd != nil || s.wr != nil {
		_ = windows.CancelIoEx(s.fd, nil)
	}
	return nil
}

func (b *iocp) detach(s *AsyncSocket) error {
	if s.kind == kindPipe {
		return os.NewSyscallError("CloseHandle", windows.CloseHandle(s.fd))
	}
	return os.NewSyscallError("closesocket", windows.Closesocket(s.fd))
}

func (b *iocp) poll(timeout time.Duration, done func(o *op)) error {
	ms := uint32(infinite)
	if timeout >= 0 {
		ms = uint32(sock.Millis(timeout))
	}
	for i := 0; i < b.maxEvents; i++ {
		var qty uint32
		var key uintptr
		var ov *windows.Overlapped
		err := windows.GetQueuedCompletionStatus(b.port, &qty, &key, &ov, ms)
		ms = 0
		if ov == nil {
			switch {
			case err == nil:
				continue
			case err == waitTimeout:
				return nil
			}
			return os.NewSyscallError("GetQueuedCompletionStatus", err)
		}

		o := (*op)(unsafe.Pointer(ov))
		s := o.sock
		s.mu.Lock()
		b.completed(o, int(qty), err)
		finished := o.finished
		s.mu.Unlock()
		if finished {
			done(o)
		}
	}
	return nil
}

// completed folds one packet into o, re-issuing it when more bytes are
// needed.
func (b *iocp) completed(o *op, n int, err error) {
	s := o.sock
	if err == windows.ERROR_MORE_DATA {
		err = nil
	}
	if err != nil {
		switch {
		case o.timedOut:
			o.finish(ioerr.ErrTimeout)
		case s.closed || err == windows.ERROR_OPERATION_ABORTED:
			o.finish(ioerr.ErrClosed)
		case err == windows.ERROR_HANDLE_EOF || err == windows.ERROR_BROKEN_PIPE || err == errNetnameDeleted:
			o.finish(ioerr.ErrShutdown)
		default:
			o.finish(os.NewSyscallError(o.kind.String(), err))
		}
		if o.kind == opAccept && o.sys.acceptFD != 0 {
			windows.Closesocket(o.sys.acceptFD)
			o.sys.acceptFD = 0
		}
		return
	}

	switch o.kind {
	case opRecv:
		if n == 0 {
			o.finish(ioerr.ErrShutdown)
			return
		}
		if done, err := o.received(n); err != nil {
			o.finish(err)
			return
		} else if done {
			o.finish(nil)
			return
		}
	case opSend, opSendV:
		if err := o.sent(n); err != nil {
			o.finish(err)
			return
		}
		if o.sendComplete() {
			o.finish(nil)
			return
		}
	case opAccept:
		b.accepted(o)
		return
	case opConnect:
		if err := windows.Setsockopt(s.fd, windows.SOL_SOCKET, soUpdateConnectCtx, nil, 0); err != nil {
			o.finish(os.NewSyscallError("setsockopt", err))
			return
		}
		o.finish(nil)
		return
	}

	if s.closed {
		o.finish(ioerr.ErrClosed)
	} else if err := b.issue(o); err != nil {
		o.finish(err)
	}
}

func (b *iocp) accepted(o *op) {
	ls := o.sock
	nfd := o.sys.acceptFD
	o.sys.acceptFD = 0
	err := windows.Setsockopt(nfd, windows.SOL_SOCKET, soUpdateAcceptCtx,
		(*byte)(unsafe.Pointer(&ls.fd)), int32(unsafe.Sizeof(ls.fd)))
	if err != nil {
		windows.Closesocket(nfd)
		o.finish(os.NewSyscallError("setsockopt", err))
		return
	}
	ns, err := b.p.newSocket(nfd, ls.family, kindSocket)
	if err != nil {
		windows.Closesocket(nfd)
		o.finish(err)
		return
	}
	o.accepted = ns
	o.finish(nil)
}

func (b *iocp) wake() error {
	return os.NewSyscallError("PostQueuedCompletionStatus",
		windows.PostQueuedCompletionStatus(b.port, 0, wakeKey, nil))
}

func (b *iocp) close() error {
	return os.NewSyscallError("CloseHandle", windows.CloseHandle(b.port))
}
