//go:build linux

package proactor

import (
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/fzft/go-proactor/sock"
	"golang.org/x/sys/unix"
)

// https://copyconstruct.medium.com/the-method-to-epolls-madness-d9d2d6378642

const (
	readEvents  = unix.EPOLLPRI | unix.EPOLLIN
	writeEvents = unix.EPOLLOUT
	errEvents   = unix.EPOLLERR | unix.EPOLLHUP
)

// Received descriptors are close-on-exec like every descriptor we create.
const recvmsgFlags = unix.MSG_CMSG_CLOEXEC

type pipeSignal uint64

const signalWake pipeSignal = 1

// registry is a wrapper around epoll. It keeps track of the events each
// descriptor is registered for, to pick between add, mod and del.
type registry struct {
	mu       sync.Mutex
	epollFd  int
	epollSet map[int]uint32
}

func newRegistry(epollFd int) *registry {
	return &registry{
		epollFd:  epollFd,
		epollSet: make(map[int]uint32),
	}
}

// register sets the events fd is watched for; no events removes it.
func (r *registry) register(fd int, events uint32) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.epollSet[fd]
	switch {
	case events == 0 && !ok, ok && cur == events:
		return nil
	case events == 0:
		if err = r.del(fd); err == nil {
			delete(r.epollSet, fd)
		}
		return err
	case ok:
		err = r.mod(fd, events)
	default:
		err = r.add(fd, events)
	}
	if err != nil {
		return err
	}
	r.epollSet[fd] = events
	return nil
}

func (r *registry) add(fd int, events uint32) error {
	return os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events}))
}

func (r *registry) mod(fd int, events uint32) error {
	return os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events}))
}

func (r *registry) del(fd int) error {
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_DEL, fd, nil))
}

// epoll wakes up through an eventfd registered for reads.
type epoll struct {
	*registry
	efd    int
	events []unix.EpollEvent
}

func newPoller(maxEvents int) (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	e := &epoll{
		registry: newRegistry(epfd),
		efd:      efd,
		events:   make([]unix.EpollEvent, maxEvents),
	}
	if err := e.add(efd, readEvents); err != nil {
		unix.Close(efd)
		unix.Close(epfd)
		return nil, err
	}
	return e, nil
}

func (e *epoll) update(fd int, read, write bool) error {
	var events uint32
	if read {
		events |= readEvents
	}
	if write {
		events |= writeEvents
	}
	return e.register(fd, events)
}

// wait is level triggered. The eventfd is drained here and never reported.
func (e *epoll) wait(timeout time.Duration, evs []event) (int, error) {
	n, err := unix.EpollWait(e.epollFd, e.events, sock.Millis(timeout))
	if err != nil {
		return 0, err
	}
	m := 0
	for i := 0; i < n; i++ {
		ev := &e.events[i]
		fd := int(ev.Fd)
		if fd == e.efd {
			e.handleSignal()
			continue
		}
		failed := ev.Events&errEvents != 0
		evs[m] = event{
			fd:    fd,
			read:  failed || ev.Events&readEvents != 0,
			write: failed || ev.Events&writeEvents != 0,
		}
		m++
	}
	return m, nil
}

// handleSignal resets the eventfd counter.
func (e *epoll) handleSignal() {
	var buf uint64
	_, _ = unix.Read(e.efd, (*(*[8]byte)(unsafe.Pointer(&buf)))[:])
}

// wake adds to the eventfd counter; a full counter still wakes.
func (e *epoll) wake() error {
	sig := signalWake
	_, err := unix.Write(e.efd, (*(*[8]byte)(unsafe.Pointer(&sig)))[:])
	if err == unix.EAGAIN {
		return nil
	}
	return os.NewSyscallError("write", err)
}

// close order: eventfd, epoll. Attached descriptors are owned by their
// sockets.
func (e *epoll) close() error {
	err := os.NewSyscallError("close", unix.Close(e.efd))
	if cerr := os.NewSyscallError("close", unix.Close(e.epollFd)); err == nil {
		err = cerr
	}
	return err
}
