//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package proactor

import (
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const recvmsgFlags = 0

type filters struct {
	read, write bool
}

// kqueue registers read and write filters separately and wakes through a
// pipe whose read end is watched like any other descriptor.
type kqueue struct {
	mu     sync.Mutex
	kq     int
	rfd    int
	wfd    int
	set    map[int]filters
	events []unix.Kevent_t
}

func newPoller(maxEvents int) (poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(kq)
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		unix.Close(kq)
		return nil, os.NewSyscallError("pipe", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		_ = unix.SetNonblock(fd, true)
	}
	k := &kqueue{
		kq:     kq,
		rfd:    p[0],
		wfd:    p[1],
		set:    make(map[int]filters),
		events: make([]unix.Kevent_t, maxEvents),
	}
	var ev unix.Kevent_t
	unix.SetKevent(&ev, k.rfd, unix.EVFILT_READ, unix.EV_ADD)
	if _, err := unix.Kevent(kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		k.close()
		return nil, os.NewSyscallError("kevent", err)
	}
	return k, nil
}

func (k *kqueue) update(fd int, read, write bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	cur := k.set[fd]
	var changes []unix.Kevent_t
	if read != cur.read {
		changes = append(changes, change(fd, unix.EVFILT_READ, read))
	}
	if write != cur.write {
		changes = append(changes, change(fd, unix.EVFILT_WRITE, write))
	}
	if len(changes) == 0 {
		return nil
	}
	if _, err := unix.Kevent(k.kq, changes, nil, nil); err != nil {
		return os.NewSyscallError("kevent", err)
	}
	if read || write {
		k.set[fd] = filters{read: read, write: write}
	} else {
		delete(k.set, fd)
	}
	return nil
}

func change(fd, filter int, on bool) unix.Kevent_t {
	flags := unix.EV_DELETE
	if on {
		flags = unix.EV_ADD
	}
	var ev unix.Kevent_t
	unix.SetKevent(&ev, fd, filter, flags)
	return ev
}

func (k *kqueue) wait(timeout time.Duration, evs []event) (int, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	n, err := unix.Kevent(k.kq, nil, k.events, ts)
	if err != nil {
		return 0, err
	}
	m := 0
	for i := 0; i < n; i++ {
		ev := &k.events[i]
		fd := int(ev.Ident)
		if fd == k.rfd {
			k.drain()
			continue
		}
		failed := ev.Flags&unix.EV_ERROR != 0
		evs[m] = event{
			fd:    fd,
			read:  failed || ev.Filter == unix.EVFILT_READ,
			write: failed || ev.Filter == unix.EVFILT_WRITE,
		}
		m++
	}
	return m, nil
}

func (k *kqueue) drain() {
	var buf [64]byte
	for {
		if n, err := unix.Read(k.rfd, buf[:]); err != nil || n == 0 {
			return
		}
	}
}

func (k *kqueue) wake() error {
	_, err := unix.Write(k.wfd, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return os.NewSyscallError("write", err)
}

func (k *kqueue) close() error {
	unix.Close(k.rfd)
	unix.Close(k.wfd)
	return os.NewSyscallError("close", unix.Close(k.kq))
}
