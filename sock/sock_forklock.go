//go:build unix && !(linux || freebsd || netbsd || openbsd || dragonfly)

package sock

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Without SOCK_CLOEXEC the descriptor is created and flagged while holding
// syscall.ForkLock, which os/exec takes around fork.

func sysSocket(family, sotype, proto int) (FD, error) {
	syscall.ForkLock.RLock()
	fd, err := unix.Socket(family, sotype, proto)
	if err == nil {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return InvalidFD, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return InvalidFD, err
	}
	return fd, nil
}

func sysSocketpair(family, sotype, proto int) ([2]int, error) {
	syscall.ForkLock.RLock()
	fds, err := unix.Socketpair(family, sotype, proto)
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return fds, err
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return fds, err
		}
	}
	return fds, nil
}

func sysAccept(fd FD) (FD, error) {
	nfd, _, err := Accept(fd)
	return nfd, err
}

// Accept is the non-blocking accept used by the proactor.
func Accept(fd FD) (FD, unix.Sockaddr, error) {
	syscall.ForkLock.RLock()
	nfd, sa, err := unix.Accept(fd)
	if err == nil {
		unix.CloseOnExec(nfd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return InvalidFD, nil, err
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return InvalidFD, nil, err
	}
	return nfd, sa, nil
}
