// Package ioerr defines the error taxonomy shared by the blocking socket,
// the proactor and the framing layer.
//
// Raw OS errors are surfaced verbatim as syscall.Errno values. The synthetic
// errors below are the only ones the library invents. Code maps any of them
// onto the single integer error space exposed to callers that want one.
package ioerr

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrTimeout is returned when a deadline elapses. It is ETIMEDOUT so that
	// errors.Is(err, syscall.ETIMEDOUT) and net.Error style Timeout() checks
	// both hold.
	ErrTimeout error = syscall.ETIMEDOUT

	// ErrClosed reports a locally closed transport or a pending operation
	// cancelled by Close.
	ErrClosed = net.ErrClosed

	// ErrShutdown reports that the peer shut down the direction. It is io.EOF
	// so the usual end-of-stream checks apply.
	ErrShutdown = io.EOF

	ErrOutOfMemory     = errors.New("ioerr: out of memory")
	ErrInvalidArgument = errors.New("ioerr: invalid argument")
	ErrNotSupported    = errors.New("ioerr: operation not supported")

	// ErrBusy is a programming error: a second operation was issued on a
	// direction that already has one outstanding.
	ErrBusy = fmt.Errorf("%w: direction busy", ErrInvalidArgument)
)

// Codes for the synthetic errors. Real OS errors keep their own value.
const (
	CodeOK          = 0
	CodeTimeout     = int(syscall.ETIMEDOUT)
	CodeOutOfMemory = int(syscall.ENOMEM)
	CodeInvalid     = int(syscall.EINVAL)
	CodeClosed      = int(syscall.EPIPE)
	CodeShutdown    = int(syscall.ECONNRESET)
	CodeUnsupported = int(syscall.EOPNOTSUPP)
	CodeUnknown     = -1
)

// Code flattens err into the integer error space.
func Code(err error) int {
	if err == nil {
		return CodeOK
	}
	var errno syscall.Errno
	switch {
	case errors.As(err, &errno):
		return int(errno)
	case errors.Is(err, ErrOutOfMemory):
		return CodeOutOfMemory
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalid
	case errors.Is(err, ErrClosed):
		return CodeClosed
	case errors.Is(err, ErrShutdown):
		return CodeShutdown
	case errors.Is(err, ErrNotSupported):
		return CodeUnsupported
	}
	return CodeUnknown
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Errorf wraps a sentinel with context while keeping errors.Is working.
func Errorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
