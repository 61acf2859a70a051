//go:build unix

package pipe

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fzft/go-proactor/sock"
)

// Handle is the descriptor a detached pipe hands over.
type Handle = sock.FD

const invalidHandle = sock.InvalidFD

// Path maps a pipe name to a socket path. Names holding a separator are used
// as given; bare names live in the temporary directory.
func Path(name string) string {
	if strings.ContainsRune(name, '/') {
		return name
	}
	return filepath.Join(os.TempDir(), name)
}

type conn struct {
	s *sock.Socket
}

func dial(path string, timeout time.Duration) (*conn, error) {
	s, err := sock.ConnectUnix(path, timeout)
	if err != nil {
		return nil, err
	}
	return &conn{s: s}, nil
}

func (c *conn) send(b []byte, timeout time.Duration) (int, error) {
	return c.s.Send(b, timeout)
}

func (c *conn) recv(b []byte, timeout time.Duration, some bool) (int, error) {
	if some {
		return c.s.RecvSome(b, timeout)
	}
	return c.s.Recv(b, timeout)
}

func (c *conn) detach() (Handle, error) { return c.s.Detach() }

func (c *conn) close() error { return c.s.Close() }

type listener struct {
	l *sock.Listener
}

// listen removes a stale socket file left by a previous server before
// binding.
func listen(path string) (*listener, error) {
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		_ = os.Remove(path)
	}
	l, err := sock.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &listener{l: l}, nil
}

func (l *listener) accept(timeout time.Duration) (*conn, error) {
	s, err := l.l.Accept(timeout)
	if err != nil {
		return nil, err
	}
	return &conn{s: s}, nil
}

func (l *listener) close() error { return l.l.Close() }
