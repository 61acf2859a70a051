// Package pipe is a blocking duplex byte stream between local processes,
// addressed by name. On Windows it is a byte-mode named pipe
// (\\.\pipe\<name>); elsewhere it is a stream domain socket bound to a path.
//
// Send and Recv are bounded by a timeout like the sock package: negative
// waits forever, zero tries once. The two directions have separate locks, so
// one goroutine may send while another receives, but two concurrent senders
// (or receivers) are serialized and never interleave their bytes.
package pipe

import (
	"sync"
	"time"

	"github.com/fzft/go-proactor/ioerr"
	"github.com/fzft/go-proactor/log"
	"go.uber.org/zap"
)

// Pipe is one connected end.
type Pipe struct {
	rmu  sync.Mutex
	wmu  sync.Mutex
	mu   sync.RWMutex
	c    *conn
	name string
}

func newPipe(c *conn, name string) *Pipe {
	return &Pipe{c: c, name: name}
}

// Name is the path the pipe was dialed or accepted on.
func (p *Pipe) Name() string { return p.name }

func (p *Pipe) conn() (*conn, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.c == nil {
		return nil, ioerr.ErrClosed
	}
	return p.c, nil
}

// Send writes all of b. n reports the bytes written also on error.
func (p *Pipe) Send(b []byte, timeout time.Duration) (int, error) {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	c, err := p.conn()
	if err != nil {
		return 0, err
	}
	return c.send(b, timeout)
}

// Recv fills b. io.EOF means the other end went away first.
func (p *Pipe) Recv(b []byte, timeout time.Duration) (int, error) {
	p.rmu.Lock()
	defer p.rmu.Unlock()
	c, err := p.conn()
	if err != nil {
		return 0, err
	}
	return c.recv(b, timeout, false)
}

// RecvSome returns once at least one byte arrived.
func (p *Pipe) RecvSome(b []byte, timeout time.Duration) (int, error) {
	p.rmu.Lock()
	defer p.rmu.Unlock()
	c, err := p.conn()
	if err != nil {
		return 0, err
	}
	return c.recv(b, timeout, true)
}

// Detach hands the underlying handle to the caller, typically to attach it
// to a proactor. The Pipe is closed afterwards without closing the handle.
func (p *Pipe) Detach() (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c == nil {
		return invalidHandle, ioerr.ErrClosed
	}
	h, err := p.c.detach()
	p.c = nil
	return h, err
}

// Close releases the pipe. Closing twice is a no-op.
func (p *Pipe) Close() error {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	if err := c.close(); err != nil {
		log.Logger.Debug("pipe close failed", zap.String("name", p.name), zap.Error(err))
		return err
	}
	return nil
}

// Dial connects to the pipe called name, waiting up to timeout for the
// server to offer a free instance.
func Dial(name string, timeout time.Duration) (*Pipe, error) {
	path := Path(name)
	c, err := dial(path, timeout)
	if err != nil {
		return nil, err
	}
	return newPipe(c, path), nil
}

// Listener accepts pipe connections on one name.
type Listener struct {
	mu   sync.Mutex
	l    *listener
	path string
}

// Listen creates the server side of the pipe called name.
func Listen(name string) (*Listener, error) {
	path := Path(name)
	l, err := listen(path)
	if err != nil {
		return nil, err
	}
	log.Logger.Debug("pipe listening", zap.String("path", path))
	return &Listener{l: l, path: path}, nil
}

// Path is the address the pipe lives at.
func (l *Listener) Path() string { return l.path }

// Accept waits up to timeout for a client.
func (l *Listener) Accept(timeout time.Duration) (*Pipe, error) {
	l.mu.Lock()
	ll := l.l
	l.mu.Unlock()
	if ll == nil {
		return nil, ioerr.ErrClosed
	}
	c, err := ll.accept(timeout)
	if err != nil {
		return nil, err
	}
	return newPipe(c, l.path), nil
}

// Close stops listening. Pipes already accepted stay open.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.l == nil {
		return nil
	}
	err := l.l.close()
	l.l = nil
	return err
}
