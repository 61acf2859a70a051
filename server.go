package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fzft/go-proactor/buffer"
	"github.com/fzft/go-proactor/cdr"
	"github.com/fzft/go-proactor/ioerr"
	"github.com/fzft/go-proactor/proactor"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// runTick bounds one Run call so a worker notices Stop promptly even when
// the backend wakeup is lost.
const runTick = 500 * time.Millisecond

// Config is what the echo server listens on and how it frames messages.
type Config struct {
	Network     string
	Address     string
	Header      cdr.Header
	Workers     int
	MetricsAddr string
}

// EchoServer answers every frame with the same frame.
type EchoServer struct {
	cfg    Config
	p      *proactor.Proactor
	logger *zap.Logger

	mu       sync.Mutex
	acceptor *proactor.Acceptor
	sessions map[*session]struct{}

	wg sync.WaitGroup
}

func NewEchoServer(cfg Config, p *proactor.Proactor, logger *zap.Logger) *EchoServer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &EchoServer{
		cfg:      cfg,
		p:        p,
		logger:   logger.Named("echo"),
		sessions: make(map[*session]struct{}),
	}
}

// Start begins accepting and runs the proactor on cfg.Workers goroutines.
func (s *EchoServer) Start(context.Context) error {
	a, err := s.p.Accept(s.cfg.Network, s.cfg.Address, s.accepted)
	if err != nil {
		s.logger.Error("listen error", zap.String("addr", s.cfg.Address), zap.Error(err))
		return err
	}
	s.mu.Lock()
	s.acceptor = a
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.run(i)
	}
	s.logger.Info("listening on", zap.Stringer("addr", a.Addr()), zap.Int("workers", s.cfg.Workers))
	return nil
}

// Addr is the bound address, nil before Start.
func (s *EchoServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acceptor == nil {
		return ""
	}
	return s.acceptor.Addr().String()
}

func (s *EchoServer) run(worker int) {
	defer s.wg.Done()
	for {
		st, err := s.p.Run(runTick)
		switch {
		case st == proactor.RunStopped:
			s.logger.Debug("worker stopped", zap.Int("worker", worker))
			return
		case err != nil:
			s.logger.Error("run failed", zap.Int("worker", worker), zap.Error(err))
			return
		case st == proactor.RunIdle:
			// Nothing pending until the next accept is armed.
			time.Sleep(time.Millisecond)
		}
	}
}

// Stop closes the listener and every session, then stops the workers.
func (s *EchoServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	a := s.acceptor
	s.acceptor = nil
	sessions := make([]*session, 0, len(s.sessions))
	for c := range s.sessions {
		sessions = append(sessions, c)
	}
	s.mu.Unlock()

	var err error
	if a != nil {
		err = multierr.Append(err, a.Release())
	}
	for _, c := range sessions {
		c.close(ioerr.ErrClosed)
	}

	// Let the close completions run before stopping the loop.
	deadline := time.Now().Add(time.Second)
	for s.p.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.p.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}
	s.logger.Info("shutting down server", zap.Int("sessions", len(sessions)))
	return err
}

func (s *EchoServer) accepted(_ *proactor.Acceptor, as *proactor.AsyncSocket, err error) {
	if err != nil {
		if !errors.Is(err, ioerr.ErrClosed) {
			s.logger.Warn("accept failed", zap.Error(err))
		}
		return
	}
	c, err := s.newSession(as)
	if err != nil {
		s.logger.Warn("session setup failed", zap.Error(err))
		as.Release()
		return
	}
	if err := cdr.RecvWithHeader(as, c.in, s.cfg.Header, c.received); err != nil {
		c.close(err)
	}
}

// session is one client connection. Its receive of the next request is
// chained to the send of the previous reply.
type session struct {
	s   *EchoServer
	as  *proactor.AsyncSocket
	in  *buffer.Buffer
	out *buffer.Buffer

	once sync.Once
}

func (s *EchoServer) newSession(as *proactor.AsyncSocket) (*session, error) {
	alloc := s.p.Allocator()
	in, err := buffer.NewWith(alloc, 0)
	if err != nil {
		return nil, err
	}
	out, err := buffer.NewWith(alloc, 0)
	if err != nil {
		in.Release()
		return nil, err
	}
	c := &session{s: s, as: as, in: in, out: out}
	s.mu.Lock()
	s.sessions[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("client connected", zap.Uint64("id", as.ID()), zap.Stringer("remote", as.RemoteAddr()))
	return c, nil
}

func (c *session) received(_ *proactor.AsyncSocket, n int, err error) {
	if err != nil {
		c.close(err)
		return
	}
	if err := c.reply(); err != nil {
		c.close(err)
		return
	}
	if err := cdr.SendRecvWithHeader(c.as, c.out, c.in, c.s.cfg.Header, c.received); err != nil {
		c.close(err)
	}
}

// reply moves the received frame into the send buffer.
func (c *session) reply() error {
	frame := c.in.Bytes()
	if err := c.out.Reset(); err != nil {
		return err
	}
	if _, err := c.out.Write(frame); err != nil {
		return err
	}
	if err := c.in.AdvanceRead(len(frame)); err != nil {
		return err
	}
	return c.in.Reset()
}

func (c *session) close(err error) {
	c.once.Do(func() {
		c.s.mu.Lock()
		delete(c.s.sessions, c)
		c.s.mu.Unlock()
		switch {
		case err == nil, errors.Is(err, ioerr.ErrShutdown), errors.Is(err, ioerr.ErrClosed):
			c.s.logger.Debug("client disconnected", zap.Uint64("id", c.as.ID()))
		default:
			c.s.logger.Warn("client dropped", zap.Uint64("id", c.as.ID()), zap.Error(err))
		}
		c.as.Release()
		c.in.Release()
		c.out.Release()
	})
}
