// Package proactor issues non-blocking socket and pipe operations and resumes
// caller supplied continuations when they complete.
//
// Completion-based I/O (IOCP on Windows) and readiness-based I/O (epoll on
// Linux, kqueue on Darwin and the BSDs) sit behind one backend. On the
// readiness side the proactor performs the system call itself once the
// descriptor is ready and keeps going until the operation is satisfied, so
// callers see the same semantics everywhere: an operation completes once,
// with all of its bytes or with an error.
//
// Continuations only run inside Run (or Destroy, which drains what is left).
// The proactor starts no goroutines of its own.
package proactor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/fzft/go-proactor/buffer"
	"github.com/fzft/go-proactor/deadline"
	"github.com/fzft/go-proactor/ioerr"
	"github.com/fzft/go-proactor/sock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State is the lifecycle of a Proactor.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateIdle
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateIdle:
		return "idle"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// RunStatus tells why Run returned.
type RunStatus int

const (
	// RunDispatched means at least one continuation ran.
	RunDispatched RunStatus = iota
	// RunTimeout means the timeout elapsed with nothing ready.
	RunTimeout
	// RunIdle means no operation is pending.
	RunIdle
	// RunStopped means Stop was called.
	RunStopped
	// RunError means the backend failed; the error says how.
	RunError
)

func (r RunStatus) String() string {
	switch r {
	case RunDispatched:
		return "dispatched"
	case RunTimeout:
		return "timeout"
	case RunIdle:
		return "idle"
	case RunStopped:
		return "stopped"
	case RunError:
		return "error"
	}
	return "unknown"
}

const (
	drainTimeout = 2 * time.Second
	drainPoll    = 10 * time.Millisecond
)

// backend is the platform half of the proactor. begin, abort and cancel are
// called with the socket's mutex held.
type backend interface {
	attach(s *AsyncSocket) error
	// begin starts o. An error means nothing was started and nothing will
	// be reported for o.
	begin(o *op) error
	// abort stops o after its deadline passed. It reports true when o
	// finished synchronously and must be queued by the caller.
	abort(o *op) bool
	// cancel stops every operation of s and returns those that finished
	// synchronously.
	cancel(s *AsyncSocket) []*op
	// detach closes the handle.
	detach(s *AsyncSocket) error
	// poll waits up to timeout (negative: forever) and hands every finished
	// operation to done.
	poll(timeout time.Duration, done func(o *op)) error
	wake() error
	close() error
}

// Proactor drives asynchronous operations.
type Proactor struct {
	logger   *zap.Logger
	alloc    buffer.Allocator
	resolver *sock.Resolver
	metrics  *metrics
	be       backend

	state   atomic.Int32
	running atomic.Int32
	pending atomic.Int64
	nextID  atomic.Uint64

	// sem is held by the one goroutine waiting on the backend.
	sem      chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	readyMu sync.Mutex
	ready   *queue.Queue

	timerMu sync.Mutex
	timers  []*op

	mu        sync.Mutex
	socks     map[*AsyncSocket]struct{}
	destroyed bool
}

// New creates a proactor with its own backend instance.
func New(opts ...Option) (*Proactor, error) {
	o := buildOptions(opts)
	p := &Proactor{
		logger:   o.logger,
		alloc:    o.alloc,
		resolver: o.resolver,
		metrics:  newMetrics(o.reg),
		sem:      make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		ready:    queue.New(),
		socks:    make(map[*AsyncSocket]struct{}),
	}
	be, err := newBackend(p, o.maxEvents)
	if err != nil {
		p.logger.Error("Failed to create backend", zap.Error(err))
		return nil, err
	}
	p.be = be
	return p, nil
}

// State returns the current lifecycle state.
func (p *Proactor) State() State { return State(p.state.Load()) }

func (p *Proactor) setState(s State) {
	for {
		cur := p.state.Load()
		if State(cur) == StateStopped || p.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Allocator is what continuations are charged to.
func (p *Proactor) Allocator() buffer.Allocator { return p.alloc }

// Pending returns the number of operations queued and not yet dispatched.
func (p *Proactor) Pending() int { return int(p.pending.Load()) }

// Run waits up to timeout for completions and dispatches one batch of them on
// the calling goroutine. A negative timeout waits until something completes.
//
// Several goroutines may call Run concurrently. One of them waits on the
// backend at a time; continuations run after that wait is released, so
// completions of different sockets are dispatched in parallel.
func (p *Proactor) Run(timeout time.Duration) (RunStatus, error) {
	if p.State() == StateStopped {
		return RunStopped, nil
	}
	p.running.Add(1)
	defer p.running.Add(-1)

	batch := p.takeReady(nil)
	if len(batch) == 0 && p.pending.Load() == 0 {
		p.setState(StateIdle)
		return RunIdle, nil
	}
	p.setState(StateRunning)

	var err error
	if len(batch) == 0 {
		batch, err = p.wait(deadline.After(timeout))
	}
	if len(batch) > 0 {
		p.dispatch(batch)
	}
	switch {
	case err != nil:
		p.logger.Error("Backend wait failed", zap.Error(err))
		return RunError, err
	case len(batch) > 0:
		return RunDispatched, nil
	case p.State() == StateStopped:
		return RunStopped, nil
	}
	return RunTimeout, nil
}

// wait owns the backend until something finished, the deadline passed or the
// proactor stopped.
func (p *Proactor) wait(dl deadline.Deadline) ([]*op, error) {
	if !p.acquire(dl) {
		return nil, nil
	}
	defer func() { <-p.sem }()

	var batch []*op
	collect := func(o *op) { batch = append(batch, o) }
	for {
		err := p.be.poll(p.pollTimeout(dl), collect)
		batch = append(batch, p.expireTimers()...)
		batch = p.takeReady(batch)
		if err != nil || len(batch) > 0 || dl.Expired() ||
			p.State() == StateStopped || p.pending.Load() == 0 {
			return batch, err
		}
	}
}

func (p *Proactor) acquire(dl deadline.Deadline) bool {
	select {
	case p.sem <- struct{}{}:
		return true
	default:
	}
	var expired <-chan time.Time
	if !dl.IsInfinite() {
		left, _ := dl.Remaining()
		t := time.NewTimer(left)
		defer t.Stop()
		expired = t.C
	}
	select {
	case p.sem <- struct{}{}:
		return true
	case <-expired:
	case <-p.stopCh:
	}
	return false
}

// pollTimeout is the time left on dl, shortened to the nearest operation
// deadline and to zero when completions are already queued.
func (p *Proactor) pollTimeout(dl deadline.Deadline) time.Duration {
	if p.readyLen() > 0 {
		return 0
	}
	left, _ := dl.Remaining()
	if next, ok := p.nextTimer(); ok && (left < 0 || next < left) {
		left = next
	}
	return left
}

// Stop makes every current and future Run return RunStopped. It is safe from
// any goroutine, including a continuation.
func (p *Proactor) Stop() {
	p.stopOnce.Do(func() {
		p.state.Store(int32(StateStopped))
		close(p.stopCh)
		if err := p.be.wake(); err != nil {
			p.logger.Warn("Failed to wake backend", zap.Error(err))
		}
	})
}

// Destroy stops the proactor, closes every socket and acceptor still attached
// and fires their pending continuations with ioerr.ErrClosed on the calling
// goroutine. It fails with ioerr.ErrBusy while a goroutine is inside Run.
func (p *Proactor) Destroy() error {
	if p.running.Load() > 0 {
		return ioerr.ErrBusy
	}
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	socks := make([]*AsyncSocket, 0, len(p.socks))
	for s := range p.socks {
		socks = append(socks, s)
	}
	p.mu.Unlock()

	p.Stop()
	var err error
	for _, s := range socks {
		err = multierr.Append(err, s.Close())
	}
	p.drain()
	return multierr.Append(err, p.be.close())
}

func (p *Proactor) drain() {
	cd := deadline.NewCountdown(drainTimeout)
	for p.pending.Load() > 0 {
		batch := p.takeReady(nil)
		if len(batch) == 0 {
			if _, err := cd.Next(); err != nil {
				p.logger.Warn("Abandoning operations", zap.Int64("pending", p.pending.Load()))
				return
			}
			if err := p.be.poll(drainPoll, func(o *op) { batch = append(batch, o) }); err != nil {
				p.logger.Warn("Backend wait failed while draining", zap.Error(err))
				return
			}
		}
		p.dispatch(batch)
	}
}

// dispatch frees each operation's direction slot and then runs its
// continuation, so the continuation may queue the next operation.
func (p *Proactor) dispatch(batch []*op) {
	for _, o := range batch {
		s := o.sock
		s.mu.Lock()
		if o.kind.writer() {
			if s.wr == o {
				s.wr = nil
			}
		} else if s.rd == o {
			s.rd = nil
		}
		s.mu.Unlock()
		if !o.expires.IsZero() {
			p.untime(o)
		}
		p.metrics.complete(o.kind, o.err)
		o.k.Invoke(o.err)
		o.release()
		p.pending.Add(-1)
	}
}

// complete queues operations that finished outside of a backend wait.
func (p *Proactor) complete(ops []*op) {
	if len(ops) == 0 {
		return
	}
	p.readyMu.Lock()
	for _, o := range ops {
		p.ready.Add(o)
	}
	p.readyMu.Unlock()
	if err := p.be.wake(); err != nil {
		p.logger.Warn("Failed to wake backend", zap.Error(err))
	}
}

func (p *Proactor) takeReady(batch []*op) []*op {
	p.readyMu.Lock()
	defer p.readyMu.Unlock()
	for p.ready.Length() > 0 {
		batch = append(batch, p.ready.Remove().(*op))
	}
	return batch
}

func (p *Proactor) readyLen() int {
	p.readyMu.Lock()
	defer p.readyMu.Unlock()
	return p.ready.Length()
}

func (p *Proactor) arm(o *op) {
	p.timerMu.Lock()
	p.timers = append(p.timers, o)
	p.timerMu.Unlock()
}

func (p *Proactor) untime(o *op) {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	for i, t := range p.timers {
		if t == o {
			p.timers = append(p.timers[:i], p.timers[i+1:]...)
			return
		}
	}
}

func (p *Proactor) nextTimer() (time.Duration, bool) {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if len(p.timers) == 0 {
		return 0, false
	}
	next := p.timers[0].expires
	for _, o := range p.timers[1:] {
		if o.expires.Before(next) {
			next = o.expires
		}
	}
	left := next.Sub(deadline.Clock.Now())
	if left < 0 {
		left = 0
	}
	return left, true
}

// expireTimers aborts operations whose deadline passed and returns those that
// finished on the spot.
func (p *Proactor) expireTimers() []*op {
	now := deadline.Clock.Now()
	p.timerMu.Lock()
	var due []*op
	kept := p.timers[:0]
	for _, o := range p.timers {
		if now.Before(o.expires) {
			kept = append(kept, o)
		} else {
			due = append(due, o)
		}
	}
	p.timers = kept
	p.timerMu.Unlock()

	var done []*op
	for _, o := range due {
		s := o.sock
		s.mu.Lock()
		if !o.finished && !o.timedOut {
			o.timedOut = true
			if p.be.abort(o) {
				done = append(done, o)
			}
		}
		s.mu.Unlock()
	}
	return done
}

// newSocket registers an already non-blocking handle with the backend.
func (p *Proactor) newSocket(fd sock.FD, family int, kind handleKind) (*AsyncSocket, error) {
	s := &AsyncSocket{
		p:      p,
		id:     p.nextID.Add(1),
		fd:     fd,
		family: family,
		kind:   kind,
	}
	s.refs.Store(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil, ioerr.ErrClosed
	}
	if err := p.be.attach(s); err != nil {
		return nil, err
	}
	p.socks[s] = struct{}{}
	p.logger.Debug("Attached", zap.Uint64("id", s.id), zap.Stringer("kind", kind))
	return s, nil
}

func (p *Proactor) forget(s *AsyncSocket) {
	p.mu.Lock()
	delete(p.socks, s)
	p.mu.Unlock()
}
