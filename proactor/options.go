package proactor

import (
	"github.com/fzft/go-proactor/buffer"
	"github.com/fzft/go-proactor/log"
	"github.com/fzft/go-proactor/sock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultMaxEvents is how many readiness events or completions one backend
// wait collects.
const DefaultMaxEvents = 256

type options struct {
	logger    *zap.Logger
	alloc     buffer.Allocator
	maxEvents int
	reg       prometheus.Registerer
	resolver  *sock.Resolver
}

// Option configures a Proactor.
type Option func(*options)

// WithLogger replaces the logger, by default log.Named("proactor").
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAllocator charges continuations and receive growth to a.
func WithAllocator(a buffer.Allocator) Option {
	return func(o *options) { o.alloc = a }
}

// WithMaxEvents bounds the batch collected by one backend wait.
func WithMaxEvents(n int) Option {
	return func(o *options) { o.maxEvents = n }
}

// WithRegisterer publishes the proactor metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithResolver is used by Connect, by default sock.DefaultResolver.
func WithResolver(r *sock.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

func buildOptions(opts []Option) options {
	o := options{
		alloc:     buffer.Default,
		maxEvents: DefaultMaxEvents,
		resolver:  sock.DefaultResolver,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.Named("proactor")
	}
	if o.alloc == nil {
		o.alloc = buffer.Default
	}
	if o.maxEvents <= 0 {
		o.maxEvents = DefaultMaxEvents
	}
	if o.resolver == nil {
		o.resolver = sock.DefaultResolver
	}
	return o
}
