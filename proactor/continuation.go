package proactor

import (
	"sync/atomic"
	"unsafe"

	"github.com/fzft/go-proactor/buffer"
)

// continuationSize is what one continuation costs against the allocator.
const continuationSize = int(unsafe.Sizeof(Continuation{}))

// Continuation is a one-shot callback boxed together with whatever state the
// caller captured: the receiver, the transport and the buffers in flight.
//
// It is charged to an allocator when created and uncharged right before the
// function runs, so user code never observes a live continuation of its own.
// Invoke and Discard consume it atomically; whichever comes first wins and
// every later call is a no-op.
type Continuation struct {
	fn       func(err error)
	alloc    buffer.Allocator
	consumed atomic.Bool
}

// NewContinuation charges one continuation to a and wraps fn. It fails with
// ioerr.ErrOutOfMemory when a refuses the charge.
func NewContinuation(a buffer.Allocator, fn func(err error)) (*Continuation, error) {
	if a == nil {
		a = buffer.Default
	}
	if err := a.Charge(continuationSize); err != nil {
		return nil, err
	}
	return &Continuation{fn: fn, alloc: a}, nil
}

// Invoke runs the function with err. It reports false when the continuation
// was already consumed.
func (k *Continuation) Invoke(err error) bool {
	fn, ok := k.consume()
	if !ok {
		return false
	}
	fn(err)
	return true
}

// Discard frees the continuation without running it, for work that was never
// queued.
func (k *Continuation) Discard() bool {
	_, ok := k.consume()
	return ok
}

// Consumed reports whether Invoke or Discard already ran.
func (k *Continuation) Consumed() bool { return k.consumed.Load() }

func (k *Continuation) consume() (func(error), bool) {
	if !k.consumed.CompareAndSwap(false, true) {
		return nil, false
	}
	fn := k.fn
	k.fn = nil
	k.alloc.Uncharge(continuationSize)
	return fn, true
}
