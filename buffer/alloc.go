package buffer

import (
	"sync/atomic"

	"github.com/fzft/go-proactor/ioerr"
)

// DefaultMaxMemory bounds the default allocator.
const DefaultMaxMemory = 1024 * 1024 * 1024

// Allocator hands out raw memory for buffers and continuations. Alloc either
// returns n usable bytes or fails with ioerr.ErrOutOfMemory.
type Allocator interface {
	Alloc(n int) ([]byte, error)
	Free(b []byte)
	// Charge accounts n bytes without handing out memory, used for objects
	// the Go runtime allocates itself (continuations).
	Charge(n int) error
	Uncharge(n int)
}

// Accounting is the default Allocator: plain heap memory with an atomic count
// of live bytes and a hard ceiling.
type Accounting struct {
	used  int64
	limit int64
}

// NewAccounting returns an allocator refusing to go above limit live bytes.
// A limit <= 0 selects DefaultMaxMemory.
func NewAccounting(limit int64) *Accounting {
	if limit <= 0 {
		limit = DefaultMaxMemory
	}
	return &Accounting{limit: limit}
}

// Default is shared by every buffer created without an explicit allocator.
var Default Allocator = NewAccounting(DefaultMaxMemory)

func (a *Accounting) Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, ioerr.ErrInvalidArgument
	}
	if err := a.Charge(n); err != nil {
		return nil, err
	}
	return make([]byte, n), nil
}

func (a *Accounting) Free(b []byte) {
	a.Uncharge(cap(b))
}

func (a *Accounting) Charge(n int) error {
	if atomic.AddInt64(&a.used, int64(n)) > a.limit {
		atomic.AddInt64(&a.used, -int64(n))
		return ioerr.ErrOutOfMemory
	}
	return nil
}

func (a *Accounting) Uncharge(n int) {
	atomic.AddInt64(&a.used, -int64(n))
}

// Used returns the number of live bytes.
func (a *Accounting) Used() int64 {
	return atomic.LoadInt64(&a.used)
}

// Limit returns the ceiling.
func (a *Accounting) Limit() int64 {
	return a.limit
}
