// Package buffer provides the unit of data moved by every I/O call: a
// refcounted, growable byte region with independent read and write cursors.
//
//	0 <= read <= write <= cap
//	Len()       = write - read   (bytes ready to consume)
//	Available() = cap - write    (bytes that can be produced without growth)
//
// Cursors only move forward; Reset rewinds both, and only on an empty buffer.
// Growth preserves [0, write) at the same offsets, so slices previously handed
// to the kernel describe the same logical bytes after a reallocation.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/fzft/go-proactor/ioerr"
)

type Buffer struct {
	mu    sync.Mutex
	alloc Allocator
	data  []byte
	read  int
	write int
	refs  atomic.Int32
}

// New returns a buffer with at least capacity bytes drawn from Default.
func New(capacity int) (*Buffer, error) {
	return NewWith(Default, capacity)
}

// NewWith draws the initial region from a.
func NewWith(a Allocator, capacity int) (*Buffer, error) {
	if a == nil {
		a = Default
	}
	b := &Buffer{alloc: a}
	b.refs.Store(1)
	if capacity > 0 {
		data, err := a.Alloc(capacity)
		if err != nil {
			return nil, err
		}
		b.data = data
	}
	return b, nil
}

// From wraps a copy of p; the copy is ready to be read.
func From(p []byte) (*Buffer, error) {
	b, err := New(len(p))
	if err != nil {
		return nil, err
	}
	copy(b.data, p)
	b.write = len(p)
	return b, nil
}

func (b *Buffer) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.write - b.read
}

func (b *Buffer) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data) - b.write
}

// ReadOffset and WriteOffset expose the cursors.
func (b *Buffer) ReadOffset() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read
}

func (b *Buffer) WriteOffset() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.write
}

// Bytes returns the unread region. The slice aliases the buffer and is only
// valid until the next Space call.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data[b.read:b.write]
}

// Tail returns the writable region [write, cap).
func (b *Buffer) Tail() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data[b.write:]
}

// Space guarantees at least n writable bytes, growing the region if needed.
func (b *Buffer) Space(n int) error {
	if n < 0 {
		return ioerr.ErrInvalidArgument
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.space(n)
}

func (b *Buffer) space(n int) error {
	if len(b.data)-b.write >= n {
		return nil
	}
	size := 2 * len(b.data)
	if size < b.write+n {
		size = b.write + n
	}
	data, err := b.alloc.Alloc(size)
	if err != nil {
		return err
	}
	copy(data, b.data[:b.write])
	if b.data != nil {
		b.alloc.Free(b.data)
	}
	b.data = data
	return nil
}

// AdvanceWrite marks n bytes of Tail as produced.
func (b *Buffer) AdvanceWrite(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 || b.write+n > len(b.data) {
		return ioerr.Errorf(ioerr.ErrInvalidArgument, "write cursor %d+%d beyond capacity %d", b.write, n, len(b.data))
	}
	b.write += n
	return nil
}

// AdvanceRead marks n unread bytes as consumed.
func (b *Buffer) AdvanceRead(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 || b.read+n > b.write {
		return ioerr.Errorf(ioerr.ErrInvalidArgument, "read cursor %d+%d beyond write cursor %d", b.read, n, b.write)
	}
	b.read += n
	return nil
}

// Reset rewinds both cursors. It refuses while unread data remains.
func (b *Buffer) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.write != b.read {
		return ioerr.Errorf(ioerr.ErrInvalidArgument, "reset with %d unread bytes", b.write-b.read)
	}
	b.read, b.write = 0, 0
	return nil
}

// Write appends p, growing as needed. It never writes a prefix of p.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.space(len(p)); err != nil {
		return 0, err
	}
	copy(b.data[b.write:], p)
	b.write += len(p)
	return len(p), nil
}

// Read drains into p like io.Reader, without an io.EOF on empty buffers.
func (b *Buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := copy(p, b.data[b.read:b.write])
	b.read += n
	return n, nil
}

// Retain adds a reference. Every Retain needs a matching Release.
func (b *Buffer) Retain() *Buffer {
	b.refs.Add(1)
	return b
}

// Release drops a reference and frees the region on the last one.
func (b *Buffer) Release() {
	switch n := b.refs.Add(-1); {
	case n == 0:
		b.mu.Lock()
		if b.data != nil {
			b.alloc.Free(b.data)
			b.data = nil
		}
		b.read, b.write = 0, 0
		b.mu.Unlock()
	case n < 0:
		panic("buffer: release of a freed buffer")
	}
}

// Refs returns the current reference count.
func (b *Buffer) Refs() int {
	return int(b.refs.Load())
}

// Free releases a buffer nobody else references. It refuses while an
// operation or another owner still holds a reference.
func (b *Buffer) Free() error {
	if n := b.refs.Load(); n != 1 {
		return ioerr.Errorf(ioerr.ErrInvalidArgument, "free with %d references", n)
	}
	b.Release()
	return nil
}
