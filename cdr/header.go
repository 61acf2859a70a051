// Package cdr frames messages as a length header followed by a body. The
// header holds the total message length, header included, as an unsigned
// integer of 2 or 4 bytes in either byte order.
//
// The async helpers receive or exchange one whole frame over a
// proactor.AsyncSocket: first the header, then the rest of the message. One
// continuation spans every leg of an exchange and the caller's callback runs
// exactly once, with the first error any leg hits.
package cdr

import (
	"encoding/binary"
	"errors"

	"github.com/fzft/go-proactor/buffer"
	"github.com/fzft/go-proactor/ioerr"
)

// DefaultMaxMessage caps a frame when Header.Max is zero.
const DefaultMaxMessage = 16 << 20

// ErrIncomplete reports that more bytes are needed to decode a frame.
var ErrIncomplete = errors.New("cdr: incomplete frame")

// Header describes the length prefix.
type Header struct {
	// Size is the width of the prefix in bytes, 2 or 4.
	Size int
	// Order is the byte order of the prefix.
	Order binary.ByteOrder
	// Max is the largest accepted message, header included. Zero means
	// DefaultMaxMessage.
	Max int
}

var (
	// Short is a 2-byte big-endian prefix.
	Short = Header{Size: 2, Order: binary.BigEndian}
	// Long is a 4-byte big-endian prefix.
	Long = Header{Size: 4, Order: binary.BigEndian}
)

// MaxMessage is the effective size limit for h.
func (h Header) MaxMessage() int {
	limit := h.Max
	if limit <= 0 {
		limit = DefaultMaxMessage
	}
	if h.Size == 2 && limit > 0xFFFF {
		limit = 0xFFFF
	}
	return limit
}

func (h Header) validate() error {
	if h.Size != 2 && h.Size != 4 {
		return ioerr.Errorf(ioerr.ErrInvalidArgument, "cdr: header size %d", h.Size)
	}
	if h.Order == nil {
		return ioerr.Errorf(ioerr.ErrInvalidArgument, "cdr: no byte order")
	}
	return nil
}

// Length decodes the prefix at the start of b and checks it against the
// header width and the size limit.
func (h Header) Length(b []byte) (int, error) {
	if err := h.validate(); err != nil {
		return 0, err
	}
	if len(b) < h.Size {
		return 0, ErrIncomplete
	}
	var v int
	if h.Size == 2 {
		v = int(h.Order.Uint16(b))
	} else {
		v = int(h.Order.Uint32(b))
	}
	if v < h.Size || v > h.MaxMessage() {
		return 0, ioerr.Errorf(ioerr.ErrInvalidArgument, "cdr: message length %d", v)
	}
	return v, nil
}

// Put writes the prefix for a message of total length n into b.
func (h Header) Put(b []byte, n int) error {
	if err := h.validate(); err != nil {
		return err
	}
	if n < h.Size || n > h.MaxMessage() {
		return ioerr.Errorf(ioerr.ErrInvalidArgument, "cdr: message length %d", n)
	}
	if h.Size == 2 {
		h.Order.PutUint16(b, uint16(n))
	} else {
		h.Order.PutUint32(b, uint32(n))
	}
	return nil
}

// Encode appends one frame carrying body to buf.
func Encode(buf *buffer.Buffer, h Header, body []byte) error {
	total := h.Size + len(body)
	if err := buf.Space(total); err != nil {
		return err
	}
	if err := h.Put(buf.Tail(), total); err != nil {
		return err
	}
	if err := buf.AdvanceWrite(h.Size); err != nil {
		return err
	}
	_, err := buf.Write(body)
	return err
}

// Decode parses the frame at the start of b. It returns the body, which
// aliases b, and the number of bytes the frame occupies. ErrIncomplete means
// b holds only part of the frame.
func Decode(b []byte, h Header) (body []byte, n int, err error) {
	total, err := h.Length(b)
	if err != nil {
		return nil, 0, err
	}
	if len(b) < total {
		return nil, 0, ErrIncomplete
	}
	return b[h.Size:total], total, nil
}

// Append is Encode into a plain byte slice.
func Append(dst []byte, h Header, body []byte) ([]byte, error) {
	var pre [4]byte
	if err := h.Put(pre[:], h.Size+len(body)); err != nil {
		return dst, err
	}
	dst = append(dst, pre[:h.Size]...)
	return append(dst, body...), nil
}
