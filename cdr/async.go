package cdr

import (
	"github.com/fzft/go-proactor/buffer"
	"github.com/fzft/go-proactor/ioerr"
	"github.com/fzft/go-proactor/proactor"
)

// exchange is the state shared by the legs of one framed operation.
type exchange struct {
	s    *proactor.AsyncSocket
	h    Header
	in   *buffer.Buffer
	ctrl *buffer.Buffer
	n    int
	k    *proactor.Continuation
}

func newExchange(s *proactor.AsyncSocket, in, ctrl *buffer.Buffer, h Header, cb proactor.IOFunc) (*exchange, error) {
	if s == nil || in == nil || cb == nil {
		return nil, ioerr.Errorf(ioerr.ErrInvalidArgument, "cdr: bad arguments")
	}
	if err := h.validate(); err != nil {
		return nil, err
	}
	x := &exchange{s: s, h: h, in: in, ctrl: ctrl}
	k, err := proactor.NewContinuation(s.Proactor().Allocator(), func(err error) {
		cb(s, x.n, err)
	})
	if err != nil {
		return nil, err
	}
	x.k = k
	return x, nil
}

// RecvWithHeader appends one whole frame to buf. cb gets the frame length,
// or the bytes read so far together with the error that stopped it.
func RecvWithHeader(s *proactor.AsyncSocket, buf *buffer.Buffer, h Header, cb proactor.IOFunc) error {
	x, err := newExchange(s, buf, nil, h, cb)
	if err != nil {
		return err
	}
	if err := x.recvHeader(); err != nil {
		x.k.Discard()
		return err
	}
	return nil
}

// RecvMsgWithHeader is RecvWithHeader that also collects ancillary data,
// which arrives with the header, into ctrl.
func RecvMsgWithHeader(s *proactor.AsyncSocket, buf, ctrl *buffer.Buffer, h Header, cb proactor.IOFunc) error {
	if ctrl == nil {
		return ioerr.Errorf(ioerr.ErrInvalidArgument, "cdr: nil control buffer")
	}
	x, err := newExchange(s, buf, ctrl, h, cb)
	if err != nil {
		return err
	}
	if err := x.recvHeader(); err != nil {
		x.k.Discard()
		return err
	}
	return nil
}

// SendRecvWithHeader sends every byte of out, which should already hold a
// frame, and then receives the reply frame into in.
func SendRecvWithHeader(s *proactor.AsyncSocket, out, in *buffer.Buffer, h Header, cb proactor.IOFunc) error {
	if out == nil {
		return ioerr.Errorf(ioerr.ErrInvalidArgument, "cdr: nil send buffer")
	}
	x, err := newExchange(s, in, nil, h, cb)
	if err != nil {
		return err
	}
	if err := s.Send(out, x.sent); err != nil {
		x.k.Discard()
		return err
	}
	return nil
}

func (x *exchange) recvHeader() error {
	if x.ctrl != nil {
		return x.s.RecvMsg(x.in, x.ctrl, x.h.Size, x.header)
	}
	return x.s.Recv(x.in, x.h.Size, x.header)
}

func (x *exchange) sent(_ *proactor.AsyncSocket, _ int, err error) {
	if err != nil {
		x.k.Invoke(err)
		return
	}
	if err := x.recvHeader(); err != nil {
		x.k.Invoke(err)
	}
}

func (x *exchange) header(s *proactor.AsyncSocket, n int, err error) {
	x.n += n
	if err != nil {
		x.k.Invoke(err)
		return
	}
	b := x.in.Bytes()
	total, err := x.h.Length(b[len(b)-x.h.Size:])
	if err != nil {
		x.k.Invoke(err)
		return
	}
	if total == x.h.Size {
		x.k.Invoke(nil)
		return
	}
	if err := s.Recv(x.in, total-x.h.Size, x.body); err != nil {
		x.k.Invoke(err)
	}
}

func (x *exchange) body(_ *proactor.AsyncSocket, n int, err error) {
	x.n += n
	x.k.Invoke(err)
}
