package proactor

import (
	"net"
	"time"

	"github.com/fzft/go-proactor/buffer"
)

type opKind uint8

const (
	opRecv opKind = iota
	opRecvMsg
	opSend
	opSendV
	opSendMsg
	opAccept
	opConnect
)

var opKindNames = [...]string{
	opRecv:    "recv",
	opRecvMsg: "recvmsg",
	opSend:    "send",
	opSendV:   "sendv",
	opSendMsg: "sendmsg",
	opAccept:  "accept",
	opConnect: "connect",
}

func (k opKind) String() string { return opKindNames[k] }

// writer reports which direction slot the kind occupies. Connect waits for
// writability, accept for readability.
func (k opKind) writer() bool {
	switch k {
	case opSend, opSendV, opSendMsg, opConnect:
		return true
	}
	return false
}

const (
	// recvChunk is how much room Recv(buf, 0) makes when buf is full.
	recvChunk = 4096
	// ctrlChunk is the control room RecvMsg makes when ctrl is full.
	ctrlChunk = 512
)

// op is one outstanding operation. The backend owns it between begin and the
// moment it reports completion; the proactor then dispatches it exactly once.
type op struct {
	// sys must stay the first field: on Windows it starts with the
	// OVERLAPPED the kernel hands back.
	sys opSys

	kind opKind
	sock *AsyncSocket

	bufs []*buffer.Buffer
	idx  int // first buffer not fully sent
	ctrl *buffer.Buffer
	want int // exact byte count for receives, 0 for "any"
	done int

	// connect
	addr    net.Addr
	expires time.Time
	// accept
	accepted *AsyncSocket

	// finished and err are written by the backend under sock.mu.
	finished bool
	timedOut bool
	err      error

	k *Continuation
}

// retain pins the buffers for the lifetime of the operation.
func (o *op) retain() {
	for _, b := range o.bufs {
		b.Retain()
	}
	if o.ctrl != nil {
		o.ctrl.Retain()
	}
}

func (o *op) release() {
	for _, b := range o.bufs {
		b.Release()
	}
	if o.ctrl != nil {
		o.ctrl.Release()
	}
}

// finish records the outcome. Only the first outcome counts.
func (o *op) finish(err error) {
	if o.finished {
		return
	}
	o.finished = true
	o.err = err
}

// sendComplete reports whether every buffer has been drained.
func (o *op) sendComplete() bool {
	for o.idx < len(o.bufs) && o.bufs[o.idx].Len() == 0 {
		o.idx++
	}
	return o.idx == len(o.bufs) && (o.ctrl == nil || o.ctrl.Len() == 0)
}

// recvTarget returns how many bytes the next read may take.
func (o *op) recvTarget() int {
	if o.want == 0 {
		return o.bufs[0].Available()
	}
	return o.want - o.done
}

// received accounts n bytes read into the tail of the receive buffer and
// reports whether the operation is satisfied.
func (o *op) received(n int) (bool, error) {
	if err := o.bufs[0].AdvanceWrite(n); err != nil {
		return true, err
	}
	o.done += n
	return o.want == 0 || o.done >= o.want, nil
}

// sent accounts n bytes written, draining the buffers in order.
func (o *op) sent(n int) error {
	o.done += n
	for n > 0 && o.idx < len(o.bufs) {
		b := o.bufs[o.idx]
		m := min(n, b.Len())
		if err := b.AdvanceRead(m); err != nil {
			return err
		}
		n -= m
		if b.Len() == 0 {
			o.idx++
		}
	}
	return nil
}
