package cdr

import (
	"time"

	"github.com/fzft/go-proactor/deadline"
)

// Conn is a blocking byte stream with timeouts, such as *sock.Socket or
// *pipe.Pipe.
type Conn interface {
	Send(b []byte, timeout time.Duration) (int, error)
	Recv(b []byte, timeout time.Duration) (int, error)
}

// WriteFrame sends body as one frame.
func WriteFrame(c Conn, h Header, body []byte, timeout time.Duration) error {
	frame, err := Append(make([]byte, 0, h.Size+len(body)), h, body)
	if err != nil {
		return err
	}
	_, err = c.Send(frame, timeout)
	return err
}

// ReadFrame receives one frame and returns its body. The header and body
// reads share the timeout.
func ReadFrame(c Conn, h Header, timeout time.Duration) ([]byte, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	cd := deadline.NewCountdown(timeout)
	var pre [4]byte
	if _, err := c.Recv(pre[:h.Size], timeout); err != nil {
		return nil, err
	}
	total, err := h.Length(pre[:h.Size])
	if err != nil {
		return nil, err
	}
	body := make([]byte, total-h.Size)
	if len(body) == 0 {
		return body, nil
	}
	n, err := c.Recv(body, remaining(cd))
	return body[:n], err
}

// Call writes a request frame and waits for the reply frame, all within
// timeout.
func Call(c Conn, h Header, body []byte, timeout time.Duration) ([]byte, error) {
	cd := deadline.NewCountdown(timeout)
	if err := WriteFrame(c, h, body, timeout); err != nil {
		return nil, err
	}
	return ReadFrame(c, h, remaining(cd))
}

// remaining is what is left of cd as a timeout argument; a spent budget
// still allows one try.
func remaining(cd *deadline.Countdown) time.Duration {
	left, expired := cd.Remaining()
	if expired {
		return 0
	}
	return left
}
