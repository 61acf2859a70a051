package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/fzft/go-proactor/cdr"
	"github.com/fzft/go-proactor/log"
	"github.com/fzft/go-proactor/pipe"
	"github.com/fzft/go-proactor/sock"
	"go.uber.org/zap"
)

// conn is a connected transport the client exchanges frames over.
type conn interface {
	cdr.Conn
	Close() error
}

// Client sends one framed request at a time and waits for the reply.
type Client struct {
	c       conn
	header  cdr.Header
	codec   *codec
	timeout time.Duration
}

// Dial connects by host and port, or to the local pipe when pipePath is set.
func Dial(info *ConnInfo, h cdr.Header, compress bool, timeout time.Duration) (*Client, error) {
	var c conn
	if info.pipePath != "" {
		p, err := pipe.Dial(info.pipePath, timeout)
		if err != nil {
			return nil, err
		}
		c = p
	} else {
		s, err := sock.ConnectByName("tcp", info.hostIp, strconv.Itoa(info.hostPort), timeout)
		if err != nil {
			return nil, err
		}
		if err := s.SetKeepAlive(true); err != nil {
			log.Logger.Warn("Failed to set SO_KEEPALIVE", zap.Error(err))
		}
		c = s
	}
	return NewClient(c, h, compress, timeout), nil
}

// NewClient wraps an already connected transport.
func NewClient(c conn, h cdr.Header, compress bool, timeout time.Duration) *Client {
	return &Client{c: c, header: h, codec: &codec{compress: compress}, timeout: timeout}
}

// Call sends body and returns the reply body.
func (cl *Client) Call(body []byte) ([]byte, error) {
	req, err := cl.codec.encode(body)
	if err != nil {
		return nil, err
	}
	if len(req)+cl.header.Size > cl.header.MaxMessage() {
		return nil, fmt.Errorf("request of %d bytes exceeds the frame limit", len(req))
	}
	reply, err := cdr.Call(cl.c, cl.header, req, cl.timeout)
	if err != nil {
		return nil, err
	}
	return cl.codec.decode(reply)
}

// SetCompress switches body compression for later calls.
func (cl *Client) SetCompress(on bool) { cl.codec.compress = on }

// SetTimeout changes the per call budget.
func (cl *Client) SetTimeout(d time.Duration) { cl.timeout = d }

func (cl *Client) Close() error { return cl.c.Close() }
