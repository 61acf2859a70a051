//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/fzft/go-proactor/cdr"
	"github.com/fzft/go-proactor/ioerr"
	"github.com/fzft/go-proactor/proactor"
	"github.com/fzft/go-proactor/sock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func startServer(t *testing.T, cfg Config) *EchoServer {
	p, err := proactor.New(proactor.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	s := NewEchoServer(cfg, p, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Stop(ctx))
		assert.NoError(t, p.Destroy())
	})
	return s
}

func dial(t *testing.T, addr string) *sock.Socket {
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	c, err := sock.ConnectByName("tcp", host, port, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEchoServer(t *testing.T) {
	s := startServer(t, Config{Network: "tcp", Address: "127.0.0.1:0", Header: cdr.Short, Workers: 2})

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		i := i
		c := dial(t, s.Addr())
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				body := []byte(fmt.Sprintf("client %d message %d", i, j))
				reply, err := cdr.Call(c, cdr.Short, body, 2*time.Second)
				if err != nil {
					return err
				}
				if !bytes.Equal(body, reply) {
					return fmt.Errorf("got %q, want %q", reply, body)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestEchoServerLargeFrame(t *testing.T) {
	h := cdr.Header{Size: 4, Order: binary.LittleEndian}
	s := startServer(t, Config{Network: "tcp", Address: "127.0.0.1:0", Header: h})
	c := dial(t, s.Addr())

	body := bytes.Repeat([]byte("0123456789"), 200_000)
	reply, err := cdr.Call(c, h, body, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(body, reply))
}

func TestEchoServerDropsBadLength(t *testing.T) {
	s := startServer(t, Config{Network: "tcp", Address: "127.0.0.1:0", Header: cdr.Short})
	c := dial(t, s.Addr())

	_, err := c.Send([]byte{0, 1}, time.Second)
	require.NoError(t, err)
	_, err = c.Recv(make([]byte, 1), 2*time.Second)
	assert.True(t, errors.Is(err, ioerr.ErrShutdown), "server closes the session, got %v", err)
}

func TestEchoServerStopClosesSessions(t *testing.T) {
	p, err := proactor.New()
	require.NoError(t, err)
	defer p.Destroy()
	s := NewEchoServer(Config{Network: "tcp", Address: "127.0.0.1:0", Header: cdr.Long}, p, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	c := dial(t, s.Addr())

	_, err = cdr.Call(c, cdr.Long, []byte("x"), time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background()))

	_, err = c.Recv(make([]byte, 1), 2*time.Second)
	assert.True(t, errors.Is(err, ioerr.ErrShutdown))
	assert.Equal(t, proactor.StateStopped, p.State())
}

func TestParseConfig(t *testing.T) {
	cfg, version, err := parseConfig([]string{"-addr", "127.0.0.1:9000", "-header", "2", "-le", "-workers", "3"})
	require.NoError(t, err)
	assert.False(t, version)
	assert.Equal(t, "tcp", cfg.Network)
	assert.Equal(t, "127.0.0.1:9000", cfg.Address)
	assert.Equal(t, 2, cfg.Header.Size)
	assert.Equal(t, binary.LittleEndian, cfg.Header.Order)
	assert.Equal(t, 3, cfg.Workers)

	_, _, err = parseConfig([]string{"-header", "3"})
	assert.Error(t, err)

	t.Setenv(addrEnv, "127.0.0.1:7000")
	cfg, _, err = parseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Address)
}

// The whole graph on the default proactor. Shutdown is final for the
// process, so this is the only test touching proactor.Default.
func TestApp(t *testing.T) {
	cfg := Config{Network: "tcp", Address: "127.0.0.1:0", Header: cdr.Long, Workers: 2}
	var s *EchoServer
	app := fxtest.New(t, appOptions(cfg), fx.Populate(&s))
	app.RequireStart()

	c := dial(t, s.Addr())
	reply, err := cdr.Call(c, cdr.Long, []byte("through fx"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "through fx", string(reply))

	app.RequireStop()
	_, err = proactor.Default()
	assert.ErrorIs(t, err, ioerr.ErrClosed)
}
