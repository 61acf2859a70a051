// Command go-proactor runs a framed echo server on the default proactor.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"

	"github.com/fzft/go-proactor/cdr"
	"github.com/fzft/go-proactor/log"
	"github.com/fzft/go-proactor/proactor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const (
	addrEnv     = "PROACTOR_ADDR"
	defaultAddr = ":7379"
)

func parseConfig(args []string) (Config, bool, error) {
	cfg := Config{Header: cdr.Long}
	fs := flag.NewFlagSet("go-proactor", flag.ContinueOnError)
	addr := os.Getenv(addrEnv)
	if addr == "" {
		addr = defaultAddr
	}
	fs.StringVar(&cfg.Network, "network", "tcp", "tcp, tcp4, tcp6 or unix")
	fs.StringVar(&cfg.Address, "addr", addr, "listen address or socket path (env "+addrEnv+")")
	size := fs.Int("header", 4, "length header width, 2 or 4")
	le := fs.Bool("le", false, "little-endian length header")
	fs.IntVar(&cfg.Workers, "workers", runtime.GOMAXPROCS(0), "goroutines running the proactor")
	fs.StringVar(&cfg.MetricsAddr, "metrics", "", "serve prometheus metrics on this address")
	version := fs.Bool("version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return cfg, false, err
	}
	if *version {
		return cfg, true, nil
	}
	if *size != 2 && *size != 4 {
		return cfg, false, fmt.Errorf("invalid header width %d", *size)
	}
	cfg.Header.Size = *size
	if *le {
		cfg.Header.Order = binary.LittleEndian
	}
	return cfg, false, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// newProactor configures and returns the process-wide proactor; it is torn
// down when the app stops.
func newProactor(lc fx.Lifecycle, logger *zap.Logger, reg *prometheus.Registry) (*proactor.Proactor, error) {
	if err := proactor.ConfigureDefault(
		proactor.WithLogger(logger.Named("proactor")),
		proactor.WithRegisterer(reg),
	); err != nil {
		return nil, err
	}
	p, err := proactor.Default()
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return proactor.Shutdown() }})
	return p, nil
}

func newServer(lc fx.Lifecycle, cfg Config, p *proactor.Proactor, logger *zap.Logger) *EchoServer {
	s := NewEchoServer(cfg, p, logger)
	lc.Append(fx.Hook{OnStart: s.Start, OnStop: s.Stop})
	return s
}

func serveMetrics(lc fx.Lifecycle, cfg Config, reg *prometheus.Registry, logger *zap.Logger) {
	if cfg.MetricsAddr == "" {
		return
	}
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", zap.Error(err))
				}
			}()
			logger.Info("serving metrics", zap.Stringer("addr", ln.Addr()))
			return nil
		},
		OnStop: srv.Shutdown,
	})
}

func appOptions(cfg Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			func() *zap.Logger { return log.Logger },
			newRegistry,
			newProactor,
			newServer,
		),
		fx.Invoke(serveMetrics, func(*EchoServer) {}),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
	)
}

func main() {
	cfg, version, err := parseConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if version {
		fmt.Println(Version())
		return
	}
	if err := log.InitLogger(); err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Logger.Sync()
	log.Logger.Info("starting", zap.String("version", Version()), zap.String("addr", cfg.Address),
		zap.Int("header", cfg.Header.Size))

	fx.New(appOptions(cfg)).Run()
}
