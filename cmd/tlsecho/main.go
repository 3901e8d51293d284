// Command tlsecho is a TLS echo server and client.
//
//	tlsecho serve -config tlsecho.toml
//	tlsecho dial -config tlsecho.toml < request
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	tlsstream "github.com/foxxorcat/tlsstream"
	"github.com/foxxorcat/tlsstream/metrics"
	"github.com/foxxorcat/tlsstream/poll"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: tlsecho serve|dial -config file")
		os.Exit(2)
	}
	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	configPath := fs.String("config", "tlsecho.toml", "config file path")
	_ = fs.Parse(os.Args[2:])

	if err := run(os.Args[1], *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "tlsecho: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log, err := setupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	exec := poll.NewExecutor(poll.OnTaskDone(func(err error) {
		if err != nil {
			log.Debug("background close failed", zap.Error(err))
		}
	}))
	opts := []tlsstream.Option{
		tlsstream.WithLogger(log),
		tlsstream.WithMetrics(metrics.New(reg)),
		tlsstream.WithSpawner(exec),
		tlsstream.WithWriteLimit(cfg.WriteLimit),
	}
	if cfg.Metrics != "" {
		go serveMetrics(ctx, cfg.Metrics, reg, log)
	}

	switch cmd {
	case "serve":
		tlsCfg, err := cfg.TLS.ServerTLS()
		if err != nil {
			return err
		}
		ln, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return err
		}
		srv := &echoServer{ln: ln, tlsCfg: tlsCfg, log: log, opts: opts}
		err = srv.serve(ctx)
		drain(exec, cfg.DrainWait, log)
		return err
	case "dial":
		tlsCfg, err := cfg.TLS.ClientTLS()
		if err != nil {
			return err
		}
		err = dialEcho(ctx, cfg, tlsCfg, log, os.Stdin, os.Stdout, opts...)
		drain(exec, cfg.DrainWait, log)
		return err
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// drain gives lingering closes up to wait to finish, then abandons the
// rest so their connections are released.
func drain(exec *poll.Executor, wait time.Duration, log *zap.Logger) {
	if exec.Len() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := exec.Wait(ctx); err != nil {
		log.Warn("lingering closes abandoned", zap.Int("count", exec.Len()))
		exec.Close()
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
	defer stop()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("metrics server stopped", zap.Error(err))
	}
}
