package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"udplistener/cmd/udplistener/internal/builtin"
	"udplistener/cmd/udplistener/internal/metrics"
	"udplistener/pkg/command"
	"udplistener/pkg/endpoint"
	"udplistener/pkg/pserver"
)

type listenFlags struct {
	address     string
	port        int
	bufferSize  int
	encoding    string
	timeout     int
	oneShot     bool
	metricsAddr string
	once        bool
}

func (a *app) listenCmd() *cobra.Command {
	var f listenFlags

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Listen for commands such as \"prt hello\" or \"nonsense 20\"",
		Example: `  udplistener listen --port 50000
  echo "prt Hello!" | nc -u <IP-ADDRESS> 50000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.listen(cmd, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.address, "address", "", "Bind address, x.x.x.x")
	flags.IntVar(&f.port, "port", 0, "Port to bind, 0 allocates from 50000")
	flags.IntVar(&f.bufferSize, "buffer-size", 0, "Maximum datagram size in bytes")
	flags.StringVar(&f.encoding, "encoding", "", "Payload encoding: ascii, utf-8 or latin-1")
	flags.IntVar(&f.timeout, "timeout", 0, "Receive timeout in seconds")
	flags.BoolVar(&f.oneShot, "one-shot", false, "Close the socket after every datagram and rebind")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.BoolVar(&f.once, "once", false, "Handle a single datagram and exit")
	return cmd
}

func (a *app) listen(cmd *cobra.Command, f listenFlags) error {
	lc := a.cfg.Listener
	mc := a.cfg.Metrics
	flags := cmd.Flags()
	if flags.Changed("address") {
		lc.Address = f.address
	}
	if flags.Changed("port") {
		lc.Port = f.port
	}
	if flags.Changed("buffer-size") {
		lc.BufferSize = f.bufferSize
	}
	if flags.Changed("encoding") {
		lc.Encoding = f.encoding
	}
	if flags.Changed("timeout") {
		lc.Timeout = f.timeout
	}
	if flags.Changed("one-shot") {
		lc.OneShot = f.oneShot
	}
	if flags.Changed("metrics-addr") {
		mc.Address = f.metricsAddr
	}
	if err := lc.Validate(); err != nil {
		return err
	}
	if err := mc.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ep, err := endpoint.New(lc.Endpoint())
	if err != nil {
		return err
	}
	defer ep.Release()

	table := command.NewTable()
	if err := builtin.Register(table, builtin.Deps{Out: cmd.OutOrStdout(), Reply: ep}); err != nil {
		return err
	}

	m := metrics.New()
	if mc.Address != "" {
		srv := serveMetrics(mc.Address, m)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	handler := pserver.WithMiddleware(
		pserver.CommandHandler(table, m.Hooks()),
		m.Middleware,
		pserver.TracingMiddleware,
		pserver.LoggingMiddleware,
	)

	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", ep)
	if f.once {
		return pserver.ServeOnce(ctx, ep, handler)
	}
	return pserver.Serve(ctx, ep, handler)
}

func serveMetrics(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
	return srv
}
