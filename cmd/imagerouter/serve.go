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

	"github.com/ineyio/imagerouter"
	"github.com/ineyio/imagerouter/meter"
	"github.com/ineyio/imagerouter/server"
)

var (
	serveListenAddr string
	serveMock       bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := imagerouter.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.Server.ListenAddr = serveListenAddr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.serve(ctx, serveMock)
		},
	}
	serveCmd.Flags().StringVar(&serveListenAddr, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8000)")
	serveCmd.Flags().BoolVar(&serveMock, "mock", false, "Use a mock upstream instead of Grok")
	rootCmd.AddCommand(serveCmd)
}

func (a *app) serve(ctx context.Context, useMock bool) error {
	caller, err := a.newCaller(useMock)
	if err != nil {
		return err
	}

	opts := []imagerouter.Option{
		imagerouter.WithMaxAttempts(a.cfg.MaxAttempts),
		imagerouter.WithAttemptTimeout(a.cfg.AttemptTimeout),
		imagerouter.WithClassifier(a.cfg.Classifier()),
		imagerouter.WithMeter(meter.Multi{meter.NewLogMeter(a.logger), a.metrics}),
		imagerouter.WithLogger(a.logger),
	}
	if v, ok := caller.(imagerouter.AgeVerifier); ok && !a.cfg.Upstream.SkipAgeVerification {
		opts = append(opts, imagerouter.WithAgeVerifier(v))
	}
	d, err := imagerouter.NewDispatcher(a.pool, caller, opts...)
	if err != nil {
		return err
	}

	reload := func(ctx context.Context) error {
		cfg, err := imagerouter.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if err := a.pool.Load(ctx, cfg.Records(imagerouter.SystemClock{}.Now())); err != nil {
			return err
		}
		return a.syncStatusGauge(ctx)
	}

	srv := server.New(d, a.pool,
		server.WithAPIKey(a.cfg.Server.APIKey),
		server.WithAdminKey(a.cfg.Server.AdminKey),
		server.WithReloader(reload),
		server.WithMetrics(a.metrics, a.registry),
		server.WithLogger(a.logger),
	)

	httpServer := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", httpServer.Addr, "strategy", a.cfg.Strategy, "tokens", len(a.cfg.Tokens))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
