package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-resize/pkg/simpleresize/config"
)

// NewServeCommand runs the queue consumer with health and metrics endpoints
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume notifications from the configured queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.WithEnv())
			if err != nil {
				return err
			}
			logger := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt, err := cfg.Build(ctx, logger, reg)
	if err != nil {
		return fmt.Errorf("failed to build resizer: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("failed to close resources", "err", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           Routes(rt.Runner, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server starting", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return rt.Runner.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	logger.Info("resizer started",
		"source", cfg.SourceStorageURL,
		"derived", cfg.DerivedStorageURL,
		"max_retry_attempts", cfg.MaxRetryAttempts,
		"concurrency", cfg.Concurrency,
	)
	return g.Wait()
}
