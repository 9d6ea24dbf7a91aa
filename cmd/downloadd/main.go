package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/yxl/DownloadProvider/internal/api"
	"github.com/yxl/DownloadProvider/internal/config"
	"github.com/yxl/DownloadProvider/internal/destfile"
	"github.com/yxl/DownloadProvider/internal/logctx"
	"github.com/yxl/DownloadProvider/internal/notify"
	"github.com/yxl/DownloadProvider/internal/scheduler"
	"github.com/yxl/DownloadProvider/internal/storage/sqlite"
	"github.com/yxl/DownloadProvider/internal/telemetry"
	"github.com/yxl/DownloadProvider/internal/transfer"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("download service starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Database
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open download store: %w", err)
	}
	defer store.Close()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:     cfg.TelemetryEnabled,
		ServiceName: cfg.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	// =========================================================================
	// Start Network Policy
	oracle, err := cfg.NetworkOracle()
	if err != nil {
		return fmt.Errorf("failed to build network oracle: %w", err)
	}

	// =========================================================================
	// Start Notification
	var sink notify.Sink = &notify.LogSink{}
	if cfg.WebhookURL != "" {
		sink = &notify.WebhookSink{URL: cfg.WebhookURL}
	}

	// =========================================================================
	// Start Transfer Engine
	exec := &transfer.Executor{
		Store:  store,
		Oracle: oracle,
		Sink:   sink,
		Dest: destfile.Options{
			DataDir:     cfg.DataDir,
			ExternalDir: cfg.ExternalDir,
		},
		Client:  transfer.NewHTTPClient(cfg.HTTPTimeout),
		Metrics: tel,
	}

	sched := scheduler.New(store, oracle, sink, exec, scheduler.Config{
		DataDir:       cfg.DataDir,
		MaxConcurrent: cfg.MaxConcurrent,
		MaxRecords:    cfg.MaxRecords,
		OnPass:        tel.RecordSchedulerPass,
	})

	schedErrors := make(chan error, 1)

	go func() {
		schedErrors <- sched.Run(ctx)
	}()

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      api.NewHandler(store, tel).Routes(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"data_dir", cfg.DataDir,
		"max_concurrent", cfg.MaxConcurrent,
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case err := <-schedErrors:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scheduler error: %w", err)
		}

		return nil
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		<-schedErrors

		return nil
	}
}
