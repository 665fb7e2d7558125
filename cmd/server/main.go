package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dontdude/rabbitq/internal/config"
	"github.com/dontdude/rabbitq/internal/domain"
	"github.com/dontdude/rabbitq/internal/platform/events"
	"github.com/dontdude/rabbitq/internal/platform/logging"
	"github.com/dontdude/rabbitq/internal/platform/queue"
	"github.com/dontdude/rabbitq/internal/platform/web"
)

func main() {
	// 1. Load configuration and initialize logger
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	// 2. Broker connection; the API serializes its single channel
	conn, err := queue.Connect(cfg.AMQP)
	if err != nil {
		return err
	}
	defer conn.Close()
	q, err := queue.Open(conn, cfg.AMQP, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	// 3. Event bus: Redis when configured, in-process otherwise
	var bus domain.EventBus = events.NewMemoryBus(64)
	if cfg.Redis.Addr != "" {
		rb, err := events.NewRedisBus(ctx, cfg.Redis.Addr, cfg.Redis.Channel, logger)
		if err != nil {
			return err
		}
		defer rb.Close()
		bus = rb
	}

	// 4. Start event broadcaster (background goroutine)
	hub := web.NewHub(logger)
	go func() {
		if err := hub.Run(ctx, bus); err != nil {
			logger.Error("Event broadcaster stopped", "error", err)
		}
	}()

	// 5. Rate limiter and routes
	limiter := web.NewRateLimiter(ctx, cfg.Server.RateLimit, cfg.Server.RateBurst)
	api := web.NewAPI(q, cfg.AMQP.Queue, bus, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Routes(limiter, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	slog.Info("Shutting down API server")
	return srv.Shutdown(shutdownCtx)
}
