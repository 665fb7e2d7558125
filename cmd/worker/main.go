package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dontdude/rabbitq/internal/config"
	"github.com/dontdude/rabbitq/internal/domain"
	"github.com/dontdude/rabbitq/internal/platform/docker"
	"github.com/dontdude/rabbitq/internal/platform/events"
	"github.com/dontdude/rabbitq/internal/platform/logging"
	"github.com/dontdude/rabbitq/internal/platform/queue"
	"github.com/dontdude/rabbitq/internal/worker"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Logger
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(logger)
	slog.Info("Starting rabbitq worker...", "queue", cfg.AMQP.Queue, "concurrency", cfg.Worker.Concurrency)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("Worker failed", "error", err)
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	// 3. Connect to the broker; every worker opens its own channel on it
	conn, err := queue.Connect(cfg.AMQP)
	if err != nil {
		return err
	}
	defer conn.Close()

	// 4. Event bus
	var bus domain.EventBus = events.Nop{}
	if cfg.Redis.Addr != "" {
		rb, err := events.NewRedisBus(ctx, cfg.Redis.Addr, cfg.Redis.Channel, logger)
		if err != nil {
			return err
		}
		defer rb.Close()
		bus = rb
	}

	// 5. Handlers
	registry := worker.NewRegistry()
	registry.Register("echo", worker.EchoHandler(bus))
	registry.Register("log", worker.LogHandler(logger))
	if cfg.Worker.Docker {
		dockerClient, err := docker.NewClient(ctx, logger)
		if err != nil {
			return err
		}
		defer dockerClient.Close()
		registry.Register("code.run", worker.CodeRunHandler(dockerClient, bus))
	}
	slog.Info("Registered handlers", "jobs", registry.Names())

	// 6. Pool
	open := func() (domain.JobQueue, error) {
		return queue.Open(conn, cfg.AMQP, logger)
	}
	pool := worker.NewPool(cfg.Worker, cfg.AMQP.Queue, open, registry, bus, logger)
	if err := pool.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	pool.Stop()
	return nil
}
