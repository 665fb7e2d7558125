package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/rabbitq/internal/domain"
	"github.com/dontdude/rabbitq/internal/platform/logging"
)

// RedisBus fans job events out over a Redis Pub/Sub channel so that every
// API server sees the events of every worker.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// Ensure RedisBus satisfies the interface
var _ domain.EventBus = (*RedisBus)(nil)

// NewRedisBus connects to Redis at addr and pings it before returning.
func NewRedisBus(ctx context.Context, addr, channel string, logger *slog.Logger) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	// Fail-fast ping check
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	return &RedisBus{
		client:  rdb,
		channel: channel,
		logger:  logging.OrDiscard(logger),
	}, nil
}

// Broadcast publishes ev to the events channel.
func (r *RedisBus) Broadcast(ctx context.Context, ev domain.JobEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event to %q: %w", r.channel, err)
	}
	return nil
}

// Subscribe streams events from the events channel until ctx is done.
func (r *RedisBus) Subscribe(ctx context.Context) (<-chan domain.JobEvent, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %q: %w", r.channel, err)
	}

	out := make(chan domain.JobEvent)

	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev domain.JobEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.logger.Error("Failed to unmarshal event", "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close closes the Redis client.
func (r *RedisBus) Close() error {
	return r.client.Close()
}
