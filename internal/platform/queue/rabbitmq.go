// Package queue implements domain.JobQueue on an AMQP 0-9-1 broker.
//
// Delayed jobs are parked in a uniquely named queue whose only message
// carries a per-message TTL. When the TTL fires the broker dead-letters the
// message through a direct exchange back onto the target queue, so the broker
// itself acts as the timer.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dontdude/rabbitq/internal/config"
	"github.com/dontdude/rabbitq/internal/domain"
	"github.com/dontdude/rabbitq/internal/platform/logging"
)

// FailedSuffix names the queue that receives jobs which cannot be processed.
const FailedSuffix = "-failed"

// RabbitQueue implements domain.JobQueue over a single broker channel.
// Like the channel it wraps, it must be used by one goroutine at a time.
type RabbitQueue struct {
	client *Client
	cfg    config.AMQP
	logger *slog.Logger

	// delayedName derives the transient queue name for a delayed publish.
	delayedName func(target string) string
}

// Ensure RabbitQueue satisfies the interface
var _ domain.JobQueue = (*RabbitQueue)(nil)

// NewRabbitQueue returns a queue adapter publishing and fetching through client.
func NewRabbitQueue(client *Client, cfg config.AMQP, logger *slog.Logger) *RabbitQueue {
	return &RabbitQueue{
		client:      client,
		cfg:         cfg,
		logger:      logging.OrDiscard(logger),
		delayedName: delayedQueueName,
	}
}

// Open opens a fresh channel on conn and wraps it in a RabbitQueue.
func Open(conn *Connection, cfg config.AMQP, logger *slog.Logger) (*RabbitQueue, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	return NewRabbitQueue(NewClient(ch, logger), cfg, logger), nil
}

// delayedQueueName combines the target, a millisecond timestamp and a random
// UUID so that concurrent delayed publishes never share a queue.
func delayedQueueName(target string) string {
	return target + "-delayed-" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + uuid.NewString()
}

// Push enqueues job with attempts = 0.
func (q *RabbitQueue) Push(ctx context.Context, job string, data any, queue string) (string, error) {
	return q.push(ctx, "", job, data, 0, queue)
}

// Later enqueues job with attempts = 0, visible on queue after delay.
func (q *RabbitQueue) Later(ctx context.Context, delay time.Duration, job string, data any, queue string) (string, error) {
	return q.later(ctx, "", delay, job, data, 0, queue)
}

// PushRaw publishes an already encoded envelope to queue.
func (q *RabbitQueue) PushRaw(ctx context.Context, payload []byte, queue string) (string, error) {
	queue = q.queueName(queue)
	if err := q.client.DeclareQueue(queue, q.cfg.Durable); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := q.client.Publish(ctx, "", queue, payload, Properties{
		Persistent: q.cfg.Durable,
		MessageID:  id,
	}); err != nil {
		return "", fmt.Errorf("push to %q: %w", queue, err)
	}
	return id, nil
}

// push publishes immediately, keeping the given attempt count and message id.
// An empty id allocates a new one.
func (q *RabbitQueue) push(ctx context.Context, id, job string, data any, attempts int, queue string) (string, error) {
	queue = q.queueName(queue)
	if err := q.client.DeclareQueue(queue, q.cfg.Durable); err != nil {
		return "", err
	}
	payload, err := Encode(job, data, attempts)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
	}
	if err := q.client.Publish(ctx, "", queue, payload, Properties{
		Persistent: q.cfg.Durable,
		MessageID:  id,
	}); err != nil {
		return "", fmt.Errorf("push to %q: %w", queue, err)
	}
	q.logger.Debug("Pushed job", "queue", queue, "job", job, "jobID", id, "attempts", attempts)
	return id, nil
}

// later parks the job in a fresh delayed queue that dead-letters into queue
// once delay has elapsed. A zero delay degrades to push and keeps attempts.
func (q *RabbitQueue) later(ctx context.Context, id string, delay time.Duration, job string, data any, attempts int, queue string) (string, error) {
	if delay < 0 {
		return "", domain.ErrNegativeDelay
	}
	if delay == 0 {
		return q.push(ctx, id, job, data, attempts, queue)
	}
	queue = q.queueName(queue)
	if queue == "" {
		return "", domain.ErrEmptyQueueName
	}

	payload, err := Encode(job, data, attempts)
	if err != nil {
		return "", err
	}

	if err := q.client.DeclareQueue(queue, q.cfg.Durable); err != nil {
		return "", err
	}
	// The default exchange already routes by queue name.
	if q.cfg.Exchange != "" {
		if err := q.client.DeclareDeadLetterExchange(q.cfg.Exchange, amqp.ExchangeDirect, q.cfg.Durable); err != nil {
			return "", err
		}
		if err := q.client.BindQueue(queue, queue, q.cfg.Exchange); err != nil {
			return "", err
		}
	}

	delayed := q.delayedName(queue)
	args := amqp.Table{
		"x-dead-letter-exchange":    q.cfg.Exchange,
		"x-dead-letter-routing-key": queue,
		"x-expires":                 expirationMillis(delay + q.grace()),
	}
	if err := q.client.DeclareTransientQueue(delayed, q.cfg.Durable, args); err != nil {
		return "", err
	}

	if id == "" {
		id = uuid.NewString()
	}
	if err := q.client.Publish(ctx, "", delayed, payload, Properties{
		Persistent: q.cfg.Durable,
		Expiration: delay,
		MessageID:  id,
	}); err != nil {
		return "", fmt.Errorf("push to %q: %w", delayed, err)
	}
	q.logger.Debug("Delayed job", "queue", queue, "delayedQueue", delayed, "job", job, "jobID", id, "delay", delay, "attempts", attempts)
	return id, nil
}

// Pop fetches one job from queue, or returns nil when the queue is empty.
// A body that does not decode is moved to the failed-jobs queue and acked,
// and Pop returns an error wrapping domain.ErrMalformedPayload.
func (q *RabbitQueue) Pop(ctx context.Context, queue string) (domain.Job, error) {
	queue = q.queueName(queue)
	if err := q.client.DeclareQueue(queue, q.cfg.Durable); err != nil {
		return nil, err
	}
	msg, err := q.client.FetchOne(queue)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}

	env, decErr := Decode(msg.Body)
	if decErr != nil {
		q.logger.Error("Malformed job payload", "queue", queue, "jobID", msg.MessageID, "error", decErr)
		if err := q.bury(ctx, queue, msg.Body, msg.MessageID, decErr); err != nil {
			return nil, fmt.Errorf("%w (bury failed: %w)", decErr, err)
		}
		if err := q.client.Ack(msg.DeliveryTag); err != nil {
			return nil, fmt.Errorf("%w (ack failed: %w)", decErr, err)
		}
		return nil, decErr
	}
	return newJob(q, queue, *msg, env), nil
}

// bury publishes body to the failed-jobs queue of queue with the reason attached.
func (q *RabbitQueue) bury(ctx context.Context, queue string, body []byte, id string, reason error) error {
	failed := queue + FailedSuffix
	if err := q.client.DeclareQueue(failed, q.cfg.Durable); err != nil {
		return err
	}
	headers := amqp.Table{"x-original-queue": queue}
	if reason != nil {
		headers["x-error"] = reason.Error()
	}
	return q.client.Publish(ctx, "", failed, body, Properties{
		Persistent: q.cfg.Durable,
		MessageID:  id,
		Headers:    headers,
	})
}

// Close closes the channel.
func (q *RabbitQueue) Close() error {
	return q.client.Close()
}

func (q *RabbitQueue) queueName(queue string) string {
	if queue == "" {
		return q.cfg.Queue
	}
	return queue
}

func (q *RabbitQueue) grace() time.Duration {
	if q.cfg.DelayedQueueGrace <= 0 {
		return time.Second
	}
	return q.cfg.DelayedQueueGrace
}
