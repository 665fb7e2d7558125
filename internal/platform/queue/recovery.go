package queue

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RetryResult counts what RetryFailed did.
type RetryResult struct {
	Requeued int
	Skipped  int
}

// RetryFailed moves up to limit jobs from the failed-jobs queue of queue back
// onto queue with attempts reset to zero. Bodies that still do not decode are
// put back at the tail of the failed-jobs queue and counted as skipped;
// the pass ends when one of them comes round again.
func (q *RabbitQueue) RetryFailed(ctx context.Context, queue string, limit int) (RetryResult, error) {
	var res RetryResult
	if limit <= 0 {
		return res, errors.New("retry failed: limit must be positive")
	}
	queue = q.queueName(queue)
	failed := queue + FailedSuffix
	if err := q.client.DeclareQueue(failed, q.cfg.Durable); err != nil {
		return res, err
	}

	q.logger.Info("Retrying failed jobs", "queue", queue, "limit", limit)

	putBack := make(map[string]struct{})
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		msg, err := q.client.FetchOne(failed)
		if err != nil {
			return res, err
		}
		if msg == nil {
			break // No more failed jobs
		}

		env, decErr := Decode(msg.Body)
		if decErr != nil {
			key := msg.MessageID + "\x00" + string(msg.Body)
			_, wrapped := putBack[key]
			putBack[key] = struct{}{}
			if err := q.client.Publish(ctx, "", failed, msg.Body, Properties{
				Persistent: q.cfg.Durable,
				MessageID:  msg.MessageID,
				Headers:    amqp.Table{"x-error": decErr.Error(), "x-original-queue": queue},
			}); err != nil {
				return res, fmt.Errorf("put back %s: %w", msg.MessageID, err)
			}
			if err := q.client.Ack(msg.DeliveryTag); err != nil {
				return res, err
			}
			if wrapped {
				break // Only malformed bodies are left
			}
			res.Skipped++
			continue
		}

		if _, err := q.push(ctx, msg.MessageID, env.Job, env.Data, 0, queue); err != nil {
			return res, err
		}
		if err := q.client.Ack(msg.DeliveryTag); err != nil {
			return res, err
		}
		q.logger.Info("Requeued failed job", "queue", queue, "job", env.Job, "jobID", msg.MessageID)
		res.Requeued++
	}
	return res, nil
}
