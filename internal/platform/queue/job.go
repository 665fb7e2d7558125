package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dontdude/rabbitq/internal/domain"
)

type jobState int32

const (
	stateDelivered jobState = iota
	stateSettling
	stateAcked
	stateReleased
	stateFailed
)

func (s jobState) String() string {
	switch s {
	case stateDelivered:
		return "delivered"
	case stateSettling:
		return "settling"
	case stateAcked:
		return "acked"
	case stateReleased:
		return "released"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Job is the lease on one delivered message.
// States: delivered -> acked | released | failed, all terminal.
type Job struct {
	q     *RabbitQueue
	queue string
	msg   RawMessage
	env   Envelope
	state atomic.Int32
}

var _ domain.Job = (*Job)(nil)

func newJob(q *RabbitQueue, queue string, msg RawMessage, env Envelope) *Job {
	return &Job{q: q, queue: queue, msg: msg, env: env}
}

func (j *Job) ID() string            { return j.msg.MessageID }
func (j *Job) Name() string          { return j.env.Job }
func (j *Job) Data() json.RawMessage { return j.env.Data }
func (j *Job) Attempts() int         { return j.env.Attempts }
func (j *Job) Queue() string         { return j.queue }
func (j *Job) RawBody() []byte       { return j.msg.Body }
func (j *Job) Redelivered() bool     { return j.msg.Redelivered }

// Settled reports whether the lease has been consumed.
func (j *Job) Settled() bool {
	s := jobState(j.state.Load())
	return s == stateAcked || s == stateReleased || s == stateFailed
}

// Delete acknowledges the delivery.
func (j *Job) Delete(ctx context.Context) error {
	if err := j.begin("delete"); err != nil {
		return err
	}
	// The delivery tag is spent even if the ack fails; the broker requeues
	// unacked deliveries when the channel closes.
	defer j.finish(stateAcked)
	return j.q.client.Ack(j.msg.DeliveryTag)
}

// Release republishes the job to its original queue with attempts+1, immediately
// when delay is zero or through a delayed queue otherwise, then acks the delivery.
// If the republish fails the lease stays delivered and nothing was changed.
func (j *Job) Release(ctx context.Context, delay time.Duration) error {
	if err := j.begin("release"); err != nil {
		return err
	}
	if _, err := j.q.later(ctx, j.ID(), delay, j.env.Job, j.env.Data, j.env.Attempts+1, j.queue); err != nil {
		j.finish(stateDelivered)
		return fmt.Errorf("release %s: %w", j.env.Job, err)
	}
	defer j.finish(stateReleased)
	if err := j.q.client.Ack(j.msg.DeliveryTag); err != nil {
		return fmt.Errorf("release %s: %w", j.env.Job, err)
	}
	return nil
}

// Fail moves the delivered body to the failed-jobs queue and acks the delivery.
func (j *Job) Fail(ctx context.Context, reason error) error {
	if err := j.begin("fail"); err != nil {
		return err
	}
	if err := j.q.bury(ctx, j.queue, j.msg.Body, j.ID(), reason); err != nil {
		j.finish(stateDelivered)
		return fmt.Errorf("fail %s: %w", j.env.Job, err)
	}
	defer j.finish(stateFailed)
	return j.q.client.Ack(j.msg.DeliveryTag)
}

func (j *Job) begin(op string) error {
	if j.state.CompareAndSwap(int32(stateDelivered), int32(stateSettling)) {
		return nil
	}
	return fmt.Errorf("%w: %s job %q: lease already %s", domain.ErrPrecondition, op, j.env.Job, jobState(j.state.Load()))
}

func (j *Job) finish(s jobState) {
	j.state.Store(int32(s))
}
