package domain

import (
	"context"
	"encoding/json"
	"time"
)

// JobQueue defines the contract for a broker-backed job queue.
// It decouples the application from the underlying message broker.
// An empty queue name always means the configured default queue.
type JobQueue interface {
	// Push enqueues a job for immediate processing with an attempt count of 0.
	// It returns the message id assigned to the job.
	Push(ctx context.Context, job string, data any, queue string) (string, error)

	// Later enqueues a job that becomes visible on queue only after delay has elapsed.
	// A zero delay behaves like Push.
	Later(ctx context.Context, delay time.Duration, job string, data any, queue string) (string, error)

	// PushRaw publishes an already encoded envelope.
	PushRaw(ctx context.Context, payload []byte, queue string) (string, error)

	// Pop fetches a single job without blocking.
	// It returns a nil Job and a nil error when the queue is empty.
	Pop(ctx context.Context, queue string) (Job, error)

	// Close releases the broker channel backing the queue.
	Close() error
}

// Job is the lease on one delivered message.
// Exactly one of Delete, Release or Fail may be called, exactly once.
type Job interface {
	// ID returns the message id. It is stable across releases.
	ID() string

	// Name returns the job identifier used to resolve a handler.
	Name() string

	// Data returns the opaque job payload.
	Data() json.RawMessage

	// Attempts returns how many times the job has been released so far.
	Attempts() int

	// Queue returns the queue the job was popped from.
	Queue() string

	// RawBody returns the delivered bytes.
	RawBody() []byte

	// Redelivered reports whether the broker delivered this message before
	// without it being acknowledged, e.g. because a consumer's channel closed.
	Redelivered() bool

	// Delete acknowledges the message, removing it from the broker permanently.
	Delete(ctx context.Context) error

	// Release puts the job back on its queue with attempts+1, immediately
	// or after delay, then acknowledges the delivered copy.
	Release(ctx context.Context, delay time.Duration) error

	// Fail moves the job to the failed-jobs queue and acknowledges it.
	Fail(ctx context.Context, reason error) error

	// Settled reports whether Delete, Release or Fail has completed.
	Settled() bool
}
