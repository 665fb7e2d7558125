package domain

import (
	"context"
	"time"
)

// JobStatus names a step in a job's lifecycle.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusDelayed    JobStatus = "delayed"
	StatusProcessing JobStatus = "processing"
	StatusAcked      JobStatus = "acked"
	StatusReleased   JobStatus = "released"
	StatusFailed     JobStatus = "failed"
	StatusOutput     JobStatus = "output"
)

// JobEvent describes one lifecycle transition of a job.
type JobEvent struct {
	JobID    string        `json:"job_id"`
	Job      string        `json:"job"`
	Queue    string        `json:"queue"`
	Status   JobStatus     `json:"status"`
	Attempts int           `json:"attempts"`
	Delay    time.Duration `json:"delay,omitempty"`
	Error    string        `json:"error,omitempty"`
	Output   string        `json:"output,omitempty"`
	At       time.Time     `json:"at"`
}

// EventBus fans job lifecycle events out to observers (e.g. WebSocket clients).
type EventBus interface {
	// Broadcast publishes an event to all subscribers.
	Broadcast(ctx context.Context, event JobEvent) error

	// Subscribe returns a channel that streams events until ctx is cancelled.
	Subscribe(ctx context.Context) (<-chan JobEvent, error)
}
