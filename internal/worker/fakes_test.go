package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dontdude/rabbitq/internal/domain"
)

type fakeJob struct {
	mu       sync.Mutex
	id       string
	name     string
	data     json.RawMessage
	attempts int
	redeliv  bool

	deleted    bool
	released   bool
	releasedIn time.Duration
	failed     error
	settleErr  error
}

func newFakeJob(id, name, data string, attempts int) *fakeJob {
	return &fakeJob{id: id, name: name, data: json.RawMessage(data), attempts: attempts}
}

func (j *fakeJob) ID() string            { return j.id }
func (j *fakeJob) Name() string          { return j.name }
func (j *fakeJob) Data() json.RawMessage { return j.data }
func (j *fakeJob) Attempts() int         { return j.attempts }
func (j *fakeJob) Queue() string         { return "work" }
func (j *fakeJob) RawBody() []byte       { return nil }
func (j *fakeJob) Redelivered() bool     { return j.redeliv }

func (j *fakeJob) Settled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.deleted || j.released || j.failed != nil
}

func (j *fakeJob) settle(f func()) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.deleted || j.released || j.failed != nil {
		return domain.ErrPrecondition
	}
	if j.settleErr != nil {
		return j.settleErr
	}
	f()
	return nil
}

func (j *fakeJob) Delete(ctx context.Context) error {
	return j.settle(func() { j.deleted = true })
}

func (j *fakeJob) Release(ctx context.Context, delay time.Duration) error {
	return j.settle(func() { j.released, j.releasedIn = true, delay })
}

func (j *fakeJob) Fail(ctx context.Context, reason error) error {
	if reason == nil {
		reason = errors.New("failed")
	}
	return j.settle(func() { j.failed = reason })
}

// fakeQueue hands out a fixed list of jobs, shared by every worker.
type fakeQueue struct {
	mu     sync.Mutex
	jobs   []domain.Job
	errs   []error
	closed int
	pops   int
}

func (q *fakeQueue) Push(ctx context.Context, job string, data any, queue string) (string, error) {
	return "", errors.New("not implemented")
}

func (q *fakeQueue) Later(ctx context.Context, delay time.Duration, job string, data any, queue string) (string, error) {
	return "", errors.New("not implemented")
}

func (q *fakeQueue) PushRaw(ctx context.Context, payload []byte, queue string) (string, error) {
	return "", errors.New("not implemented")
}

func (q *fakeQueue) Pop(ctx context.Context, queue string) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pops++
	if len(q.errs) > 0 {
		err := q.errs[0]
		q.errs = q.errs[1:]
		return nil, err
	}
	if len(q.jobs) == 0 {
		return nil, nil
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j, nil
}

// deadQueue fails every Pop as if its channel had been closed.
type deadQueue struct{ fakeQueue }

func (q *deadQueue) Pop(ctx context.Context, queue string) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pops++
	return nil, domain.ErrConnection
}

func (q *fakeQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed++
	return nil
}

func (q *fakeQueue) remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *fakeQueue) closedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// recordingBus keeps every broadcast event.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (b *recordingBus) Broadcast(ctx context.Context, ev domain.JobEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context) (<-chan domain.JobEvent, error) {
	return nil, errors.New("not implemented")
}

func (b *recordingBus) statuses() []domain.JobStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.JobStatus, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Status
	}
	return out
}

func (b *recordingBus) last() domain.JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events[len(b.events)-1]
}
