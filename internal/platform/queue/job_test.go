package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dontdude/rabbitq/internal/domain"
)

func TestReleaseRequeuesWithIncrementedAttempts(t *testing.T) {
	b := newFakeBroker()
	q := testQueue(t, b)
	ctx := context.Background()

	id, err := q.Push(ctx, "SendEmail", map[string]string{"to": "a@b.com"}, "emails")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	j := mustPop(t, q, "emails")
	if err := j.Release(ctx, 0); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !j.Settled() {
		t.Fatalf("released job should be settled")
	}
	if b.pendingAcks() != 0 {
		t.Fatalf("original delivery should be acked")
	}

	again := mustPop(t, q, "emails")
	if again.Attempts() != 1 {
		t.Fatalf("attempts = %d, want 1", again.Attempts())
	}
	if again.ID() != id {
		t.Fatalf("id = %q, want %q", again.ID(), id)
	}
	if string(again.Data()) != `{"to":"a@b.com"}` {
		t.Fatalf("data = %s", again.Data())
	}
}

func TestReleaseWithDelay(t *testing.T) {
	b := newFakeBroker()
	q := testQueue(t, b)
	ctx := context.Background()

	if _, err := q.Push(ctx, "Job", nil, "work"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	j := mustPop(t, q, "work")
	if err := j.Release(ctx, 10*time.Second); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if n := len(b.queuesWithPrefix("work-delayed-")); n != 1 {
		t.Fatalf("delayed queues = %d, want 1", n)
	}

	b.advance(9 * time.Second)
	assertEmpty(t, q, "work")
	b.advance(time.Second)
	if again := mustPop(t, q, "work"); again.Attempts() != 1 {
		t.Fatalf("attempts = %d, want 1", again.Attempts())
	}
}

func TestReleaseCountsEveryAttempt(t *testing.T) {
	b := newFakeBroker()
	q := testQueue(t, b)
	ctx := context.Background()

	if _, err := q.Push(ctx, "Job", nil, "work"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	for want := 0; want < 4; want++ {
		j := mustPop(t, q, "work")
		if j.Attempts() != want {
			t.Fatalf("attempts = %d, want %d", j.Attempts(), want)
		}
		if err := j.Release(ctx, 0); err != nil {
			t.Fatalf("Release: %v", err)
		}
	}
}

func TestLeaseCanOnlyBeSettledOnce(t *testing.T) {
	tests := []struct {
		name   string
		first  func(context.Context, *Job) error
		second func(context.Context, *Job) error
	}{
		{
			name:   "delete twice",
			first:  func(ctx context.Context, j *Job) error { return j.Delete(ctx) },
			second: func(ctx context.Context, j *Job) error { return j.Delete(ctx) },
		},
		{
			name:   "release after delete",
			first:  func(ctx context.Context, j *Job) error { return j.Delete(ctx) },
			second: func(ctx context.Context, j *Job) error { return j.Release(ctx, 0) },
		},
		{
			name:   "delete after release",
			first:  func(ctx context.Context, j *Job) error { return j.Release(ctx, 0) },
			second: func(ctx context.Context, j *Job) error { return j.Delete(ctx) },
		},
		{
			name:   "release twice",
			first:  func(ctx context.Context, j *Job) error { return j.Release(ctx, time.Second) },
			second: func(ctx context.Context, j *Job) error { return j.Release(ctx, time.Second) },
		},
		{
			name:   "fail after delete",
			first:  func(ctx context.Context, j *Job) error { return j.Delete(ctx) },
			second: func(ctx context.Context, j *Job) error { return j.Fail(ctx, errors.New("x")) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBroker()
			q := testQueue(t, b)
			ctx := context.Background()

			if _, err := q.Push(ctx, "Job", nil, "work"); err != nil {
				t.Fatalf("Push: %v", err)
			}
			j := mustPop(t, q, "work")
			if err := tt.first(ctx, j); err != nil {
				t.Fatalf("first: %v", err)
			}
			err := tt.second(ctx, j)
			if !errors.Is(err, domain.ErrPrecondition) {
				t.Fatalf("second err = %v, want ErrPrecondition", err)
			}
		})
	}
}

func TestReleaseFailureKeepsLease(t *testing.T) {
	b := newFakeBroker()
	q := testQueue(t, b)
	ctx := context.Background()

	if _, err := q.Push(ctx, "Job", nil, "work"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	j := mustPop(t, q, "work")

	b.setPublishError(errors.New("rejected"))
	if err := j.Release(ctx, 0); !errors.Is(err, domain.ErrPublish) {
		t.Fatalf("Release err = %v, want ErrPublish", err)
	}
	if j.Settled() {
		t.Fatalf("failed release must not settle the lease")
	}
	if b.pendingAcks() != 1 {
		t.Fatalf("delivery should still be unacked")
	}

	b.setPublishError(nil)
	if err := j.Delete(ctx); err != nil {
		t.Fatalf("Delete after failed release: %v", err)
	}
	assertEmpty(t, q, "work")
}

func TestFailMovesToFailedQueue(t *testing.T) {
	b := newFakeBroker()
	q := testQueue(t, b)
	ctx := context.Background()

	id, err := q.Push(ctx, "Job", map[string]int{"n": 1}, "work")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	j := mustPop(t, q, "work")
	if err := j.Fail(ctx, errors.New("exhausted")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if !j.Settled() || b.pendingAcks() != 0 {
		t.Fatalf("failed job should be settled and acked")
	}

	failed := b.messages("work" + FailedSuffix)
	if len(failed) != 1 {
		t.Fatalf("failed depth = %d, want 1", len(failed))
	}
	if failed[0].MessageId != id {
		t.Errorf("message id = %q, want %q", failed[0].MessageId, id)
	}
	if failed[0].Headers["x-error"] != "exhausted" {
		t.Errorf("x-error = %v", failed[0].Headers["x-error"])
	}
	if failed[0].Headers["x-original-queue"] != "work" {
		t.Errorf("x-original-queue = %v", failed[0].Headers["x-original-queue"])
	}
	assertEmpty(t, q, "work")
}

func TestDeleteOnClosedChannel(t *testing.T) {
	b := newFakeBroker()
	ch := b.channel()
	q := NewRabbitQueue(NewClient(ch, nil), testConfig(), nil)
	ctx := context.Background()

	if _, err := q.Push(ctx, "Job", nil, "work"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	j := mustPop(t, q, "work")
	ch.Close()

	if err := j.Delete(ctx); !errors.Is(err, domain.ErrConnection) {
		t.Fatalf("Delete err = %v, want ErrConnection", err)
	}
	if err := j.Delete(ctx); !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("second Delete err = %v, want ErrPrecondition", err)
	}
}

func TestJobStateString(t *testing.T) {
	tests := map[jobState]string{
		stateDelivered: "delivered",
		stateSettling:  "settling",
		stateAcked:     "acked",
		stateReleased:  "released",
		stateFailed:    "failed",
		jobState(99):   "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}
