package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/rabbitq/internal/config"
	"github.com/dontdude/rabbitq/internal/domain"
	"github.com/dontdude/rabbitq/internal/platform/logging"
)

// QueueFactory opens a queue backed by its own broker channel.
type QueueFactory func() (domain.JobQueue, error)

// ErrUnknownJob is reported for jobs whose name has no registered handler.
var ErrUnknownJob = errors.New("no handler registered for job")

// Pool implements a fixed-size worker pool pattern.
// Each worker owns one queue, and so one channel, replacing it only when the
// channel is lost.
type Pool struct {
	// workerCount determines how many jobs are handled concurrently.
	workerCount int
	queue       string
	cfg         config.Worker

	open     QueueFactory
	registry *Registry
	bus      domain.EventBus
	logger   *slog.Logger

	// wg tracks active workers to ensure graceful shutdown.
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool returns a pool that consumes queue with cfg.Concurrency workers.
// A nil bus disables lifecycle events.
func NewPool(cfg config.Worker, queue string, open QueueFactory, registry *Registry, bus domain.EventBus, logger *slog.Logger) *Pool {
	n := cfg.Concurrency
	if n <= 0 {
		n = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Pool{
		workerCount: n,
		queue:       queue,
		cfg:         cfg,
		open:        open,
		registry:    registry,
		bus:         bus,
		logger:      logging.OrDiscard(logger),
	}
}

// Start opens one queue per worker and spawns the workers.
// It returns immediately; if any queue cannot be opened nothing is started.
func (p *Pool) Start(ctx context.Context) error {
	p.logger.Info("Starting worker pool", "concurrency", p.workerCount, "queue", p.queue)

	queues := make([]domain.JobQueue, 0, p.workerCount)
	for i := 0; i < p.workerCount; i++ {
		q, err := p.open()
		if err != nil {
			for _, q := range queues {
				q.Close()
			}
			return fmt.Errorf("open queue for worker %d: %w", i, err)
		}
		queues = append(queues, q)
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i, q := range queues {
		p.wg.Add(1)
		go p.worker(ctx, i, q)
	}
	return nil
}

// Stop signals the workers to exit once their current job is settled and
// blocks until all of them have.
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool, waiting for jobs to drain...")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// worker polls its queue until ctx is done. A queue whose channel is lost
// is closed and replaced with a fresh one.
func (p *Pool) worker(ctx context.Context, id int, q domain.JobQueue) {
	defer p.wg.Done()
	defer func() {
		if q != nil {
			q.Close()
		}
	}()
	p.logger.Info("Worker started", "workerId", id)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Worker stopped", "workerId", id)
			return
		default:
		}

		job, err := q.Pop(ctx, p.queue)
		switch {
		case errors.Is(err, domain.ErrMalformedPayload):
			p.logger.Warn("Discarded malformed job", "workerId", id, "queue", p.queue, "error", err)
			continue
		case errors.Is(err, domain.ErrConnection):
			p.logger.Error("Queue connection lost, reopening", "workerId", id, "queue", p.queue, "error", err)
			q.Close()
			if q = p.reopen(ctx, id); q == nil {
				p.logger.Info("Worker stopped", "workerId", id)
				return
			}
			continue
		case err != nil:
			p.logger.Error("Pop failed", "workerId", id, "queue", p.queue, "error", err)
			p.sleep(ctx)
			continue
		case job == nil:
			p.sleep(ctx)
			continue
		}

		// Jobs run to completion on shutdown; only polling is cancelled.
		p.process(context.WithoutCancel(ctx), id, job)
	}
}

// reopen retries the queue factory every poll interval. It returns nil once
// ctx is done.
func (p *Pool) reopen(ctx context.Context, id int) domain.JobQueue {
	for {
		p.sleep(ctx)
		if ctx.Err() != nil {
			return nil
		}
		q, err := p.open()
		if err == nil {
			p.logger.Info("Queue reopened", "workerId", id, "queue", p.queue)
			return q
		}
		p.logger.Warn("Reopen failed", "workerId", id, "queue", p.queue, "error", err)
	}
}

func (p *Pool) sleep(ctx context.Context) {
	t := time.NewTimer(p.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// process runs the handler for job and settles the lease exactly once:
// Delete on success, Release with backoff while attempts remain, Fail otherwise.
func (p *Pool) process(ctx context.Context, workerID int, job domain.Job) {
	log := p.logger.With("workerId", workerID, "queue", job.Queue(), "job", job.Name(), "jobID", job.ID(), "attempts", job.Attempts(), "redelivered", job.Redelivered())
	defer func() {
		if !job.Settled() {
			log.Error("Job left unsettled, broker will redeliver it when the channel closes")
		}
	}()

	h, ok := p.registry.Lookup(job.Name())
	if !ok {
		log.Error("Unknown job, deleting")
		if err := job.Delete(ctx); err != nil {
			log.Error("Failed to delete unknown job", "error", err)
			return
		}
		p.emit(ctx, job, domain.JobEvent{Status: domain.StatusFailed, Error: fmt.Sprintf("%v: %s", ErrUnknownJob, job.Name())})
		return
	}

	log.Debug("Processing job")
	p.emit(ctx, job, domain.JobEvent{Status: domain.StatusProcessing})

	herr := p.handle(ctx, h, job)
	if job.Settled() {
		log.Debug("Handler settled the job itself")
		return
	}

	if herr == nil {
		if err := job.Delete(ctx); err != nil {
			log.Error("Failed to ack job", "error", err)
			return
		}
		log.Info("Job done")
		p.emit(ctx, job, domain.JobEvent{Status: domain.StatusAcked})
		return
	}

	next := job.Attempts() + 1
	if p.cfg.MaxAttempts > 0 && next >= p.cfg.MaxAttempts {
		log.Warn("Job reached max attempts, moving to failed queue", "error", herr)
		if err := job.Fail(ctx, herr); err != nil {
			log.Error("Failed to bury job", "error", err)
			return
		}
		p.emit(ctx, job, domain.JobEvent{Status: domain.StatusFailed, Attempts: next, Error: herr.Error()})
		return
	}

	delay := RetryDelay(p.cfg.RetryBase, job.Attempts(), p.cfg.RetryMax)
	if err := job.Release(ctx, delay); err != nil {
		log.Error("Failed to release job", "error", err, "handlerError", herr)
		return
	}
	log.Warn("Job failed, scheduled for retry", "error", herr, "delay", delay)
	p.emit(ctx, job, domain.JobEvent{Status: domain.StatusReleased, Attempts: next, Delay: delay, Error: herr.Error()})
}

// handle runs h under the configured job timeout. Settlement uses the
// caller's context so a timed-out job can still be released.
func (p *Pool) handle(ctx context.Context, h domain.JobHandler, job domain.Job) error {
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}
	return h.Handle(WithJob(ctx, job), job.Data())
}

// emit fills in the job identity and broadcasts ev. Bus errors are logged only.
func (p *Pool) emit(ctx context.Context, job domain.Job, ev domain.JobEvent) {
	if p.bus == nil {
		return
	}
	ev.JobID = job.ID()
	ev.Job = job.Name()
	ev.Queue = job.Queue()
	if ev.Attempts == 0 {
		ev.Attempts = job.Attempts()
	}
	ev.At = time.Now().UTC()
	if err := p.bus.Broadcast(ctx, ev); err != nil {
		p.logger.Warn("Failed to broadcast event", "jobID", job.ID(), "status", ev.Status, "error", err)
	}
}
