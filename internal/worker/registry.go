package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dontdude/rabbitq/internal/domain"
	"github.com/dontdude/rabbitq/internal/platform/logging"
)

// Registry resolves job names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]domain.JobHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]domain.JobHandler)}
}

// Register binds name to h, replacing any previous handler.
func (r *Registry) Register(name string, h domain.JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Registry) Lookup(name string) (domain.JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered job names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type jobKey struct{}

// WithJob returns a context carrying the job being handled.
func WithJob(ctx context.Context, job domain.Job) context.Context {
	return context.WithValue(ctx, jobKey{}, job)
}

// JobFromContext returns the job being handled, if any.
func JobFromContext(ctx context.Context) (domain.Job, bool) {
	job, ok := ctx.Value(jobKey{}).(domain.Job)
	return job, ok
}

// EchoHandler publishes the job payload as the job's output.
func EchoHandler(bus domain.EventBus) domain.JobHandler {
	return domain.HandlerFunc(func(ctx context.Context, data json.RawMessage) error {
		return broadcastOutput(ctx, bus, string(data))
	})
}

// LogHandler logs the job payload.
func LogHandler(logger *slog.Logger) domain.JobHandler {
	logger = logging.OrDiscard(logger)
	return domain.HandlerFunc(func(ctx context.Context, data json.RawMessage) error {
		attrs := []any{"payload", string(data)}
		if job, ok := JobFromContext(ctx); ok {
			attrs = append(attrs, "jobID", job.ID(), "attempts", job.Attempts())
		}
		logger.Info("Job payload", attrs...)
		return nil
	})
}

// CodeRun is the payload of a code.run job.
type CodeRun struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// CodeRunHandler executes the job's code in a container and broadcasts the output.
func CodeRunHandler(runner domain.ContainerRunner, bus domain.EventBus) domain.JobHandler {
	return domain.HandlerFunc(func(ctx context.Context, data json.RawMessage) error {
		var req CodeRun
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("decode code.run payload: %w", err)
		}
		if req.Code == "" {
			return fmt.Errorf("code.run: empty code")
		}
		if req.Language == "" {
			req.Language = "python"
		}

		output, err := runner.Run(ctx, req.Code, req.Language)
		if output != "" {
			if berr := broadcastOutput(ctx, bus, output); berr != nil && err == nil {
				err = berr
			}
		}
		return err
	})
}

func broadcastOutput(ctx context.Context, bus domain.EventBus, output string) error {
	if bus == nil {
		return nil
	}
	ev := domain.JobEvent{Status: domain.StatusOutput, Output: output}
	if job, ok := JobFromContext(ctx); ok {
		ev.JobID = job.ID()
		ev.Job = job.Name()
		ev.Queue = job.Queue()
		ev.Attempts = job.Attempts()
	}
	return bus.Broadcast(ctx, ev)
}
