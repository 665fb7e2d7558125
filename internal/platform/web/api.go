// Package web serves the HTTP API for submitting jobs and the WebSocket feed
// of job lifecycle events.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dontdude/rabbitq/internal/domain"
	"github.com/dontdude/rabbitq/internal/platform/logging"
)

// CodeRunJob is the job name the /api/run endpoint dispatches.
const CodeRunJob = "code.run"

// maxBody bounds request bodies.
const maxBody = 1 << 20

// API submits jobs to a queue.
type API struct {
	// mu serializes access to q, whose channel is not safe for concurrent use.
	mu sync.Mutex
	q  domain.JobQueue
	// defaultQueue replaces an empty queue name in submissions.
	defaultQueue string
	bus          domain.EventBus
	logger       *slog.Logger
}

// NewAPI returns an API publishing through q. Submissions without a queue go
// to defaultQueue. A nil bus disables events.
func NewAPI(q domain.JobQueue, defaultQueue string, bus domain.EventBus, logger *slog.Logger) *API {
	return &API{q: q, defaultQueue: defaultQueue, bus: bus, logger: logging.OrDiscard(logger)}
}

// SubmitRequest is the body of POST /api/jobs.
type SubmitRequest struct {
	Job          string          `json:"job"`
	Data         json.RawMessage `json:"data"`
	Queue        string          `json:"queue"`
	DelaySeconds float64         `json:"delay_seconds"`
}

// SubmitResponse is returned for an accepted job.
type SubmitResponse struct {
	JobID  string           `json:"job_id"`
	Status domain.JobStatus `json:"status"`
}

// Routes builds the router. limiter and hub are optional.
func (a *API) Routes(limiter *RateLimiter, hub *Hub) http.Handler {
	limit := func(h http.HandlerFunc) http.HandlerFunc {
		if limiter == nil {
			return h
		}
		return limiter.Middleware(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/jobs", limit(a.handleSubmit))
	mux.HandleFunc("POST /api/run", limit(a.handleRun))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if hub != nil {
		mux.HandleFunc("GET /api/ws", hub.ServeWS)
	}
	return enableCORS(mux)
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Job == "" {
		writeError(w, http.StatusBadRequest, "job is required")
		return
	}
	if req.DelaySeconds < 0 {
		writeError(w, http.StatusBadRequest, "delay_seconds must be >= 0")
		return
	}
	if len(req.Data) == 0 {
		req.Data = json.RawMessage("null")
	}
	delay := time.Duration(req.DelaySeconds * float64(time.Second))
	a.submit(r.Context(), w, req.Job, req.Data, req.Queue, delay)
}

// handleRun accepts {code, language} and dispatches a code.run job.
func (a *API) handleRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code     string `json:"code"`
		Language string `json:"language"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Code == "" || req.Language == "" {
		writeError(w, http.StatusBadRequest, "code and language are required")
		return
	}
	a.submit(r.Context(), w, CodeRunJob, req, "", 0)
}

func (a *API) submit(ctx context.Context, w http.ResponseWriter, job string, data any, queue string, delay time.Duration) {
	var (
		id  string
		err error
	)
	if queue == "" {
		queue = a.defaultQueue
	}
	status := domain.StatusQueued
	a.mu.Lock()
	if delay > 0 {
		status = domain.StatusDelayed
		id, err = a.q.Later(ctx, delay, job, data, queue)
	} else {
		id, err = a.q.Push(ctx, job, data, queue)
	}
	a.mu.Unlock()

	if err != nil {
		a.logger.Error("Failed to publish job", "job", job, "queue", queue, "error", err)
		switch {
		case errors.Is(err, domain.ErrEmptyJobName), errors.Is(err, domain.ErrNegativeDelay), errors.Is(err, domain.ErrEmptyQueueName):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrConnection):
			writeError(w, http.StatusServiceUnavailable, "Broker unavailable")
		default:
			writeError(w, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}

	a.logger.Info("Received submission", "jobID", id, "job", job, "queue", queue, "delay", delay)
	if a.bus != nil {
		ev := domain.JobEvent{JobID: id, Job: job, Queue: queue, Status: status, Delay: delay, At: time.Now().UTC()}
		if err := a.bus.Broadcast(ctx, ev); err != nil {
			a.logger.Warn("Failed to broadcast event", "jobID", id, "error", err)
		}
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: id, Status: status})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// enableCORS adds headers to allow requests from the frontend.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle Preflight OPTIONS request
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
