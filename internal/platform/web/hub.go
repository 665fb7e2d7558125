package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dontdude/rabbitq/internal/domain"
	"github.com/dontdude/rabbitq/internal/platform/logging"
)

const writeWait = 5 * time.Second

// subscriber is one WebSocket connection. gorilla connections support a
// single concurrent writer, hence mu.
type subscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *subscriber) send(ev domain.JobEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

// Hub forwards job events to the WebSocket clients watching each job.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*subscriber]struct{} // jobID -> connections

	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Allow all origins for dev
		},
		logger: logging.OrDiscard(logger),
	}
}

// ServeWS upgrades the request and streams events for the job named by the
// job_id query parameter until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		http.Error(w, "job_id is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{conn: conn}
	h.add(jobID, sub)
	h.logger.Info("Client connected via WebSocket", "jobID", jobID, "remoteAddr", conn.RemoteAddr())

	defer func() {
		h.remove(jobID, sub)
		conn.Close()
		h.logger.Info("Client disconnected", "jobID", jobID)
	}()

	// Reads only detect the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) add(jobID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[jobID] == nil {
		h.clients[jobID] = make(map[*subscriber]struct{})
	}
	h.clients[jobID][s] = struct{}{}
}

func (h *Hub) remove(jobID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[jobID], s)
	if len(h.clients[jobID]) == 0 {
		delete(h.clients, jobID)
	}
}

// Watchers returns the number of connections watching jobID.
func (h *Hub) Watchers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// Deliver writes ev to every connection watching ev.JobID.
func (h *Hub) Deliver(ev domain.JobEvent) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.clients[ev.JobID]))
	for s := range h.clients[ev.JobID] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if err := s.send(ev); err != nil {
			h.logger.Warn("Failed to write to websocket", "jobID", ev.JobID, "error", err)
			// The read loop in ServeWS notices the closed connection and unregisters it.
			s.conn.Close()
		}
	}
}

// Run forwards events from bus to connected clients until ctx is done.
func (h *Hub) Run(ctx context.Context, bus domain.EventBus) error {
	events, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	h.logger.Info("Starting event broadcaster")
	for ev := range events {
		h.Deliver(ev)
	}
	return nil
}
