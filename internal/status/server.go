// Package status serves the local HTTP view of the engine: recent event
// notifications, a live websocket stream of them, the offline queue and a
// manual flush.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/presence/internal/engine"
	"github.com/roach88/presence/internal/offline"
	"github.com/roach88/presence/internal/sink"
)

const (
	defaultEventLimit = 50
	streamBuffer      = 32
	writeWait         = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Queue is the read side of the offline queue.
type Queue interface {
	Snapshot() []offline.Entry
	Len() int
	Capacity() int
}

// Retrier runs manual flushes and reports connectivity.
type Retrier interface {
	Flush(ctx context.Context) offline.Report
	LastCheck() offline.Check
}

// Presence exposes the engine's read-only state.
type Presence interface {
	View() engine.View
}

// Collector reads the current metric values.
// Implemented by *metrics.Provider.
type Collector interface {
	Collect(ctx context.Context) (map[string]int64, error)
}

// Server is the status HTTP API.
type Server struct {
	hub      *sink.Hub
	queue    Queue
	retrier  Retrier
	presence Presence
	metrics  Collector
	logger   *slog.Logger
	upgrader websocket.Upgrader
	router   *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetrics serves c's readings on GET /metrics.
func WithMetrics(c Collector) Option {
	return func(s *Server) {
		s.metrics = c
	}
}

// New creates a server. Any of queue, retrier and presence may be nil; their
// routes then answer 503.
func New(hub *sink.Hub, queue Queue, retrier Retrier, presence Presence, opts ...Option) *Server {
	s := &Server{
		hub:      hub,
		queue:    queue,
		retrier:  retrier,
		presence: presence,
		logger:   slog.Default(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/presence", s.handlePresence).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/events/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/queue", s.handleQueue).Methods(http.MethodGet)
	r.HandleFunc("/queue/flush", s.handleFlush).Methods(http.MethodPost)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type healthResponse struct {
	Status    string         `json:"status"`
	LastCheck *offline.Check `json:"last_check,omitempty"`
	Queued    int            `json:"queued"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.retrier != nil {
		if c := s.retrier.LastCheck(); !c.At.IsZero() {
			resp.LastCheck = &c
		}
	}
	if s.queue != nil {
		resp.Queued = s.queue.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if s.presence == nil {
		http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.presence.View())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.hub.Recent(limit))
}

type queueResponse struct {
	Capacity int             `json:"capacity"`
	Length   int             `json:"length"`
	Entries  []offline.Entry `json:"entries"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}
	entries := s.queue.Snapshot()
	writeJSON(w, http.StatusOK, queueResponse{
		Capacity: s.queue.Capacity(),
		Length:   len(entries),
		Entries:  entries,
	})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if s.retrier == nil {
		http.Error(w, "retrier unavailable", http.StatusServiceUnavailable)
		return
	}
	rep := s.retrier.Flush(r.Context())
	s.logger.Info("manual flush", "retried", rep.Retried, "batched", rep.Batched, "remaining", rep.Remaining)
	status := http.StatusOK
	if rep.Skipped {
		status = http.StatusConflict
	}
	writeJSON(w, status, rep)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		return
	}
	values, err := s.metrics.Collect(r.Context())
	if err != nil {
		s.logger.Error("metrics collection failed", "error", err)
		http.Error(w, "metrics collection failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, values)
}

// handleStream upgrades to a websocket and writes each notification as a
// JSON text message until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	notes, cancel := s.hub.Subscribe(streamBuffer)
	defer cancel()

	// Reads only detect the peer closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(n); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
