// Package api serves run status, sessions and the live event stream over HTTP
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-cycle-runner/internal/agent"
	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
	"github.com/hochfrequenz/claude-cycle-runner/internal/notify"
	"github.com/hochfrequenz/claude-cycle-runner/internal/observer"
)

// Store is the read side of the run database
type Store interface {
	ListRuns(limit int) ([]*domain.Run, error)
	GetRun(id string) (*domain.Run, error)
	LatestRun() (*domain.Run, error)
	ListTasks(runID string) ([]*domain.Task, error)
	ListSessions(taskID string, limit int) ([]agent.Info, error)
	ListEvents(runID string, limit int) ([]notify.Event, error)
}

// Sessions exposes live agent sessions
type Sessions interface {
	Active() []agent.Info
	Archived() []agent.Info
	Get(key string) (*agent.Session, bool)
}

// Controller is the run in progress, if any
type Controller interface {
	Snapshot() *domain.Run
	Stop()
}

// Metrics reports aggregated counters
type Metrics interface {
	GetMetrics() observer.Metrics
}

// Events is the live event source
type Events interface {
	Subscribe(buffer int) (<-chan notify.Event, func())
	Dropped() uint64
}

// Deps holds the server's data sources. Any of them may be nil.
type Deps struct {
	Store      Store
	Sessions   Sessions
	Controller Controller
	Metrics    Metrics
	Events     Events
	Logger     *zap.Logger
}

// Server is the HTTP API server
type Server struct {
	deps     Deps
	addr     string
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	logger   *zap.Logger

	pingInterval time.Duration
}

// NewServer creates a new API server
func NewServer(deps Deps, addr string) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		addr:   addr,
		mux:    http.NewServeMux(),
		logger: logger.With(zap.String("component", "api")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pingInterval: 30 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/runs", s.listRunsHandler())
	s.mux.HandleFunc("GET /api/runs/{id}", s.getRunHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/events", s.runEventsHandler())
	s.mux.HandleFunc("POST /api/run/stop", s.stopRunHandler())
	s.mux.HandleFunc("GET /api/sessions", s.listSessionsHandler())
	s.mux.HandleFunc("POST /api/sessions/{key}/stop", s.stopSessionHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/ws", s.wsHandler())
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.addr,
		Handler:     s.mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("api listening", zap.String("addr", s.addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
