package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go-agent-presence/internal/blackboard"
	"go-agent-presence/internal/core"
	"go-agent-presence/internal/notify"
	"go-agent-presence/internal/pipeline"
)

// Store is the read side the HTTP views need.
type Store interface {
	Ping(ctx context.Context) error
	ListAgents(ctx context.Context) ([]core.AgentRecord, error)
	GetAgent(ctx context.Context, agentID string) (*core.AgentRecord, error)
	ListStates(ctx context.Context) ([]core.AgentState, error)
	GetState(ctx context.Context, agentID string) (*core.AgentState, error)
	RecentEvents(ctx context.Context, agentID string, limit int) ([]core.Event, error)
	CountEvents(ctx context.Context, agentID string, types ...core.EventType) (int, error)
	ListSessions(ctx context.Context, activeOnly bool) ([]core.Session, error)
}

// Board lists the shared presence entries of a workspace.
type Board interface {
	List(ctx context.Context, workspaceID string) ([]blackboard.Entry, error)
}

// Options configures a Server.
type Options struct {
	// AuthToken enables bearer authentication when non-empty.
	AuthToken string
	// IngestRatePerMinute limits ingest requests per client IP; 0 disables.
	IngestRatePerMinute int
	// RecentEventsLimit bounds the event list in the resume view.
	RecentEventsLimit int
	// Board serves the workspace presence view; nil disables it.
	Board Board
}

// Server is the HTTP and websocket front of the presence pipeline.
type Server struct {
	pipeline    *pipeline.Pipeline
	store       Store
	hub         *notify.Hub
	board       Board
	token       string
	limiter     *rateLimiter
	recentLimit int
	logger      *slog.Logger
	mux         *http.ServeMux
}

// New creates a new Server with all routes registered.
func New(p *pipeline.Pipeline, store Store, hub *notify.Hub, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RecentEventsLimit <= 0 {
		opts.RecentEventsLimit = 50
	}
	s := &Server{
		pipeline:    p,
		store:       store,
		hub:         hub,
		board:       opts.Board,
		token:       opts.AuthToken,
		recentLimit: opts.RecentEventsLimit,
		logger:      logger,
		mux:         http.NewServeMux(),
	}
	if opts.IngestRatePerMinute > 0 {
		s.limiter = newRateLimiter(opts.IngestRatePerMinute, time.Minute)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/health" && !s.authorize(w, r) {
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	// Ingest
	s.mux.HandleFunc("POST /ingest", s.handleIngest)
	s.mux.HandleFunc("POST /ingest/hooks", s.handleIngest)

	// Agents. Ids contain "/" and must be path-escaped by clients.
	s.mux.HandleFunc("GET /api/agents", s.handleListAgents)
	s.mux.HandleFunc("GET /api/agents/{id}/resume", s.handleResume)
	s.mux.HandleFunc("POST /api/agents/{id}/complete", s.handleComplete)

	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/workspaces/{id}/presence", s.handlePresence)

	// Notifications
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"service": "presenced",
		"clients": s.hub.Len(),
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
