package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nstogner/sandboxd/pkg/catalog"
	"github.com/nstogner/sandboxd/pkg/domain"
	"github.com/nstogner/sandboxd/pkg/orchestrator"
)

// Sandboxes is the orchestrator surface the API exposes.
type Sandboxes interface {
	Acquire(ctx context.Context, sessionKey, templateName string, opts orchestrator.Options) (orchestrator.Handle, error)
	Release(ctx context.Context, sessionKey, reason string)
	Get(sessionKey string) (*domain.Instance, bool)
	List() []*domain.Instance
	Events(ctx context.Context, sessionKey string, limit int) ([]domain.Event, error)
	History(ctx context.Context, limit int) ([]domain.Instance, error)
	Logs(ctx context.Context, sessionKey string) (io.ReadCloser, error)
	Subscribe() (<-chan domain.Event, func())
}

var _ Sandboxes = (*orchestrator.Orchestrator)(nil)

// Server serves the sandbox REST API. Session keys are trusted: callers are
// authenticated upstream.
type Server struct {
	sandboxes Sandboxes
	templates catalog.Catalog
	metrics   prometheus.Gatherer
	logger    *slog.Logger
	srv       *http.Server
}

// New creates a new Server. metrics may be nil.
func New(sandboxes Sandboxes, templates catalog.Catalog, metrics prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sandboxes: sandboxes,
		templates: templates,
		metrics:   metrics,
		logger:    logger,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Session sandbox
	mux.HandleFunc("POST /api/sessions/{key}/sandbox", s.handleAcquire)
	mux.HandleFunc("DELETE /api/sessions/{key}/sandbox", s.handleRelease)
	mux.HandleFunc("GET /api/sessions/{key}/sandbox", s.handleStatus)
	mux.HandleFunc("GET /api/sessions/{key}/sandbox/events", s.handleEvents)
	mux.HandleFunc("GET /api/sessions/{key}/sandbox/logs", s.handleLogs)

	// WebSocket
	mux.HandleFunc("/api/sessions/{key}/sandbox/watch", s.handleWatch)

	mux.HandleFunc("GET /api/sandboxes", s.handleListSandboxes)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/templates", s.handleListTemplates)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok\n")
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}

	return s.corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	s.logger.Info("Starting API server", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Error string      `json:"error"`
	Kind  domain.Kind `json:"kind,omitempty"`
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("API Error", "status", status, "error", err)
	} else {
		s.logger.Debug("API Error", "status", status, "error", err)
	}
	s.jsonResponse(w, status, ErrorBody{Error: err.Error(), Kind: domain.KindOf(err)})
}
