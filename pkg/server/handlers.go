package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/nstogner/sandboxd/pkg/domain"
	"github.com/nstogner/sandboxd/pkg/orchestrator"
)

// retryAfterSeconds is advertised with 429 responses.
const retryAfterSeconds = 5

// AcquireRequest is the body of POST /api/sessions/{key}/sandbox.
type AcquireRequest struct {
	Template string            `json:"template"`
	Env      map[string]string `json:"env,omitempty"`
	// BootTimeout is a Go duration string, e.g. "90s".
	BootTimeout string `json:"boot_timeout,omitempty"`
}

// StatusResponse is the body of GET /api/sessions/{key}/sandbox.
type StatusResponse struct {
	State    domain.State     `json:"state"`
	Instance *domain.Instance `json:"instance"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindTemplateNotFound:
		return http.StatusNotFound
	case domain.KindSessionAlreadyBound, domain.KindReleased:
		return http.StatusConflict
	case domain.KindCapacityExceeded:
		return http.StatusTooManyRequests
	case domain.KindProvisioningExhausted:
		return http.StatusBadGateway
	case domain.KindShuttingDown:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// --- Session sandbox ---

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var req AcquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, domain.InvalidRequest(fmt.Sprintf("decoding request: %v", err)))
		return
	}
	opts := orchestrator.Options{Env: req.Env}
	if req.BootTimeout != "" {
		d, err := time.ParseDuration(req.BootTimeout)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, domain.InvalidRequest(fmt.Sprintf("invalid boot_timeout %q", req.BootTimeout)))
			return
		}
		opts.BootTimeout = d
	}

	h, err := s.sandboxes.Acquire(r.Context(), key, req.Template, opts)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		}
		s.errorResponse(w, status, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, h)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "api"
	}
	s.sandboxes.Release(r.Context(), key, reason)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	inst, ok := s.sandboxes.Get(key)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, fmt.Errorf("no sandbox for session %s", key))
		return
	}
	s.jsonResponse(w, http.StatusOK, StatusResponse{State: inst.State, Instance: inst})
}

// limitParam parses the optional limit query parameter; 0 means no limit.
func limitParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, domain.InvalidRequest(fmt.Sprintf("invalid limit %q", v))
	}
	return n, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	limit, err := limitParam(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	events, err := s.sandboxes.Events(r.Context(), key, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	s.jsonResponse(w, http.StatusOK, events)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	rc, err := s.sandboxes.Logs(r.Context(), key)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoSandbox) {
			s.errorResponse(w, http.StatusNotFound, err)
			return
		}
		s.errorResponse(w, http.StatusBadGateway, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// --- Listing ---

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.sandboxes.List())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	history, err := s.sandboxes.History(r.Context(), limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if history == nil {
		history = []domain.Instance{}
	}
	s.jsonResponse(w, http.StatusOK, history)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.templates.List(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, templates)
}
