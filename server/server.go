// Package server exposes the orchestration service over HTTP.
//
// REST endpoints start turns, cancel sessions, and resolve approvals. A
// WebSocket endpoint streams a session's events and accepts approval
// decisions from the same connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/richinex/theseus/agent"
	"github.com/richinex/theseus/approval"
	"github.com/richinex/theseus/model"
	"github.com/richinex/theseus/orchestration"
)

const maxBodyBytes = 1 << 20

// Server is the HTTP control surface.
type Server struct {
	svc         *orchestration.Service
	gatherer    prometheus.Gatherer
	metricsPath string
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	started     time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithMetricsPath moves the metrics endpoint. An empty path disables it.
func WithMetricsPath(path string) Option {
	return func(s *Server) { s.metricsPath = path }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a server over svc.
func New(svc *orchestration.Service, opts ...Option) *Server {
	s := &Server{
		svc:         svc,
		gatherer:    prometheus.DefaultGatherer,
		metricsPath: "/metrics",
		logger:      slog.Default(),
		started:     time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")
	return s
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metricsPath != "" {
		mux.Handle("GET "+s.metricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("POST /v1/sessions", s.handleOpenSession)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("POST /v1/sessions/{id}/turns", s.handleTurn)
	mux.HandleFunc("POST /v1/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/sessions/{id}/approvals", s.handlePending)
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleEvents)

	mux.HandleFunc("GET /v1/approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("POST /v1/approvals/{id}", s.handleResolve)
	return mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.logger.Info("starting http server", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

type openSessionRequest struct {
	ID     string        `json:"id"`
	Config *agent.Overrides `json:"config,omitempty"`
}

type turnRequest struct {
	Message string `json:"message"`
	// Wait runs the turn synchronously and returns its result.
	Wait bool `json:"wait"`
}

type turnResponse struct {
	SessionID  string       `json:"session_id"`
	Answer     string       `json:"answer"`
	Steps      []model.Step `json:"steps"`
	ModelCalls int          `json:"model_calls"`
	Forced     bool         `json:"forced"`
	Tokens     uint32       `json:"total_tokens"`
}

type resolveRequest struct {
	Decision string         `json:"decision"`
	Args     map[string]any `json:"args,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.svc.Sessions()),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.svc.Sessions()})
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	snap, err := s.svc.OpenSession(r.Context(), req.ID, req.Config)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Session(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CloseSession(r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req turnRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, errors.New("message is required"))
		return
	}

	if !req.Wait {
		if err := s.svc.StartTurn(r.Context(), id, req.Message); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"session_id": id, "status": "started"})
		return
	}

	res, err := s.svc.RunTurn(r.Context(), id, req.Message)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, turnResponse{
		SessionID:  id,
		Answer:     res.Answer,
		Steps:      res.Steps,
		ModelCalls: res.ModelCalls,
		Forced:     res.Forced,
		Tokens:     res.Usage.TotalTokens,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.Cancel(id); err != nil {
		s.fail(w, err)
		return
	}
	status, _ := s.svc.Status(id)
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "status": status})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	req, ok, err := s.svc.Pending(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"pending": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": req})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.Approval(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req resolveRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	decision, err := model.ParseDecision(req.Decision)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.Resolve(id, decision, req.Args); err != nil {
		s.fail(w, err)
		return
	}
	resolved, err := s.svc.Approval(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

// fail maps service errors to status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestration.ErrSessionNotFound), errors.Is(err, approval.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestration.ErrSessionBusy), errors.Is(err, approval.ErrAlreadyResolved),
		errors.Is(err, approval.ErrPendingExists):
		status = http.StatusConflict
	case errors.Is(err, orchestration.ErrSessionClosed):
		status = http.StatusGone
	case errors.Is(err, approval.ErrInvalidDecision):
		status = http.StatusBadRequest
	case errors.Is(err, agent.ErrCancelled):
		status = http.StatusConflict
	case errors.Is(err, agent.ErrTurnFailed):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
