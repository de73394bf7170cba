// Package server exposes the runtime over HTTP: turn submission and
// inspection, personality management, health, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentshell/agentshell/internal/config"
	"github.com/agentshell/agentshell/internal/observability"
	"github.com/agentshell/agentshell/internal/personality"
	"github.com/agentshell/agentshell/internal/runtime"
	"github.com/agentshell/agentshell/internal/turns"
	"github.com/agentshell/agentshell/pkg/models"
)

// Server is the HTTP surface over a running agent runtime.
type Server struct {
	cfg     config.ServerConfig
	rt      *runtime.Runtime
	store   *turns.ContextManager
	packs   *personality.Manager
	logger  *observability.Logger
	metrics *observability.Metrics

	httpServer *http.Server
}

// New creates a server; call Start to begin listening.
func New(cfg config.ServerConfig, rt *runtime.Runtime, store *turns.ContextManager, packs *personality.Manager, logger *observability.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		rt:      rt,
		store:   store,
		packs:   packs,
		logger:  logger,
		metrics: metrics,
	}
}

// Handler builds the route table. Exposed separately so tests can drive the
// mux without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /v1/turns", s.instrument("/v1/turns", s.handleCreateTurn))
	mux.HandleFunc("GET /v1/turns/{id}", s.instrument("/v1/turns/{id}", s.handleGetTurn))
	mux.HandleFunc("GET /v1/personalities", s.instrument("/v1/personalities", s.handleListPersonalities))
	mux.HandleFunc("POST /v1/personalities/reload", s.instrument("/v1/personalities/reload", s.handleReloadPersonalities))

	return mux
}

// Start begins serving in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server error", "error", err)
		}
	}()

	s.logger.Info(ctx, "http server listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// statusRecorder captures the response code for the request metric.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps a handler with the request duration metric. path is the
// route pattern, not the concrete URL, to keep label cardinality bounded.
func (s *Server) instrument(path string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, path, rec.code, time.Since(start).Seconds())
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// createTurnRequest is the POST /v1/turns body. turn_id is optional;
// callers that supply their own id get deterministic duplicate rejection.
type createTurnRequest struct {
	TurnID        string         `json:"turn_id,omitempty"`
	UserMessage   models.Message `json:"user_message"`
	PersonalityID string         `json:"personality_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type createTurnResponse struct {
	TurnID  string `json:"turn_id"`
	TraceID string `json:"trace_id"`
}

func (s *Server) handleCreateTurn(w http.ResponseWriter, r *http.Request) {
	var req createTurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.jsonError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	turnID, traceID, err := s.rt.StartTurn(r.Context(), runtime.StartTurnRequest{
		TurnID:        req.TurnID,
		UserMessage:   req.UserMessage,
		PersonalityID: req.PersonalityID,
		SessionID:     req.SessionID,
		Metadata:      req.Metadata,
	})
	if err != nil {
		var verr *runtime.ValidationError
		if errors.As(err, &verr) {
			s.jsonError(w, verr.Error(), http.StatusUnprocessableEntity)
			return
		}
		s.logger.Error(r.Context(), "turn submission failed", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	// The turn runs asynchronously; the caller polls GET /v1/turns/{id}.
	s.jsonResponse(w, http.StatusAccepted, createTurnResponse{TurnID: turnID, TraceID: traceID})
}

func (s *Server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	turn := s.store.GetTurn(r.PathValue("id"))
	if turn == nil {
		s.jsonError(w, "turn not found", http.StatusNotFound)
		return
	}
	s.jsonResponse(w, http.StatusOK, turn)
}

// personalitySummary is the list item for GET /v1/personalities.
type personalitySummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Tools       []string `json:"tools"`
}

func (s *Server) handleListPersonalities(w http.ResponseWriter, r *http.Request) {
	instances := s.packs.List()
	out := make([]personalitySummary, 0, len(instances))
	for _, inst := range instances {
		out = append(out, personalitySummary{
			ID:          inst.ID,
			Name:        inst.Name,
			Version:     inst.Version,
			Description: inst.Description,
			Tools:       inst.ToolNames(),
		})
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"personalities": out})
}

func (s *Server) handleReloadPersonalities(w http.ResponseWriter, r *http.Request) {
	report, err := s.packs.Reload(r.Context())
	if err != nil {
		s.logger.Error(r.Context(), "personality reload failed", "error", err)
		s.jsonError(w, fmt.Sprintf("reload failed: %v", err), http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, http.StatusOK, report)
}

func (s *Server) jsonResponse(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error(context.Background(), "json encode error", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
