// Package server exposes the assessment pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/polisai/plantwatch/pkg/metrics"
	"github.com/polisai/plantwatch/pkg/pipeline"
	"github.com/polisai/plantwatch/pkg/storage"
	"github.com/polisai/plantwatch/pkg/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

const defaultMaxBodyBytes = 64 << 10

// Handler runs one assessment request.
type Handler interface {
	Handle(ctx context.Context, req domain.AssessmentRequest) (pipeline.Result, error)
}

// Options configures a Server. Store and Metrics are optional; without a
// store /v1/snapshot answers 404, without Metrics /metrics does.
type Options struct {
	Pipeline     Handler
	Store        storage.Store
	Metrics      *telemetry.Metrics
	Gates        metrics.Gates
	Policy       *metrics.RegoGate
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Server routes HTTP requests. Gates and the gate policy can be swapped at
// runtime by the config watcher.
type Server struct {
	pipeline     Handler
	store        storage.Store
	metrics      *telemetry.Metrics
	gates        atomic.Pointer[metrics.Gates]
	policy       atomic.Pointer[metrics.RegoGate]
	maxBodyBytes int64
	logger       *slog.Logger
}

// AssessmentRequest is the POST /v1/assessments body.
type AssessmentRequest struct {
	RequestID         string               `json:"request_id,omitempty"`
	PlantType         string               `json:"plant_type"`
	Metrics           domain.SensorMetrics `json:"metrics"`
	Message           string               `json:"message,omitempty"`
	AdditionalContext string               `json:"additional_context,omitempty"`
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		pipeline:     opts.Pipeline,
		store:        opts.Store,
		metrics:      opts.Metrics,
		maxBodyBytes: opts.MaxBodyBytes,
		logger:       opts.Logger,
	}
	s.SetGates(opts.Gates)
	s.SetPolicy(opts.Policy)
	return s
}

// SetGates replaces the quality gates used by /v1/snapshot.
func (s *Server) SetGates(g metrics.Gates) {
	s.gates.Store(&g)
}

// SetPolicy replaces the optional Rego release gate.
func (s *Server) SetPolicy(p *metrics.RegoGate) {
	s.policy.Store(p)
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/assessments", s.handleAssess)
	mux.HandleFunc("GET /v1/snapshot", s.handleSnapshot)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	var h http.Handler = otelhttp.NewHandler(mux, "plantwatch.http")
	if s.metrics != nil {
		h = s.metrics.Middleware(h)
	}
	return h
}

// HTTPServer wraps Handler in an http.Server with the given timeouts.
func (s *Server) HTTPServer(addr string, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleAssess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body AssessmentRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, "invalid_request", "request body is not a valid assessment request")
		return
	}

	res, err := s.pipeline.Handle(ctx, domain.AssessmentRequest{
		RequestID:         body.RequestID,
		PlantType:         body.PlantType,
		Metrics:           body.Metrics,
		Message:           body.Message,
		AdditionalContext: body.AdditionalContext,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidRequest) {
			s.writeError(ctx, w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		s.logger.ErrorContext(ctx, "assessment request failed", "error", err)
		s.writeError(ctx, w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	status := http.StatusOK
	switch res.Outcome {
	case pipeline.OutcomeBlocked:
		status = http.StatusUnprocessableEntity
	case pipeline.OutcomeFallback:
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, res)
}

type snapshotResponse struct {
	Status   string                  `json:"status"`
	Unscored int                     `json:"unscored,omitempty"`
	Snapshot *domain.MetricsSnapshot `json:"snapshot,omitempty"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.store == nil {
		http.NotFound(w, r)
		return
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(ctx, w, http.StatusBadRequest, "invalid_request", "since must be RFC 3339")
			return
		}
		since = t
	}

	snap, err := pipeline.BuildSnapshot(ctx, s.store, *s.gates.Load(), s.policy.Load(), since)
	var insufficient *domain.InsufficientDataError
	switch {
	case errors.As(err, &insufficient):
		s.writeJSON(w, http.StatusOK, snapshotResponse{Status: "insufficient_data", Unscored: insufficient.Unscored})
		return
	case err != nil:
		s.logger.ErrorContext(ctx, "snapshot failed", "error", err)
		s.writeError(ctx, w, http.StatusInternalServerError, "internal_error", "snapshot unavailable")
		return
	}

	if s.metrics != nil {
		s.metrics.SetSnapshot(snap)
	}
	s.writeJSON(w, http.StatusOK, snapshotResponse{Status: "ok", Snapshot: &snap})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	var traceID string
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
	}
	s.writeJSON(w, status, map[string]domain.ErrorResponse{
		"error": {Code: code, Message: message, TraceID: traceID},
	})
}
