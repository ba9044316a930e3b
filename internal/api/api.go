// Package api exposes the message intake over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yoman-app/yoman/internal/intake"
	"github.com/yoman-app/yoman/internal/model"
	"github.com/yoman-app/yoman/internal/pipeline"
)

const maxBodyBytes = 64 << 10

// Service handles messages and clarification replies.
type Service interface {
	Handle(ctx context.Context, in model.Inbound) (*intake.Outcome, error)
	Resolve(ctx context.Context, handle, reply string) (*intake.Outcome, error)
}

// JobCanceller removes delivery jobs.
type JobCanceller interface {
	Cancel(ctx context.Context, jobID string) error
}

// MessageRequest is the body of POST /v1/messages.
type MessageRequest struct {
	UserID   string `json:"user_id"`
	Timezone string `json:"timezone"`
	Phone    string `json:"phone"`
	Text     string `json:"text"`
}

// ClarificationRequest is the body of POST /v1/clarifications/{handle}.
type ClarificationRequest struct {
	Reply string `json:"reply"`
}

type server struct {
	svc      Service
	jobs     JobCanceller
	gatherer prometheus.Gatherer
	origins  []string
	now      func() time.Time
	breakers func() map[string]string
}

// HealthResponse is the body of GET /health. Status is "degraded" while any
// breaker is open.
type HealthResponse struct {
	Status   string            `json:"status"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

// Option configures the router.
type Option func(*server)

// WithGatherer serves metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *server) { s.gatherer = g }
}

// WithCORSOrigins sets the allowed CORS origins.
func WithCORSOrigins(origins []string) Option {
	return func(s *server) { s.origins = origins }
}

// WithClock overrides the clock used to stamp inbound messages.
func WithClock(now func() time.Time) Option {
	return func(s *server) { s.now = now }
}

// WithBreakerStates reports circuit breaker states on /health.
func WithBreakerStates(states func() map[string]string) Option {
	return func(s *server) { s.breakers = states }
}

// NewRouter builds the HTTP handler.
func NewRouter(svc Service, jobs JobCanceller, opts ...Option) http.Handler {
	s := &server{
		svc:      svc,
		jobs:     jobs,
		gatherer: prometheus.DefaultGatherer,
		origins:  []string{"*"},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", s.postMessage)
		r.Post("/clarifications/{handle}", s.postClarification)
		r.Delete("/jobs/{id}", s.deleteJob)
	})
	return r
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if s.breakers != nil {
		resp.Breakers = s.breakers()
		for _, state := range resp.Breakers {
			if state == "open" {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id and text are required")
		return
	}

	out, err := s.svc.Handle(r.Context(), model.Inbound{
		UserID:     req.UserID,
		Phone:      req.Phone,
		Text:       req.Text,
		Timezone:   req.Timezone,
		ReceivedAt: s.now(),
	})
	if err != nil {
		zap.L().Error("api: handle message failed",
			zap.String("user_id", req.UserID),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) postClarification(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")

	var req ClarificationRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Reply) == "" {
		writeError(w, http.StatusBadRequest, "reply is required")
		return
	}

	out, err := s.svc.Resolve(r.Context(), handle, req.Reply)
	switch {
	case errors.Is(err, pipeline.ErrUnresolved):
		writeError(w, http.StatusConflict, pipeline.Reason(err))
	case errors.Is(err, pipeline.ErrClarificationExpired):
		writeError(w, http.StatusNotFound, pipeline.Reason(err))
	case err != nil:
		zap.L().Error("api: resolve clarification failed",
			zap.String("handle", handle),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *server) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Cancel(r.Context(), id); err != nil {
		zap.L().Error("api: cancel job failed", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		zap.L().Info("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
