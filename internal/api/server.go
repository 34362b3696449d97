package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/session"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/store"
)

const (
	defaultRequestTimeout = 30 * time.Second
	readyTimeout          = 2 * time.Second
)

// Service is the orchestrator surface the API exposes.
type Service interface {
	Submit(ctx context.Context, req session.SubmitRequest) (session.SubmitResult, error)
	Status(ctx context.Context, id string) (orchestrator.Status, error)
	Cancel(ctx context.Context, id, reason string) (crawler.CrawlSession, error)
	Resume(ctx context.Context, id string) (crawler.CrawlSession, error)
	Events(ctx context.Context, id string, limit int) ([]store.SessionEvent, error)
	Paths(ctx context.Context, id string) ([]crawler.CrawlPathRecord, error)
	Patterns(ctx context.Context, targetKey string) ([]crawler.Pattern, error)
	ReviewPattern(ctx context.Context, id string, decision crawler.ReviewState, notes string) (crawler.Pattern, error)
	OverrideConfidence(ctx context.Context, id string, confidence float64, notes string) (crawler.Pattern, error)
	DeadLetters(ctx context.Context, limit int) ([]crawler.CrawlJob, error)
}

// Pinger is a downstream dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config controls the HTTP layer.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	// Ready maps a dependency name to its health check.
	Ready map[string]Pinger
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router chi.Router
	svc    Service
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{svc: svc, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.submitSession)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Post("/cancel", s.cancelSession)
				r.Post("/resume", s.resumeSession)
				r.Get("/events", s.sessionEvents)
				r.Get("/paths", s.sessionPaths)
			})
		})
		r.Route("/patterns", func(r chi.Router) {
			r.Get("/", s.listPatterns)
			r.Post("/{pattern_id}/review", s.reviewPattern)
			r.Post("/{pattern_id}/confidence", s.overrideConfidence)
		})
		r.Get("/jobs/dead-letters", s.deadLetters)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	failed := map[string]string{}
	for name, p := range s.cfg.Ready {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("dependencies", failed))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "dependencies": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, crawler.ErrNotFound), errors.Is(err, crawler.ErrTargetNotFound):
		return http.StatusNotFound
	case errors.Is(err, crawler.ErrMalformedRequest):
		return http.StatusBadRequest
	case errors.Is(err, crawler.ErrInvalidTransition), errors.Is(err, crawler.ErrTerminalSession),
		errors.Is(err, crawler.ErrActiveSession):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
