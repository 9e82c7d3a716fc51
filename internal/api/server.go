// Package api exposes the router over HTTP: an OpenAI-compatible surface
// under /v1 for existing tooling, and the native surface under /api for
// registry management and generation.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/health"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/pipeline"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/registry"
)

// Version is stamped by the build.
var Version = "dev"

// Server is the HTTP API server.
type Server struct {
	pipe           *pipeline.Pipeline
	reg            *registry.Registry
	checker        *health.Checker
	log            zerolog.Logger
	metricsEnabled bool
}

// NewServer creates the API server.
func NewServer(pipe *pipeline.Pipeline, reg *registry.Registry, checker *health.Checker, log zerolog.Logger) *Server {
	return &Server{
		pipe:    pipe,
		reg:     reg,
		checker: checker,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// EnableMetrics mounts the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	// OpenAI-compatible surface
	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", s.handleListModelsOpenAI)
		r.Post("/chat/completions", s.handleChatCompletions)
	})

	// Native surface
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/generate", s.handleGenerate)
		r.Post("/stream", s.handleStream)
		r.Get("/models", s.handleListModels)
		r.Post("/models", s.handleRegister)
		r.Get("/models/{id}", s.handleGetModel)
		r.Delete("/models/{id}", s.handleUnregister)
		r.Post("/models/{id}/load", s.handleLoad)
		r.Post("/models/{id}/unload", s.handleUnload)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	statuses := s.checker.Statuses()
	code := http.StatusOK
	if !s.checker.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"healthy": s.checker.Healthy(),
		"checks":  statuses,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	models := s.reg.List()
	loaded := 0
	for _, v := range models {
		if v.Status == domain.StatusLoaded {
			loaded++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":       Version,
		"models":        len(models),
		"models_loaded": loaded,
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	writeJSON(w, httpStatus(kind), map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    kind.String(),
		},
	})
}

func httpStatus(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindDuplicateID:
		return http.StatusConflict
	case domain.KindCapacityExceeded:
		return http.StatusInsufficientStorage
	case domain.KindBusy:
		return http.StatusTooManyRequests
	case domain.KindCapabilityUnavailable:
		return http.StatusUnprocessableEntity
	case domain.KindTransientBackend, domain.KindPermanentBackend:
		return http.StatusBadGateway
	case domain.KindNoViableModel:
		return http.StatusServiceUnavailable
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

// corsMiddleware adds permissive CORS headers.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
