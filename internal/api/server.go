package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terra-clan/matrix-engine/internal/config"
	"github.com/terra-clan/matrix-engine/internal/engine"
	"github.com/terra-clan/matrix-engine/internal/events"
	"github.com/terra-clan/matrix-engine/internal/health"
	"github.com/terra-clan/matrix-engine/internal/metrics"
	"github.com/terra-clan/matrix-engine/internal/models"
	"github.com/terra-clan/matrix-engine/internal/storage"
)

// IdentityHeader carries the caller identity forwarded by the presentation layer
const IdentityHeader = "X-Caller-Identity"

// Server represents the HTTP API server
type Server struct {
	config         config.ServerConfig
	router         *chi.Mux
	engine         *engine.Engine
	checks         *health.Registry
	hub            *events.Hub
	authMiddleware *AuthMiddleware
}

// NewServer creates a new API server. hub may be nil, which disables the event stream.
func NewServer(
	cfg config.ServerConfig,
	eng *engine.Engine,
	repo storage.Repository,
	checks *health.Registry,
	hub *events.Hub,
) *Server {
	if checks == nil {
		checks = health.NewRegistry(0)
	}

	s := &Server{
		config:         cfg,
		engine:         eng,
		checks:         checks,
		hub:            hub,
		authMiddleware: NewAuthMiddleware(repo),
	}
	s.setupRouter()
	return s
}

// Router returns the configured router
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRouter configures all routes and middleware
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID", IdentityHeader},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware.Authenticate)
		r.Use(RequireIdentity)

		// The event stream is long-lived and must not be cut by the timeout
		r.With(s.authMiddleware.RequirePermission(models.PermProgressRead)).Get("/events", s.handleEventStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.With(s.authMiddleware.RequirePermission(models.PermProgressRead)).Get("/progress", s.handleGetProgress)
			r.With(s.authMiddleware.RequirePermission(models.PermProgressWrite)).Post("/levels/solve", s.handleSolveLevel)
			r.With(s.authMiddleware.RequirePermission(models.PermProgressWrite)).Post("/secrets/discover", s.handleDiscoverSecret)
			r.With(s.authMiddleware.RequirePermission(models.PermProgressWrite)).Post("/reset", s.handleReset)

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.authMiddleware.RequirePermission(models.PermAdminWrite))

				r.Get("/config", s.handleGetConfig)
				r.Put("/collaborator", s.handleLinkCollaborator)
				r.Put("/minting", s.handleSetMinting)
				r.Post("/levels", s.handlePublishLevels)
			})
		})
	})

	s.router = r
}

// loggingMiddleware logs HTTP requests using slog and records their latency
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}

			metrics.HTTPRequestDuration.
				WithLabelValues(route, strconv.Itoa(ww.Status())).
				Observe(time.Since(start).Seconds())

			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
