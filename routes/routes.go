package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/NickPittas/NukeAiPanel/config"
	"github.com/NickPittas/NukeAiPanel/handlers"
)

// Dependencies carries the handlers the router wires up.
type Dependencies struct {
	Config   *config.Config
	Generate *handlers.GenerateHandler
	Admin    *handlers.AdminHandler
	Registry handlers.BackendRegistry
	Logger   *zap.Logger
}

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", handlers.HealthCheck())
	r.Get("/readyz", handlers.ReadinessCheck(deps.Registry))

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Generation endpoints. The streaming route carries no
		// write timeout of its own, so the server-level timeout
		// must cover long generations.
		r.Route("/generate", func(r chi.Router) {
			r.Post("/", deps.Generate.HandleGenerate)
			r.Post("/stream", deps.Generate.HandleGenerateStream)
		})

		// Backend management
		r.Get("/models", deps.Admin.HandleListModels)
		r.Get("/backends/status", deps.Admin.HandleBackendStatus)
		r.Post("/config/reload", deps.Admin.HandleReloadConfig)
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return requestLogger(deps.Logger)(r)
}

// requestLogger emits one structured line per request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}
