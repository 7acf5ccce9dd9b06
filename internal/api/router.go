package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/bobarin/renderd/internal/pkg/logger"
)

// RouterConfig holds settings for the API router.
type RouterConfig struct {
	// CorsAllowedOrigins is a comma-separated list of allowed origins.
	// If empty, defaults to "*" (development mode).
	CorsAllowedOrigins string

	// Metrics serves GET /metrics when set.
	Metrics http.Handler

	// FilesRoot serves published objects under /files when the local
	// filesystem backend is in use.
	FilesRoot string

	Logger *logger.Logger
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)

	// CORS: restrict origins when configured, otherwise allow all (dev mode)
	allowedOrigins := []string{"*"}
	if cfg.CorsAllowedOrigins != "" {
		origins := strings.Split(cfg.CorsAllowedOrigins, ",")
		trimmed := make([]string, 0, len(origins))
		for _, o := range origins {
			if s := strings.TrimSpace(o); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			allowedOrigins = trimmed
		}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/render", func(r chi.Router) {
		r.Post("/{style}", h.Render)
		r.Get("/jobs/{id}", h.GetJob)
	})

	if cfg.FilesRoot != "" {
		r.Handle("/files/*", http.StripPrefix("/files/", http.FileServer(http.Dir(cfg.FilesRoot))))
	}

	return r
}
