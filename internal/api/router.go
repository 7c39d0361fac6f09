package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tablemind/tablemind/intent-engine/internal/api/handlers"
	"github.com/tablemind/tablemind/intent-engine/internal/api/middleware"
	"github.com/tablemind/tablemind/intent-engine/internal/config"
)

// NewRouter builds the HTTP routing table.
func NewRouter(h *handlers.Handlers, cfg config.AuthConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(middleware.Session)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Session-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Get("/version", h.VersionInfo)

	var keys []string
	for _, k := range strings.Split(cfg.APIKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(keys))

		r.Post("/intent", h.PostIntent)
		r.Post("/execute", h.PostExecute)
		r.Post("/heartbeat-check", h.PostHeartbeatCheck)

		r.Get("/executions", h.ListExecutions)
		r.Get("/executions/{id}", h.GetExecution)
		r.Get("/tools", h.ListTools)
	})

	return r
}
