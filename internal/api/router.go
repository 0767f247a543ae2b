// Package api assembles the HTTP router: global middleware, session
// resolution, CORS, and the chat, auth and admin routes.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/modelgate/modelgate/internal/api/handlers"
	"github.com/modelgate/modelgate/internal/api/middleware"
	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, authSvc *auth.Service) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(corsHandler(cfg.AllowedOrigins))
	r.Use(middleware.Session(authSvc))

	r.Get("/health", healthHandler(h))
	r.Get("/version", versionHandler(cfg))

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/chat", h.Chat)
		r.Post("/chat/stream", h.ChatStream)

		r.Route("/admin", func(r chi.Router) {
			r.Route("/accounts", func(r chi.Router) {
				r.Get("/", h.ListAccounts)
				r.Route("/{accountID}", func(r chi.Router) {
					r.Put("/models", h.UpdateAccountModels)
					r.Put("/status", h.UpdateAccountStatus)
					r.Put("/guardrail", h.UpdateAccountGuardrail)
					r.Put("/limits", h.UpdateAccountLimits)
					r.Put("/cost-limit", h.UpdateAccountCostLimit)
					r.Put("/default-model", h.UpdateAccountDefaultModel)
				})
			})

			r.Route("/policies", func(r chi.Router) {
				r.Get("/", h.ListPolicies)
				r.Post("/", h.UpsertPolicy)
				r.Post("/test", h.TestPolicy)
			})

			r.Route("/models", func(r chi.Router) {
				r.Get("/", h.ListModels)
				r.Post("/", h.UpsertModel)
				r.Post("/aliases", h.SetAlias)
				r.Post("/fallbacks", h.SetFallbacks)
			})

			r.Get("/router/health", h.RouterHealth)
			r.Get("/overview", h.Overview)
		})
	})

	return r
}

// corsHandler mirrors the request origin in local dev; deployments set
// ALLOWED_ORIGINS to an explicit comma-separated list.
func corsHandler(allowedOrigins string) func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if allowedOrigins == "" {
		opts.AllowOriginFunc = func(r *http.Request, origin string) bool { return true }
	} else {
		for _, origin := range strings.Split(allowedOrigins, ",") {
			if o := strings.TrimSpace(origin); o != "" {
				opts.AllowedOrigins = append(opts.AllowedOrigins, o)
			}
		}
	}
	return cors.Handler(opts)
}

func healthHandler(h *handlers.Handlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if err := h.Store.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "modelgate",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "modelgate",
		})
	}
}
