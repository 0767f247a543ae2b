// Package server is the public entry point for composing the gateway:
// it wires configuration, storage, the catalog, access control, the
// dispatch engine and the HTTP router into a ready-to-serve unit.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/modelgate/modelgate/internal/access"
	"github.com/modelgate/modelgate/internal/api"
	"github.com/modelgate/modelgate/internal/api/handlers"
	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/catalog"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/dispatch"
	"github.com/modelgate/modelgate/internal/llm"
	"github.com/modelgate/modelgate/internal/quota"
	"github.com/modelgate/modelgate/internal/store"
	"github.com/modelgate/modelgate/internal/telemetry"
)

// Server holds the initialized gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the persistence layer; callers close it on shutdown.
	Store store.Store

	// Addr is the listen address.
	Addr string

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes all gateway components from the environment.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	st, err := store.OpenSQLite(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info().Str("dsn", cfg.Database.URL).Msg("sqlite store ready")

	cat := catalog.Seed()
	ctrl := access.New(access.SeedAccounts(), cat)
	log.Info().Int("models", len(cat.ListModels())).Int("accounts", len(ctrl.List())).Msg("catalog and accounts seeded")

	engine := dispatch.New(ctrl, quota.New(st), st, llm.New(cfg.Providers))
	authSvc := auth.New(cfg.Auth.JWTSecret)

	h := handlers.New(engine, authSvc, ctrl, st)
	router := api.NewRouter(cfg, h, authSvc)

	return &Server{
		Handler:      router,
		Store:        st,
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		ShutdownFunc: shutdown,
	}, nil
}
