// Package server implements the HTTP transport layer for the Heimdall gateway.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/app"
	"github.com/eugener/heimdall/internal/queue"
	"github.com/eugener/heimdall/internal/storage"
	"github.com/eugener/heimdall/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Authenticator resolves a presented API key to a principal.
type Authenticator interface {
	Resolve(ctx context.Context, token string) (*gateway.Principal, error)
}

// SessionVerifier validates self-service access tokens and returns the
// subject user ID.
type SessionVerifier interface {
	VerifyAccess(token string) (string, error)
}

// Limiter makes the per-key admission decision.
type Limiter interface {
	Allow(ctx context.Context, keyID string) bool
}

// QuotaChecker enforces org and key usage quotas before admission.
type QuotaChecker interface {
	Check(ctx context.Context, p *gateway.Principal) error
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           Authenticator
	Sessions       SessionVerifier    // nil = self-service auth always fails
	Keys           *app.KeyManager
	Users          *app.UserManager
	Store          storage.Store
	Queue          *queue.Queue
	Limiter        Limiter            // nil = no rate limiting
	Quota          QuotaChecker       // nil = no quota enforcement
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Metrics        *telemetry.Metrics // nil = no metrics
	MetricsHandler http.Handler       // nil = no /metrics route
	RequestTimeout time.Duration      // zero = default 300s
	DisplayModel   string             // id served by /v1/models
	AdminOrigin    string             // CORS origin for admin and user planes
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 300 * time.Second
	}
	if deps.DisplayModel == "" {
		deps.DisplayModel = "default"
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Data plane (API key auth)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Get("/v1/models", s.handleListModels)
	})

	// Admin plane (API key auth + admin role)
	r.Route("/admin/v1", func(r chi.Router) {
		if deps.AdminOrigin != "" {
			r.Use(s.corsMiddleware())
		}
		r.Use(s.authenticate)
		r.Use(s.requireAdmin)

		r.Post("/orgs", s.handleCreateOrg)
		r.Get("/orgs", s.handleListOrgs)
		r.Get("/orgs/{id}", s.handleGetOrg)
		r.Patch("/orgs/{id}", s.handleUpdateOrg)
		r.Delete("/orgs/{id}", s.handleDeleteOrg)

		r.Post("/orgs/{id}/teams", s.handleCreateTeam)
		r.Get("/orgs/{id}/teams", s.handleListTeams)
		r.Delete("/teams/{id}", s.handleDeleteTeam)
		r.Post("/teams/{id}/members", s.handleAddMember)
		r.Delete("/teams/{id}/members/{userID}", s.handleRemoveMember)

		r.Get("/users", s.handleListUsers)
		r.Post("/users/{id}/approve", s.handleApproveUser)
		r.Post("/users/{id}/disable", s.handleDisableUser)

		r.Post("/keys", s.handleCreateKey)
		r.Get("/keys", s.handleListKeys)
		r.Delete("/keys/{id}", s.handleRevokeKey)

		r.Get("/usage/keys/{keyID}", s.handleKeyUsage)
		r.Get("/usage/orgs/{orgID}", s.handleOrgUsage)
		r.Get("/audits", s.handleListAudits)
	})

	// Self-service plane (session token auth)
	r.Route("/user/v1", func(r chi.Router) {
		if deps.AdminOrigin != "" {
			r.Use(s.corsMiddleware())
		}
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(s.sessionAuth)
			r.Get("/me", s.handleMe)
			r.Post("/me/keys", s.handleCreateOwnKey)
			r.Get("/me/keys", s.handleListOwnKeys)
			r.Delete("/me/keys/{id}", s.handleRevokeOwnKey)
			r.Get("/me/usage", s.handleOwnUsage)
		})
	})

	return r
}

type server struct {
	deps Deps
}

// corsMiddleware permits the browser dashboard at the configured origin to
// call the admin and self-service planes.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.deps.AdminOrigin},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", apiKeyHeader},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
