// Package server exposes the token authority over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/token-authority/internal/grants"
	"github.com/alexjbarnes/token-authority/internal/hawk"
	"github.com/alexjbarnes/token-authority/internal/models"
	"github.com/alexjbarnes/token-authority/internal/tokens"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ClientAuthenticator checks client credentials.
type ClientAuthenticator interface {
	Authenticate(ctx context.Context, clientID, secret string) (*models.Client, error)
}

// Config holds dependencies for building the router.
type Config struct {
	Clients     ClientAuthenticator
	Users       grants.UserVerifier
	Dispatcher  *grants.Dispatcher
	Tokens      *tokens.Manager
	Hawk        *hawk.Authenticator
	NonceWindow time.Duration
	Logger      *slog.Logger
}

type api struct {
	Config
}

// NewRouter builds the HTTP router with the issuance, temporary
// credential, revocation, introspection and MAC verification endpoints.
// /api/me is protected by Hawk middleware.
func NewRouter(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &api{Config: cfg}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/.well-known/oauth-authorization-server", a.handleServerMetadata)

	r.Route("/oauth", func(r chi.Router) {
		r.Post("/token", a.handleToken)
		r.Post("/initiate", a.handleInitiate)
		r.Post("/authorize", a.handleAuthorize)
		r.Post("/access_token", a.handleAccessToken)
		r.Post("/revoke", a.handleRevoke)
		r.Post("/introspect", a.handleIntrospect)
		r.Post("/hawk/verify", a.handleHawkVerify)
	})

	r.Group(func(r chi.Router) {
		r.Use(hawk.Middleware(cfg.Hawk, cfg.NonceWindow, cfg.Logger))
		r.Get("/api/me", handleMe)
	})

	return r
}
