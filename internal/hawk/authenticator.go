package hawk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/token-authority/internal/clock"
	autherrors "github.com/alexjbarnes/token-authority/internal/errors"
	"github.com/alexjbarnes/token-authority/internal/logging"
	"github.com/alexjbarnes/token-authority/internal/models"
	"github.com/alexjbarnes/token-authority/internal/nonce"
	"github.com/alexjbarnes/token-authority/internal/store"
)

// Authenticator verifies MAC-signed requests against issued access
// credentials.
type Authenticator struct {
	store    store.TokenStore
	nonces   *nonce.Verifier
	clock    clock.Clock
	security logging.SecurityHook
	timeout  time.Duration
	logger   *slog.Logger
}

// Config holds optional Authenticator collaborators.
type Config struct {
	Clock    clock.Clock
	Security logging.SecurityHook
	Logger   *slog.Logger

	// StoreTimeout bounds the store round trips of one request,
	// including nonce admission. Zero means no extra deadline.
	StoreTimeout time.Duration
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(s store.TokenStore, v *nonce.Verifier, cfg Config) *Authenticator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hook := cfg.Security
	if hook == nil {
		hook = logging.SecurityLogger(logger)
	}
	return &Authenticator{
		store:    s,
		nonces:   v,
		clock:    clock.Or(cfg.Clock),
		security: hook,
		timeout:  cfg.StoreTimeout,
		logger:   logger.With("component", "hawk"),
	}
}

// Authenticate verifies req and returns the caller's identity. The MAC
// is checked before the nonce is admitted so a forged request never
// consumes a legitimate client's nonce.
func (a *Authenticator) Authenticate(ctx context.Context, req Request, window time.Duration) (*models.AuthenticatedContext, error) {
	storeCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	result, tok, err := a.authenticate(storeCtx, req, window.Milliseconds())
	if err != nil {
		kind := autherrors.KindOf(err)
		if kind.IsSecurity() || kind == autherrors.KindInvalidToken {
			ev := logging.SecurityEvent{
				Reason:     string(kind),
				Method:     req.Method,
				URI:        req.URI,
				RemoteAddr: req.RemoteAddr,
				RequestID:  req.RequestID,
			}
			if tok != nil {
				ev.TokenKey = tok.Key
				ev.ClientID = tok.ClientID
			}
			a.security(ctx, ev)
		}
		return nil, err
	}
	return result, nil
}

func (a *Authenticator) authenticate(ctx context.Context, req Request, windowMillis int64) (*models.AuthenticatedContext, *models.Token, error) {
	cred, err := ParseHeader(req.Authorization)
	if err != nil {
		return nil, nil, err
	}

	tok, err := a.store.Get(ctx, cred.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading token: %w", err)
	}
	if tok == nil || tok.Type != models.TokenAccess || tok.Secret == "" {
		return nil, nil, autherrors.ErrInvalidToken
	}
	if tok.Expired(a.clock.Now()) {
		if _, err := a.store.Remove(ctx, tok.Key); err != nil {
			a.logger.Warn("failed to remove expired token",
				slog.String("token", logging.KeyPrefix(tok.Key)),
				slog.String("error", err.Error()),
			)
		}
		return nil, tok, autherrors.ErrInvalidToken
	}

	artifacts := Artifacts{
		Method:    req.Method,
		URI:       req.URI,
		Host:      req.Host,
		Port:      req.Port,
		Timestamp: cred.Timestamp,
		Nonce:     cred.Nonce,
		Hash:      cred.Hash,
		Ext:       cred.Ext,
	}
	if err := verifyMAC(tok.MACAlgorithm, tok.Secret, cred.MAC, artifacts); err != nil {
		return nil, tok, err
	}

	if err := a.nonces.Admit(ctx, tok.Key, cred.Nonce, cred.Timestamp, windowMillis); err != nil {
		return nil, tok, err
	}

	return &models.AuthenticatedContext{
		Subject:     tok.Subject,
		ClientID:    tok.ClientID,
		TokenKey:    tok.Key,
		Scopes:      tok.Scopes,
		Permissions: tok.Permissions,
	}, tok, nil
}
