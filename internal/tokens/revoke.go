package tokens

import (
	"context"
	"fmt"
	"log/slog"

	autherrors "github.com/alexjbarnes/token-authority/internal/errors"
	"github.com/alexjbarnes/token-authority/internal/logging"
	"github.com/alexjbarnes/token-authority/internal/models"
	"github.com/alexjbarnes/token-authority/internal/scopes"
)

// Token type hints accepted by Revoke (RFC 7009).
const (
	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"
)

// Revoke removes the token identified by key if client owns it. The
// hint only decides which variant is tried first. Revoking an access
// credential also removes its paired refresh credential and vice versa.
// Unknown keys and keys owned by another client are not an error.
func (m *Manager) Revoke(ctx context.Context, client *models.Client, key, hint string) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	tok, err := m.store.Get(ctx, key)
	if err != nil {
		return storeErr("loading token", err)
	}
	if tok == nil {
		return nil
	}
	if tok.ClientID != client.ClientID {
		m.logger.Warn("revocation of foreign token ignored",
			slog.String("client_id", client.ClientID),
			slog.String("token", logging.KeyPrefix(key)),
		)
		return nil
	}

	if hint != "" && !hintMatches(hint, tok.Type) {
		m.logger.Debug("token_type_hint did not match",
			slog.String("hint", hint),
			slog.String("type", string(tok.Type)),
		)
	}

	if _, err := m.store.Remove(ctx, key); err != nil {
		return storeErr("revoking token", err)
	}

	var linked string
	switch tok.Type {
	case models.TokenAccess:
		linked = tok.RefreshKey
	case models.TokenRefresh:
		linked = tok.AccessTokenKey
	}
	if linked != "" {
		if err := m.removeLinked(ctx, tok, linked); err != nil {
			return err
		}
	}

	m.logger.Info("token revoked",
		slog.String("client_id", client.ClientID),
		slog.String("type", string(tok.Type)),
		slog.String("token", logging.KeyPrefix(key)),
	)
	return nil
}

func hintMatches(hint string, t models.TokenType) bool {
	switch hint {
	case HintAccessToken:
		return t == models.TokenAccess
	case HintRefreshToken:
		return t == models.TokenRefresh
	}
	return false
}

// removeLinked removes the partner of tok if it still points back at
// tok. A partner that was re-paired by a later refresh is left alone.
func (m *Manager) removeLinked(ctx context.Context, tok *models.Token, key string) error {
	partner, err := m.store.Get(ctx, key)
	if err != nil {
		return storeErr("loading linked token", err)
	}
	if partner == nil || partner.ClientID != tok.ClientID {
		return nil
	}
	if partner.RefreshKey != tok.Key && partner.AccessTokenKey != tok.Key {
		return nil
	}
	if _, err := m.store.Remove(ctx, key); err != nil {
		return storeErr("revoking linked token", err)
	}
	return nil
}

// RevokeClient removes every token owned by clientID and forgets which
// subjects approved it.
func (m *Manager) RevokeClient(ctx context.Context, clientID string) (int, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	owned, err := m.store.ListByClient(ctx, clientID)
	if err != nil {
		return 0, storeErr("listing client tokens", err)
	}
	removed := 0
	for _, tok := range owned {
		gone, err := m.store.Remove(ctx, tok.Key)
		if err != nil {
			return removed, storeErr("revoking client token", err)
		}
		if gone != nil {
			removed++
		}
	}
	if err := m.store.RemoveAuthorizations(ctx, clientID); err != nil {
		return removed, storeErr("removing authorizations", err)
	}

	m.logger.Info("client tokens revoked",
		slog.String("client_id", clientID),
		slog.Int("count", removed),
	)
	return removed, nil
}

// Lookup returns a live token. Expired tokens are removed and reported
// as not found.
func (m *Manager) Lookup(ctx context.Context, key string) (*models.Token, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	tok, expired, err := m.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if tok == nil || expired {
		return nil, fmt.Errorf("token: %w", autherrors.ErrNotFound)
	}
	return tok, nil
}

// Introspection is an RFC 7662 response.
type Introspection struct {
	Active    bool   `json:"active"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Subject   string `json:"sub,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	TokenType string `json:"token_type,omitempty"`
}

// Introspect describes a token owned by client. Tokens that are absent,
// expired or owned by someone else are simply inactive.
func (m *Manager) Introspect(ctx context.Context, client *models.Client, key string) (*Introspection, error) {
	tok, err := m.Lookup(ctx, key)
	if autherrors.KindOf(err) == autherrors.KindNotFound {
		return &Introspection{}, nil
	}
	if err != nil {
		return nil, err
	}
	if tok.ClientID != client.ClientID || tok.Type == models.TokenTemporary {
		return &Introspection{}, nil
	}

	tokenType := "refresh_token"
	if tok.Type == models.TokenAccess {
		tokenType = "hawk"
	}
	return &Introspection{
		Active:    true,
		ClientID:  tok.ClientID,
		Scope:     scopes.Format(tok.Permissions),
		Subject:   tok.Subject,
		ExpiresAt: tok.ExpiresAt(),
		IssuedAt:  tok.IssuedAt,
		TokenType: tokenType,
	}, nil
}

// Authorizations lists the subjects that approved clientID.
func (m *Manager) Authorizations(ctx context.Context, clientID string) ([]string, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	subjects, err := m.store.Authorizations(ctx, clientID)
	if err != nil {
		return nil, storeErr("listing authorizations", err)
	}
	return subjects, nil
}
