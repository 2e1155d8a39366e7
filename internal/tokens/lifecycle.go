package tokens

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	autherrors "github.com/alexjbarnes/token-authority/internal/errors"
	"github.com/alexjbarnes/token-authority/internal/logging"
	"github.com/alexjbarnes/token-authority/internal/models"
)

// CreateTemporaryCredential issues a request token for client. A zero
// lifetime uses the configured default.
func (m *Manager) CreateTemporaryCredential(ctx context.Context, client *models.Client, callbackURI string, requested []string, lifetime time.Duration) (*models.Token, error) {
	scopeNames, err := m.catalog.ForClient(client, requested)
	if err != nil {
		return nil, err
	}
	perms, err := m.catalog.Resolve(scopeNames)
	if err != nil {
		return nil, err
	}
	if lifetime <= 0 {
		lifetime = m.cfg.TemporaryTokenLifetime
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var tok *models.Token
	err = withFreshKeys(func() error {
		tok = &models.Token{
			Type:         models.TokenTemporary,
			Key:          m.newKey(),
			Secret:       m.newKey(),
			MACAlgorithm: m.cfg.MACAlgorithm,
			ClientID:     client.ClientID,
			IssuedAt:     m.clock.Now().Unix(),
			Lifetime:     seconds(lifetime),
			Scopes:       scopeNames,
			Permissions:  perms,
			CallbackURI:  callbackURI,
		}
		return m.store.Create(ctx, tok)
	})
	if err != nil {
		return nil, storeErr("creating temporary credential", err)
	}

	m.logger.Debug("temporary credential issued",
		slog.String("client_id", client.ClientID),
		slog.String("token", logging.KeyPrefix(tok.Key)),
	)
	return tok, nil
}

// GrantVerifier records the resource owner's approval of a temporary
// credential and returns the verifier the client must present.
func (m *Manager) GrantVerifier(ctx context.Context, tempKey, subject string) (string, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	tok, expired, err := m.load(ctx, tempKey)
	if err != nil {
		return "", err
	}
	if tok == nil || expired || tok.Type != models.TokenTemporary {
		return "", fmt.Errorf("temporary credential: %w", autherrors.ErrNotFound)
	}
	// Approval happens once. A second approval would hand the grant to
	// whoever authorized last.
	if tok.Verifier != "" {
		return "", fmt.Errorf("temporary credential already authorized: %w", autherrors.ErrNotFound)
	}

	updated := tok.Clone()
	updated.Verifier = RandomHex(minKeyBytes)
	updated.Subject = subject

	ok, err := m.store.CASReplace(ctx, tempKey, tok, updated)
	if err != nil {
		return "", storeErr("granting verifier", err)
	}
	if !ok {
		// Exchanged or re-authorized concurrently.
		return "", fmt.Errorf("temporary credential: %w", autherrors.ErrNotFound)
	}
	return updated.Verifier, nil
}

// ExchangeForAccessCredential redeems an authorized temporary
// credential. The temporary credential is atomically replaced by the
// new access/refresh pair, so at most one concurrent exchange succeeds.
func (m *Manager) ExchangeForAccessCredential(ctx context.Context, client *models.Client, tempKey, verifier string) (*models.IssuedToken, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	tok, expired, err := m.load(ctx, tempKey)
	if err != nil {
		return nil, err
	}
	if tok == nil || tok.Type != models.TokenTemporary || tok.ClientID != client.ClientID {
		return nil, autherrors.ErrInvalidToken
	}
	if tok.Verifier == "" || subtle.ConstantTimeCompare([]byte(tok.Verifier), []byte(verifier)) != 1 {
		return nil, autherrors.ErrInvalidToken
	}
	if expired {
		return nil, autherrors.ErrTokenExpired
	}

	var issued *models.IssuedToken
	err = withFreshKeys(func() error {
		access := m.newAccess(client, "oauth1", tok.Subject, tok.Scopes, tok.Permissions)
		refresh := m.pairRefresh(access, tok.Scopes, tok.Permissions)
		ok, err := m.store.CASReplace(ctx, tempKey, tok, access, refresh)
		if err != nil {
			return err
		}
		if !ok {
			return autherrors.ErrInvalidToken
		}
		issued = &models.IssuedToken{Access: access, Refresh: refresh}
		return nil
	})
	if err != nil {
		if autherrors.KindOf(err) == autherrors.KindInvalidToken {
			return nil, err
		}
		return nil, storeErr("exchanging temporary credential", err)
	}

	m.recordAuthorization(ctx, client.ClientID, tok.Subject)
	m.logger.Info("temporary credential exchanged",
		slog.String("client_id", client.ClientID),
		slog.String("subject", tok.Subject),
		slog.String("token", logging.KeyPrefix(issued.Access.Key)),
	)
	return issued, nil
}
