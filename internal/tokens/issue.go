package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	autherrors "github.com/alexjbarnes/token-authority/internal/errors"
	"github.com/alexjbarnes/token-authority/internal/grants"
	"github.com/alexjbarnes/token-authority/internal/logging"
	"github.com/alexjbarnes/token-authority/internal/models"
	"github.com/alexjbarnes/token-authority/internal/scopes"
)

// IssueAccessCredential mints a credential for a grant resolved by the
// dispatcher. A refresh credential is paired when the refreshToken
// scope was approved or the grant asked for one; client credentials
// never get one.
func (m *Manager) IssueAccessCredential(ctx context.Context, client *models.Client, grantType string, g *grants.Grant) (*models.IssuedToken, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	wantRefresh := grantType != grants.TypeClientCredentials &&
		(g.IssueRefresh || slices.Contains(g.Scopes, scopes.RefreshTokenScope))

	var issued *models.IssuedToken
	err := withFreshKeys(func() error {
		access := m.newAccess(client, grantType, g.Subject, g.Scopes, g.Permissions)
		issued = &models.IssuedToken{Access: access}
		if wantRefresh {
			issued.Refresh = m.pairRefresh(access, g.Scopes, g.Permissions)
			return m.store.Create(ctx, access, issued.Refresh)
		}
		return m.store.Create(ctx, access)
	})
	if err != nil {
		return nil, storeErr("issuing access credential", err)
	}

	m.recordAuthorization(ctx, client.ClientID, g.Subject)
	m.logger.Info("access credential issued",
		slog.String("client_id", client.ClientID),
		slog.String("grant_type", grantType),
		slog.String("token", logging.KeyPrefix(issued.Access.Key)),
		slog.Bool("refresh", issued.Refresh != nil),
	)
	return issued, nil
}

// Refresh exchanges a refresh credential for a new access credential.
// Requested scopes may only narrow the original grant.
func (m *Manager) Refresh(ctx context.Context, client *models.Client, refreshKey string, requested []string) (*models.IssuedToken, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	old, expired, err := m.load(ctx, refreshKey)
	if err != nil {
		return nil, err
	}
	if old == nil || old.Type != models.TokenRefresh || old.ClientID != client.ClientID {
		return nil, autherrors.ErrInvalidToken
	}
	if expired {
		return nil, autherrors.ErrTokenExpired
	}

	scopeNames, perms := old.Scopes, old.Permissions
	if len(requested) > 0 {
		if !scopes.Subset(requested, old.Scopes) {
			return nil, fmt.Errorf("%w: refresh may not widen the original grant", autherrors.ErrInvalidScope)
		}
		scopeNames, perms = narrow(requested, old.Permissions)
	}

	var issued *models.IssuedToken
	err = withFreshKeys(func() error {
		access := m.newAccess(client, old.GrantType, old.Subject, scopeNames, perms)

		var refresh *models.Token
		if m.cfg.RecycleRefreshTokens {
			// The rotated credential keeps the original grant so later
			// refreshes can still narrow from it.
			refresh = m.pairRefresh(access, old.Scopes, old.Permissions)
		} else {
			refresh = old.Clone()
			refresh.AccessTokenKey = access.Key
			access.RefreshKey = refresh.Key
		}

		ok, err := m.store.CASReplace(ctx, refreshKey, old, access, refresh)
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
		return nil, storeErr("refreshing access credential", err)
	}

	if m.cfg.RevokeAccessOnRefresh && old.AccessTokenKey != "" {
		if _, err := m.store.Remove(ctx, old.AccessTokenKey); err != nil {
			m.logger.Warn("failed to revoke previous access credential",
				slog.String("token", logging.KeyPrefix(old.AccessTokenKey)),
				slog.String("error", err.Error()),
			)
		}
	}

	m.logger.Info("access credential refreshed",
		slog.String("client_id", client.ClientID),
		slog.String("token", logging.KeyPrefix(issued.Access.Key)),
		slog.Bool("rotated", m.cfg.RecycleRefreshTokens),
	)
	return issued, nil
}

// narrow keeps the permissions named in requested, in request order.
func narrow(requested []string, perms []models.Permission) ([]string, []models.Permission) {
	out := make([]models.Permission, 0, len(requested))
	for _, name := range requested {
		i := slices.IndexFunc(perms, func(p models.Permission) bool { return p.Name == name })
		if i >= 0 {
			out = append(out, perms[i])
		}
	}
	return slices.Clone(requested), out
}
