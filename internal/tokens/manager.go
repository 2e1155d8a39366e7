// Package tokens is the token lifecycle manager: temporary credentials,
// verifiers, exchange, direct issuance, refresh and revocation. Every
// transition that retires a token does so through the store's
// CASReplace, so a credential can be redeemed at most once even with
// many serving processes.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/token-authority/internal/clock"
	autherrors "github.com/alexjbarnes/token-authority/internal/errors"
	"github.com/alexjbarnes/token-authority/internal/hawk"
	"github.com/alexjbarnes/token-authority/internal/logging"
	"github.com/alexjbarnes/token-authority/internal/models"
	"github.com/alexjbarnes/token-authority/internal/scopes"
	"github.com/alexjbarnes/token-authority/internal/store"
)

const (
	// DefaultKeyBytes is the entropy of generated keys and secrets.
	DefaultKeyBytes = 32

	minKeyBytes = 16

	// maxKeyAttempts bounds regeneration after a key collision.
	maxKeyAttempts = 3
)

// Config holds lifecycle policy.
type Config struct {
	AccessTokenLifetime    time.Duration
	RefreshTokenLifetime   time.Duration
	TemporaryTokenLifetime time.Duration
	MACAlgorithm           string
	KeyBytes               int

	// RecycleRefreshTokens rotates the refresh credential on every
	// refresh. When false the refresh credential is kept and re-paired
	// with the new access credential.
	RecycleRefreshTokens bool

	// RevokeAccessOnRefresh removes the access credential previously
	// paired with a refresh credential once it has been refreshed.
	RevokeAccessOnRefresh bool

	// StoreTimeout bounds each operation's store round trips.
	StoreTimeout time.Duration
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		AccessTokenLifetime:    time.Hour,
		TemporaryTokenLifetime: 10 * time.Minute,
		MACAlgorithm:           hawk.AlgorithmSHA256,
		KeyBytes:               DefaultKeyBytes,
		RecycleRefreshTokens:   true,
		StoreTimeout:           2 * time.Second,
	}
}

// Manager implements the token lifecycle.
type Manager struct {
	store   store.TokenStore
	catalog *scopes.Catalog
	clock   clock.Clock
	cfg     Config
	logger  *slog.Logger
}

// NewManager creates a Manager.
func NewManager(s store.TokenStore, catalog *scopes.Catalog, cfg Config, clk clock.Clock, logger *slog.Logger) *Manager {
	if cfg.KeyBytes < minKeyBytes {
		cfg.KeyBytes = DefaultKeyBytes
	}
	if cfg.MACAlgorithm == "" {
		cfg.MACAlgorithm = hawk.AlgorithmSHA256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   s,
		catalog: catalog,
		clock:   clock.Or(clk),
		cfg:     cfg,
		logger:  logger.With("component", "tokens"),
	}
}

// RandomHex returns n cryptographically random bytes hex encoded.
func RandomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

func (m *Manager) newKey() string {
	return RandomHex(m.cfg.KeyBytes)
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// withTimeout applies the store deadline unless the caller set a
// tighter one.
func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.cfg.StoreTimeout)
}

// storeErr maps a store failure into the taxonomy. Deadline and
// cancellation errors count as the store being unavailable.
func storeErr(op string, err error) error {
	if autherrors.KindOf(err) == autherrors.KindStoreUnavailable {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, autherrors.ErrStoreUnavailable, err)
}

// withFreshKeys runs attempt until it stops reporting a key collision.
// attempt must generate new keys on every call.
func withFreshKeys(attempt func() error) error {
	var err error
	for n := 0; n < maxKeyAttempts; n++ {
		err = attempt()
		if !errors.Is(err, store.ErrKeyExists) {
			return err
		}
	}
	return fmt.Errorf("generating unique token key: %w", err)
}

// load reads a token and applies lazy expiry: an expired token is
// removed and reported with expired=true.
func (m *Manager) load(ctx context.Context, key string) (tok *models.Token, expired bool, err error) {
	tok, err = m.store.Get(ctx, key)
	if err != nil {
		return nil, false, storeErr("loading token", err)
	}
	if tok == nil {
		return nil, false, nil
	}
	if tok.Expired(m.clock.Now()) {
		if _, err := m.store.Remove(ctx, key); err != nil {
			m.logger.Warn("failed to remove expired token",
				slog.String("token", logging.KeyPrefix(key)),
				slog.String("error", err.Error()),
			)
		}
		return tok, true, nil
	}
	return tok, false, nil
}

func (m *Manager) newAccess(client *models.Client, grantType, subject string, scopeNames []string, perms []models.Permission) *models.Token {
	return &models.Token{
		Type:         models.TokenAccess,
		Key:          m.newKey(),
		Secret:       m.newKey(),
		MACAlgorithm: m.cfg.MACAlgorithm,
		ClientID:     client.ClientID,
		IssuedAt:     m.clock.Now().Unix(),
		Lifetime:     seconds(m.cfg.AccessTokenLifetime),
		Scopes:       scopeNames,
		Permissions:  perms,
		GrantType:    grantType,
		Subject:      subject,
	}
}

// pairRefresh creates a refresh credential for access and links both.
func (m *Manager) pairRefresh(access *models.Token, scopeNames []string, perms []models.Permission) *models.Token {
	refresh := &models.Token{
		Type:           models.TokenRefresh,
		Key:            m.newKey(),
		ClientID:       access.ClientID,
		IssuedAt:       access.IssuedAt,
		Lifetime:       seconds(m.cfg.RefreshTokenLifetime),
		Scopes:         scopeNames,
		Permissions:    perms,
		GrantType:      access.GrantType,
		Subject:        access.Subject,
		AccessTokenKey: access.Key,
	}
	access.RefreshKey = refresh.Key
	return refresh
}

func (m *Manager) recordAuthorization(ctx context.Context, clientID, subject string) {
	if subject == "" {
		return
	}
	if err := m.store.AddAuthorization(ctx, clientID, subject); err != nil {
		m.logger.Warn("failed to record authorization",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
	}
}
