// Package nonce implements replay protection for MAC-authenticated
// requests. Each token key owns a bounded history of accepted nonces;
// a nonce value is accepted at most once per key regardless of its
// timestamp.
package nonce

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/token-authority/internal/clock"
	autherrors "github.com/alexjbarnes/token-authority/internal/errors"
	"github.com/alexjbarnes/token-authority/internal/logging"
	"github.com/alexjbarnes/token-authority/internal/models"
	"github.com/alexjbarnes/token-authority/internal/store"
)

const (
	// DefaultRetention is how many accepted nonces are kept per key.
	DefaultRetention = 64

	lockStripes = 64
)

// Verifier admits or rejects nonces. Admissions for one key are
// serialised locally by a striped lock and across processes by the
// store's atomic AppendNonce.
type Verifier struct {
	store     store.TokenStore
	clock     clock.Clock
	retention int
	policy    WindowPolicy
	timeout   time.Duration
	logger    *slog.Logger

	locks [lockStripes]sync.Mutex
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(v *Verifier) { v.clock = clock.Or(c) }
}

// WithRetention bounds the per-key history.
func WithRetention(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.retention = n
		}
	}
}

// WithPolicy installs an adaptive window policy.
func WithPolicy(p WindowPolicy) Option {
	return func(v *Verifier) {
		if p != nil {
			v.policy = p
		}
	}
}

// WithStoreTimeout bounds the store round trips of one Admit.
func WithStoreTimeout(d time.Duration) Option {
	return func(v *Verifier) { v.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

// NewVerifier creates a Verifier backed by s.
func NewVerifier(s store.TokenStore, opts ...Option) *Verifier {
	v := &Verifier{
		store:     s,
		clock:     clock.Real{},
		retention: DefaultRetention,
		policy:    FixedWindow{},
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(v)
	}
	v.logger = v.logger.With("component", "nonce")
	return v
}

func (v *Verifier) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &v.locks[h.Sum32()%lockStripes]
}

// Admit accepts nonceValue for tokenKey if it has not been seen before
// and tsMillis lies within windowMillis of now. The nonce is recorded
// only on acceptance.
func (v *Verifier) Admit(ctx context.Context, tokenKey, nonceValue string, tsMillis, windowMillis int64) error {
	if tokenKey == "" || nonceValue == "" {
		return autherrors.ErrMalformedCredential
	}

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	mu := v.lockFor(tokenKey)
	mu.Lock()
	defer mu.Unlock()

	history, err := v.store.NonceHistory(ctx, tokenKey)
	if err != nil {
		return fmt.Errorf("loading nonce history: %w", err)
	}

	if history.Contains(nonceValue) {
		return autherrors.ErrDuplicateNonce
	}

	window := v.policy.Window(windowMillis, history)
	now := v.clock.Now().UnixMilli()
	if drift := abs(now - tsMillis); drift > window {
		v.logger.Debug("timestamp outside window",
			slog.String("token", logging.KeyPrefix(tokenKey)),
			slog.Int64("drift_ms", drift),
			slog.Int64("window_ms", window),
		)
		return autherrors.ErrInvalidTimestamp
	}

	ok, err := v.store.AppendNonce(ctx, tokenKey, models.NonceRecord{
		Value:     nonceValue,
		Timestamp: tsMillis,
	}, v.retention)
	if err != nil {
		return fmt.Errorf("recording nonce: %w", err)
	}
	if !ok {
		// Another process admitted the same nonce between our read and
		// the append.
		return autherrors.ErrDuplicateNonce
	}
	return nil
}

// History returns the recorded history for tokenKey.
func (v *Verifier) History(ctx context.Context, tokenKey string) (*models.NonceHistory, error) {
	return v.store.NonceHistory(ctx, tokenKey)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
