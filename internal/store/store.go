// Package store defines the token store contract and its backends.
//
// Every operation that changes token existence is atomic at key
// granularity: CASReplace removes a token and inserts its successors in
// one step, Create is insert-if-absent for all keys at once, and
// AppendNonce is a compare-and-append on the nonce history. Absent
// tokens are reported as (nil, nil). I/O failures and expired deadlines
// wrap errors.ErrStoreUnavailable.
package store

//go:generate mockgen -source=store.go -destination=mock_store.go -package=store

import (
	"context"
	"errors"
	"fmt"

	autherrors "github.com/alexjbarnes/token-authority/internal/errors"
	"github.com/alexjbarnes/token-authority/internal/models"
)

// ErrKeyExists is returned when an insert collides with a live key.
var ErrKeyExists = errors.New("token key already exists")

// errTokenGone is returned by AppendNonce when the token was removed
// after the caller loaded it. No history is created for it.
var errTokenGone = fmt.Errorf("%w: token no longer exists", autherrors.ErrInvalidToken)

// TokenStore is the persistence contract the token authority needs.
type TokenStore interface {
	// Get returns the token stored under key.
	Get(ctx context.Context, key string) (*models.Token, error)
	// Create inserts all tokens or none. Each token's Revision is set.
	Create(ctx context.Context, tokens ...*models.Token) error
	// Put writes tok unconditionally and bumps its revision.
	Put(ctx context.Context, tok *models.Token) error
	// Remove deletes the token and its nonce history, returning what
	// was removed.
	Remove(ctx context.Context, key string) (*models.Token, error)
	// CASReplace replaces the token at oldKey with replacements if the
	// stored revision still equals expected.Revision. It reports false
	// when the token is gone or was changed by someone else.
	CASReplace(ctx context.Context, oldKey string, expected *models.Token, replacements ...*models.Token) (bool, error)
	// ListByClient returns every token owned by clientID.
	ListByClient(ctx context.Context, clientID string) ([]*models.Token, error)

	// NonceHistory returns the history for key, empty if none.
	NonceHistory(ctx context.Context, key string) (*models.NonceHistory, error)
	// AppendNonce appends rec unless its value is already present and
	// reports whether it was appended. It fails with ErrInvalidToken when
	// no token is stored under key.
	AppendNonce(ctx context.Context, key string, rec models.NonceRecord, retention int) (bool, error)

	// AddAuthorization records that subject approved clientID.
	AddAuthorization(ctx context.Context, clientID, subject string) error
	// Authorizations lists the subjects that approved clientID.
	Authorizations(ctx context.Context, clientID string) ([]string, error)
	// RemoveAuthorizations forgets every approval of clientID.
	RemoveAuthorizations(ctx context.Context, clientID string) error

	Close() error
}

// unavailable wraps a backend failure into the taxonomy.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, autherrors.ErrStoreUnavailable, err)
}

// checkContext fails fast when the caller's deadline already passed.
func checkContext(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

// replacementPlan validates a CASReplace call against the current token
// and returns the revision-stamped copies to write.
func replacementPlan(current, expected *models.Token, oldKey string, replacements []*models.Token, exists func(string) bool) ([]*models.Token, bool, error) {
	if current == nil || expected == nil || current.Revision != expected.Revision || current.Type != expected.Type {
		return nil, false, nil
	}
	out := make([]*models.Token, 0, len(replacements))
	for _, r := range replacements {
		c := r.Clone()
		if c.Key == oldKey {
			c.Revision = current.Revision + 1
		} else {
			if exists(c.Key) {
				return nil, false, ErrKeyExists
			}
			c.Revision = 1
		}
		out = append(out, c)
	}
	return out, true, nil
}

func keptOldKey(oldKey string, replacements []*models.Token) bool {
	for _, r := range replacements {
		if r.Key == oldKey {
			return true
		}
	}
	return false
}
