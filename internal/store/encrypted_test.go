package store

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	autherrors "github.com/alexjbarnes/token-authority/internal/errors"
	"github.com/alexjbarnes/token-authority/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	derivedKeyOnce sync.Once
	derivedKey     []byte
	derivedKeyErr  error
)

// testKey derives the scrypt key once per test binary and hands out
// copies, since NewEncryptedStore zeroes the slice it is given.
func testKey(t *testing.T) []byte {
	t.Helper()
	derivedKeyOnce.Do(func() {
		derivedKey, derivedKeyErr = DeriveKey("correct horse battery staple", "token-authority")
	})
	require.NoError(t, derivedKeyErr)
	return bytes.Clone(derivedKey)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	a := testKey(t)
	require.Len(t, a, 32)

	b, err := DeriveKey("correct horse battery staple", "token-authority")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := DeriveKey("correct horse battery staple", "other-salt")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestNewEncryptedStore_ZeroesKey(t *testing.T) {
	key := testKey(t)
	_, err := NewEncryptedStore(NewMemoryStore(), key)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32), key)
}

func TestNewEncryptedStore_BadKeyLength(t *testing.T) {
	_, err := NewEncryptedStore(NewMemoryStore(), []byte("short"))
	require.Error(t, err)
}

func TestEncryptedStore_SecretsSealedAtRest(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	s, err := NewEncryptedStore(inner, testKey(t))
	require.NoError(t, err)

	tok := accessToken("tok-1", "svc")
	tok.Secret = "mac-secret"
	tok.Verifier = "verifier-code"
	require.NoError(t, s.Create(ctx, tok))
	assert.Equal(t, uint64(1), tok.Revision)
	assert.Equal(t, "mac-secret", tok.Secret)

	raw, err := inner.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw.Secret, sealedPrefix))
	assert.NotContains(t, raw.Secret, "mac-secret")
	assert.True(t, strings.HasPrefix(raw.Verifier, sealedPrefix))
	assert.Equal(t, "svc", raw.ClientID)

	got, err := s.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "mac-secret", got.Secret)
	assert.Equal(t, "verifier-code", got.Verifier)

	list, err := s.ListByClient(ctx, "svc")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "mac-secret", list[0].Secret)

	removed, err := s.Remove(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "mac-secret", removed.Secret)
}

func TestEncryptedStore_SameSecretDiffersPerWrite(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	s, err := NewEncryptedStore(inner, testKey(t))
	require.NoError(t, err)

	a := accessToken("tok-a", "svc")
	a.Secret = "shared"
	b := accessToken("tok-b", "svc")
	b.Secret = "shared"
	require.NoError(t, s.Create(ctx, a, b))

	rawA, _ := inner.Get(ctx, "tok-a")
	rawB, _ := inner.Get(ctx, "tok-b")
	assert.NotEqual(t, rawA.Secret, rawB.Secret)
}

func TestEncryptedStore_ReadsLegacyPlaintext(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	legacy := accessToken("tok-1", "svc")
	legacy.Secret = "plain-secret"
	require.NoError(t, inner.Create(ctx, legacy))

	s, err := NewEncryptedStore(inner, testKey(t))
	require.NoError(t, err)
	got, err := s.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "plain-secret", got.Secret)
}

func TestEncryptedStore_WrongKeyIsStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	s, err := NewEncryptedStore(inner, testKey(t))
	require.NoError(t, err)
	tok := accessToken("tok-1", "svc")
	tok.Secret = "mac-secret"
	require.NoError(t, s.Create(ctx, tok))

	other, err := DeriveKey("a different passphrase", "token-authority")
	require.NoError(t, err)
	wrong, err := NewEncryptedStore(inner, other)
	require.NoError(t, err)

	_, err = wrong.Get(ctx, "tok-1")
	require.Error(t, err)
	assert.Equal(t, autherrors.KindStoreUnavailable, autherrors.KindOf(err))
}

func TestEncryptedStore_SealedSecretBoundToKey(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	s, err := NewEncryptedStore(inner, testKey(t))
	require.NoError(t, err)

	tok := accessToken("tok-1", "svc")
	tok.Secret = "mac-secret"
	require.NoError(t, s.Create(ctx, tok))

	raw, _ := inner.Get(ctx, "tok-1")
	moved := accessToken("tok-2", "svc")
	moved.Secret = raw.Secret
	require.NoError(t, inner.Create(ctx, moved))

	_, err = s.Get(ctx, "tok-2")
	require.Error(t, err)
}

func TestEncryptedStore_CASReplaceSealsReplacements(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	s, err := NewEncryptedStore(inner, testKey(t))
	require.NoError(t, err)

	old := &models.Token{Type: models.TokenRefresh, Key: "r-1", ClientID: "svc", Secret: "s1"}
	require.NoError(t, s.Create(ctx, old))

	loaded, err := s.Get(ctx, "r-1")
	require.NoError(t, err)
	next := &models.Token{Type: models.TokenRefresh, Key: "r-2", ClientID: "svc", Secret: "s2"}
	ok, err := s.CASReplace(ctx, "r-1", loaded, next)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), next.Revision)
	assert.Equal(t, "s2", next.Secret)

	raw, _ := inner.Get(ctx, "r-2")
	assert.True(t, strings.HasPrefix(raw.Secret, sealedPrefix))
	got, _ := s.Get(ctx, "r-2")
	assert.Equal(t, "s2", got.Secret)
}
