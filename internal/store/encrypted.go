package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/alexjbarnes/token-authority/internal/models"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scrypt parameters for deriving the at-rest key (N=2^15, r=8, p=1).
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32

	// sealedPrefix marks a field value written by EncryptedStore.
	// Values without it are read back unchanged so encryption can be
	// switched on for a store that already holds plaintext tokens.
	sealedPrefix = "enc1:"
)

// DeriveKey derives a 32-byte at-rest key from a passphrase and salt.
// Both inputs are normalized to NFKC first.
func DeriveKey(passphrase, salt string) ([]byte, error) {
	key, err := scrypt.Key(
		[]byte(norm.NFKC.String(passphrase)),
		[]byte(norm.NFKC.String(salt)),
		scryptN, scryptR, scryptP, scryptKeyLen,
	)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// EncryptedStore wraps a TokenStore and seals each token's MAC secret
// and verifier with AES-GCM before they reach the backend. Keys, client
// ids and timestamps stay in the clear because the backends index on
// them. Nonce histories and authorizations pass through untouched.
type EncryptedStore struct {
	TokenStore
	gcm cipher.AEAD
}

// NewEncryptedStore wraps inner with a 32-byte key. The key slice is
// zeroed once the cipher is built.
func NewEncryptedStore(inner TokenStore, key []byte) (*EncryptedStore, error) {
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &EncryptedStore{TokenStore: inner, gcm: gcm}, nil
}

// seal encrypts s as hex([12-byte IV][ciphertext+tag]) behind the
// prefix. The token key is bound as additional data so a sealed secret
// cannot be moved onto another token.
func (e *EncryptedStore) seal(key, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	iv := make([]byte, e.gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}
	out := e.gcm.Seal(iv, iv, []byte(s), []byte(key))
	return sealedPrefix + hex.EncodeToString(out), nil
}

func (e *EncryptedStore) open(key, s string) (string, error) {
	enc, ok := strings.CutPrefix(s, sealedPrefix)
	if !ok {
		return s, nil
	}
	data, err := hex.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("decoding sealed field: %w", err)
	}
	n := e.gcm.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("sealed field too short")
	}
	plain, err := e.gcm.Open(nil, data[:n], data[n:], []byte(key))
	if err != nil {
		return "", fmt.Errorf("decrypting token %s: %w", key, err)
	}
	return string(plain), nil
}

func (e *EncryptedStore) sealToken(t *models.Token) (*models.Token, error) {
	if t == nil {
		return nil, nil
	}
	c := t.Clone()
	var err error
	if c.Secret, err = e.seal(c.Key, c.Secret); err != nil {
		return nil, err
	}
	if c.Verifier, err = e.seal(c.Key, c.Verifier); err != nil {
		return nil, err
	}
	return c, nil
}

func (e *EncryptedStore) openToken(op string, t *models.Token) (*models.Token, error) {
	if t == nil {
		return nil, nil
	}
	var err error
	if t.Secret, err = e.open(t.Key, t.Secret); err != nil {
		return nil, unavailable(op, err)
	}
	if t.Verifier, err = e.open(t.Key, t.Verifier); err != nil {
		return nil, unavailable(op, err)
	}
	return t, nil
}

func (e *EncryptedStore) sealAll(tokens []*models.Token) ([]*models.Token, error) {
	out := make([]*models.Token, len(tokens))
	for i, t := range tokens {
		c, err := e.sealToken(t)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func (e *EncryptedStore) Get(ctx context.Context, key string) (*models.Token, error) {
	t, err := e.TokenStore.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.openToken("get", t)
}

func (e *EncryptedStore) Create(ctx context.Context, tokens ...*models.Token) error {
	sealed, err := e.sealAll(tokens)
	if err != nil {
		return err
	}
	if err := e.TokenStore.Create(ctx, sealed...); err != nil {
		return err
	}
	for i, t := range tokens {
		t.Revision = sealed[i].Revision
	}
	return nil
}

func (e *EncryptedStore) Put(ctx context.Context, tok *models.Token) error {
	sealed, err := e.sealToken(tok)
	if err != nil {
		return err
	}
	if err := e.TokenStore.Put(ctx, sealed); err != nil {
		return err
	}
	tok.Revision = sealed.Revision
	return nil
}

func (e *EncryptedStore) Remove(ctx context.Context, key string) (*models.Token, error) {
	t, err := e.TokenStore.Remove(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.openToken("remove", t)
}

// CASReplace compares on revision and type only, so expected can be the
// decrypted copy the caller loaded.
func (e *EncryptedStore) CASReplace(ctx context.Context, oldKey string, expected *models.Token, replacements ...*models.Token) (bool, error) {
	sealed, err := e.sealAll(replacements)
	if err != nil {
		return false, err
	}
	ok, err := e.TokenStore.CASReplace(ctx, oldKey, expected, sealed...)
	if err != nil || !ok {
		return ok, err
	}
	for i, r := range replacements {
		r.Revision = sealed[i].Revision
	}
	return true, nil
}

func (e *EncryptedStore) ListByClient(ctx context.Context, clientID string) ([]*models.Token, error) {
	list, err := e.TokenStore.ListByClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	for i, t := range list {
		if list[i], err = e.openToken("list", t); err != nil {
			return nil, err
		}
	}
	return list, nil
}
