package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/token-authority/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// boltDirPerm is the permission mode for the database directory.
	boltDirPerm = fs.FileMode(0o700)

	// boltFilePerm is the permission mode for the database file.
	boltFilePerm = fs.FileMode(0o600)

	// boltOpenTimeout is the maximum time to wait for the bolt file lock.
	boltOpenTimeout = 5 * time.Second
)

var (
	tokensBucket         = []byte("tokens")
	noncesBucket         = []byte("nonces")
	clientTokensBucket   = []byte("client_tokens")
	authorizationsBucket = []byte("authorizations")
)

// indexKey joins a client ID and a member key. Client IDs never contain
// a NUL byte, so a prefix scan on clientID+"\x00" is exact.
func indexKey(clientID, member string) []byte {
	return []byte(clientID + "\x00" + member)
}

func indexPrefix(clientID string) []byte {
	return []byte(clientID + "\x00")
}

// BoltStore persists tokens in a bbolt database. bbolt serialises all
// write transactions, so every conditional operation runs inside one
// Update and is atomic.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens the database at path, creating it and its buckets if
// needed.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), boltDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, boltFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening token db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{tokensBucket, noncesBucket, clientTokensBucket, authorizationsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing token db: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) view(ctx context.Context, op string, fn func(tx *bolt.Tx) error) error {
	if err := checkContext(ctx, op); err != nil {
		return err
	}
	if err := s.db.View(fn); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (s *BoltStore) update(ctx context.Context, op string, fn func(tx *bolt.Tx) error) error {
	if err := checkContext(ctx, op); err != nil {
		return err
	}
	err := s.db.Update(fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrKeyExists), errors.Is(err, errTokenGone):
		return err
	default:
		return unavailable(op, err)
	}
}

func getToken(tx *bolt.Tx, key string) (*models.Token, error) {
	v := tx.Bucket(tokensBucket).Get([]byte(key))
	if v == nil {
		return nil, nil
	}
	t := &models.Token{}
	if err := json.Unmarshal(v, t); err != nil {
		return nil, err
	}
	return t, nil
}

func putToken(tx *bolt.Tx, t *models.Token) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := tx.Bucket(tokensBucket).Put([]byte(t.Key), data); err != nil {
		return err
	}
	return tx.Bucket(clientTokensBucket).Put(indexKey(t.ClientID, t.Key), nil)
}

func deleteToken(tx *bolt.Tx, t *models.Token) error {
	if err := tx.Bucket(tokensBucket).Delete([]byte(t.Key)); err != nil {
		return err
	}
	if err := tx.Bucket(noncesBucket).Delete([]byte(t.Key)); err != nil {
		return err
	}
	return tx.Bucket(clientTokensBucket).Delete(indexKey(t.ClientID, t.Key))
}

func (s *BoltStore) Get(ctx context.Context, key string) (*models.Token, error) {
	var t *models.Token
	err := s.view(ctx, "get", func(tx *bolt.Tx) error {
		var err error
		t, err = getToken(tx, key)
		return err
	})
	return t, err
}

func (s *BoltStore) Create(ctx context.Context, tokens ...*models.Token) error {
	return s.update(ctx, "create", func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)
		seen := make(map[string]struct{}, len(tokens))
		for _, t := range tokens {
			if _, dup := seen[t.Key]; dup || b.Get([]byte(t.Key)) != nil {
				return ErrKeyExists
			}
			seen[t.Key] = struct{}{}
		}
		for _, t := range tokens {
			c := t.Clone()
			c.Revision = 1
			if err := putToken(tx, c); err != nil {
				return err
			}
		}
		for _, t := range tokens {
			t.Revision = 1
		}
		return nil
	})
}

func (s *BoltStore) Put(ctx context.Context, tok *models.Token) error {
	return s.update(ctx, "put", func(tx *bolt.Tx) error {
		cur, err := getToken(tx, tok.Key)
		if err != nil {
			return err
		}
		c := tok.Clone()
		c.Revision = 1
		if cur != nil {
			c.Revision = cur.Revision + 1
			if err := tx.Bucket(clientTokensBucket).Delete(indexKey(cur.ClientID, cur.Key)); err != nil {
				return err
			}
		}
		if err := putToken(tx, c); err != nil {
			return err
		}
		tok.Revision = c.Revision
		return nil
	})
}

func (s *BoltStore) Remove(ctx context.Context, key string) (*models.Token, error) {
	var removed *models.Token
	err := s.update(ctx, "remove", func(tx *bolt.Tx) error {
		cur, err := getToken(tx, key)
		if err != nil || cur == nil {
			return err
		}
		removed = cur
		return deleteToken(tx, cur)
	})
	return removed, err
}

func (s *BoltStore) CASReplace(ctx context.Context, oldKey string, expected *models.Token, replacements ...*models.Token) (bool, error) {
	var swapped bool
	err := s.update(ctx, "cas replace", func(tx *bolt.Tx) error {
		cur, err := getToken(tx, oldKey)
		if err != nil {
			return err
		}
		plan, ok, err := replacementPlan(cur, expected, oldKey, replacements, func(k string) bool {
			return tx.Bucket(tokensBucket).Get([]byte(k)) != nil
		})
		if err != nil || !ok {
			return err
		}
		if keptOldKey(oldKey, replacements) {
			err = tx.Bucket(clientTokensBucket).Delete(indexKey(cur.ClientID, cur.Key))
		} else {
			err = deleteToken(tx, cur)
		}
		if err != nil {
			return err
		}
		for _, t := range plan {
			if err := putToken(tx, t); err != nil {
				return err
			}
		}
		swapped = true
		return nil
	})
	if swapped {
		for _, r := range replacements {
			if r.Key == oldKey {
				r.Revision = expected.Revision + 1
			} else {
				r.Revision = 1
			}
		}
	}
	return swapped, err
}

func (s *BoltStore) ListByClient(ctx context.Context, clientID string) ([]*models.Token, error) {
	var out []*models.Token
	err := s.view(ctx, "list", func(tx *bolt.Tx) error {
		prefix := indexPrefix(clientID)
		c := tx.Bucket(clientTokensBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			t, err := getToken(tx, string(k[len(prefix):]))
			if err != nil {
				return err
			}
			if t != nil {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) NonceHistory(ctx context.Context, key string) (*models.NonceHistory, error) {
	h := &models.NonceHistory{}
	err := s.view(ctx, "nonce history", func(tx *bolt.Tx) error {
		v := tx.Bucket(noncesBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, h)
	})
	return h, err
}

func (s *BoltStore) AppendNonce(ctx context.Context, key string, rec models.NonceRecord, retention int) (bool, error) {
	var appended bool
	err := s.update(ctx, "append nonce", func(tx *bolt.Tx) error {
		if tx.Bucket(tokensBucket).Get([]byte(key)) == nil {
			return errTokenGone
		}
		b := tx.Bucket(noncesBucket)
		h := &models.NonceHistory{}
		if v := b.Get([]byte(key)); v != nil {
			if err := json.Unmarshal(v, h); err != nil {
				return err
			}
		}
		if h.Contains(rec.Value) {
			return nil
		}
		h.Append(rec, retention)
		data, err := json.Marshal(h)
		if err != nil {
			return err
		}
		appended = true
		return b.Put([]byte(key), data)
	})
	return appended, err
}

func (s *BoltStore) AddAuthorization(ctx context.Context, clientID, subject string) error {
	return s.update(ctx, "add authorization", func(tx *bolt.Tx) error {
		return tx.Bucket(authorizationsBucket).Put(indexKey(clientID, subject), nil)
	})
}

func (s *BoltStore) Authorizations(ctx context.Context, clientID string) ([]string, error) {
	var subjects []string
	err := s.view(ctx, "authorizations", func(tx *bolt.Tx) error {
		prefix := indexPrefix(clientID)
		c := tx.Bucket(authorizationsBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			subjects = append(subjects, string(k[len(prefix):]))
		}
		return nil
	})
	return subjects, err
}

func (s *BoltStore) RemoveAuthorizations(ctx context.Context, clientID string) error {
	return s.update(ctx, "remove authorizations", func(tx *bolt.Tx) error {
		b := tx.Bucket(authorizationsBucket)
		prefix := indexPrefix(clientID)
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, bytes.Clone(k))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
