package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/alexjbarnes/token-authority/internal/clock"
	"github.com/alexjbarnes/token-authority/internal/models"
	"github.com/redis/go-redis/v9"
)

// maxTxAttempts bounds optimistic retries when a WATCHed key changes
// between read and EXEC.
const maxTxAttempts = 8

// RedisOptions configures the shared Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps tokens in Redis so every serving process shares one
// source of truth. Conditional writes use WATCH/MULTI/EXEC; token keys
// carry a TTL derived from the token lifetime so expired tokens also
// disappear server side.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	clock  clock.Clock
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions, clk clock.Clock) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStore(rdb, opts.Prefix, clk), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client, prefix string, clk clock.Clock) *RedisStore {
	if prefix == "" {
		prefix = "ta:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, clock: clock.Or(clk)}
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) tokenKey(k string) string  { return s.prefix + "token:" + k }
func (s *RedisStore) nonceKey(k string) string  { return s.prefix + "nonce:" + k }
func (s *RedisStore) clientKey(c string) string { return s.prefix + "client:" + c }
func (s *RedisStore) authzKey(c string) string  { return s.prefix + "authz:" + c }

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, g redisGetter, key string) (*models.Token, error) {
	data, err := g.Get(ctx, s.tokenKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := &models.Token{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *RedisStore) write(ctx context.Context, pipe redis.Pipeliner, t *models.Token) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	ttl := t.TTL(s.clock.Now())
	pipe.Set(ctx, s.tokenKey(t.Key), data, ttl)
	pipe.SAdd(ctx, s.clientKey(t.ClientID), t.Key)
	return nil
}

func (s *RedisStore) drop(ctx context.Context, pipe redis.Pipeliner, t *models.Token) {
	pipe.Del(ctx, s.tokenKey(t.Key), s.nonceKey(t.Key))
	pipe.SRem(ctx, s.clientKey(t.ClientID), t.Key)
}

// watch runs fn under WATCH on keys, retrying when another writer got
// in first.
func (s *RedisStore) watch(ctx context.Context, op string, fn func(tx *redis.Tx) error, keys ...string) error {
	if err := checkContext(ctx, op); err != nil {
		return err
	}
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrKeyExists), errors.Is(err, errTokenGone):
			return err
		default:
			return unavailable(op, err)
		}
	}
	return unavailable(op, fmt.Errorf("too much contention on %v", keys))
}

func (s *RedisStore) Get(ctx context.Context, key string) (*models.Token, error) {
	if err := checkContext(ctx, "get"); err != nil {
		return nil, err
	}
	t, err := s.load(ctx, s.rdb, key)
	if err != nil {
		return nil, unavailable("get", err)
	}
	return t, nil
}

func (s *RedisStore) Create(ctx context.Context, tokens ...*models.Token) error {
	keys := make([]string, 0, len(tokens))
	for _, t := range tokens {
		k := s.tokenKey(t.Key)
		if slices.Contains(keys, k) {
			return ErrKeyExists
		}
		keys = append(keys, k)
	}
	err := s.watch(ctx, "create", func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, keys...).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrKeyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, t := range tokens {
				c := t.Clone()
				c.Revision = 1
				if err := s.write(ctx, pipe, c); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	}, keys...)
	if err != nil {
		return err
	}
	for _, t := range tokens {
		t.Revision = 1
	}
	return nil
}

func (s *RedisStore) Put(ctx context.Context, tok *models.Token) error {
	var rev uint64
	err := s.watch(ctx, "put", func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, tok.Key)
		if err != nil {
			return err
		}
		c := tok.Clone()
		c.Revision = 1
		if cur != nil {
			c.Revision = cur.Revision + 1
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if cur != nil && cur.ClientID != c.ClientID {
				pipe.SRem(ctx, s.clientKey(cur.ClientID), cur.Key)
			}
			return s.write(ctx, pipe, c)
		})
		rev = c.Revision
		return err
	}, s.tokenKey(tok.Key))
	if err == nil {
		tok.Revision = rev
	}
	return err
}

func (s *RedisStore) Remove(ctx context.Context, key string) (*models.Token, error) {
	var removed *models.Token
	err := s.watch(ctx, "remove", func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, key)
		if err != nil || cur == nil {
			removed = nil
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.drop(ctx, pipe, cur)
			return nil
		})
		removed = cur
		return err
	}, s.tokenKey(key))
	return removed, err
}

func (s *RedisStore) CASReplace(ctx context.Context, oldKey string, expected *models.Token, replacements ...*models.Token) (bool, error) {
	keys := []string{s.tokenKey(oldKey)}
	for _, r := range replacements {
		keys = append(keys, s.tokenKey(r.Key))
	}
	var swapped bool
	err := s.watch(ctx, "cas replace", func(tx *redis.Tx) error {
		swapped = false
		cur, err := s.load(ctx, tx, oldKey)
		if err != nil {
			return err
		}
		var existsErr error
		plan, ok, err := replacementPlan(cur, expected, oldKey, replacements, func(k string) bool {
			n, err := tx.Exists(ctx, s.tokenKey(k)).Result()
			if err != nil {
				existsErr = err
				return true
			}
			return n > 0
		})
		if existsErr != nil {
			return existsErr
		}
		if err != nil || !ok {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if keptOldKey(oldKey, replacements) {
				pipe.SRem(ctx, s.clientKey(cur.ClientID), cur.Key)
			} else {
				s.drop(ctx, pipe, cur)
			}
			for _, t := range plan {
				if err := s.write(ctx, pipe, t); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, keys...)
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

func (s *RedisStore) ListByClient(ctx context.Context, clientID string) ([]*models.Token, error) {
	if err := checkContext(ctx, "list"); err != nil {
		return nil, err
	}
	members, err := s.rdb.SMembers(ctx, s.clientKey(clientID)).Result()
	if err != nil {
		return nil, unavailable("list", err)
	}
	slices.Sort(members)

	var out []*models.Token
	var stale []any
	for _, k := range members {
		t, err := s.load(ctx, s.rdb, k)
		if err != nil {
			return nil, unavailable("list", err)
		}
		if t == nil {
			// Expired server side; the index entry outlived it.
			stale = append(stale, k)
			continue
		}
		out = append(out, t)
	}
	if len(stale) > 0 {
		_ = s.rdb.SRem(ctx, s.clientKey(clientID), stale...).Err()
	}
	return out, nil
}

func (s *RedisStore) NonceHistory(ctx context.Context, key string) (*models.NonceHistory, error) {
	if err := checkContext(ctx, "nonce history"); err != nil {
		return nil, err
	}
	h := &models.NonceHistory{}
	data, err := s.rdb.Get(ctx, s.nonceKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return h, nil
	}
	if err != nil {
		return nil, unavailable("nonce history", err)
	}
	if err := json.Unmarshal(data, h); err != nil {
		return nil, unavailable("nonce history", err)
	}
	return h, nil
}

func (s *RedisStore) AppendNonce(ctx context.Context, key string, rec models.NonceRecord, retention int) (bool, error) {
	var appended bool
	nk, tk := s.nonceKey(key), s.tokenKey(key)
	err := s.watch(ctx, "append nonce", func(tx *redis.Tx) error {
		appended = false
		// The history lives exactly as long as its token. -2 means the
		// token is gone, -1 that it never expires.
		ttl, err := tx.PTTL(ctx, tk).Result()
		if err != nil {
			return err
		}
		if ttl == -2 {
			return errTokenGone
		}
		if ttl < 0 {
			ttl = 0
		}

		h := &models.NonceHistory{}
		data, err := tx.Get(ctx, nk).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(data, h); err != nil {
				return err
			}
		}
		if h.Contains(rec.Value) {
			return nil
		}
		h.Append(rec, retention)
		out, err := json.Marshal(h)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, nk, out, ttl)
			return nil
		})
		if err == nil {
			appended = true
		}
		return err
	}, nk, tk)
	return appended, err
}

func (s *RedisStore) AddAuthorization(ctx context.Context, clientID, subject string) error {
	if err := checkContext(ctx, "add authorization"); err != nil {
		return err
	}
	if err := s.rdb.SAdd(ctx, s.authzKey(clientID), subject).Err(); err != nil {
		return unavailable("add authorization", err)
	}
	return nil
}

func (s *RedisStore) Authorizations(ctx context.Context, clientID string) ([]string, error) {
	if err := checkContext(ctx, "authorizations"); err != nil {
		return nil, err
	}
	subjects, err := s.rdb.SMembers(ctx, s.authzKey(clientID)).Result()
	if err != nil {
		return nil, unavailable("authorizations", err)
	}
	slices.Sort(subjects)
	return subjects, nil
}

func (s *RedisStore) RemoveAuthorizations(ctx context.Context, clientID string) error {
	if err := checkContext(ctx, "remove authorizations"); err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, s.authzKey(clientID)).Err(); err != nil {
		return unavailable("remove authorizations", err)
	}
	return nil
}
