package store

import (
	"context"
	"hash/fnv"
	"slices"
	"sync"

	"github.com/alexjbarnes/token-authority/internal/models"
)

const shardCount = 32

type shard struct {
	mu     sync.Mutex
	tokens map[string]*models.Token
	nonces map[string]*models.NonceHistory
}

// MemoryStore keeps tokens in process memory. Keys are spread over
// shards with one mutex each, so operations on different keys rarely
// contend. It is meant for tests and single-process deployments.
type MemoryStore struct {
	shards [shardCount]shard

	// Client index and authorizations. Always taken after shard locks.
	idxMu    sync.Mutex
	byClient map[string]map[string]struct{}
	authz    map[string][]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		byClient: make(map[string]map[string]struct{}),
		authz:    make(map[string][]string),
	}
	for i := range m.shards {
		m.shards[i].tokens = make(map[string]*models.Token)
		m.shards[i].nonces = make(map[string]*models.NonceHistory)
	}
	return m
}

func shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (m *MemoryStore) shard(key string) *shard {
	return &m.shards[shardIndex(key)]
}

// lock acquires the shards covering keys in index order and returns the
// matching unlock.
func (m *MemoryStore) lock(keys ...string) func() {
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		i := shardIndex(k)
		if !slices.Contains(idx, i) {
			idx = append(idx, i)
		}
	}
	slices.Sort(idx)
	for _, i := range idx {
		m.shards[i].mu.Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			m.shards[idx[j]].mu.Unlock()
		}
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*models.Token, error) {
	if err := checkContext(ctx, "get"); err != nil {
		return nil, err
	}
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[key].Clone(), nil
}

func (m *MemoryStore) Create(ctx context.Context, tokens ...*models.Token) error {
	if err := checkContext(ctx, "create"); err != nil {
		return err
	}
	keys := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if slices.Contains(keys, t.Key) {
			return ErrKeyExists
		}
		keys = append(keys, t.Key)
	}
	unlock := m.lock(keys...)
	defer unlock()

	for _, t := range tokens {
		if _, ok := m.shard(t.Key).tokens[t.Key]; ok {
			return ErrKeyExists
		}
	}
	for _, t := range tokens {
		t.Revision = 1
		m.write(t.Clone())
	}
	return nil
}

func (m *MemoryStore) Put(ctx context.Context, tok *models.Token) error {
	if err := checkContext(ctx, "put"); err != nil {
		return err
	}
	s := m.shard(tok.Key)
	s.mu.Lock()
	defer s.mu.Unlock()

	tok.Revision = 1
	if cur, ok := s.tokens[tok.Key]; ok {
		tok.Revision = cur.Revision + 1
		if cur.ClientID != tok.ClientID {
			m.unindex(cur)
		}
	}
	m.write(tok.Clone())
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, key string) (*models.Token, error) {
	if err := checkContext(ctx, "remove"); err != nil {
		return nil, err
	}
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.delete(key), nil
}

func (m *MemoryStore) CASReplace(ctx context.Context, oldKey string, expected *models.Token, replacements ...*models.Token) (bool, error) {
	if err := checkContext(ctx, "cas replace"); err != nil {
		return false, err
	}
	keys := []string{oldKey}
	for _, r := range replacements {
		keys = append(keys, r.Key)
	}
	unlock := m.lock(keys...)
	defer unlock()

	current := m.shard(oldKey).tokens[oldKey]
	plan, ok, err := replacementPlan(current, expected, oldKey, replacements, func(k string) bool {
		_, exists := m.shard(k).tokens[k]
		return exists
	})
	if err != nil || !ok {
		return false, err
	}

	if keptOldKey(oldKey, replacements) {
		m.unindex(current)
	} else {
		m.delete(oldKey)
	}
	for i, t := range plan {
		replacements[i].Revision = t.Revision
		m.write(t)
	}
	return true, nil
}

func (m *MemoryStore) ListByClient(ctx context.Context, clientID string) ([]*models.Token, error) {
	if err := checkContext(ctx, "list"); err != nil {
		return nil, err
	}
	m.idxMu.Lock()
	keys := make([]string, 0, len(m.byClient[clientID]))
	for k := range m.byClient[clientID] {
		keys = append(keys, k)
	}
	m.idxMu.Unlock()
	slices.Sort(keys)

	out := make([]*models.Token, 0, len(keys))
	for _, k := range keys {
		s := m.shard(k)
		s.mu.Lock()
		if t, ok := s.tokens[k]; ok && t.ClientID == clientID {
			out = append(out, t.Clone())
		}
		s.mu.Unlock()
	}
	return out, nil
}

func (m *MemoryStore) NonceHistory(ctx context.Context, key string) (*models.NonceHistory, error) {
	if err := checkContext(ctx, "nonce history"); err != nil {
		return nil, err
	}
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneHistory(s.nonces[key]), nil
}

func (m *MemoryStore) AppendNonce(ctx context.Context, key string, rec models.NonceRecord, retention int) (bool, error) {
	if err := checkContext(ctx, "append nonce"); err != nil {
		return false, err
	}
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[key]; !ok {
		return false, errTokenGone
	}
	h := s.nonces[key]
	if h.Contains(rec.Value) {
		return false, nil
	}
	if h == nil {
		h = &models.NonceHistory{}
		s.nonces[key] = h
	}
	h.Append(rec, retention)
	return true, nil
}

func (m *MemoryStore) AddAuthorization(ctx context.Context, clientID, subject string) error {
	if err := checkContext(ctx, "add authorization"); err != nil {
		return err
	}
	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	if !slices.Contains(m.authz[clientID], subject) {
		m.authz[clientID] = append(m.authz[clientID], subject)
	}
	return nil
}

func (m *MemoryStore) Authorizations(ctx context.Context, clientID string) ([]string, error) {
	if err := checkContext(ctx, "authorizations"); err != nil {
		return nil, err
	}
	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	return slices.Clone(m.authz[clientID]), nil
}

func (m *MemoryStore) RemoveAuthorizations(ctx context.Context, clientID string) error {
	if err := checkContext(ctx, "remove authorizations"); err != nil {
		return err
	}
	m.idxMu.Lock()
	delete(m.authz, clientID)
	m.idxMu.Unlock()
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// write stores t and indexes it. Caller holds t's shard lock.
func (m *MemoryStore) write(t *models.Token) {
	m.shard(t.Key).tokens[t.Key] = t
	m.idxMu.Lock()
	set, ok := m.byClient[t.ClientID]
	if !ok {
		set = make(map[string]struct{})
		m.byClient[t.ClientID] = set
	}
	set[t.Key] = struct{}{}
	m.idxMu.Unlock()
}

// delete removes key and its nonce history. Caller holds the shard lock.
func (m *MemoryStore) delete(key string) *models.Token {
	s := m.shard(key)
	t, ok := s.tokens[key]
	if !ok {
		return nil
	}
	delete(s.tokens, key)
	delete(s.nonces, key)
	m.unindex(t)
	return t
}

func (m *MemoryStore) unindex(t *models.Token) {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	if set, ok := m.byClient[t.ClientID]; ok {
		delete(set, t.Key)
		if len(set) == 0 {
			delete(m.byClient, t.ClientID)
		}
	}
}

func cloneHistory(h *models.NonceHistory) *models.NonceHistory {
	if h == nil {
		return &models.NonceHistory{}
	}
	c := *h
	c.Records = slices.Clone(h.Records)
	return &c
}
