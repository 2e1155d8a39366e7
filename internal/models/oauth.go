// Package models defines types shared across internal packages.
package models

import (
	"slices"
	"time"
)

// Client represents a registered OAuth client. Clients are immutable
// once loaded into the registry.
type Client struct {
	ClientID          string   `json:"client_id" yaml:"id"`
	ClientName        string   `json:"client_name,omitempty" yaml:"name"`
	SecretHash        string   `json:"-" yaml:"secret_hash"`
	Confidential      bool     `json:"confidential" yaml:"confidential"`
	AllowedGrantTypes []string `json:"grant_types" yaml:"grant_types"`
	RegisteredScopes  []string `json:"scopes,omitempty" yaml:"scopes"`
	RedirectURIs      []string `json:"redirect_uris,omitempty" yaml:"redirect_uris"`
}

// AllowsGrant reports whether the client may use the given grant type.
// An empty grant list allows nothing.
func (c *Client) AllowsGrant(grantType string) bool {
	return grantType != "" && slices.Contains(c.AllowedGrantTypes, grantType)
}

// TokenType tags the Token variant.
type TokenType string

const (
	TokenTemporary TokenType = "temporary"
	TokenAccess    TokenType = "access"
	TokenRefresh   TokenType = "refresh"
)

// Permission is a scope resolved against the permission catalog.
type Permission struct {
	Name              string `json:"name" yaml:"name"`
	Description       string `json:"description,omitempty" yaml:"description"`
	Default           bool   `json:"default,omitempty" yaml:"default"`
	InvisibleToClient bool   `json:"invisible_to_client,omitempty" yaml:"invisible_to_client"`
}

// Token is a temporary, access or refresh credential. Fields that only
// apply to one variant are grouped below and left empty otherwise.
//
// Revision is owned by the store: it is bumped on every write and is
// what CASReplace compares against.
type Token struct {
	Type         TokenType    `json:"type"`
	Key          string       `json:"key"`
	Secret       string       `json:"secret,omitempty"`
	MACAlgorithm string       `json:"mac_algorithm,omitempty"`
	ClientID     string       `json:"client_id"`
	IssuedAt     int64        `json:"issued_at"`
	Lifetime     int64        `json:"lifetime"`
	Scopes       []string     `json:"scopes,omitempty"`
	Permissions  []Permission `json:"permissions,omitempty"`
	GrantType    string       `json:"grant_type,omitempty"`
	Revision     uint64       `json:"revision"`

	// Temporary credential.
	CallbackURI string `json:"callback_uri,omitempty"`
	Verifier    string `json:"verifier,omitempty"`

	// Access credential. Subject is also carried on temporary and
	// refresh credentials so it survives exchange and refresh.
	Subject    string `json:"subject,omitempty"`
	RefreshKey string `json:"refresh_key,omitempty"`

	// Refresh credential.
	AccessTokenKey string `json:"access_token_key,omitempty"`
}

// ExpiresAt returns the expiry instant in unix seconds, or 0 if the
// token never expires.
func (t *Token) ExpiresAt() int64 {
	if t.Lifetime <= 0 {
		return 0
	}
	return t.IssuedAt + t.Lifetime
}

// Expired reports whether the token is expired at now. A lifetime of
// zero (or the legacy -1) means the token never expires.
func (t *Token) Expired(now time.Time) bool {
	if t.Lifetime == 0 || t.Lifetime == -1 {
		return false
	}
	if t.Lifetime < -1 {
		return true
	}
	return now.Unix() >= t.IssuedAt+t.Lifetime
}

// TTL returns the remaining lifetime at now, or 0 for eternal tokens.
func (t *Token) TTL(now time.Time) time.Duration {
	exp := t.ExpiresAt()
	if exp == 0 {
		return 0
	}
	remaining := time.Duration(exp-now.Unix()) * time.Second
	if remaining < time.Second {
		return time.Second
	}
	return remaining
}

// Clone returns a deep copy.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	c.Scopes = slices.Clone(t.Scopes)
	c.Permissions = slices.Clone(t.Permissions)
	return &c
}

// NonceRecord is one accepted nonce.
type NonceRecord struct {
	Value     string `json:"value"`
	Timestamp int64  `json:"ts"`
	Delta     int64  `json:"delta"`
}

// NonceHistory is the replay window for one token key. Records are kept
// oldest first and bounded by the verifier's retention count.
type NonceHistory struct {
	AverageDelta int64         `json:"avg_delta"`
	Accepted     int64         `json:"accepted"`
	Records      []NonceRecord `json:"records"`
}

// Contains reports whether value was already accepted.
func (h *NonceHistory) Contains(value string) bool {
	if h == nil {
		return false
	}
	for _, r := range h.Records {
		if r.Value == value {
			return true
		}
	}
	return false
}

// Last returns the newest record, or nil.
func (h *NonceHistory) Last() *NonceRecord {
	if h == nil || len(h.Records) == 0 {
		return nil
	}
	return &h.Records[len(h.Records)-1]
}

// Append adds rec, updates the running average of inter-request spacing
// and drops the oldest records beyond retention. The delta is computed
// against the previous record before appending.
func (h *NonceHistory) Append(rec NonceRecord, retention int) {
	if prev := h.Last(); prev != nil {
		rec.Delta = rec.Timestamp - prev.Timestamp
		if h.Accepted <= 1 {
			h.AverageDelta = abs(rec.Delta)
		} else {
			// Exponential moving average, alpha = 1/4.
			h.AverageDelta += (abs(rec.Delta) - h.AverageDelta) / 4
		}
	}
	h.Accepted++
	h.Records = append(h.Records, rec)
	if retention > 0 && len(h.Records) > retention {
		h.Records = slices.Clone(h.Records[len(h.Records)-retention:])
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// IssuedToken is what issuance returns: an access credential and,
// depending on policy, its paired refresh credential.
type IssuedToken struct {
	Access  *Token
	Refresh *Token
}

// AuthenticatedContext is the result of a successful MAC-authenticated
// request.
type AuthenticatedContext struct {
	Subject     string       `json:"subject,omitempty"`
	ClientID    string       `json:"client_id"`
	TokenKey    string       `json:"-"`
	Scopes      []string     `json:"scopes"`
	Permissions []Permission `json:"permissions,omitempty"`
}
