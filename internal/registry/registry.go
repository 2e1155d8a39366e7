// Package registry is the read-only client registry. Clients, resource
// owners and the scope catalog come from a YAML file; the client and
// owner tables can be swapped atomically when the file changes, but a
// loaded Client is never mutated.
package registry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	autherrors "github.com/alexjbarnes/token-authority/internal/errors"
	"github.com/alexjbarnes/token-authority/internal/models"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// File is the on-disk registry layout.
type File struct {
	Scopes         []models.Permission `yaml:"scopes"`
	RequiredScopes []string            `yaml:"required_scopes"`
	Clients        []models.Client     `yaml:"clients"`
	Users          UserCredentials     `yaml:"users"`
}

// UserCredentials maps resource owner usernames to bcrypt hashes.
type UserCredentials map[string]string

// Verify checks a resource owner's password and returns the normalised
// subject name. Usernames are compared in Unicode NFC so visually
// identical names map to one subject.
func (u UserCredentials) Verify(username, password string) (string, bool) {
	subject := NormalizeSubject(username)
	if subject == "" || password == "" {
		return "", false
	}
	hash, ok := u[subject]
	if !ok {
		// Burn comparable time so unknown users are not distinguishable.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return "", false
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return "", false
	}
	return subject, true
}

// NormalizeSubject trims and NFC-normalises a username.
func NormalizeSubject(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// dummyHash is compared against when the user or client is unknown so
// lookups of missing names cost the same as real ones.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)

type snapshot struct {
	clients map[string]*models.Client
	users   UserCredentials
}

// Registry serves client lookups from the current snapshot.
type Registry struct {
	path    string
	current atomic.Pointer[snapshot]

	// reloads coalesces concurrent Reload calls on this registry.
	reloads singleflight.Group
}

// Load reads and validates the registry file at path.
func Load(path string) (*Registry, *File, error) {
	f, err := ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	r := &Registry{path: path}
	if err := r.install(f); err != nil {
		return nil, nil, err
	}
	return r, f, nil
}

// New builds a registry from in-memory definitions.
func New(clients []models.Client, users UserCredentials) (*Registry, error) {
	r := &Registry{}
	if err := r.install(&File{Clients: clients, Users: users}); err != nil {
		return nil, err
	}
	return r, nil
}

// ReadFile parses and validates a registry file without installing it.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing registry file: %w", err)
	}
	return &f, nil
}

func (r *Registry) install(f *File) error {
	snap := &snapshot{
		clients: make(map[string]*models.Client, len(f.Clients)),
		users:   make(UserCredentials, len(f.Users)),
	}
	for i := range f.Clients {
		c := f.Clients[i]
		if err := validateClient(&c); err != nil {
			return fmt.Errorf("client %d: %w", i+1, err)
		}
		if _, dup := snap.clients[c.ClientID]; dup {
			return fmt.Errorf("duplicate client_id %q", c.ClientID)
		}
		snap.clients[c.ClientID] = &c
	}
	for name, hash := range f.Users {
		subject := NormalizeSubject(name)
		if subject == "" || hash == "" {
			return fmt.Errorf("empty username or password hash")
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return fmt.Errorf("user %q: password must be a bcrypt hash", subject)
		}
		snap.users[subject] = hash
	}
	r.current.Store(snap)
	return nil
}

func validateClient(c *models.Client) error {
	c.ClientID = strings.TrimSpace(c.ClientID)
	if c.ClientID == "" {
		return fmt.Errorf("id is required")
	}
	if len(c.AllowedGrantTypes) == 0 {
		return fmt.Errorf("client %q has no grant_types", c.ClientID)
	}
	if c.Confidential {
		if _, err := bcrypt.Cost([]byte(c.SecretHash)); err != nil {
			return fmt.Errorf("client %q: secret_hash must be a bcrypt hash", c.ClientID)
		}
	}
	return nil
}

// Lookup returns the client registered under clientID.
func (r *Registry) Lookup(_ context.Context, clientID string) (*models.Client, error) {
	c, ok := r.current.Load().clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %q: %w", clientID, autherrors.ErrNotFound)
	}
	return c, nil
}

// Authenticate looks up a client and checks its secret. Public clients
// must not present a secret; confidential clients must present the
// right one.
func (r *Registry) Authenticate(ctx context.Context, clientID, secret string) (*models.Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", autherrors.ErrInvalidClient)
	}
	c, err := r.Lookup(ctx, clientID)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return nil, fmt.Errorf("%w: unknown client", autherrors.ErrInvalidClient)
	}
	if !c.Confidential {
		if secret != "" {
			return nil, fmt.Errorf("%w: public client presented a secret", autherrors.ErrInvalidClient)
		}
		return c, nil
	}
	if secret == "" || bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) != nil {
		return nil, fmt.Errorf("%w: bad client secret", autherrors.ErrInvalidClient)
	}
	return c, nil
}

// Users returns the current resource owner table.
func (r *Registry) Users() UserCredentials {
	return r.current.Load().users
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	return len(r.current.Load().clients)
}

// VerifyUser checks resource owner credentials against the current
// snapshot.
func (r *Registry) VerifyUser(username, password string) (string, bool) {
	return r.Users().Verify(username, password)
}
