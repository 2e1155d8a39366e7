// Package scopes holds the permission catalog. A Catalog is built once
// at startup and never mutated, so it can be shared between the grant
// dispatcher and the token manager without locking.
package scopes

import (
	"fmt"
	"slices"
	"strings"

	autherrors "github.com/alexjbarnes/token-authority/internal/errors"
	"github.com/alexjbarnes/token-authority/internal/models"
)

// RefreshTokenScope, when approved, causes a refresh credential to be
// issued alongside the access credential.
const RefreshTokenScope = "refreshToken"

// Catalog maps scope names to permissions.
type Catalog struct {
	perms    map[string]models.Permission
	required []string
	defaults []string
}

// NewCatalog builds a catalog. Every required scope must itself be in
// the catalog.
func NewCatalog(perms []models.Permission, required []string) (*Catalog, error) {
	c := &Catalog{
		perms:    make(map[string]models.Permission, len(perms)),
		required: slices.Clone(required),
	}
	for _, p := range perms {
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return nil, fmt.Errorf("permission with empty name")
		}
		if _, dup := c.perms[p.Name]; dup {
			return nil, fmt.Errorf("duplicate permission %q", p.Name)
		}
		c.perms[p.Name] = p
		if p.Default {
			c.defaults = append(c.defaults, p.Name)
		}
	}
	for _, r := range required {
		if _, ok := c.perms[r]; !ok {
			return nil, fmt.Errorf("required scope %q is not in the catalog", r)
		}
	}
	return c, nil
}

// Len returns the number of permissions.
func (c *Catalog) Len() int { return len(c.perms) }

// Defaults returns the default scopes in catalog order.
func (c *Catalog) Defaults() []string { return slices.Clone(c.defaults) }

// Resolve converts scopes into permissions, preserving order. Unknown
// scopes and missing required scopes fail with ErrInvalidScope.
func (c *Catalog) Resolve(requested []string) ([]models.Permission, error) {
	for _, r := range c.required {
		if !slices.Contains(requested, r) {
			return nil, fmt.Errorf("%w: required scope %q is missing", autherrors.ErrInvalidScope, r)
		}
	}
	if len(requested) == 0 {
		return nil, nil
	}
	out := make([]models.Permission, 0, len(requested))
	for _, s := range requested {
		p, ok := c.perms[s]
		if !ok {
			return nil, fmt.Errorf("%w: unexpected scope %q", autherrors.ErrInvalidScope, s)
		}
		out = append(out, p)
	}
	return out, nil
}

// ForClient resolves the scopes a client asked for. An empty request
// falls back to the client's registered scopes, then to the catalog
// defaults. A client that registered scopes may not ask for others.
func (c *Catalog) ForClient(client *models.Client, requested []string) ([]string, error) {
	if len(requested) == 0 {
		if len(client.RegisteredScopes) > 0 {
			return slices.Clone(client.RegisteredScopes), nil
		}
		return c.Defaults(), nil
	}
	if len(client.RegisteredScopes) > 0 && !Subset(requested, client.RegisteredScopes) {
		return nil, fmt.Errorf("%w: scope not registered for client", autherrors.ErrInvalidScope)
	}
	return dedupe(requested), nil
}

// Parse splits a space separated scope parameter.
func Parse(s string) []string {
	return dedupe(strings.Fields(s))
}

// Format renders permissions as a scope parameter, hiding permissions
// marked invisible to clients.
func Format(perms []models.Permission) string {
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		if p.InvisibleToClient || p.Name == "" {
			continue
		}
		names = append(names, p.Name)
	}
	return strings.Join(names, " ")
}

// Subset reports whether every element of requested is in granted.
func Subset(requested, granted []string) bool {
	for _, r := range requested {
		if !slices.Contains(granted, r) {
			return false
		}
	}
	return true
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
