// Package grants dispatches token requests to grant handlers. The
// dispatcher owns the authorization check: a handler only runs once the
// client is known to be allowed the grant type, and nothing is written
// to the token store until the handler has returned successfully.
package grants

import (
	"context"
	"net/url"

	"github.com/alexjbarnes/token-authority/internal/models"
)

// Grant type identifiers.
const (
	TypeClientCredentials = "client_credentials"
	TypePassword          = "password"
	TypeRefreshToken      = "refresh_token"
	TypeJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// Grant is what a handler derived from a request: who the token is for
// and what it may do.
type Grant struct {
	Subject     string
	Scopes      []string
	Permissions []models.Permission

	// IssueRefresh asks for a refresh credential even when the
	// refreshToken scope was not approved.
	IssueRefresh bool
}

// Handler produces token attributes for an authorized client.
type Handler interface {
	Supports(grantType string) bool
	CreateToken(ctx context.Context, client *models.Client, params url.Values) (*Grant, error)
}

// Minter is implemented by handlers that mint the credential themselves
// rather than describing a new one, such as refresh, which replaces an
// existing pair.
type Minter interface {
	Handler
	Mint(ctx context.Context, client *models.Client, params url.Values) (*models.IssuedToken, error)
}

// Issuer mints and persists an access credential for a grant.
type Issuer interface {
	IssueAccessCredential(ctx context.Context, client *models.Client, grantType string, g *Grant) (*models.IssuedToken, error)
}

// Refresher exchanges a refresh credential for a new access credential.
type Refresher interface {
	Refresh(ctx context.Context, client *models.Client, refreshKey string, requested []string) (*models.IssuedToken, error)
}

// UserVerifier checks resource owner credentials and returns the
// subject.
type UserVerifier interface {
	VerifyUser(username, password string) (string, bool)
}
