package grants

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/alexjbarnes/token-authority/internal/clock"
	autherrors "github.com/alexjbarnes/token-authority/internal/errors"
	"github.com/alexjbarnes/token-authority/internal/models"
	"github.com/alexjbarnes/token-authority/internal/scopes"
	"github.com/golang-jwt/jwt/v5"
)

// resolveScopes applies the client's registered scopes and the catalog
// to the scope parameter.
func resolveScopes(catalog *scopes.Catalog, client *models.Client, params url.Values) ([]string, []models.Permission, error) {
	requested, err := catalog.ForClient(client, scopes.Parse(params.Get("scope")))
	if err != nil {
		return nil, nil, err
	}
	perms, err := catalog.Resolve(requested)
	if err != nil {
		return nil, nil, err
	}
	return requested, perms, nil
}

// ClientCredentials issues tokens to confidential clients acting on
// their own behalf. No subject and never a refresh credential.
type ClientCredentials struct {
	Catalog *scopes.Catalog
}

func (ClientCredentials) Supports(grantType string) bool {
	return grantType == TypeClientCredentials
}

func (h ClientCredentials) CreateToken(_ context.Context, client *models.Client, params url.Values) (*Grant, error) {
	if !client.Confidential {
		return nil, fmt.Errorf("%w: client_credentials requires a confidential client", autherrors.ErrUnauthorizedClient)
	}
	requested, perms, err := resolveScopes(h.Catalog, client, params)
	if err != nil {
		return nil, err
	}
	// Refresh credentials make no sense without a user to re-consent.
	requested = slices.DeleteFunc(requested, func(s string) bool { return s == scopes.RefreshTokenScope })
	perms = slices.DeleteFunc(perms, func(p models.Permission) bool { return p.Name == scopes.RefreshTokenScope })
	return &Grant{Scopes: requested, Permissions: perms}, nil
}

// Password is the resource owner password credentials grant.
type Password struct {
	Catalog *scopes.Catalog
	Users   UserVerifier
}

func (Password) Supports(grantType string) bool {
	return grantType == TypePassword
}

func (h Password) CreateToken(_ context.Context, client *models.Client, params url.Values) (*Grant, error) {
	username, password := params.Get("username"), params.Get("password")
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", autherrors.ErrInvalidRequest)
	}
	subject, ok := h.Users.VerifyUser(username, password)
	if !ok {
		return nil, fmt.Errorf("%w: resource owner credentials rejected", autherrors.ErrInvalidToken)
	}
	requested, perms, err := resolveScopes(h.Catalog, client, params)
	if err != nil {
		return nil, err
	}
	return &Grant{Subject: subject, Scopes: requested, Permissions: perms, IssueRefresh: true}, nil
}

// JWTBearer accepts an HS256 assertion signed with a shared secret
// (RFC 7523). The issuer must be the requesting client and the subject
// becomes the token's subject.
type JWTBearer struct {
	Catalog  *scopes.Catalog
	Secret   []byte
	Audience string
	Clock    clock.Clock
}

func (JWTBearer) Supports(grantType string) bool {
	return grantType == TypeJWTBearer
}

func (h JWTBearer) CreateToken(_ context.Context, client *models.Client, params url.Values) (*Grant, error) {
	assertion := params.Get("assertion")
	if assertion == "" {
		return nil, fmt.Errorf("%w: assertion is required", autherrors.ErrInvalidRequest)
	}
	if len(h.Secret) == 0 {
		return nil, errors.New("jwt-bearer grant has no verification secret")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(client.ClientID),
		jwt.WithTimeFunc(clock.Or(h.Clock).Now),
	}
	if h.Audience != "" {
		opts = append(opts, jwt.WithAudience(h.Audience))
	}
	parser := jwt.NewParser(opts...)

	claims := &jwt.RegisteredClaims{}
	tok, err := parser.ParseWithClaims(assertion, claims, func(*jwt.Token) (any, error) {
		return h.Secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, fmt.Errorf("%w: assertion rejected: %v", autherrors.ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: assertion has no subject", autherrors.ErrInvalidToken)
	}

	requested, perms, err := resolveScopes(h.Catalog, client, params)
	if err != nil {
		return nil, err
	}
	return &Grant{Subject: claims.Subject, Scopes: requested, Permissions: perms, IssueRefresh: true}, nil
}

// Refresh exchanges a refresh credential. It mints directly because the
// new access credential inherits from the stored refresh credential,
// not from the request.
type Refresh struct {
	Tokens Refresher
}

func (Refresh) Supports(grantType string) bool {
	return grantType == TypeRefreshToken
}

// CreateToken is not used for refresh; see Mint.
func (Refresh) CreateToken(context.Context, *models.Client, url.Values) (*Grant, error) {
	return nil, errors.New("refresh grant mints directly")
}

func (h Refresh) Mint(ctx context.Context, client *models.Client, params url.Values) (*models.IssuedToken, error) {
	key := params.Get("refresh_token")
	if key == "" {
		return nil, fmt.Errorf("%w: refresh_token is required", autherrors.ErrInvalidRequest)
	}
	return h.Tokens.Refresh(ctx, client, key, scopes.Parse(params.Get("scope")))
}
