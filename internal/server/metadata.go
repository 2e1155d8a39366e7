package server

import (
	"encoding/json"
	"net/http"

	"github.com/alexjbarnes/token-authority/internal/grants"
)

// ServerMetadata is the RFC 8414 response.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	TemporaryCredentialEndpoint       string   `json:"temporary_credential_endpoint"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	AccessTokenEndpoint               string   `json:"access_token_endpoint"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	TokenTypesSupported               []string `json:"token_types_supported"`
}

func (a *api) handleServerMetadata(w http.ResponseWriter, r *http.Request) {
	base := baseURL(r)
	meta := ServerMetadata{
		Issuer:                      base,
		TokenEndpoint:               base + "/oauth/token",
		RevocationEndpoint:          base + "/oauth/revoke",
		IntrospectionEndpoint:       base + "/oauth/introspect",
		TemporaryCredentialEndpoint: base + "/oauth/initiate",
		AuthorizationEndpoint:       base + "/oauth/authorize",
		AccessTokenEndpoint:         base + "/oauth/access_token",
		GrantTypesSupported: a.Dispatcher.GrantTypes(
			grants.TypeClientCredentials,
			grants.TypePassword,
			grants.TypeRefreshToken,
			grants.TypeJWTBearer,
		),
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		TokenTypesSupported:               []string{"hawk"},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(meta)
}

// baseURL derives the issuer from the request. X-Forwarded-Proto is
// honoured so the issuer is correct behind a TLS-terminating proxy.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
