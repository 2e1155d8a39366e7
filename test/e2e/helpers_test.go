package e2e_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/token-authority/internal/grants"
	"github.com/alexjbarnes/token-authority/internal/hawk"
	"github.com/alexjbarnes/token-authority/internal/nonce"
	"github.com/alexjbarnes/token-authority/internal/registry"
	"github.com/alexjbarnes/token-authority/internal/scopes"
	"github.com/alexjbarnes/token-authority/internal/server"
	"github.com/alexjbarnes/token-authority/internal/store"
	"github.com/alexjbarnes/token-authority/internal/tokens"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testClientID   = "e2e-backend"
	testSecret     = "e2e-backend-secret-value"
	testUsername   = "alice"
	testPassword   = "wonderland"
	jwtSecret      = "e2e-jwt-bearer-shared-secret-0123456789"
	jwtAudience    = "https://auth.e2e.test"
	registryLayout = `scopes:
  - name: profile
    default: true
  - name: orders
  - name: refreshToken
    invisible_to_client: true
clients:
  - id: %CLIENT%
    secret_hash: "%SECRET%"
    confidential: true
    grant_types: [client_credentials, password, refresh_token, "urn:ietf:params:oauth:grant-type:jwt-bearer"]
users:
  %USER%: "%PASSWORD%"
`
)

// harness runs the full stack over a real HTTP listener: registry
// file, memory store, nonce verifier, Hawk authenticator and every
// grant handler.
type harness struct {
	*httptest.Server
	t        *testing.T
	registry *registry.Registry
	path     string
}

func bcryptHash(t *testing.T, secret string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func writeRegistry(t *testing.T, path, clientID, secret string) {
	t.Helper()
	body := strings.NewReplacer(
		"%CLIENT%", clientID,
		"%SECRET%", bcryptHash(t, secret),
		"%USER%", testUsername,
		"%PASSWORD%", bcryptHash(t, testPassword),
	).Replace(registryLayout)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	path := filepath.Join(t.TempDir(), "registry.yaml")
	writeRegistry(t, path, testClientID, testSecret)

	reg, file, err := registry.Load(path)
	require.NoError(t, err)
	catalog, err := scopes.NewCatalog(file.Scopes, file.RequiredScopes)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewMemoryStore()
	verifier := nonce.NewVerifier(s, nonce.WithLogger(logger))
	authenticator := hawk.NewAuthenticator(s, verifier, hawk.Config{Logger: logger})
	manager := tokens.NewManager(s, catalog, tokens.DefaultConfig(), nil, logger)
	dispatcher := grants.NewDispatcher(manager, logger,
		grants.ClientCredentials{Catalog: catalog},
		grants.Password{Catalog: catalog, Users: reg},
		grants.JWTBearer{Catalog: catalog, Secret: []byte(jwtSecret), Audience: jwtAudience},
		grants.Refresh{Tokens: manager},
	)

	ts := httptest.NewServer(server.NewRouter(server.Config{
		Clients:     reg,
		Users:       reg,
		Dispatcher:  dispatcher,
		Tokens:      manager,
		Hawk:        authenticator,
		NonceWindow: time.Minute,
		Logger:      logger,
	}))
	t.Cleanup(ts.Close)

	return &harness{Server: ts, t: t, registry: reg, path: path}
}

func (h *harness) postForm(path string, form url.Values, clientID, secret string) *http.Response {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.URL+path, strings.NewReader(form.Encode()))
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if clientID != "" {
		req.SetBasicAuth(clientID, secret)
	}
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Do(req)
	require.NoError(h.t, err)
	return resp
}

func (h *harness) token(form url.Values) server.TokenResponse {
	h.t.Helper()
	resp := h.postForm("/oauth/token", form, testClientID, testSecret)
	defer resp.Body.Close()
	return decodeToken(h.t, resp)
}

func decodeToken(t *testing.T, resp *http.Response) server.TokenResponse {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var tr server.TokenResponse
	require.NoError(t, json.Unmarshal(body, &tr))
	return tr
}

func readForm(t *testing.T, resp *http.Response) url.Values {
	t.Helper()
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	vals, err := url.ParseQuery(string(body))
	require.NoError(t, err)
	return vals
}

// signedGet issues a Hawk-signed GET and returns the response.
func (h *harness) signedGet(tr server.TokenResponse, path string) *http.Response {
	h.t.Helper()
	u, err := url.Parse(h.URL + path)
	require.NoError(h.t, err)
	host, port := hawk.SplitHostPort(u.Host, false)

	header, err := hawk.Sign(hawk.ClientCredentials{ID: tr.AccessToken, Key: tr.HawkKey, Algorithm: tr.HawkAlgorithm},
		http.MethodGet, u.RequestURI(), host, port, time.Now(), hawk.NewNonce(), "")
	require.NoError(h.t, err)

	return h.doWithAuth(u.String(), header)
}

func (h *harness) doWithAuth(target, header string) *http.Response {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(h.t, err)
	req.Header.Set("Authorization", header)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	return resp
}
