package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	autherrors "github.com/alexjbarnes/token-authority/internal/errors"
	"github.com/alexjbarnes/token-authority/internal/hawk"
	"github.com/alexjbarnes/token-authority/internal/models"
	"github.com/alexjbarnes/token-authority/internal/scopes"
	"github.com/go-chi/chi/v5/middleware"
)

const callbackOOB = "oob"

func badRequest(msg string) error {
	return fmt.Errorf("%w: %s", autherrors.ErrInvalidRequest, msg)
}

// clientRequest parses the body and authenticates the calling client.
func (a *api) clientRequest(w http.ResponseWriter, r *http.Request) (*models.Client, url.Values, bool) {
	params, err := readParams(w, r)
	if err != nil {
		a.writeError(w, r, badRequest(err.Error()))
		return nil, nil, false
	}
	client, err := a.authenticateClient(r, params)
	if err != nil {
		a.writeError(w, r, err)
		return nil, nil, false
	}
	return client, params, true
}

func (a *api) handleToken(w http.ResponseWriter, r *http.Request) {
	client, params, ok := a.clientRequest(w, r)
	if !ok {
		return
	}

	grantType := params.Get("grant_type")
	if grantType == "" {
		a.writeError(w, r, badRequest("grant_type is required"))
		return
	}

	issued, err := a.Dispatcher.IssueToken(r.Context(), grantType, client, params)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(issued))
}

func (a *api) handleInitiate(w http.ResponseWriter, r *http.Request) {
	client, params, ok := a.clientRequest(w, r)
	if !ok {
		return
	}

	callback := params.Get("oauth_callback")
	if err := validateCallback(client, callback); err != nil {
		a.writeError(w, r, err)
		return
	}

	tok, err := a.Tokens.CreateTemporaryCredential(r.Context(), client, callback, scopes.Parse(params.Get("scope")), 0)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeForm(w, url.Values{
		"oauth_token":              {tok.Key},
		"oauth_token_secret":       {tok.Secret},
		"oauth_callback_confirmed": {"true"},
	})
}

// validateCallback accepts "oob" or an absolute http(s) URI. Clients
// with registered redirect URIs must use one of them exactly.
func validateCallback(client *models.Client, callback string) error {
	if callback == "" {
		return badRequest("oauth_callback is required")
	}
	if callback == callbackOOB {
		return nil
	}
	u, err := url.Parse(callback)
	if err != nil || !u.IsAbs() || (u.Scheme != "https" && u.Scheme != "http") || u.Fragment != "" {
		return badRequest("oauth_callback must be an absolute http(s) URI or oob")
	}
	if len(client.RedirectURIs) > 0 && !slices.Contains(client.RedirectURIs, callback) {
		return badRequest("oauth_callback is not registered for this client")
	}
	return nil
}

// handleAuthorize records the resource owner's approval of a temporary
// credential. The owner authenticates with username and password.
func (a *api) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	params, err := readParams(w, r)
	if err != nil {
		a.writeError(w, r, badRequest(err.Error()))
		return
	}

	tempKey := params.Get("oauth_token")
	username, password := params.Get("username"), params.Get("password")
	if tempKey == "" || username == "" || password == "" {
		a.writeError(w, r, badRequest("oauth_token, username and password are required"))
		return
	}

	subject, ok := a.Users.VerifyUser(username, password)
	if !ok {
		a.Logger.Warn("resource owner authentication failed",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("ip", r.RemoteAddr),
		)
		writeJSONError(w, http.StatusUnauthorized, "access_denied", "invalid resource owner credentials")
		return
	}

	tok, err := a.Tokens.Lookup(r.Context(), tempKey)
	if err == nil && tok.Type != models.TokenTemporary {
		err = fmt.Errorf("temporary credential: %w", autherrors.ErrNotFound)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	verifier, err := a.Tokens.GrantVerifier(r.Context(), tempKey, subject)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	if tok.CallbackURI == callbackOOB {
		writeForm(w, url.Values{
			"oauth_token":    {tempKey},
			"oauth_verifier": {verifier},
		})
		return
	}

	u, err := url.Parse(tok.CallbackURI)
	if err != nil {
		a.writeError(w, r, fmt.Errorf("stored callback: %w", err))
		return
	}
	q := u.Query()
	q.Set("oauth_token", tempKey)
	q.Set("oauth_verifier", verifier)
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func (a *api) handleAccessToken(w http.ResponseWriter, r *http.Request) {
	client, params, ok := a.clientRequest(w, r)
	if !ok {
		return
	}

	tempKey, verifier := params.Get("oauth_token"), params.Get("oauth_verifier")
	if tempKey == "" || verifier == "" {
		a.writeError(w, r, badRequest("oauth_token and oauth_verifier are required"))
		return
	}

	issued, err := a.Tokens.ExchangeForAccessCredential(r.Context(), client, tempKey, verifier)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(issued))
}

// handleRevoke implements RFC 7009. Unknown tokens still get 200.
func (a *api) handleRevoke(w http.ResponseWriter, r *http.Request) {
	client, params, ok := a.clientRequest(w, r)
	if !ok {
		return
	}

	key := params.Get("token")
	if key == "" {
		a.writeError(w, r, badRequest("token is required"))
		return
	}

	if err := a.Tokens.Revoke(r.Context(), client, key, params.Get("token_type_hint")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *api) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	client, params, ok := a.clientRequest(w, r)
	if !ok {
		return
	}

	key := params.Get("token")
	if key == "" {
		a.writeError(w, r, badRequest("token is required"))
		return
	}

	info, err := a.Tokens.Introspect(r.Context(), client, key)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// VerifyResponse is returned to resource servers by /oauth/hawk/verify.
type VerifyResponse struct {
	Authenticated bool   `json:"authenticated"`
	Subject       string `json:"subject,omitempty"`
	ClientID      string `json:"client_id,omitempty"`
	Scope         string `json:"scope,omitempty"`
}

// handleHawkVerify authenticates a request a resource server received.
// The caller must itself be a registered client.
func (a *api) handleHawkVerify(w http.ResponseWriter, r *http.Request) {
	_, params, ok := a.clientRequest(w, r)
	if !ok {
		return
	}

	req := hawk.Request{
		Authorization: params.Get("authorization"),
		Method:        strings.ToUpper(params.Get("method")),
		URI:           params.Get("uri"),
		RemoteAddr:    r.RemoteAddr,
		RequestID:     middleware.GetReqID(r.Context()),
	}
	if req.Authorization == "" || req.Method == "" || req.URI == "" || params.Get("host") == "" {
		a.writeError(w, r, badRequest("authorization, method, uri and host are required"))
		return
	}

	req.Host, req.Port = hawk.SplitHostPort(params.Get("host"), true)
	if p := params.Get("port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			a.writeError(w, r, badRequest("port must be a valid TCP port"))
			return
		}
		req.Port = port
	}

	ac, err := a.Hawk.Authenticate(r.Context(), req, a.NonceWindow)
	if err != nil {
		if autherrors.KindOf(err) == autherrors.KindStoreUnavailable {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, VerifyResponse{})
		return
	}

	writeJSON(w, http.StatusOK, VerifyResponse{
		Authenticated: true,
		Subject:       ac.Subject,
		ClientID:      ac.ClientID,
		Scope:         scopes.Format(ac.Permissions),
	})
}
