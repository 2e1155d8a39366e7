package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	autherrors "github.com/alexjbarnes/token-authority/internal/errors"
	"github.com/alexjbarnes/token-authority/internal/hawk"
	"github.com/alexjbarnes/token-authority/internal/models"
	"github.com/alexjbarnes/token-authority/internal/scopes"
	"github.com/go-chi/chi/v5/middleware"
)

// TokenResponse is the issuance response body. The client signs
// requests with HawkKey using HawkAlgorithm and AccessToken as the id.
type TokenResponse struct {
	AccessToken   string `json:"access_token"`
	TokenType     string `json:"token_type"`
	ExpiresIn     int64  `json:"expires_in,omitempty"`
	Scope         string `json:"scope,omitempty"`
	RefreshToken  string `json:"refresh_token,omitempty"`
	HawkKey       string `json:"hawk_key"`
	HawkAlgorithm string `json:"hawk_algorithm"`
}

func newTokenResponse(issued *models.IssuedToken) TokenResponse {
	access := issued.Access
	resp := TokenResponse{
		AccessToken:   access.Key,
		TokenType:     "hawk",
		Scope:         scopes.Format(access.Permissions),
		HawkKey:       access.Secret,
		HawkAlgorithm: access.MACAlgorithm,
	}
	if access.Lifetime > 0 {
		resp.ExpiresIn = access.Lifetime
	}
	if issued.Refresh != nil {
		resp.RefreshToken = issued.Refresh.Key
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeForm(w http.ResponseWriter, vals url.Values) {
	w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(vals.Encode()))
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// writeError renders err as an OAuth error response. The description
// never carries the reason for security rejections.
func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := autherrors.KindOf(err)
	status := autherrors.HTTPStatus(kind)
	code := autherrors.OAuthCode(kind)

	description := autherrors.Describe(err)
	switch {
	case kind.IsSecurity():
		status, code = http.StatusUnauthorized, "invalid_token"
	case kind == autherrors.KindInvalidClient:
		// Unknown client and wrong secret look the same.
		description = autherrors.ErrInvalidClient.Error()
		w.Header().Set("WWW-Authenticate", `Basic realm="token-authority"`)
	}

	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	a.Logger.LogAttrs(r.Context(), level, "request failed",
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("path", r.URL.Path),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)

	writeJSONError(w, status, code, description)
}

func handleMe(w http.ResponseWriter, r *http.Request) {
	ac := hawk.FromContext(r.Context())
	if ac == nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "request could not be authenticated")
		return
	}
	writeJSON(w, http.StatusOK, ac)
}
