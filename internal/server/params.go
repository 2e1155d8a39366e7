package server

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/alexjbarnes/token-authority/internal/models"
	"github.com/tidwall/gjson"
)

const maxBodyBytes = 64 << 10

// readParams returns the request parameters from a form or JSON body.
// Query string parameters are ignored so secrets never come from URLs.
func readParams(w http.ResponseWriter, r *http.Request) (url.Values, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("reading body: %w", err)
		}
		return jsonParams(body)
	}

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("parsing form: %w", err)
	}
	return r.PostForm, nil
}

// jsonParams flattens a JSON object into parameters. Arrays are joined
// with spaces so "scope": ["a", "b"] reads like scope=a+b.
func jsonParams(body []byte) (url.Values, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid JSON body")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("JSON body must be an object")
	}

	vals := url.Values{}
	root.ForEach(func(key, value gjson.Result) bool {
		switch {
		case value.IsArray():
			var parts []string
			value.ForEach(func(_, item gjson.Result) bool {
				parts = append(parts, item.String())
				return true
			})
			vals.Set(key.String(), strings.Join(parts, " "))
		case value.IsObject(), value.Type == gjson.Null:
		default:
			vals.Set(key.String(), value.String())
		}
		return true
	})
	return vals, nil
}

// clientCredentials reads HTTP Basic credentials, falling back to
// client_id/client_secret parameters. Basic credentials are form
// encoded (RFC 6749 section 2.3.1).
func clientCredentials(r *http.Request, params url.Values) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		if u, err := url.QueryUnescape(id); err == nil {
			id = u
		}
		if s, err := url.QueryUnescape(secret); err == nil {
			secret = s
		}
		return id, secret
	}
	return params.Get("client_id"), params.Get("client_secret")
}

func (a *api) authenticateClient(r *http.Request, params url.Values) (*models.Client, error) {
	id, secret := clientCredentials(r, params)
	return a.Clients.Authenticate(r.Context(), id, secret)
}
