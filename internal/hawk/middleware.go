package hawk

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	autherrors "github.com/alexjbarnes/token-authority/internal/errors"
	"github.com/alexjbarnes/token-authority/internal/models"
)

type contextKey int

const ctxAuth contextKey = iota

// FromContext returns the authenticated identity injected by
// Middleware, or nil.
func FromContext(ctx context.Context) *models.AuthenticatedContext {
	v, _ := ctx.Value(ctxAuth).(*models.AuthenticatedContext)
	return v
}

// WithContext attaches ac to ctx.
func WithContext(ctx context.Context, ac *models.AuthenticatedContext) context.Context {
	return context.WithValue(ctx, ctxAuth, ac)
}

// Middleware authenticates every request with a. Rejections get a 401
// that never says which check failed.
func Middleware(a *Authenticator, window time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, err := a.Authenticate(r.Context(), RequestFromHTTP(r), window)
			if err != nil {
				kind := autherrors.KindOf(err)
				logger.Debug("hawk: request rejected",
					slog.String("path", r.URL.Path),
					slog.String("kind", string(kind)),
				)
				if kind == autherrors.KindStoreUnavailable {
					writeError(w, http.StatusServiceUnavailable, autherrors.OAuthCode(kind), autherrors.Describe(err))
					return
				}
				w.Header().Set("WWW-Authenticate", Scheme+` error="invalid_token"`)
				writeError(w, http.StatusUnauthorized, "invalid_token", "request could not be authenticated")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), ac)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
