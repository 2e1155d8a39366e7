package grants

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	autherrors "github.com/alexjbarnes/token-authority/internal/errors"
	"github.com/alexjbarnes/token-authority/internal/models"
)

// Dispatcher routes token requests to the first handler that supports
// the grant type.
type Dispatcher struct {
	handlers []Handler
	issuer   Issuer
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. Handlers are consulted in order.
func NewDispatcher(issuer Issuer, logger *slog.Logger, handlers ...Handler) *Dispatcher {
	for i, h := range handlers {
		if h == nil {
			panic(fmt.Sprintf("grants: handler %d is nil", i))
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: handlers,
		issuer:   issuer,
		logger:   logger.With("component", "grants"),
	}
}

func (d *Dispatcher) handler(grantType string) Handler {
	for _, h := range d.handlers {
		if h.Supports(grantType) {
			return h
		}
	}
	return nil
}

// GrantTypes lists the grant types some handler supports, out of
// candidates.
func (d *Dispatcher) GrantTypes(candidates ...string) []string {
	var out []string
	for _, gt := range candidates {
		if d.handler(gt) != nil {
			out = append(out, gt)
		}
	}
	return out
}

// IssueToken runs the grant and mints the resulting credential.
func (d *Dispatcher) IssueToken(ctx context.Context, grantType string, client *models.Client, params url.Values) (*models.IssuedToken, error) {
	h := d.handler(grantType)
	if h == nil {
		return nil, fmt.Errorf("%w: %q", autherrors.ErrUnsupportedGrant, grantType)
	}
	if client == nil || !client.AllowsGrant(grantType) {
		return nil, fmt.Errorf("%w: %q", autherrors.ErrUnauthorizedClient, grantType)
	}

	if m, ok := h.(Minter); ok {
		return d.run(grantType, client, func() (*models.IssuedToken, error) {
			return m.Mint(ctx, client, params)
		})
	}

	var grant *Grant
	_, err := d.run(grantType, client, func() (*models.IssuedToken, error) {
		g, err := h.CreateToken(ctx, client, params)
		grant = g
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, fmt.Errorf("%w: handler returned no grant", autherrors.ErrGrantHandlerFailure)
	}

	return d.issuer.IssueAccessCredential(ctx, client, grantType, grant)
}

// run calls fn, converting panics and errors outside the taxonomy into
// GrantHandlerFailure.
func (d *Dispatcher) run(grantType string, client *models.Client, fn func() (*models.IssuedToken, error)) (issued *models.IssuedToken, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("grant handler panicked",
				slog.String("grant_type", grantType),
				slog.String("client_id", client.ClientID),
				slog.Any("panic", r),
			)
			issued, err = nil, fmt.Errorf("%w: handler panicked", autherrors.ErrGrantHandlerFailure)
		}
	}()

	issued, err = fn()
	if err != nil && autherrors.KindOf(err) == autherrors.KindInternal {
		d.logger.Error("grant handler failed",
			slog.String("grant_type", grantType),
			slog.String("client_id", client.ClientID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", autherrors.ErrGrantHandlerFailure, err)
	}
	return issued, err
}
