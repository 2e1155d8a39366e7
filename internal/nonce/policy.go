package nonce

import "github.com/alexjbarnes/token-authority/internal/models"

// WindowPolicy decides the timestamp window actually enforced for one
// request, given the window the caller asked for and the token's
// accepted-request history. Implementations may only narrow the window.
type WindowPolicy interface {
	Window(requestedMillis int64, history *models.NonceHistory) int64
}

// FixedWindow enforces the requested window unchanged. The average
// request delta is recorded but never gates acceptance.
type FixedWindow struct{}

func (FixedWindow) Window(requestedMillis int64, _ *models.NonceHistory) int64 {
	return requestedMillis
}

// CadenceWindow narrows the window for credentials with an established,
// steady request cadence: Factor times the observed average delta,
// floored at MinMillis and never wider than requested.
type CadenceWindow struct {
	Factor     int64
	MinMillis  int64
	MinSamples int64
}

// DefaultCadenceWindow is the policy enabled by NONCE_ADAPTIVE.
var DefaultCadenceWindow = CadenceWindow{Factor: 4, MinMillis: 5000, MinSamples: 8}

func (p CadenceWindow) Window(requestedMillis int64, h *models.NonceHistory) int64 {
	if h == nil || h.Accepted < p.MinSamples || h.AverageDelta <= 0 || p.Factor <= 0 {
		return requestedMillis
	}
	w := h.AverageDelta * p.Factor
	if w < p.MinMillis {
		w = p.MinMillis
	}
	if w > requestedMillis {
		return requestedMillis
	}
	return w
}
