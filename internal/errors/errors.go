package errors

import (
	"errors"
	"net/http"
)

// Grant and client errors.
var (
	ErrUnsupportedGrant    = errors.New("unsupported grant type")
	ErrUnauthorizedClient  = errors.New("client is not authorized for this grant type")
	ErrInvalidClient       = errors.New("client authentication failed")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInvalidScope        = errors.New("invalid scope")
	ErrGrantHandlerFailure = errors.New("grant handler failure")
)

// Token errors.
var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrTokenExpired = errors.New("token expired")
	ErrNotFound     = errors.New("not found")
)

// MAC request authentication errors. These are security relevant and
// never reach the caller verbatim.
var (
	ErrDuplicateNonce      = errors.New("duplicate nonce")
	ErrInvalidTimestamp    = errors.New("timestamp outside allowed window")
	ErrMalformedCredential = errors.New("malformed credential")
	ErrInvalidSignature    = errors.New("invalid signature")
)

// Server/transport errors.
var (
	ErrStoreUnavailable = errors.New("token store unavailable")
)

// Kind names one entry of the error taxonomy.
type Kind string

const (
	KindNone                Kind = ""
	KindUnsupportedGrant    Kind = "UnsupportedGrant"
	KindUnauthorizedClient  Kind = "UnauthorizedClient"
	KindInvalidClient       Kind = "InvalidClient"
	KindInvalidRequest      Kind = "InvalidRequest"
	KindInvalidToken        Kind = "InvalidToken"
	KindTokenExpired        Kind = "TokenExpired"
	KindInvalidScope        Kind = "InvalidScope"
	KindDuplicateNonce      Kind = "DuplicateNonce"
	KindInvalidTimestamp    Kind = "InvalidTimestamp"
	KindMalformedCredential Kind = "MalformedCredential"
	KindInvalidSignature    Kind = "InvalidSignature"
	KindNotFound            Kind = "NotFound"
	KindStoreUnavailable    Kind = "StoreUnavailable"
	KindGrantHandlerFailure Kind = "GrantHandlerFailure"
	KindInternal            Kind = "Internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrUnsupportedGrant, KindUnsupportedGrant},
	{ErrUnauthorizedClient, KindUnauthorizedClient},
	{ErrInvalidClient, KindInvalidClient},
	{ErrInvalidRequest, KindInvalidRequest},
	{ErrInvalidScope, KindInvalidScope},
	{ErrGrantHandlerFailure, KindGrantHandlerFailure},
	{ErrTokenExpired, KindTokenExpired},
	{ErrInvalidToken, KindInvalidToken},
	{ErrNotFound, KindNotFound},
	{ErrDuplicateNonce, KindDuplicateNonce},
	{ErrInvalidTimestamp, KindInvalidTimestamp},
	{ErrMalformedCredential, KindMalformedCredential},
	{ErrInvalidSignature, KindInvalidSignature},
	{ErrStoreUnavailable, KindStoreUnavailable},
}

// KindOf classifies err. Errors outside the taxonomy are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// IsSecurity reports whether the kind must be logged as a security event
// and hidden from the caller.
func (k Kind) IsSecurity() bool {
	switch k {
	case KindDuplicateNonce, KindInvalidTimestamp, KindInvalidSignature, KindMalformedCredential:
		return true
	}
	return false
}

// OAuthCode maps a kind to the RFC 6749 / RFC 6750 error code.
func OAuthCode(k Kind) string {
	switch k {
	case KindUnsupportedGrant:
		return "unsupported_grant_type"
	case KindUnauthorizedClient:
		return "unauthorized_client"
	case KindInvalidClient:
		return "invalid_client"
	case KindInvalidRequest, KindMalformedCredential:
		return "invalid_request"
	case KindInvalidScope:
		return "invalid_scope"
	case KindInvalidToken, KindTokenExpired, KindNotFound:
		return "invalid_grant"
	case KindDuplicateNonce, KindInvalidTimestamp, KindInvalidSignature:
		return "invalid_token"
	case KindStoreUnavailable:
		return "temporarily_unavailable"
	default:
		return "server_error"
	}
}

// HTTPStatus maps a kind to the response status.
func HTTPStatus(k Kind) int {
	switch k {
	case KindInvalidClient:
		return http.StatusUnauthorized
	case KindDuplicateNonce, KindInvalidTimestamp, KindInvalidSignature:
		return http.StatusUnauthorized
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case KindGrantHandlerFailure, KindInternal:
		return http.StatusInternalServerError
	case KindNone:
		return http.StatusOK
	default:
		return http.StatusBadRequest
	}
}

// Describe returns the message safe to show a caller. Security kinds
// and internal faults collapse to a generic description.
func Describe(err error) string {
	k := KindOf(err)
	switch {
	case k.IsSecurity():
		return "request could not be authenticated"
	case k == KindInternal, k == KindGrantHandlerFailure:
		return "internal error"
	case k == KindStoreUnavailable:
		return "service temporarily unavailable"
	}
	return err.Error()
}
