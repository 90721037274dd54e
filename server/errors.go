package server

import (
	"errors"
	"fmt"

	"github.com/voicehub/smarthome-oauth/storage"
)

// OAuth 2.0 error codes (RFC 6749 sections 4.1.2.1 and 5.2).
// The root package maps them to HTTP statuses; they live here so the server
// can build authorization error redirects without importing it.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
)

// Protocol errors. Everything the server returns either wraps one of these
// or is an internal failure that surfaces as server_error.
var (
	ErrInvalidRequest          = errors.New(ErrorCodeInvalidRequest)
	ErrInvalidClient           = errors.New(ErrorCodeInvalidClient)
	ErrInvalidGrant            = errors.New(ErrorCodeInvalidGrant)
	ErrInvalidScope            = errors.New(ErrorCodeInvalidScope)
	ErrUnauthorizedClient      = errors.New(ErrorCodeUnauthorizedClient)
	ErrUnsupportedGrantType    = errors.New(ErrorCodeUnsupportedGrantType)
	ErrUnsupportedResponseType = errors.New(ErrorCodeUnsupportedResponseType)
	ErrAccessDenied            = errors.New(ErrorCodeAccessDenied)
)

// Grant redemption failures. Each wraps ErrInvalidGrant so the wire sees one
// generic error while logs keep the reason.
var (
	ErrClientMismatch   = fmt.Errorf("%w: code was issued to another client", ErrInvalidGrant)
	ErrRedirectMismatch = fmt.Errorf("%w: redirect_uri does not match", ErrInvalidGrant)
	ErrPKCEFailure      = fmt.Errorf("%w: code_verifier failed PKCE verification", ErrInvalidGrant)
)

// ErrInvalidRedirectURI is returned by ValidateAuthorizationRequest when the
// redirect target cannot be trusted. Such errors are shown to the user agent
// instead of being redirected (RFC 6749 section 4.1.2.1).
var ErrInvalidRedirectURI = fmt.Errorf("%w: redirect_uri is not registered for this client", ErrInvalidRequest)

// ErrAuthorizationCompleted is returned by Approve and Deny for a pending
// authorization that was already approved or denied. Like
// ErrInvalidRedirectURI it is shown to the user agent, not redirected.
var ErrAuthorizationCompleted = fmt.Errorf("%w: authorization request was already completed", ErrInvalidRequest)

// ErrLoginFailed is returned by UserAuthenticator implementations for an
// unknown user or a wrong password.
var ErrLoginFailed = errors.New("invalid username or password")

// invalidGrant wraps a storage grant error so it matches both ErrInvalidGrant
// and the storage sentinel.
func invalidGrant(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidGrant, err)
}

// ErrorCode returns the RFC 6749 error code for err, or server_error when err
// is not a protocol error.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidClient):
		return ErrorCodeInvalidClient
	case errors.Is(err, ErrInvalidGrant):
		return ErrorCodeInvalidGrant
	case errors.Is(err, ErrInvalidScope):
		return ErrorCodeInvalidScope
	case errors.Is(err, ErrUnauthorizedClient):
		return ErrorCodeUnauthorizedClient
	case errors.Is(err, ErrUnsupportedGrantType):
		return ErrorCodeUnsupportedGrantType
	case errors.Is(err, ErrUnsupportedResponseType):
		return ErrorCodeUnsupportedResponseType
	case errors.Is(err, ErrAccessDenied):
		return ErrorCodeAccessDenied
	case errors.Is(err, ErrInvalidRequest):
		return ErrorCodeInvalidRequest
	case errors.Is(err, ErrInvalidToken):
		return ErrorCodeInvalidToken
	default:
		return ErrorCodeServerError
	}
}

// isGrantFailure reports whether err is one of the storage grant sentinels.
func isGrantFailure(err error) bool {
	return errors.Is(err, storage.ErrGrantNotFound) ||
		errors.Is(err, storage.ErrGrantExpired) ||
		errors.Is(err, storage.ErrGrantAlreadyUsed)
}

// ErrInvalidToken is returned by bearer token validation (RFC 6750 section
// 3.1). The wrapped cause is for logs only.
var ErrInvalidToken = errors.New(ErrorCodeInvalidToken)

// ErrorCodeInvalidToken is the RFC 6750 error code for rejected bearer tokens.
const ErrorCodeInvalidToken = "invalid_token"
