package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/voicehub/smarthome-oauth/server"
)

// OAuth error codes used on the wire. The protocol codes mirror the server
// package; the rest exist only at the HTTP layer.
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Fixed descriptions for errors whose cause must not reach the client.
const (
	descInvalidClient = "Client authentication failed"
	descInvalidGrant  = "The authorization grant is invalid, expired, revoked, or was issued to another client"
	descInvalidToken  = "The access token is invalid or expired"
	descServerError   = "The server encountered an unexpected error"
)

// FromError maps an error returned by the server package to its wire form.
// Grant, client and token failures get fixed descriptions so the response
// does not reveal which check failed. Anything that is not a protocol error
// becomes server_error.
func FromError(err error) *OAuthError {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe
	}

	code := server.ErrorCode(err)
	switch code {
	case ErrorCodeInvalidClient:
		return NewOAuthError(code, descInvalidClient, http.StatusUnauthorized)
	case ErrorCodeInvalidGrant:
		return NewOAuthError(code, descInvalidGrant, http.StatusBadRequest)
	case ErrorCodeInvalidToken:
		return NewOAuthError(code, descInvalidToken, http.StatusUnauthorized)
	case ErrorCodeAccessDenied:
		return NewOAuthError(code, describe(err, code), http.StatusForbidden)
	case ErrorCodeServerError:
		return NewOAuthError(code, descServerError, http.StatusInternalServerError)
	default:
		return NewOAuthError(code, describe(err, code), http.StatusBadRequest)
	}
}

// describe strips the leading error code from a wrapped server error so the
// remaining message can serve as error_description.
func describe(err error, code string) string {
	msg := strings.TrimPrefix(err.Error(), code)
	msg = strings.TrimPrefix(msg, ": ")
	if msg == "" {
		return code
	}
	return msg
}
