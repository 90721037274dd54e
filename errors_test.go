package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/voicehub/smarthome-oauth/server"
	"github.com/voicehub/smarthome-oauth/storage"
)

func TestOAuthError_Error(t *testing.T) {
	err := NewOAuthError(ErrorCodeInvalidRequest, "missing parameter", http.StatusBadRequest)
	assert.Equal(t, "invalid_request: missing parameter", err.Error())
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
		wantDesc   string
	}{
		{
			name:       "invalid client",
			err:        fmt.Errorf("%w: bad secret for c1", server.ErrInvalidClient),
			wantCode:   ErrorCodeInvalidClient,
			wantStatus: http.StatusUnauthorized,
			wantDesc:   descInvalidClient,
		},
		{
			name:       "pkce failure looks like any other grant failure",
			err:        fmt.Errorf("%w: code_verifier does not match", server.ErrInvalidGrant),
			wantCode:   ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
			wantDesc:   descInvalidGrant,
		},
		{
			name:       "grant not found",
			err:        fmt.Errorf("%w: %w", server.ErrInvalidGrant, storage.ErrGrantNotFound),
			wantCode:   ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
			wantDesc:   descInvalidGrant,
		},
		{
			name:       "invalid request keeps its message",
			err:        fmt.Errorf("%w: redirect_uri is required", server.ErrInvalidRequest),
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
			wantDesc:   "redirect_uri is required",
		},
		{
			name:       "unauthorized client",
			err:        fmt.Errorf("%w: client is not allowed to use refresh_token", server.ErrUnauthorizedClient),
			wantCode:   ErrorCodeUnauthorizedClient,
			wantStatus: http.StatusBadRequest,
			wantDesc:   "client is not allowed to use refresh_token",
		},
		{
			name:       "invalid token",
			err:        fmt.Errorf("%w: token expired", server.ErrInvalidToken),
			wantCode:   ErrorCodeInvalidToken,
			wantStatus: http.StatusUnauthorized,
			wantDesc:   descInvalidToken,
		},
		{
			name:       "access denied",
			err:        server.ErrAccessDenied,
			wantCode:   ErrorCodeAccessDenied,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "storage failure hides the cause",
			err:        fmt.Errorf("failed to save token: %w", errors.New("dial tcp 10.0.0.7:5432: connection refused")),
			wantCode:   ErrorCodeServerError,
			wantStatus: http.StatusInternalServerError,
			wantDesc:   descServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oe := FromError(tt.err)
			assert.Equal(t, tt.wantCode, oe.Code)
			assert.Equal(t, tt.wantStatus, oe.Status)
			if tt.wantDesc != "" {
				assert.Equal(t, tt.wantDesc, oe.Description)
			}
			assert.NotContains(t, oe.Description, "10.0.0.7")
		})
	}
}

func TestFromError_PassesThroughOAuthError(t *testing.T) {
	want := NewOAuthError(ErrorCodeRateLimitExceeded, "slow down", http.StatusTooManyRequests)
	assert.Same(t, want, FromError(fmt.Errorf("wrapped: %w", want)))
}
