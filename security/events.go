package security

// Event type constants for security audit logging.
const (
	// Authorization code events

	// EventGrantIssued is logged when an authorization code is issued after consent
	EventGrantIssued = "authorization_code_issued"

	// EventCodeReuseDetected is logged when an already redeemed code is presented again
	EventCodeReuseDetected = "authorization_code_reuse_detected"

	// EventPKCEValidationFailed is logged when a code_verifier does not match the stored challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventAccessDenied is logged when the resource owner denies consent
	EventAccessDenied = "access_denied"

	// Token lifecycle events

	// EventTokenIssued is logged when a token response is returned to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is redeemed
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a client revokes one of its tokens
	EventTokenRevoked = "token_revoked"

	// EventOwnerTokensRevoked is logged when every access token of a user and client is removed
	EventOwnerTokensRevoked = "owner_tokens_revoked" //nolint:gosec // G101: event type name, not a credential

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventLoginFailure is logged when a resource owner login fails
	EventLoginFailure = "login_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventInvalidRedirect is logged when an authorization request names an unregistered redirect URI
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a client asks for scopes it was not granted
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// Client management events

	// EventClientRegistered is logged when a client is registered from config or the CLI
	EventClientRegistered = "client_registered"
)
