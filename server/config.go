package server

import (
	"log/slog"
	"time"
)

// Defaults applied by applySecureDefaults.
const (
	DefaultAuthorizationCodeTTL    = 10 * time.Minute
	DefaultPendingAuthorizationTTL = 10 * time.Minute
	DefaultUsedGrantRetention      = 24 * time.Hour
	DefaultAccessTokenTTL          = time.Hour
	DefaultRefreshTokenTTL         = 30 * 24 * time.Hour
	DefaultClientCacheTTL          = 30 * time.Second
	DefaultSweepInterval           = 5 * time.Minute
)

// DefaultClientScopes and DefaultClientGrantTypes fill client registrations
// that leave those fields empty.
var (
	DefaultClientScopes     = []string{"device:control", "device:read"}
	DefaultClientGrantTypes = []string{"authorization_code", "refresh_token"}
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL). Required.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	// Default: 10 minutes
	AuthorizationCodeTTL time.Duration

	// PendingAuthorizationTTL bounds the time between the authorization
	// request and consent. Default: 10 minutes
	PendingAuthorizationTTL time.Duration

	// UsedGrantRetention keeps redeemed codes after expiry so a late replay
	// is still recognized as reuse. Default: 24 hours
	UsedGrantRetention time.Duration

	// SweepInterval is how often expired grants and tokens are purged
	// Default: 5 minutes
	SweepInterval time.Duration

	// DisableRefreshTokenRotation keeps a refresh token valid after use
	// WARNING: a leaked refresh token then stays usable until it expires
	// Default: false (rotation on)
	DisableRefreshTokenRotation bool

	// RequirePKCE rejects authorization requests without code_challenge
	// Default: false, because several voice platforms do not send PKCE
	RequirePKCE bool

	// DisablePKCEPlain rejects code_challenge_method=plain
	// Default: false
	DisablePKCEPlain bool

	// CheckSignedTokenRevocation makes bearer validation of signed access
	// tokens consult the token store, so revoked JWTs stop working before
	// they expire. Default: false (signature and expiry only)
	CheckSignedTokenRevocation bool

	// ClientCacheTTL is how long client lookups are cached. Negative disables
	// the cache. Default: 30 seconds
	ClientCacheTTL time.Duration

	// SupportedScopes is advertised in metadata. Clients may only be
	// registered with scopes from this list when it is non-empty.
	SupportedScopes []string

	// AllowInsecureHTTP permits an http:// issuer on a non-loopback host
	// WARNING: tokens and client secrets travel in clear text
	// Default: false
	AllowInsecureHTTP bool
}

// RotateRefreshTokens reports whether refresh tokens are single-use.
func (c *Config) RotateRefreshTokens() bool {
	return !c.DisableRefreshTokenRotation
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.PendingAuthorizationTTL <= 0 {
		config.PendingAuthorizationTTL = DefaultPendingAuthorizationTTL
	}
	if config.UsedGrantRetention <= 0 {
		config.UsedGrantRetention = DefaultUsedGrantRetention
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.ClientCacheTTL == 0 {
		config.ClientCacheTTL = DefaultClientCacheTTL
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("⚠️  SECURITY WARNING: PKCE is optional",
			"risk", "Authorization code interception for clients that do not send code_challenge",
			"recommendation", "Set RequirePKCE=true once every client supports PKCE",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-1")
	}
	if !config.DisablePKCEPlain {
		logger.Info("PKCE plain method is accepted",
			"recommendation", "Set DisablePKCEPlain=true to require S256")
	}
	if config.DisableRefreshTokenRotation {
		logger.Warn("⚠️  SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "A stolen refresh token stays valid until it expires",
			"recommendation", "Leave DisableRefreshTokenRotation=false")
	}
	if config.ClientCacheTTL > 0 {
		logger.Debug("Client lookups are cached",
			"ttl", config.ClientCacheTTL,
			"note", "Client deletions on other replicas take up to this long to apply")
	}
}
