// Package security provides the protective plumbing around the authorization
// server: audit logging of security events, per-identifier rate limiting for
// the login form, client IP extraction behind proxies, response security
// headers and request ID propagation.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier (usually a client IP)
// and bounds its memory with LRU eviction plus a periodic idle sweep.
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{
//	    Rate:  rate.Every(12 * time.Second), // 5 per minute
//	    Burst: 5,
//	}, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    return http.StatusTooManyRequests
//	}
//
// GetStats reports the tracked entry count, evictions and memory pressure.
//
// # Audit Logging
//
// Auditor writes "security_audit" records through slog. User identifiers are
// hashed before they are logged; tokens, codes and secrets are never passed
// to the auditor.
package security
