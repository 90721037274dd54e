package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver extracts the client address of a request.
//
// SECURITY: enable TrustProxy only behind a reverse proxy that overwrites
// X-Forwarded-For. Otherwise any caller can pick the address it is rate
// limited and audited under.
type ClientIPResolver struct {
	// TrustProxy honors X-Forwarded-For and X-Real-IP
	TrustProxy bool

	// TrustedProxyCount is how many proxies append to X-Forwarded-For, counted
	// from the right. Zero means one.
	TrustedProxyCount int
}

// ClientIP returns the client address for r. It falls back to RemoteAddr
// when proxy headers are untrusted, missing or unparsable.
func (c ClientIPResolver) ClientIP(r *http.Request) string {
	if c.TrustProxy {
		if ip := extractIPFromXFF(r.Header.Get("X-Forwarded-For"), c.TrustedProxyCount); ip != "" {
			return ip
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return extractIPFromRemoteAddr(r.RemoteAddr)
}

// extractIPFromXFF picks the entry just left of the trusted proxies in
// "client, proxy1, proxy2". With too few entries the leftmost is used.
func extractIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}

	ips := strings.Split(xff, ",")
	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}
	return parseIP(ips[idx])
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	return ""
}

func extractIPFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
