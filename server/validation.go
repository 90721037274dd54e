package server

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/voicehub/smarthome-oauth/internal/util"
	"github.com/voicehub/smarthome-oauth/storage"
)

const oauthSecurityBestPracticesURL = "https://datatracker.ietf.org/doc/html/rfc9700#section-2.6"

// blockedRedirectSchemes can execute content in the user agent.
var blockedRedirectSchemes = map[string]bool{
	"javascript": true,
	"data":       true,
	"vbscript":   true,
	"file":       true,
}

// validateHTTPSEnforcement ensures the issuer is served over HTTPS. Plain
// HTTP is accepted on loopback hosts with a warning and elsewhere only with
// AllowInsecureHTTP.
func (s *Server) validateHTTPSEnforcement() error {
	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
	default:
		return fmt.Errorf("invalid issuer URL scheme: %q (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if util.IsLoopbackHostname(hostname) {
		s.Logger.Warn("⚠️  DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
			"issuer", s.Config.Issuer,
			"risk", "Credentials exposed on local network",
			"learn_more", oauthSecurityBestPracticesURL)
		return nil
	}

	if !s.Config.AllowInsecureHTTP {
		return fmt.Errorf("issuer must use HTTPS (got %s://%s); set AllowInsecureHTTP to override", issuerURL.Scheme, hostname)
	}

	s.Logger.Error("🚨 CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
		"issuer", s.Config.Issuer,
		"hostname", hostname,
		"risk", "All tokens and credentials exposed to network sniffing",
		"learn_more", oauthSecurityBestPracticesURL)
	return nil
}

// ValidateRedirectURIForRegistration checks a redirect URI before a client
// is stored. It must be absolute without a fragment (RFC 6749 section
// 3.1.2). http is only allowed for loopback hosts (RFC 8252 section 7.3),
// and schemes that execute content are refused.
func ValidateRedirectURIForRegistration(redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect URI is required")
	}

	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("redirect URI must be absolute")
	}
	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return fmt.Errorf("redirect URI must not contain a fragment")
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case blockedRedirectSchemes[scheme]:
		return fmt.Errorf("redirect URI scheme %q is not allowed", scheme)
	case scheme == "https":
		if parsed.Host == "" {
			return fmt.Errorf("redirect URI must include a host")
		}
	case scheme == "http":
		if !util.IsLoopbackHostname(parsed.Hostname()) {
			return fmt.Errorf("http redirect URIs are only allowed for loopback hosts")
		}
	}
	return nil
}

// matchRedirectURI resolves the redirect_uri of an authorization request.
// An omitted value falls back to the registered one; a given value must
// match it exactly.
func matchRedirectURI(client *storage.Client, requested string) (string, error) {
	if requested == "" {
		return client.RedirectURI, nil
	}
	if requested != client.RedirectURI {
		return "", ErrInvalidRedirectURI
	}
	return requested, nil
}

// resolveScope validates a requested scope string against allowed and
// returns the normalized scope. An empty request yields every allowed scope.
func resolveScope(requested string, allowed []string) (string, error) {
	scopes := util.SplitScope(requested)
	if len(scopes) == 0 {
		return util.JoinScope(allowed), nil
	}
	if !util.ScopeSubset(scopes, allowed) {
		return "", fmt.Errorf("%w: requested scope exceeds what was granted", ErrInvalidScope)
	}
	return util.JoinScope(scopes), nil
}
