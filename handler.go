package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/voicehub/smarthome-oauth/instrumentation"
	"github.com/voicehub/smarthome-oauth/pkce"
	"github.com/voicehub/smarthome-oauth/security"
	"github.com/voicehub/smarthome-oauth/server"
)

// Endpoint paths served by NewRouter.
const (
	PathAuthorize       = "/oauth2/authorize"
	PathLogin           = "/oauth2/login"
	PathConsent         = "/oauth2/consent"
	PathToken           = "/oauth2/token"
	PathIntrospect      = "/oauth2/introspect"
	PathRevoke          = "/oauth2/revoke"
	PathJWKS            = "/.well-known/jwks.json"
	PathOpenIDConfig    = "/.well-known/openid-configuration"
	PathServerMetadata  = "/.well-known/oauth-authorization-server"
	PathHealth          = "/healthz"
	PathMetrics         = "/metrics"
	pathLegacyIntrospec = "/introspect"
	pathLegacyRevoke    = "/revoke"
)

// claimsSupported lists the claims of signed access and refresh tokens.
var claimsSupported = []string{"iss", "sub", "aud", "exp", "iat", "jti", "client_id", "scope", "token_type"}

// Handler is a thin HTTP adapter for the authorization server.
// It parses requests, delegates to server.Server and writes RFC 6749
// responses.
type Handler struct {
	server       *server.Server
	logger       *slog.Logger
	tracer       trace.Tracer
	ipResolver   security.ClientIPResolver
	loginLimiter *security.RateLimiter
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		logger: logger,
		tracer: tracenoop.NewTracerProvider().Tracer(""),
	}

	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// SetClientIPResolver configures how client addresses are derived for rate
// limiting and audit logs.
func (h *Handler) SetClientIPResolver(resolver security.ClientIPResolver) {
	h.ipResolver = resolver
}

// SetLoginRateLimiter limits login attempts per client IP. Nil disables it.
func (h *Handler) SetLoginRateLimiter(rl *security.RateLimiter) {
	h.loginLimiter = rl
}

func (h *Handler) issuer() string {
	return h.server.Config.Issuer
}

func (h *Handler) endpoint(path string) string {
	return strings.TrimRight(h.issuer(), "/") + path
}

// ServeToken handles the OAuth token endpoint (RFC 6749 section 3.2)
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.token")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		h.writeError(w, NewOAuthError(ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest))
		return
	}

	clientID, clientSecret, oe := clientCredentials(r)
	if oe != nil {
		h.writeError(w, oe)
		return
	}

	resp, err := h.server.Token(ctx, server.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		h.handleError(w, r, err, "Token request failed", "client_id", clientID, "grant_type", r.PostForm.Get("grant_type"))
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.issuer())
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// clientCredentials extracts client_secret_basic or client_secret_post
// credentials. Using both methods at once is an invalid_request
// (RFC 6749 section 2.3).
func clientCredentials(r *http.Request) (clientID, clientSecret string, oe *OAuthError) {
	formID := r.PostForm.Get("client_id")
	formSecret := r.PostForm.Get("client_secret")

	basicID, basicSecret, ok := r.BasicAuth()
	if !ok {
		return formID, formSecret, nil
	}

	if formSecret != "" {
		return "", "", NewOAuthError(ErrorCodeInvalidRequest, "Only one client authentication method may be used", http.StatusBadRequest)
	}

	// Basic credentials are form-urlencoded first (RFC 6749 section 2.3.1)
	id, err := url.QueryUnescape(basicID)
	if err != nil {
		return "", "", NewOAuthError(ErrorCodeInvalidClient, descInvalidClient, http.StatusUnauthorized)
	}
	secret, err := url.QueryUnescape(basicSecret)
	if err != nil {
		return "", "", NewOAuthError(ErrorCodeInvalidClient, descInvalidClient, http.StatusUnauthorized)
	}

	if formID != "" && formID != id {
		return "", "", NewOAuthError(ErrorCodeInvalidRequest, "client_id does not match the authenticated client", http.StatusBadRequest)
	}
	return id, secret, nil
}

// ServeIntrospection handles the RFC 7662 token introspection endpoint.
// It always answers 200; every failure, including bad client credentials
// when they are supplied, is reported as {"active":false}.
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.introspect")
	defer span.End()

	inactive := server.IntrospectionResult{Active: false}
	security.SetSecurityHeaders(w, h.issuer())

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusOK, inactive)
		return
	}

	if clientID, secret, oe := clientCredentials(r); oe != nil || secret != "" {
		if oe != nil {
			writeJSON(w, http.StatusOK, inactive)
			return
		}
		if _, err := h.server.AuthenticateClient(ctx, clientID, secret); err != nil {
			h.logger.Debug("Introspection with invalid client credentials",
				"client_id", clientID,
				"ip", h.ipResolver.ClientIP(r))
			writeJSON(w, http.StatusOK, inactive)
			return
		}
	}

	result := h.server.Introspect(ctx, r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"))
	instrumentation.SetSpanSuccess(span)
	writeJSON(w, http.StatusOK, result)
}

// ServeRevocation handles the RFC 7009 revocation endpoint. The response is
// always 200 with an empty body so callers cannot probe for tokens; only an
// authenticated client can revoke, and only its own tokens.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.revoke")
	defer span.End()

	security.SetSecurityHeaders(w, h.issuer())

	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	clientIP := h.ipResolver.ClientIP(r)
	clientID, secret, oe := clientCredentials(r)
	if oe != nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	client, err := h.server.AuthenticateClient(ctx, clientID, secret)
	if err != nil {
		h.logger.Warn("Revocation with invalid client credentials",
			"client_id", clientID,
			"ip", clientIP,
			"error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.server.Revoke(ctx, r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"), client.ClientID); err != nil {
		instrumentation.RecordError(span, err)
		h.logger.Error("Token revocation failed",
			"client_id", client.ClientID,
			"error", err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	w.WriteHeader(http.StatusOK)
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, _ *http.Request) {
	security.SetSecurityHeaders(w, h.issuer())
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, h.metadata())
}

// ServeOpenIDConfiguration serves the same document at the OpenID discovery
// path for platforms that only look there.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	h.ServeAuthorizationServerMetadata(w, r)
}

func (h *Handler) metadata() AuthorizationServerMetadata {
	methods := make([]string, 0, len(pkce.SupportedMethods))
	for _, m := range pkce.SupportedMethods {
		if m == pkce.MethodPlain && h.server.Config.DisablePKCEPlain {
			continue
		}
		methods = append(methods, string(m))
	}

	return AuthorizationServerMetadata{
		Issuer:                            h.issuer(),
		AuthorizationEndpoint:             h.endpoint(PathAuthorize),
		TokenEndpoint:                     h.endpoint(PathToken),
		IntrospectionEndpoint:             h.endpoint(PathIntrospect),
		RevocationEndpoint:                h.endpoint(PathRevoke),
		JWKSURI:                           h.endpoint(PathJWKS),
		ScopesSupported:                   h.server.Config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               server.GrantTypeNames(server.SupportedGrantTypes),
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		TokenEndpointAuthSigningAlgValuesSupported: []string{"HS256"},
		CodeChallengeMethodsSupported:              methods,
		ClaimsSupported:                            claimsSupported,
	}
}

// ServeJWKS serves an empty key set. Tokens are HS256 signed, so there is
// no public key to publish.
func (h *Handler) ServeJWKS(w http.ResponseWriter, _ *http.Request) {
	security.SetSecurityHeaders(w, h.issuer())
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, JSONWebKeySet{Keys: []json.RawMessage{}})
}

// ServeHealth is the liveness probe.
func (h *Handler) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tokenInfoContextKey struct{}

// TokenInfoFromContext returns the access token validated by RequireBearer.
func TokenInfoFromContext(ctx context.Context) (*server.TokenInfo, bool) {
	info, ok := ctx.Value(tokenInfoContextKey{}).(*server.TokenInfo)
	return info, ok
}

// RequireBearer is middleware for downstream adapters. It validates the
// Bearer access token (RFC 6750) and requires every scope in scopes. The
// validated token is available through TokenInfoFromContext.
func (h *Handler) RequireBearer(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				h.writeBearerChallenge(w, NewOAuthError(ErrorCodeInvalidToken, "Missing or malformed Authorization header", http.StatusUnauthorized), "")
				return
			}

			info, err := h.server.InspectAccessToken(r.Context(), raw)
			if err != nil {
				if !errors.Is(err, server.ErrInvalidToken) {
					h.logger.Error("Access token validation failed", "error", err)
					h.writeError(w, FromError(err))
					return
				}
				h.writeBearerChallenge(w, FromError(err), "")
				return
			}

			for _, scope := range scopes {
				if !info.HasScope(scope) {
					h.writeBearerChallenge(w, NewOAuthError(ErrorCodeInsufficientScope,
						"The access token does not grant the required scope", http.StatusForbidden), strings.Join(scopes, " "))
					return
				}
			}

			ctx := context.WithValue(r.Context(), tokenInfoContextKey{}, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	scheme, raw, found := strings.Cut(authHeader, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

// writeBearerChallenge writes an RFC 6750 section 3 error with its
// WWW-Authenticate header.
func (h *Handler) writeBearerChallenge(w http.ResponseWriter, oe *OAuthError, scope string) {
	challenge := fmt.Sprintf(`Bearer realm=%q, error=%q, error_description=%q`, h.issuer(), oe.Code, oe.Description)
	if scope != "" {
		challenge += fmt.Sprintf(`, scope=%q`, scope)
	}
	w.Header().Set("WWW-Authenticate", challenge)
	h.writeError(w, oe)
}

// handleError logs err and writes its wire form. Internal failures are
// logged at error level with the cause; protocol errors at debug.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, msg string, args ...any) {
	oe := FromError(err)
	args = append(args, "error", err, "request_id", security.GetRequestID(r.Context()))
	if oe.Status >= http.StatusInternalServerError {
		h.logger.Error(msg, args...)
	} else {
		h.logger.Debug(msg, args...)
	}
	h.writeError(w, oe)
}

func (h *Handler) writeError(w http.ResponseWriter, oe *OAuthError) {
	security.SetSecurityHeaders(w, h.issuer())

	if oe.Status == http.StatusUnauthorized && oe.Code == ErrorCodeInvalidClient {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q`, h.issuer()))
	}

	writeJSON(w, oe.Status, ErrorResponse{
		Error:            oe.Code,
		ErrorDescription: oe.Description,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
