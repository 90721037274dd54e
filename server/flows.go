package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/voicehub/smarthome-oauth/instrumentation"
	"github.com/voicehub/smarthome-oauth/internal/util"
	"github.com/voicehub/smarthome-oauth/security"
	"github.com/voicehub/smarthome-oauth/storage"
	"github.com/voicehub/smarthome-oauth/token"
)

// TokenTypeBearer is the token_type of every access token response.
const TokenTypeBearer = "Bearer"

// TokenRequest is a parsed token endpoint request.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// TokenResponse is a successful token endpoint response (RFC 6749 section 5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenInfo describes a validated access token.
type TokenInfo struct {
	Format    token.Format
	Subject   string
	UserID    string // empty for client_credentials tokens
	ClientID  string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasScope reports whether the token was granted scope.
func (t *TokenInfo) HasScope(scope string) bool {
	return util.ScopeSubset([]string{scope}, util.SplitScope(t.Scope))
}

// Token runs a token endpoint request: it parses the grant type,
// authenticates the client, checks the client may use the grant and
// dispatches to the grant handler.
func (s *Server) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	grantType, err := ParseGrantType(req.GrantType)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "server.Token")
	defer span.End()
	instrumentation.AddGrantAttributes(span, grantType.String(), "")
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", "")

	client, err := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if !client.AllowsGrantType(grantType.String()) {
		s.Auditor.LogAuthFailure("", client.ClientID, "", "grant_type_not_allowed:"+grantType.String())
		return nil, fmt.Errorf("%w: client is not allowed to use %s", ErrUnauthorizedClient, grantType)
	}

	var resp *TokenResponse
	switch grantType {
	case GrantAuthorizationCode:
		resp, err = s.ExchangeAuthorizationCode(ctx, client, req.Code, req.RedirectURI, req.CodeVerifier)
	case GrantRefreshToken:
		resp, err = s.RefreshAccessToken(ctx, client, req.RefreshToken, req.Scope)
	case GrantClientCredentials:
		resp, err = s.ClientCredentials(ctx, client, req.Scope)
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	instrumentation.AddGrantAttributes(span, "", client.TokenFormat)
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

// ExchangeAuthorizationCode redeems a code for an access and refresh token.
// client must already be authenticated.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}
	if redirectURI == "" {
		return nil, fmt.Errorf("%w: redirect_uri is required", ErrInvalidRequest)
	}

	grant, err := s.ConsumeGrant(ctx, code, client.ClientID, redirectURI, codeVerifier)
	if err != nil {
		if errors.Is(err, storage.ErrGrantAlreadyUsed) && grant != nil && grant.ClientID == client.ClientID {
			s.handleCodeReuse(ctx, grant)
		}
		if errors.Is(err, ErrInvalidGrant) {
			s.Auditor.LogAuthFailure("", client.ClientID, "", "invalid_authorization_code")
		}
		return nil, err
	}

	scope := grant.Scope
	if scope == "" {
		scope = util.JoinScope(client.Scopes)
	}

	resp, err := s.issueTokens(ctx, client, issueParams{
		subject:      grant.UserID,
		userID:       grant.UserID,
		scope:        scope,
		refreshScope: scope,
		withRefresh:  true,
	})
	if err != nil {
		return nil, err
	}

	s.metrics().RecordTokenIssued(ctx, GrantAuthorizationCode.String(), client.TokenFormat)
	s.Auditor.LogTokenIssued(grant.UserID, client.ClientID, GrantAuthorizationCode.String(), scope)
	return resp, nil
}

// handleCodeReuse revokes the refresh and access tokens the owner of a
// replayed code holds for the client. A replay means the code leaked, so
// whatever the first redemption produced may be in the wrong hands (RFC 6749
// section 4.1.2). Signed access tokens remain acceptable to
// ValidateAccessToken until they expire unless CheckSignedTokenRevocation is
// set, since that path never reads the store.
func (s *Server) handleCodeReuse(ctx context.Context, grant *storage.Grant) {
	revoked := 0
	for _, kind := range []string{storage.KindRefresh, storage.KindAccess} {
		n, err := s.tokenStore.DeleteTokensForOwner(ctx, grant.ClientID, grant.UserID, kind)
		if err != nil {
			s.Logger.Error("Failed to revoke tokens after code reuse detection",
				"client_id", grant.ClientID,
				"kind", kind,
				"error", err)
			continue
		}
		revoked += n
	}

	s.Logger.Error("Authorization code reuse detected - revoking owner tokens",
		"client_id", grant.ClientID,
		"revoked", revoked)
	s.metrics().RecordCodeReuse(ctx)
	s.Auditor.LogCodeReuse(grant.UserID, grant.ClientID, revoked)
}

// RefreshAccessToken redeems a refresh token for a new access token. With
// rotation on (the default) the presented refresh token is consumed
// atomically and a new one is returned; concurrent redemptions of the same
// token see at most one success. scope may narrow the original scope.
func (s *Server) RefreshAccessToken(ctx context.Context, client *storage.Client, refreshToken, scope string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: refresh_token is required", ErrInvalidRequest)
	}

	hash := token.Hash(refreshToken)
	reject := func(reason string) error {
		s.Logger.Debug("Refresh token validation failed",
			"reason", reason,
			"client_id", client.ClientID,
			"token_hash_prefix", util.SafeTruncate(hash, 8))
		s.Auditor.LogAuthFailure("", client.ClientID, "", "invalid_refresh_token")
		return fmt.Errorf("%w: %s", ErrInvalidGrant, reason)
	}

	if token.LooksSigned(refreshToken) {
		if _, err := s.codec.Verify(refreshToken, token.KindRefresh); err != nil {
			return nil, reject(err.Error())
		}
	}

	record, err := s.tokenStore.GetToken(ctx, hash)
	if errors.Is(err, storage.ErrTokenNotFound) {
		return nil, reject("refresh token not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	switch {
	case record.Kind != storage.KindRefresh:
		return nil, reject("not a refresh token")
	case record.ClientID != client.ClientID:
		return nil, reject("refresh token was issued to another client")
	case record.Expired(s.now()):
		return nil, reject("refresh token expired")
	}

	accessScope, err := resolveScope(scope, util.SplitScope(record.Scope))
	if err != nil {
		s.Auditor.LogEvent(scopeEscalation(record.UserID, client.ClientID, scope, record.Scope))
		return nil, err
	}

	rotate := s.Config.RotateRefreshTokens()
	if rotate {
		if _, err := s.tokenStore.AtomicConsumeToken(ctx, hash); err != nil {
			if errors.Is(err, storage.ErrTokenNotFound) {
				return nil, reject("refresh token already redeemed")
			}
			return nil, fmt.Errorf("failed to consume refresh token: %w", err)
		}
	}

	if n, err := s.tokenStore.DeleteTokensForOwner(ctx, client.ClientID, record.UserID, storage.KindAccess); err != nil {
		s.Logger.Warn("Failed to delete previous access tokens on refresh",
			"client_id", client.ClientID,
			"error", err)
	} else if n > 0 {
		s.Logger.Debug("Deleted previous access tokens on refresh",
			"client_id", client.ClientID,
			"count", n)
	}

	subject := record.UserID
	if subject == "" {
		subject = client.ClientID
	}

	resp, err := s.issueTokens(ctx, client, issueParams{
		subject:      subject,
		userID:       record.UserID,
		scope:        accessScope,
		refreshScope: record.Scope,
		withRefresh:  rotate,
	})
	if err != nil {
		return nil, err
	}
	if !rotate {
		resp.RefreshToken = refreshToken
	}

	s.metrics().RecordTokenRefresh(ctx, client.ClientID, rotate)
	s.metrics().RecordTokenIssued(ctx, GrantRefreshToken.String(), client.TokenFormat)
	s.Auditor.LogTokenRefreshed(record.UserID, client.ClientID, rotate)
	return resp, nil
}

// ClientCredentials issues an access token to the client itself. No refresh
// token is issued and the subject is the client id.
func (s *Server) ClientCredentials(ctx context.Context, client *storage.Client, scope string) (*TokenResponse, error) {
	resolved, err := resolveScope(scope, client.Scopes)
	if err != nil {
		s.Auditor.LogEvent(scopeEscalation("", client.ClientID, scope, util.JoinScope(client.Scopes)))
		return nil, err
	}

	resp, err := s.issueTokens(ctx, client, issueParams{
		subject: client.ClientID,
		scope:   resolved,
	})
	if err != nil {
		return nil, err
	}

	s.metrics().RecordTokenIssued(ctx, GrantClientCredentials.String(), client.TokenFormat)
	s.Auditor.LogTokenIssued("", client.ClientID, GrantClientCredentials.String(), resolved)
	return resp, nil
}

type issueParams struct {
	subject      string
	userID       string
	scope        string
	refreshScope string
	withRefresh  bool
}

// issueTokens mints an access token, and optionally a refresh token, in the
// client's format and persists both by hash.
func (s *Server) issueTokens(ctx context.Context, client *storage.Client, p issueParams) (*TokenResponse, error) {
	format, err := token.ParseFormat(client.TokenFormat)
	if err != nil {
		return nil, fmt.Errorf("client %s has an invalid token format: %w", client.ClientID, err)
	}

	now := s.now()

	access, err := s.mintAndStore(ctx, format, token.KindAccess, client, p.subject, p.userID, p.scope, now, client.AccessTokenTTL)
	if err != nil {
		return nil, err
	}

	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(client.AccessTokenTTL / time.Second),
		Scope:       p.scope,
	}

	if p.withRefresh {
		refresh, err := s.mintAndStore(ctx, format, token.KindRefresh, client, p.subject, p.userID, p.refreshScope, now, client.RefreshTokenTTL)
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = refresh
	}

	return resp, nil
}

func (s *Server) mintAndStore(ctx context.Context, format token.Format, kind token.Kind, client *storage.Client,
	subject, userID, scope string, now time.Time, ttl time.Duration) (string, error) {
	expiresAt := now.Add(ttl)

	raw, err := s.codec.Mint(format, token.Claims{
		Subject:   subject,
		ClientID:  client.ClientID,
		Scope:     scope,
		Kind:      kind,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to mint %s: %w", kind, err)
	}

	record := &storage.Token{
		TokenHash: token.Hash(raw),
		Kind:      string(kind),
		Format:    string(format),
		ClientID:  client.ClientID,
		UserID:    userID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	if err := s.tokenStore.SaveToken(ctx, record); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", kind, err)
	}
	return raw, nil
}

// ValidateAccessToken reports whether raw is a usable access token.
func (s *Server) ValidateAccessToken(ctx context.Context, raw string) bool {
	_, err := s.InspectAccessToken(ctx, raw)
	return err == nil
}

// InspectAccessToken validates an access token and returns what it grants.
//
// Signed tokens are checked for signature, issuer, expiry and kind without a
// store round trip unless Config.CheckSignedTokenRevocation is set. Opaque
// tokens are looked up by hash. Validation failures wrap ErrInvalidToken;
// any other error is a storage failure.
func (s *Server) InspectAccessToken(ctx context.Context, raw string) (*TokenInfo, error) {
	ctx, span := s.tracer.Start(ctx, "server.InspectAccessToken")
	defer span.End()

	format := token.FormatOpaque
	if token.LooksSigned(raw) {
		format = token.FormatSigned
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrTokenFormat, string(format)))

	info, err := s.inspectAccessToken(ctx, raw, format)
	s.metrics().RecordTokenValidation(ctx, string(format), err == nil)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	instrumentation.AddOAuthFlowAttributes(span, info.ClientID, info.UserID, info.Scope)
	instrumentation.SetSpanSuccess(span)
	return info, nil
}

func (s *Server) inspectAccessToken(ctx context.Context, raw string, format token.Format) (*TokenInfo, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: token is empty", ErrInvalidToken)
	}

	if format == token.FormatSigned {
		claims, err := s.codec.Verify(raw, token.KindAccess)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}

		info := &TokenInfo{
			Format:    token.FormatSigned,
			Subject:   claims.Subject,
			ClientID:  claims.ClientID,
			Scope:     claims.Scope,
			IssuedAt:  claims.IssuedAt,
			ExpiresAt: claims.ExpiresAt,
		}
		if info.Subject != info.ClientID {
			info.UserID = info.Subject
		}

		if s.Config.CheckSignedTokenRevocation {
			record, err := s.lookupToken(ctx, raw)
			if err != nil {
				return nil, err
			}
			info.UserID = record.UserID
		}
		return info, nil
	}

	record, err := s.lookupToken(ctx, raw)
	if err != nil {
		return nil, err
	}
	if record.Kind != storage.KindAccess {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, token.ErrWrongKind)
	}
	if record.Expired(s.now()) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, token.ErrExpired)
	}

	return recordInfo(record), nil
}

// lookupToken loads the store record for raw. A missing record means the
// token was never issued here or has been revoked.
func (s *Server) lookupToken(ctx context.Context, raw string) (*storage.Token, error) {
	record, err := s.tokenStore.GetToken(ctx, token.Hash(raw))
	if errors.Is(err, storage.ErrTokenNotFound) {
		return nil, fmt.Errorf("%w: token is unknown or revoked", ErrInvalidToken)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	return record, nil
}

func recordInfo(record *storage.Token) *TokenInfo {
	subject := record.UserID
	if subject == "" {
		subject = record.ClientID
	}
	return &TokenInfo{
		Format:    token.Format(record.Format),
		Subject:   subject,
		UserID:    record.UserID,
		ClientID:  record.ClientID,
		Scope:     record.Scope,
		IssuedAt:  record.CreatedAt,
		ExpiresAt: record.ExpiresAt,
	}
}

func scopeEscalation(userID, clientID, requested, granted string) security.Event {
	return security.Event{
		Type:     security.EventScopeEscalationAttempt,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"requested_scope": requested,
			"granted_scope":   granted,
		},
	}
}
