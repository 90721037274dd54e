package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/voicehub/smarthome-oauth/instrumentation"
	"github.com/voicehub/smarthome-oauth/internal/util"
	"github.com/voicehub/smarthome-oauth/storage"
	"github.com/voicehub/smarthome-oauth/token"
)

// IntrospectionResult is an RFC 7662 introspection response. An inactive
// result carries nothing but Active=false.
type IntrospectionResult struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Issuer    string `json:"iss,omitempty"`
}

// Introspect reports whether raw is an active access token. A token is active
// only when an access token record exists, it has not expired and, for
// signed tokens, the signature verifies. Revoked signed tokens are therefore
// inactive even before they expire. Refresh tokens are never reported
// active. Every failure collapses to an inactive result.
//
// Lookups are by hash, so hint only matters for logs.
func (s *Server) Introspect(ctx context.Context, raw, hint string) IntrospectionResult {
	ctx, span := s.tracer.Start(ctx, "server.Introspect")
	defer span.End()

	result := s.introspect(ctx, raw, hint)
	s.metrics().RecordIntrospection(ctx, result.Active)
	instrumentation.SetSpanSuccess(span)
	return result
}

func (s *Server) introspect(ctx context.Context, raw, hint string) IntrospectionResult {
	inactive := IntrospectionResult{Active: false}
	if raw == "" {
		return inactive
	}

	hash := token.Hash(raw)
	record, err := s.tokenStore.GetToken(ctx, hash)
	if err != nil {
		if !errors.Is(err, storage.ErrTokenNotFound) {
			s.Logger.Warn("Introspection lookup failed", "error", err)
		}
		return inactive
	}

	if record.Kind != storage.KindAccess {
		s.Logger.Debug("Introspected token is not an access token",
			"kind", record.Kind,
			"hint", hint,
			"token_hash_prefix", util.SafeTruncate(hash, 8))
		return inactive
	}

	if record.Expired(s.now()) {
		return inactive
	}

	if token.LooksSigned(raw) {
		if _, err := s.codec.Verify(raw, token.KindAccess); err != nil {
			s.Logger.Debug("Introspected token failed verification",
				"reason", err.Error(),
				"hint", hint,
				"token_hash_prefix", util.SafeTruncate(hash, 8))
			return inactive
		}
	}

	subject := record.UserID
	if subject == "" {
		subject = record.ClientID
	}

	return IntrospectionResult{
		Active:    true,
		Scope:     record.Scope,
		ClientID:  record.ClientID,
		Subject:   subject,
		TokenType: TokenTypeBearer,
		ExpiresAt: record.ExpiresAt.Unix(),
		IssuedAt:  record.CreatedAt.Unix(),
		Issuer:    s.Config.Issuer,
	}
}

// Revoke deletes the token raw when it belongs to clientID (RFC 7009).
// Unknown tokens and tokens of other clients are ignored without error so
// the caller learns nothing. Revoking a refresh token also removes the
// owner's access tokens for the client. Only storage failures are returned.
func (s *Server) Revoke(ctx context.Context, raw, hint, clientID string) error {
	ctx, span := s.tracer.Start(ctx, "server.Revoke")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, clientID, "", "")

	if raw == "" {
		return nil
	}

	hash := token.Hash(raw)
	record, err := s.tokenStore.GetToken(ctx, hash)
	if errors.Is(err, storage.ErrTokenNotFound) {
		s.Logger.Debug("Revocation of unknown token", "client_id", clientID, "hint", hint)
		return nil
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("failed to load token: %w", err)
	}

	if record.ClientID != clientID {
		s.Logger.Debug("Revocation of another client's token ignored",
			"client_id", clientID,
			"token_hash_prefix", util.SafeTruncate(hash, 8))
		s.Auditor.LogAuthFailure("", clientID, "", "revoke_foreign_token")
		return nil
	}

	if err := s.tokenStore.DeleteToken(ctx, hash); err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("failed to delete token: %w", err)
	}

	if record.Kind == storage.KindRefresh && record.UserID != "" {
		if _, err := s.tokenStore.DeleteTokensForOwner(ctx, record.ClientID, record.UserID, storage.KindAccess); err != nil {
			instrumentation.RecordError(span, err)
			return fmt.Errorf("failed to delete access tokens: %w", err)
		}
	}

	s.metrics().RecordTokenRevocation(ctx, clientID)
	s.Auditor.LogTokenRevoked(record.UserID, clientID, record.Kind)
	instrumentation.SetSpanSuccess(span)
	return nil
}
