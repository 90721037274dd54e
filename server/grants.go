package server

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/voicehub/smarthome-oauth/instrumentation"
	"github.com/voicehub/smarthome-oauth/internal/util"
	"github.com/voicehub/smarthome-oauth/pkce"
	"github.com/voicehub/smarthome-oauth/security"
	"github.com/voicehub/smarthome-oauth/storage"
	"github.com/voicehub/smarthome-oauth/token"
)

// IssueGrantRequest carries an approved authorization request. The caller
// has already validated the client, redirect URI and scope.
type IssueGrantRequest struct {
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// IssueGrant creates a single-use authorization code. Only its hash is
// stored; the returned code is the sole copy.
func (s *Server) IssueGrant(ctx context.Context, req IssueGrantRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "server.IssueGrant")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, req.UserID, req.Scope)
	instrumentation.AddPKCEAttributes(span, req.CodeChallengeMethod)

	if req.ClientID == "" || req.UserID == "" || req.RedirectURI == "" {
		return "", fmt.Errorf("%w: client, user and redirect_uri are required", ErrInvalidRequest)
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" && method == "" {
		method = string(pkce.MethodPlain)
	}
	if req.CodeChallenge == "" {
		method = ""
	}

	code := generateRandomToken()
	now := s.now()

	grant := &storage.Grant{
		CodeHash:            token.Hash(code),
		ClientID:            req.ClientID,
		UserID:              req.UserID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}

	if err := s.grantStore.SaveGrant(ctx, grant); err != nil {
		instrumentation.RecordError(span, err)
		return "", fmt.Errorf("failed to save authorization grant: %w", err)
	}

	s.metrics().RecordGrantIssued(ctx, req.ClientID, method)
	s.Auditor.LogGrantIssued(req.UserID, req.ClientID, req.Scope, method)
	instrumentation.SetSpanSuccess(span)

	return code, nil
}

// ConsumeGrant redeems an authorization code exactly once.
//
// The immutable fields are checked first (client, redirect URI, PKCE) so a
// request that fails them does not burn the code. The grant is then marked
// used by the store's atomic conditional write, which also re-checks expiry;
// of any number of concurrent callers at most one gets the grant.
//
// All failures wrap ErrInvalidGrant. On storage.ErrGrantAlreadyUsed the
// stored grant is returned with the error so the caller can react to reuse.
func (s *Server) ConsumeGrant(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*storage.Grant, error) {
	ctx, span := s.tracer.Start(ctx, "server.ConsumeGrant")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, clientID, "", "")

	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}

	codeHash := token.Hash(code)
	now := s.now()

	grant, err := s.grantStore.GetGrant(ctx, codeHash)
	if err != nil {
		if errors.Is(err, storage.ErrGrantNotFound) {
			return nil, s.grantFailure(span, clientID, code, invalidGrant(err))
		}
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to load authorization grant: %w", err)
	}

	if grant.Used {
		return grant, s.grantFailure(span, clientID, code, invalidGrant(storage.ErrGrantAlreadyUsed))
	}
	if grant.Expired(now) {
		return nil, s.grantFailure(span, clientID, code, invalidGrant(storage.ErrGrantExpired))
	}
	if grant.ClientID != clientID {
		return nil, s.grantFailure(span, clientID, code, ErrClientMismatch)
	}
	if grant.RedirectURI != redirectURI {
		return nil, s.grantFailure(span, clientID, code, ErrRedirectMismatch)
	}
	if err := s.verifyPKCE(ctx, grant, codeVerifier); err != nil {
		return nil, s.grantFailure(span, clientID, code, err)
	}

	used, err := s.grantStore.AtomicMarkGrantUsed(ctx, codeHash, now)
	if err != nil {
		if isGrantFailure(err) {
			return used, s.grantFailure(span, clientID, code, invalidGrant(err))
		}
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to mark authorization grant used: %w", err)
	}

	s.metrics().RecordCodeExchange(ctx, clientID, used.CodeChallengeMethod)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrUserID, used.UserID))
	instrumentation.SetSpanSuccess(span)
	return used, nil
}

// verifyPKCE checks the code_verifier against the stored challenge. A grant
// with a challenge requires a verifier, and a verifier sent for a grant
// issued without a challenge is rejected too (PKCE downgrade, RFC 9700
// section 2.1.1).
func (s *Server) verifyPKCE(ctx context.Context, grant *storage.Grant, verifier string) error {
	if grant.CodeChallenge == "" {
		if verifier != "" {
			return ErrPKCEFailure
		}
		return nil
	}

	if verifier != "" {
		method, err := pkce.ParseMethod(grant.CodeChallengeMethod)
		if err == nil && pkce.Verify(verifier, grant.CodeChallenge, method) {
			return nil
		}
	}

	s.metrics().RecordPKCEValidationFailed(ctx, grant.CodeChallengeMethod)
	s.Auditor.LogEvent(security.Event{
		Type:     security.EventPKCEValidationFailed,
		UserID:   grant.UserID,
		ClientID: grant.ClientID,
		Details: map[string]any{
			"method":           grant.CodeChallengeMethod,
			"verifier_present": verifier != "",
		},
	})
	return ErrPKCEFailure
}

// grantFailure logs a failed redemption at debug level and returns err.
// Callers only ever see invalid_grant.
func (s *Server) grantFailure(span trace.Span, clientID, code string, err error) error {
	s.Logger.Debug("Authorization code validation failed",
		"reason", err.Error(),
		"client_id", clientID,
		"code_hash_prefix", util.SafeTruncate(token.Hash(code), 8))
	instrumentation.SetSpanError(span, ErrorCodeInvalidGrant)
	return err
}
