package server

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const pendingAuthorizationType = "pending_authorization"

// PendingAuthorization is a validated authorization request waiting for
// login and consent. It travels between the pages as a signed JWT instead of
// living in a server-side session, so any replica can finish the flow.
type PendingAuthorization struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	State               string `json:"state,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	// UserID is set once the resource owner has logged in
	UserID string `json:"uid,omitempty"`

	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// Authenticated reports whether a user has logged in for this request.
func (p *PendingAuthorization) Authenticated() bool {
	return p.UserID != ""
}

// SealPending signs p. The id and expiry are set on first seal and kept
// afterwards, so logging in neither extends the window nor yields a request
// that can be completed twice.
func (s *Server) SealPending(p *PendingAuthorization) (string, error) {
	now := s.now()
	p.Type = pendingAuthorizationType
	p.Issuer = s.codec.Issuer()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.IssuedAt == nil {
		p.IssuedAt = jwt.NewNumericDate(now)
	}
	if p.ExpiresAt == nil {
		p.ExpiresAt = jwt.NewNumericDate(now.Add(s.Config.PendingAuthorizationTTL))
	}

	raw, err := s.codec.Sign(p)
	if err != nil {
		return "", fmt.Errorf("failed to seal pending authorization: %w", err)
	}
	return raw, nil
}

// OpenPending verifies a sealed pending authorization. Tampered, expired or
// foreign tokens return ErrInvalidRequest.
func (s *Server) OpenPending(raw string) (*PendingAuthorization, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: authorization request is missing", ErrInvalidRequest)
	}

	var p PendingAuthorization
	if err := s.codec.Parse(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: authorization request expired or invalid: %w", ErrInvalidRequest, err)
	}
	if p.Type != pendingAuthorizationType {
		return nil, fmt.Errorf("%w: not a pending authorization", ErrInvalidRequest)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: pending authorization has no id", ErrInvalidRequest)
	}
	return &p, nil
}

// completePending marks p as finished. Only the first approve or deny of a
// pending authorization succeeds; later posts of the same form get
// ErrInvalidRequest. The record is per process, so with several replicas a
// replay is only caught by the replica that completed the request.
func (s *Server) completePending(p *PendingAuthorization) error {
	if err := s.completedPending.Add(p.ID, struct{}{}, s.Config.PendingAuthorizationTTL); err != nil {
		s.Logger.Warn("Pending authorization replayed",
			"client_id", p.ClientID)
		return ErrAuthorizationCompleted
	}
	return nil
}
