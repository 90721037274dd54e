package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/voicehub/smarthome-oauth/pkce"
	"github.com/voicehub/smarthome-oauth/security"
	"github.com/voicehub/smarthome-oauth/storage"
)

// AuthorizationRequest holds the parameters of an authorization endpoint
// request (RFC 6749 section 4.1.1, RFC 7636 section 4.3).
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ValidateAuthorizationRequest checks an authorization request and returns
// it as a PendingAuthorization.
//
// When the client is unknown or the redirect URI does not match, the pending
// authorization is nil and the error must be shown to the user agent. For
// every other error the pending authorization is returned so the caller can
// redirect the error to the client with ErrorRedirect.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req AuthorizationRequest) (*PendingAuthorization, *storage.Client, error) {
	client, err := s.GetClient(ctx, req.ClientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		s.Auditor.LogAuthFailure("", req.ClientID, "", "authorize_unknown_client")
		return nil, nil, fmt.Errorf("%w: unknown client", ErrInvalidClient)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load client: %w", err)
	}

	redirectURI, err := matchRedirectURI(client, req.RedirectURI)
	if err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventInvalidRedirect,
			ClientID: client.ClientID,
		})
		return nil, client, err
	}

	pending := &PendingAuthorization{
		ClientID:    client.ClientID,
		RedirectURI: redirectURI,
		State:       req.State,
	}

	if req.ResponseType != "code" {
		return pending, client, fmt.Errorf("%w: response_type must be code", ErrUnsupportedResponseType)
	}

	scope, err := resolveScope(req.Scope, client.Scopes)
	if err != nil {
		return pending, client, err
	}
	pending.Scope = scope

	method, err := s.checkChallenge(req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		return pending, client, err
	}
	pending.CodeChallenge = req.CodeChallenge
	pending.CodeChallengeMethod = method

	return pending, client, nil
}

// checkChallenge validates the PKCE parameters of an authorization request
// and returns the effective method ("" when PKCE is not used).
func (s *Server) checkChallenge(challenge, method string) (string, error) {
	if challenge == "" {
		if method != "" {
			return "", fmt.Errorf("%w: code_challenge_method without code_challenge", ErrInvalidRequest)
		}
		if s.Config.RequirePKCE {
			return "", fmt.Errorf("%w: code_challenge is required", ErrInvalidRequest)
		}
		return "", nil
	}

	m, err := pkce.ParseMethod(method)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if m == pkce.MethodPlain && s.Config.DisablePKCEPlain {
		return "", fmt.Errorf("%w: code_challenge_method plain is not allowed", ErrInvalidRequest)
	}
	if !pkce.ValidChallenge(challenge, m) {
		return "", fmt.Errorf("%w: malformed code_challenge", ErrInvalidRequest)
	}
	return string(m), nil
}

// AuthenticateUser checks resource owner credentials for a pending
// authorization. Failures return ErrLoginFailed.
func (s *Server) AuthenticateUser(ctx context.Context, username, password, clientIP string, pending *PendingAuthorization) (string, error) {
	if s.users == nil {
		return "", fmt.Errorf("no user authenticator configured")
	}

	userID, err := s.users.Authenticate(ctx, username, password)
	if err != nil {
		if errors.Is(err, ErrLoginFailed) {
			s.metrics().RecordLoginFailed(ctx)
			s.Auditor.LogLoginFailure(username, pending.ClientID, clientIP)
		}
		return "", err
	}
	return userID, nil
}

// Approve issues an authorization code for a pending authorization the user
// has consented to and returns the client redirect carrying it. Each pending
// authorization yields at most one code.
func (s *Server) Approve(ctx context.Context, pending *PendingAuthorization) (string, error) {
	if !pending.Authenticated() {
		return "", fmt.Errorf("%w: user is not logged in", ErrAccessDenied)
	}
	if err := s.completePending(pending); err != nil {
		return "", err
	}

	code, err := s.IssueGrant(ctx, IssueGrantRequest{
		ClientID:            pending.ClientID,
		UserID:              pending.UserID,
		RedirectURI:         pending.RedirectURI,
		Scope:               pending.Scope,
		State:               pending.State,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
	})
	if err != nil {
		return "", err
	}

	params := url.Values{"code": {code}}
	if pending.State != "" {
		params.Set("state", pending.State)
	}
	return appendQuery(pending.RedirectURI, params)
}

// Deny returns the client redirect for a refused consent. A denied pending
// authorization cannot be approved afterwards.
func (s *Server) Deny(pending *PendingAuthorization) (string, error) {
	if err := s.completePending(pending); err != nil {
		return "", err
	}
	s.Auditor.LogEvent(security.Event{
		Type:     security.EventAccessDenied,
		UserID:   pending.UserID,
		ClientID: pending.ClientID,
	})
	return ErrorRedirect(pending, fmt.Errorf("%w: the resource owner denied the request", ErrAccessDenied))
}

// ErrorRedirect builds the client redirect reporting err (RFC 6749 section
// 4.1.2.1). pending must come from ValidateAuthorizationRequest.
func ErrorRedirect(pending *PendingAuthorization, err error) (string, error) {
	params := url.Values{"error": {ErrorCode(err)}}
	if desc := errorDescription(err); desc != "" {
		params.Set("error_description", desc)
	}
	if pending.State != "" {
		params.Set("state", pending.State)
	}
	return appendQuery(pending.RedirectURI, params)
}

// errorDescription returns a fixed, non-revealing description per code.
func errorDescription(err error) string {
	switch ErrorCode(err) {
	case ErrorCodeInvalidScope:
		return "The requested scope is invalid or exceeds the client's scope"
	case ErrorCodeUnsupportedResponseType:
		return "Only the code response type is supported"
	case ErrorCodeAccessDenied:
		return "The resource owner denied the request"
	case ErrorCodeInvalidRequest:
		return "The authorization request is invalid"
	case ErrorCodeServerError:
		return "The server encountered an unexpected error"
	default:
		return ""
	}
}

func appendQuery(rawURL string, params url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URI: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
