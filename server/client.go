package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/crypto/bcrypt"

	"github.com/voicehub/smarthome-oauth/storage"
	"github.com/voicehub/smarthome-oauth/token"
)

// ClientRegistration describes a client to register. Empty fields take the
// server defaults; an empty ClientID or ClientSecret is generated.
type ClientRegistration struct {
	ClientID        string
	ClientSecret    string
	Name            string
	RedirectURI     string
	Scopes          []string
	GrantTypes      []string
	TokenFormat     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AutoApprove     bool

	// Source labels the audit event ("config", "cli", ...)
	Source string
}

// dummySecretHash is compared against when a client id is unknown so that
// lookups of unknown and known clients take the same time.
var dummySecretHash = func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("unknown-client"), bcrypt.DefaultCost)
	return h
}()

// RegisterClient validates and stores a client. It returns the stored client
// and the plaintext secret, which is not recoverable afterwards.
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration) (*storage.Client, string, error) {
	client, err := s.buildClient(reg)
	if err != nil {
		return nil, "", err
	}

	secret := reg.ClientSecret
	if secret == "" {
		secret = generateRandomToken()
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	client.SecretHash = string(hash)

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}
	s.forgetClient(client.ClientID)

	source := reg.Source
	if source == "" {
		source = "api"
	}
	s.Auditor.LogClientRegistered(client.ClientID, source)
	s.Logger.Info("Registered OAuth client",
		"client_id", client.ClientID,
		"client_name", client.Name,
		"token_format", client.TokenFormat,
		"source", source)

	return client, secret, nil
}

// buildClient applies defaults and validates a registration.
func (s *Server) buildClient(reg ClientRegistration) (*storage.Client, error) {
	if err := ValidateRedirectURIForRegistration(reg.RedirectURI); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	format, err := token.ParseFormat(reg.TokenFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	clientID := reg.ClientID
	if clientID == "" {
		clientID = generateRandomToken()
	}

	scopes := slices.Clone(reg.Scopes)
	if len(scopes) == 0 {
		scopes = slices.Clone(DefaultClientScopes)
	}
	if len(s.Config.SupportedScopes) > 0 {
		for _, sc := range scopes {
			if !slices.Contains(s.Config.SupportedScopes, sc) {
				return nil, fmt.Errorf("%w: scope %q is not supported", ErrInvalidScope, sc)
			}
		}
	}

	grantTypes := slices.Clone(reg.GrantTypes)
	if len(grantTypes) == 0 {
		grantTypes = slices.Clone(DefaultClientGrantTypes)
	}
	for _, gt := range grantTypes {
		if _, err := ParseGrantType(gt); err != nil {
			return nil, err
		}
	}

	accessTTL := reg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTokenTTL
	}
	refreshTTL := reg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}

	return &storage.Client{
		ClientID:        clientID,
		Name:            reg.Name,
		RedirectURI:     reg.RedirectURI,
		Scopes:          scopes,
		GrantTypes:      grantTypes,
		TokenFormat:     string(format),
		AccessTokenTTL:  accessTTL,
		RefreshTokenTTL: refreshTTL,
		AutoApprove:     reg.AutoApprove,
		CreatedAt:       s.now(),
	}, nil
}

// GetClient returns a client by id, served from the lookup cache when enabled.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, storage.ErrClientNotFound
	}
	if s.clientCache != nil {
		if c, ok := s.clientCache.Get(clientID); ok {
			return c.(*storage.Client).Clone(), nil
		}
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if s.clientCache != nil {
		s.clientCache.Set(clientID, client.Clone(), cache.DefaultExpiration)
	}
	return client, nil
}

// ListClients returns every registered client.
func (s *Server) ListClients(ctx context.Context) ([]*storage.Client, error) {
	return s.clientStore.ListClients(ctx)
}

// DeleteClient removes a client. Tokens already issued to it stay valid
// until they expire or are revoked.
func (s *Server) DeleteClient(ctx context.Context, clientID string) error {
	if err := s.clientStore.DeleteClient(ctx, clientID); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	s.forgetClient(clientID)
	s.Logger.Info("Deleted OAuth client", "client_id", clientID)
	return nil
}

func (s *Server) forgetClient(clientID string) {
	if s.clientCache != nil {
		s.clientCache.Delete(clientID)
	}
}

// AuthenticateClient checks client credentials with bcrypt. Unknown clients
// and wrong secrets both return ErrInvalidClient; storage failures are
// returned as is.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("%w: client credentials are required", ErrInvalidClient)
	}

	client, err := s.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		_ = bcrypt.CompareHashAndPassword(dummySecretHash, []byte(clientSecret))
		s.Auditor.LogAuthFailure("", clientID, "", "unknown_client")
		return nil, fmt.Errorf("%w: unknown client", ErrInvalidClient)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)); err != nil {
		s.Auditor.LogAuthFailure("", clientID, "", "invalid_client_secret")
		return nil, fmt.Errorf("%w: client secret mismatch", ErrInvalidClient)
	}

	return client, nil
}
