package server

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicehub/smarthome-oauth/storage"
)

func TestRegisterClient_Defaults(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	client, secret, err := env.srv.RegisterClient(ctx, ClientRegistration{
		RedirectURI: testRedirectURI,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, client.ClientID)
	assert.NotEmpty(t, secret)
	assert.NotEqual(t, secret, client.SecretHash, "only the hash is stored")
	assert.Equal(t, DefaultClientScopes, client.Scopes)
	assert.Equal(t, DefaultClientGrantTypes, client.GrantTypes)
	assert.Equal(t, "signed", client.TokenFormat)
	assert.Equal(t, DefaultAccessTokenTTL, client.AccessTokenTTL)
	assert.Equal(t, DefaultRefreshTokenTTL, client.RefreshTokenTTL)

	stored, err := env.store.GetClient(ctx, client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, client.SecretHash, stored.SecretHash)

	_, err = env.srv.AuthenticateClient(ctx, client.ClientID, secret)
	assert.NoError(t, err)
}

func TestRegisterClient_Validation(t *testing.T) {
	env := newTestEnv(t, &Config{SupportedScopes: []string{"device:read", "device:control"}})

	tests := []struct {
		name    string
		reg     ClientRegistration
		wantErr error
	}{
		{"missing redirect", ClientRegistration{}, ErrInvalidRequest},
		{"relative redirect", ClientRegistration{RedirectURI: "/callback"}, ErrInvalidRequest},
		{"fragment", ClientRegistration{RedirectURI: "https://cb.example.com/#frag"}, ErrInvalidRequest},
		{"javascript scheme", ClientRegistration{RedirectURI: "javascript:alert(1)"}, ErrInvalidRequest},
		{"http on public host", ClientRegistration{RedirectURI: "http://cb.example.com/callback"}, ErrInvalidRequest},
		{"unknown token format", ClientRegistration{RedirectURI: testRedirectURI, TokenFormat: "paseto"}, ErrInvalidRequest},
		{"unsupported scope", ClientRegistration{RedirectURI: testRedirectURI, Scopes: []string{"admin"}}, ErrInvalidScope},
		{"unknown grant type", ClientRegistration{RedirectURI: testRedirectURI, GrantTypes: []string{"password"}}, ErrUnsupportedGrantType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := env.srv.RegisterClient(context.Background(), tt.reg)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRegisterClient_LoopbackHTTPRedirect(t *testing.T) {
	env := newTestEnv(t, nil)

	_, _, err := env.srv.RegisterClient(context.Background(), ClientRegistration{
		RedirectURI: "http://127.0.0.1:9000/callback",
	})
	assert.NoError(t, err)
}

func TestAuthenticateClient(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerClient(t, ClientRegistration{})

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  error
	}{
		{"valid", testClientID, testSecret, nil},
		{"wrong secret", testClientID, "s2", ErrInvalidClient},
		{"unknown client", "c2", testSecret, ErrInvalidClient},
		{"empty secret", testClientID, "", ErrInvalidClient},
		{"empty id", "", testSecret, ErrInvalidClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := env.srv.AuthenticateClient(context.Background(), tt.clientID, tt.secret)
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, testClientID, client.ClientID)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, client)
		})
	}
}

func TestGetClient_ReturnsCopies(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerClient(t, ClientRegistration{})
	ctx := context.Background()

	first, err := env.srv.GetClient(ctx, testClientID)
	require.NoError(t, err)
	first.Scopes[0] = "admin"

	second, err := env.srv.GetClient(ctx, testClientID)
	require.NoError(t, err)
	assert.Equal(t, "device:read", second.Scopes[0])
}

func TestDeleteClient_EvictsCache(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerClient(t, ClientRegistration{})
	ctx := context.Background()

	_, err := env.srv.GetClient(ctx, testClientID)
	require.NoError(t, err)

	require.NoError(t, env.srv.DeleteClient(ctx, testClientID))

	_, err = env.srv.GetClient(ctx, testClientID)
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() after delete error = %v, want ErrClientNotFound", err)
	}

	clients, err := env.srv.ListClients(ctx)
	require.NoError(t, err)
	assert.Empty(t, clients)
}
