package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicehub/smarthome-oauth/storage"
	"github.com/voicehub/smarthome-oauth/token"
)

func TestIntrospect_Active(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerClient(t, ClientRegistration{})
	resp := env.exchange(t)

	got := env.srv.Introspect(context.Background(), resp.AccessToken, "")
	assert.Equal(t, IntrospectionResult{
		Active:    true,
		Scope:     "device:read",
		ClientID:  testClientID,
		Subject:   testUserID,
		TokenType: TokenTypeBearer,
		ExpiresAt: testStart.Add(time.Hour).Unix(),
		IssuedAt:  testStart.Unix(),
		Issuer:    testIssuer,
	}, got)

}

func TestIntrospect_RefreshTokensAreNeverActive(t *testing.T) {
	for _, format := range []string{"signed", "opaque"} {
		t.Run(format, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.registerClient(t, ClientRegistration{TokenFormat: format})
			resp := env.exchange(t)

			for _, hint := range []string{"", "refresh_token", "access_token"} {
				got := env.srv.Introspect(context.Background(), resp.RefreshToken, hint)
				assert.Equal(t, IntrospectionResult{Active: false}, got, "hint %q", hint)
			}

			_, err := env.store.GetToken(context.Background(), token.Hash(resp.RefreshToken))
			assert.NoError(t, err, "introspection must not consume the refresh token")
		})
	}
}

func TestIntrospect_Inactive(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, env *testEnv, resp *TokenResponse) string
	}{
		{"empty", func(*testing.T, *testEnv, *TokenResponse) string { return "" }},
		{"unknown", func(*testing.T, *testEnv, *TokenResponse) string { return "never-issued" }},
		{"expired", func(_ *testing.T, env *testEnv, resp *TokenResponse) string {
			env.clock.Advance(time.Hour)
			return resp.AccessToken
		}},
		{"revoked", func(t *testing.T, env *testEnv, resp *TokenResponse) string {
			require.NoError(t, env.srv.Revoke(context.Background(), resp.AccessToken, "", testClientID))
			return resp.AccessToken
		}},
		{"tampered", func(_ *testing.T, _ *testEnv, resp *TokenResponse) string {
			return resp.AccessToken + "x"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.registerClient(t, ClientRegistration{})
			resp := env.exchange(t)

			raw := tt.setup(t, env, resp)
			got := env.srv.Introspect(context.Background(), raw, "")
			assert.Equal(t, IntrospectionResult{Active: false}, got)
		})
	}
}

func TestIntrospect_ClientCredentialsSubject(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerClient(t, ClientRegistration{TokenFormat: "opaque"})

	resp, err := env.srv.Token(context.Background(), TokenRequest{
		GrantType:    "client_credentials",
		ClientID:     testClientID,
		ClientSecret: testSecret,
	})
	require.NoError(t, err)

	got := env.srv.Introspect(context.Background(), resp.AccessToken, "access_token")
	assert.True(t, got.Active)
	assert.Equal(t, testClientID, got.Subject)
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerClient(t, ClientRegistration{})
	ctx := context.Background()
	resp := env.exchange(t)

	require.NoError(t, env.srv.Revoke(ctx, resp.AccessToken, "access_token", testClientID))

	_, err := env.store.GetToken(ctx, token.Hash(resp.AccessToken))
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	assert.NoError(t, env.srv.Revoke(ctx, resp.AccessToken, "", testClientID), "revoking twice is not an error")
	assert.NoError(t, env.srv.Revoke(ctx, "never-issued", "", testClientID))
	assert.NoError(t, env.srv.Revoke(ctx, "", "", testClientID))
}

func TestRevoke_RefreshTokenRevokesAccessTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerClient(t, ClientRegistration{})
	ctx := context.Background()
	resp := env.exchange(t)

	require.NoError(t, env.srv.Revoke(ctx, resp.RefreshToken, "refresh_token", testClientID))

	assert.False(t, env.srv.Introspect(ctx, resp.RefreshToken, "").Active)
	assert.False(t, env.srv.Introspect(ctx, resp.AccessToken, "").Active)

	_, err := env.refresh(resp.RefreshToken, "")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestRevoke_IgnoresOtherClientsTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerClient(t, ClientRegistration{})
	ctx := context.Background()
	resp := env.exchange(t)

	require.NoError(t, env.srv.Revoke(ctx, resp.AccessToken, "", "c2"))
	assert.True(t, env.srv.Introspect(ctx, resp.AccessToken, "").Active)
}
