package server

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicehub/smarthome-oauth/internal/testutil"
	"github.com/voicehub/smarthome-oauth/storage"
	"github.com/voicehub/smarthome-oauth/token"
)

// exchange runs a full code issue and exchange for c1 with PKCE S256.
func (e *testEnv) exchange(t *testing.T) *TokenResponse {
	t.Helper()
	challenge, verifier := testutil.GeneratePKCEPair()
	code := e.issueCode(t, challenge, "S256")

	resp, err := e.srv.Token(context.Background(), TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     testClientID,
		ClientSecret: testSecret,
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	return resp
}

func (e *testEnv) refresh(refreshToken, scope string) (*TokenResponse, error) {
	return e.srv.Token(context.Background(), TokenRequest{
		GrantType:    "refresh_token",
		ClientID:     testClientID,
		ClientSecret: testSecret,
		RefreshToken: refreshToken,
		Scope:        scope,
	})
}

func TestToken_AuthorizationCode(t *testing.T) {
	for _, format := range []string{"signed", "opaque"} {
		t.Run(format, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.registerClient(t, ClientRegistration{TokenFormat: format})

			resp := env.exchange(t)
			assert.NotEmpty(t, resp.AccessToken)
			assert.NotEmpty(t, resp.RefreshToken)
			assert.Equal(t, TokenTypeBearer, resp.TokenType)
			assert.Equal(t, int64(3600), resp.ExpiresIn)
			assert.Equal(t, "device:read", resp.Scope)
			assert.Equal(t, format == "signed", token.LooksSigned(resp.AccessToken))

			info, err := env.srv.InspectAccessToken(context.Background(), resp.AccessToken)
			require.NoError(t, err)
			assert.Equal(t, testUserID, info.UserID)
			assert.Equal(t, testUserID, info.Subject)
			assert.Equal(t, testClientID, info.ClientID)
			assert.True(t, info.HasScope("device:read"))
			assert.False(t, info.HasScope("device:control"))

			record, err := env.store.GetToken(context.Background(), token.Hash(resp.AccessToken))
			require.NoError(t, err)
			assert.Equal(t, storage.KindAccess, record.Kind)
		})
	}
}

func TestToken_RequestErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerClient(t, ClientRegistration{GrantTypes: []string{"authorization_code"}})

	tests := []struct {
		name string
		req  TokenRequest
		want string
	}{
		{"missing grant type", TokenRequest{ClientID: testClientID, ClientSecret: testSecret}, ErrorCodeInvalidRequest},
		{"unknown grant type", TokenRequest{GrantType: "password", ClientID: testClientID, ClientSecret: testSecret}, ErrorCodeUnsupportedGrantType},
		{"bad secret", TokenRequest{GrantType: "authorization_code", ClientID: testClientID, ClientSecret: "nope"}, ErrorCodeInvalidClient},
		{"grant type not allowed", TokenRequest{GrantType: "client_credentials", ClientID: testClientID, ClientSecret: testSecret}, ErrorCodeUnauthorizedClient},
		{"missing code", TokenRequest{GrantType: "authorization_code", ClientID: testClientID, ClientSecret: testSecret, RedirectURI: testRedirectURI}, ErrorCodeInvalidRequest},
		{"missing redirect", TokenRequest{GrantType: "authorization_code", ClientID: testClientID, ClientSecret: testSecret, Code: "abc"}, ErrorCodeInvalidRequest},
		{"unknown code", TokenRequest{GrantType: "authorization_code", ClientID: testClientID, ClientSecret: testSecret, Code: "abc", RedirectURI: testRedirectURI}, ErrorCodeInvalidGrant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := env.srv.Token(context.Background(), tt.req)
			require.Error(t, err)
			assert.Nil(t, resp)
			assert.Equal(t, tt.want, ErrorCode(err))
		})
	}
}

func TestToken_CodeReuseRevokesOwnerTokens(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
		format string
		// signed access tokens validated without the store survive until expiry
		accessStillValid bool
	}{
		{"signed default config", nil, "signed", true},
		{"signed with revocation check", &Config{CheckSignedTokenRevocation: true}, "signed", false},
		{"opaque", nil, "opaque", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.config)
			env.registerClient(t, ClientRegistration{TokenFormat: tt.format})
			ctx := context.Background()

			challenge, verifier := testutil.GeneratePKCEPair()
			code := env.issueCode(t, challenge, "S256")
			req := TokenRequest{
				GrantType:    "authorization_code",
				ClientID:     testClientID,
				ClientSecret: testSecret,
				Code:         code,
				RedirectURI:  testRedirectURI,
				CodeVerifier: verifier,
			}

			first, err := env.srv.Token(ctx, req)
			require.NoError(t, err)
			require.NotEmpty(t, first.RefreshToken)
			require.True(t, env.srv.ValidateAccessToken(ctx, first.AccessToken))

			_, err = env.srv.Token(ctx, req)
			require.Error(t, err)
			assert.Equal(t, ErrorCodeInvalidGrant, ErrorCode(err))

			_, err = env.refresh(first.RefreshToken, "")
			require.Error(t, err, "the refresh token from the first redemption must be revoked")
			assert.Equal(t, ErrorCodeInvalidGrant, ErrorCode(err))

			assert.False(t, env.srv.Introspect(ctx, first.AccessToken, "").Active)
			assert.False(t, env.srv.Introspect(ctx, first.RefreshToken, "").Active)
			assert.Equal(t, tt.accessStillValid, env.srv.ValidateAccessToken(ctx, first.AccessToken))
		})
	}
}

func TestToken_ConcurrentCodeExchange(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerClient(t, ClientRegistration{})

	challenge, verifier := testutil.GeneratePKCEPair()
	code := env.issueCode(t, challenge, "S256")

	const workers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.srv.Token(context.Background(), TokenRequest{
				GrantType:    "authorization_code",
				ClientID:     testClientID,
				ClientSecret: testSecret,
				Code:         code,
				RedirectURI:  testRedirectURI,
				CodeVerifier: verifier,
			})
			if err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "exactly one exchange may succeed")
}

func TestToken_RefreshRotation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerClient(t, ClientRegistration{TokenFormat: "opaque"})
	ctx := context.Background()

	first := env.exchange(t)
	firstInfo, err := env.srv.InspectAccessToken(ctx, first.AccessToken)
	require.NoError(t, err)

	env.clock.Advance(10 * time.Minute)

	second, err := env.refresh(first.RefreshToken, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, "device:read", second.Scope)

	secondInfo, err := env.srv.InspectAccessToken(ctx, second.AccessToken)
	require.NoError(t, err)
	assert.True(t, secondInfo.ExpiresAt.After(firstInfo.ExpiresAt))

	assert.False(t, env.srv.ValidateAccessToken(ctx, first.AccessToken),
		"refresh replaces the previous access token")

	_, err = env.refresh(first.RefreshToken, "")
	assert.ErrorIs(t, err, ErrInvalidGrant, "a rotated refresh token is single use")

	_, err = env.refresh(second.RefreshToken, "")
	assert.NoError(t, err)
}

func TestToken_RefreshWithoutRotation(t *testing.T) {
	env := newTestEnv(t, &Config{DisableRefreshTokenRotation: true})
	env.registerClient(t, ClientRegistration{})

	first := env.exchange(t)

	second, err := env.refresh(first.RefreshToken, "")
	require.NoError(t, err)
	assert.Equal(t, first.RefreshToken, second.RefreshToken)

	_, err = env.refresh(first.RefreshToken, "")
	assert.NoError(t, err)
}

func TestToken_RefreshScope(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerClient(t, ClientRegistration{})

	challenge, verifier := testutil.GeneratePKCEPair()
	code, err := env.srv.IssueGrant(context.Background(), IssueGrantRequest{
		ClientID:            testClientID,
		UserID:              testUserID,
		RedirectURI:         testRedirectURI,
		Scope:               "device:read device:control",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)

	resp, err := env.srv.Token(context.Background(), TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     testClientID,
		ClientSecret: testSecret,
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
	})
	require.NoError(t, err)

	_, err = env.refresh(resp.RefreshToken, "device:read admin")
	assert.ErrorIs(t, err, ErrInvalidScope)

	narrowed, err := env.refresh(resp.RefreshToken, "device:read")
	require.NoError(t, err)
	assert.Equal(t, "device:read", narrowed.Scope)

	widened, err := env.refresh(narrowed.RefreshToken, "device:read device:control")
	require.NoError(t, err, "the new refresh token keeps the original scope")
	assert.Equal(t, "device:read device:control", widened.Scope)
}

func TestToken_RefreshFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerClient(t, ClientRegistration{})
	env.registerClient(t, ClientRegistration{ClientID: "c2"})

	resp := env.exchange(t)

	_, err := env.refresh(resp.AccessToken, "")
	assert.ErrorIs(t, err, ErrInvalidGrant, "access tokens are not refresh tokens")

	_, err = env.srv.Token(context.Background(), TokenRequest{
		GrantType:    "refresh_token",
		ClientID:     "c2",
		ClientSecret: testSecret,
		RefreshToken: resp.RefreshToken,
	})
	assert.ErrorIs(t, err, ErrInvalidGrant, "refresh tokens are bound to their client")

	_, err = env.refresh("", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	env.clock.Advance(DefaultRefreshTokenTTL)
	_, err = env.refresh(resp.RefreshToken, "")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestToken_ConcurrentRefresh(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerClient(t, ClientRegistration{})
	resp := env.exchange(t)

	const workers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.refresh(resp.RefreshToken, ""); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
}

func TestToken_ClientCredentials(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerClient(t, ClientRegistration{})
	ctx := context.Background()

	resp, err := env.srv.Token(ctx, TokenRequest{
		GrantType:    "client_credentials",
		ClientID:     testClientID,
		ClientSecret: testSecret,
		Scope:        "device:control",
	})
	require.NoError(t, err)
	assert.Empty(t, resp.RefreshToken)
	assert.Equal(t, "device:control", resp.Scope)

	info, err := env.srv.InspectAccessToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testClientID, info.Subject)
	assert.Empty(t, info.UserID)

	_, err = env.srv.Token(ctx, TokenRequest{
		GrantType:    "client_credentials",
		ClientID:     testClientID,
		ClientSecret: testSecret,
		Scope:        "admin",
	})
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestInspectAccessToken(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerClient(t, ClientRegistration{})
	ctx := context.Background()
	resp := env.exchange(t)

	tests := []struct {
		name  string
		raw   string
		valid bool
	}{
		{"access token", resp.AccessToken, true},
		{"refresh token", resp.RefreshToken, false},
		{"empty", "", false},
		{"garbage", "not-a-token", false},
		{"tampered", resp.AccessToken[:len(resp.AccessToken)-2] + "xx", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.InspectAccessToken(ctx, tt.raw)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	env.clock.Advance(time.Hour)
	assert.False(t, env.srv.ValidateAccessToken(ctx, resp.AccessToken), "expired")
}

func TestInspectAccessToken_SignedRevocationCheck(t *testing.T) {
	ctx := context.Background()

	stateless := newTestEnv(t, nil)
	stateless.registerClient(t, ClientRegistration{})
	resp := stateless.exchange(t)
	require.NoError(t, stateless.store.DeleteToken(ctx, token.Hash(resp.AccessToken)))
	assert.True(t, stateless.srv.ValidateAccessToken(ctx, resp.AccessToken),
		"signed tokens validate without a store lookup by default")

	checked := newTestEnv(t, &Config{CheckSignedTokenRevocation: true})
	checked.registerClient(t, ClientRegistration{})
	resp = checked.exchange(t)
	require.NoError(t, checked.store.DeleteToken(ctx, token.Hash(resp.AccessToken)))
	assert.False(t, checked.srv.ValidateAccessToken(ctx, resp.AccessToken))
}
