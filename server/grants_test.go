package server

import (
	"context"
	"errors"
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

func (e *testEnv) issueCode(t *testing.T, challenge, method string) string {
	t.Helper()
	code, err := e.srv.IssueGrant(context.Background(), IssueGrantRequest{
		ClientID:            testClientID,
		UserID:              testUserID,
		RedirectURI:         testRedirectURI,
		Scope:               "device:read",
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
	})
	require.NoError(t, err)
	return code
}

func TestIssueGrant_StoresHashOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	code := env.issueCode(t, "", "")

	_, err := env.store.GetGrant(context.Background(), code)
	assert.ErrorIs(t, err, storage.ErrGrantNotFound, "the plaintext code must not be a key")

	grant, err := env.store.GetGrant(context.Background(), token.Hash(code))
	require.NoError(t, err)
	assert.Equal(t, testClientID, grant.ClientID)
	assert.Equal(t, testUserID, grant.UserID)
	assert.Equal(t, testStart.Add(DefaultAuthorizationCodeTTL), grant.ExpiresAt)
	assert.False(t, grant.Used)
}

func TestIssueGrant_DefaultsChallengeMethodToPlain(t *testing.T) {
	env := newTestEnv(t, nil)
	verifier := testutil.GenerateRandomString(50)
	code := env.issueCode(t, verifier, "")

	grant, err := env.store.GetGrant(context.Background(), token.Hash(code))
	require.NoError(t, err)
	assert.Equal(t, "plain", grant.CodeChallengeMethod)

	_, err = env.srv.ConsumeGrant(context.Background(), code, testClientID, testRedirectURI, verifier)
	assert.NoError(t, err)
}

func TestIssueGrant_RequiresFields(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.srv.IssueGrant(context.Background(), IssueGrantRequest{ClientID: testClientID})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestConsumeGrant(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	challenge, verifier := testutil.GeneratePKCEPair()
	code := env.issueCode(t, challenge, "S256")

	grant, err := env.srv.ConsumeGrant(ctx, code, testClientID, testRedirectURI, verifier)
	require.NoError(t, err)
	assert.Equal(t, testUserID, grant.UserID)
	assert.Equal(t, "device:read", grant.Scope)
	assert.True(t, grant.Used)

	grant, err = env.srv.ConsumeGrant(ctx, code, testClientID, testRedirectURI, verifier)
	assert.ErrorIs(t, err, ErrInvalidGrant)
	assert.ErrorIs(t, err, storage.ErrGrantAlreadyUsed)
	require.NotNil(t, grant, "the used grant is returned for reuse handling")
	assert.Equal(t, testUserID, grant.UserID)
}

func TestConsumeGrant_Failures(t *testing.T) {
	challenge, verifier := testutil.GeneratePKCEPair()

	tests := []struct {
		name        string
		challenge   string
		method      string
		clientID    string
		redirectURI string
		verifier    string
		advance     time.Duration
		wantErr     error
	}{
		{"another client", challenge, "S256", "c2", testRedirectURI, verifier, 0, ErrClientMismatch},
		{"redirect mismatch", challenge, "S256", testClientID, "https://cb.example.com/other", verifier, 0, ErrRedirectMismatch},
		{"wrong verifier", challenge, "S256", testClientID, testRedirectURI, testutil.GenerateRandomString(50), 0, ErrPKCEFailure},
		{"missing verifier", challenge, "S256", testClientID, testRedirectURI, "", 0, ErrPKCEFailure},
		{"missing plain verifier", verifier, "plain", testClientID, testRedirectURI, "", 0, ErrPKCEFailure},
		{"verifier without challenge", "", "", testClientID, testRedirectURI, verifier, 0, ErrPKCEFailure},
		{"expired", challenge, "S256", testClientID, testRedirectURI, verifier, DefaultAuthorizationCodeTTL, storage.ErrGrantExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			code := env.issueCode(t, tt.challenge, tt.method)
			env.clock.Advance(tt.advance)

			_, err := env.srv.ConsumeGrant(context.Background(), code, tt.clientID, tt.redirectURI, tt.verifier)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidGrant)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestConsumeGrant_UnknownCode(t *testing.T) {
	env := newTestEnv(t, nil)

	grant, err := env.srv.ConsumeGrant(context.Background(), "no-such-code", testClientID, testRedirectURI, "")
	assert.ErrorIs(t, err, ErrInvalidGrant)
	assert.ErrorIs(t, err, storage.ErrGrantNotFound)
	assert.Nil(t, grant)
}

func TestConsumeGrant_FailedChecksDoNotBurnCode(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	challenge, verifier := testutil.GeneratePKCEPair()
	code := env.issueCode(t, challenge, "S256")

	_, err := env.srv.ConsumeGrant(ctx, code, "c2", testRedirectURI, verifier)
	require.ErrorIs(t, err, ErrClientMismatch)
	_, err = env.srv.ConsumeGrant(ctx, code, testClientID, testRedirectURI, "wrong")
	require.ErrorIs(t, err, ErrPKCEFailure)

	_, err = env.srv.ConsumeGrant(ctx, code, testClientID, testRedirectURI, verifier)
	assert.NoError(t, err)
}

func TestConsumeGrant_ConcurrentRedemption(t *testing.T) {
	env := newTestEnv(t, nil)
	code := env.issueCode(t, "", "")

	const workers = 32
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		start     = make(chan struct{})
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.srv.ConsumeGrant(context.Background(), code, testClientID, testRedirectURI, "")
			switch {
			case err == nil:
				successes.Add(1)
			case !errors.Is(err, ErrInvalidGrant):
				t.Errorf("ConsumeGrant() unexpected error = %v", err)
			}
		}()
	}

	close(start)
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Fatalf("ConsumeGrant() succeeded %d times, want exactly 1", got)
	}
}
