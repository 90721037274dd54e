// Package storagetest is a conformance suite for storage.Backend
// implementations. Each backend's tests call Run with a factory that returns
// a fresh, empty backend.
//
// All timestamps are anchored on the real clock and kept in the future, so
// backends that also enforce native key expiry behave deterministically.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicehub/smarthome-oauth/storage"
)

// Factory returns an empty backend. It should register cleanup with t.
type Factory func(t *testing.T) storage.Backend

// concurrentCallers is how many goroutines race for the same code or token.
const concurrentCallers = 32

// Run executes the whole suite against backends produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("ClientCopies", func(t *testing.T) { testClientCopies(t, newStore(t)) })
	t.Run("GrantLifecycle", func(t *testing.T) { testGrantLifecycle(t, newStore(t)) })
	t.Run("GrantExpired", func(t *testing.T) { testGrantExpired(t, newStore(t)) })
	t.Run("GrantConcurrentMarkUsed", func(t *testing.T) { testGrantConcurrentMarkUsed(t, newStore(t)) })
	t.Run("DeleteExpiredGrants", func(t *testing.T) { testDeleteExpiredGrants(t, newStore(t)) })
	t.Run("Tokens", func(t *testing.T) { testTokens(t, newStore(t)) })
	t.Run("TokenConcurrentConsume", func(t *testing.T) { testTokenConcurrentConsume(t, newStore(t)) })
	t.Run("DeleteTokensForOwner", func(t *testing.T) { testDeleteTokensForOwner(t, newStore(t)) })
	t.Run("DeleteExpiredTokens", func(t *testing.T) { testDeleteExpiredTokens(t, newStore(t)) })
}

// base is a millisecond-truncated UTC now, the precision every backend keeps.
func base() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// NewClient returns a fully populated client fixture.
func NewClient(id string) *storage.Client {
	return &storage.Client{
		ClientID:        id,
		SecretHash:      "$2a$10$abcdefghijklmnopqrstuv",
		Name:            "Client " + id,
		RedirectURI:     "https://cb.example.com/" + id,
		Scopes:          []string{"device:read", "device:control"},
		GrantTypes:      []string{"authorization_code", "refresh_token"},
		TokenFormat:     "signed",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 720 * time.Hour,
		AutoApprove:     true,
		CreatedAt:       base(),
	}
}

// NewGrant returns an unused grant expiring ttl after now.
func NewGrant(codeHash string, now time.Time, ttl time.Duration) *storage.Grant {
	return &storage.Grant{
		CodeHash:            codeHash,
		ClientID:            "c1",
		UserID:              "s1",
		RedirectURI:         "https://cb",
		Scope:               "device:read",
		State:               "xyz",
		CodeChallenge:       "verifier123",
		CodeChallengeMethod: "plain",
		CreatedAt:           now,
		ExpiresAt:           now.Add(ttl),
	}
}

// NewToken returns a token fixture.
func NewToken(hash, kind, clientID, userID string, expiresAt time.Time) *storage.Token {
	return &storage.Token{
		TokenHash: hash,
		Kind:      kind,
		Format:    "opaque",
		ClientID:  clientID,
		UserID:    userID,
		Scope:     "device:read",
		CreatedAt: base(),
		ExpiresAt: expiresAt,
	}
}

// ============================================================
// Clients
// ============================================================

func testClients(t *testing.T, s storage.Backend) {
	ctx := context.Background()

	_, err := s.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)

	for _, id := range []string{"c2", "c1", "c3"} {
		require.NoError(t, s.SaveClient(ctx, NewClient(id)))
	}

	got, err := s.GetClient(ctx, "c1")
	require.NoError(t, err)
	want := NewClient("c1")
	assert.Equal(t, want.ClientID, got.ClientID)
	assert.Equal(t, want.SecretHash, got.SecretHash)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.RedirectURI, got.RedirectURI)
	assert.Equal(t, want.Scopes, got.Scopes)
	assert.Equal(t, want.GrantTypes, got.GrantTypes)
	assert.Equal(t, want.TokenFormat, got.TokenFormat)
	assert.Equal(t, want.AccessTokenTTL, got.AccessTokenTTL)
	assert.Equal(t, want.RefreshTokenTTL, got.RefreshTokenTTL)
	assert.Equal(t, want.AutoApprove, got.AutoApprove)

	list, err := s.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "c1", list[0].ClientID)
	assert.Equal(t, "c2", list[1].ClientID)
	assert.Equal(t, "c3", list[2].ClientID)

	// SaveClient replaces
	updated := NewClient("c1")
	updated.Name = "Renamed"
	updated.Scopes = []string{"device:read"}
	require.NoError(t, s.SaveClient(ctx, updated))
	got, err = s.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, []string{"device:read"}, got.Scopes)

	require.NoError(t, s.DeleteClient(ctx, "c2"))
	require.NoError(t, s.DeleteClient(ctx, "c2"), "deleting twice is not an error")
	_, err = s.GetClient(ctx, "c2")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)
}

func testClientCopies(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	c := NewClient("c1")
	require.NoError(t, s.SaveClient(ctx, c))

	c.Scopes[0] = "mutated"
	got, err := s.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "device:read", got.Scopes[0])

	got.Scopes[0] = "mutated"
	again, err := s.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "device:read", again.Scopes[0])
}

// ============================================================
// Grants
// ============================================================

func testGrantLifecycle(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	now := base()

	_, err := s.GetGrant(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrGrantNotFound)
	_, err = s.AtomicMarkGrantUsed(ctx, "missing", now)
	assert.ErrorIs(t, err, storage.ErrGrantNotFound)

	g := NewGrant("code-1", now, 10*time.Minute)
	require.NoError(t, s.SaveGrant(ctx, g))

	got, err := s.GetGrant(ctx, "code-1")
	require.NoError(t, err)
	assert.Equal(t, g.ClientID, got.ClientID)
	assert.Equal(t, g.UserID, got.UserID)
	assert.Equal(t, g.RedirectURI, got.RedirectURI)
	assert.Equal(t, g.Scope, got.Scope)
	assert.Equal(t, g.State, got.State)
	assert.Equal(t, g.CodeChallenge, got.CodeChallenge)
	assert.Equal(t, g.CodeChallengeMethod, got.CodeChallengeMethod)
	assert.True(t, g.ExpiresAt.Equal(got.ExpiresAt), "ExpiresAt = %v, want %v", got.ExpiresAt, g.ExpiresAt)
	assert.False(t, got.Used)

	usedAt := now.Add(time.Second)
	marked, err := s.AtomicMarkGrantUsed(ctx, "code-1", usedAt)
	require.NoError(t, err)
	assert.True(t, marked.Used)
	assert.True(t, usedAt.Equal(marked.UsedAt))
	assert.Equal(t, "s1", marked.UserID)

	again, err := s.AtomicMarkGrantUsed(ctx, "code-1", usedAt.Add(time.Second))
	assert.ErrorIs(t, err, storage.ErrGrantAlreadyUsed)
	require.NotNil(t, again, "the stored grant accompanies ErrGrantAlreadyUsed")
	assert.Equal(t, "c1", again.ClientID)
	assert.True(t, usedAt.Equal(again.UsedAt), "UsedAt must not move on a second attempt")

	got, err = s.GetGrant(ctx, "code-1")
	require.NoError(t, err)
	assert.True(t, got.Used)
}

func testGrantExpired(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	now := base()

	require.NoError(t, s.SaveGrant(ctx, NewGrant("code-exp", now, 10*time.Minute)))

	// Exactly at ExpiresAt the grant is already unusable
	g, err := s.AtomicMarkGrantUsed(ctx, "code-exp", now.Add(10*time.Minute))
	assert.ErrorIs(t, err, storage.ErrGrantExpired)
	assert.Nil(t, g)

	got, err := s.GetGrant(ctx, "code-exp")
	require.NoError(t, err)
	assert.False(t, got.Used, "a failed mark must not flip the flag")

	// Still usable a moment before expiry
	_, err = s.AtomicMarkGrantUsed(ctx, "code-exp", now.Add(10*time.Minute-time.Millisecond))
	assert.NoError(t, err)
}

func testGrantConcurrentMarkUsed(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	now := base()
	require.NoError(t, s.SaveGrant(ctx, NewGrant("code-race", now, 10*time.Minute)))

	var (
		wins   atomic.Int32
		reused atomic.Int32
		other  atomic.Int32
		wg     sync.WaitGroup
		start  = make(chan struct{})
	)
	for i := 0; i < concurrentCallers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.AtomicMarkGrantUsed(ctx, "code-race", now.Add(time.Second))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrGrantAlreadyUsed):
				reused.Add(1)
			default:
				other.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load(), "exactly one caller may redeem a grant")
	assert.EqualValues(t, concurrentCallers-1, reused.Load())
	assert.EqualValues(t, 0, other.Load())
}

func testDeleteExpiredGrants(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	now := base()
	retention := 24 * time.Hour

	// sweep runs 30 minutes from now
	sweepAt := now.Add(30 * time.Minute)

	live := NewGrant("live", now, time.Hour)
	expiredUnused := NewGrant("expired-unused", now, 10*time.Minute)
	expiredUsedRecent := NewGrant("expired-used-recent", now, 10*time.Minute)

	for _, g := range []*storage.Grant{live, expiredUnused, expiredUsedRecent} {
		require.NoError(t, s.SaveGrant(ctx, g))
	}
	_, err := s.AtomicMarkGrantUsed(ctx, "expired-used-recent", now.Add(time.Minute))
	require.NoError(t, err)

	n, err := s.DeleteExpiredGrants(ctx, sweepAt, retention)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetGrant(ctx, "expired-unused")
	assert.ErrorIs(t, err, storage.ErrGrantNotFound)
	_, err = s.GetGrant(ctx, "live")
	assert.NoError(t, err)
	_, err = s.GetGrant(ctx, "expired-used-recent")
	assert.NoError(t, err, "used grants are retained for the retention window")

	// Past the retention window the used grant goes too
	n, err = s.DeleteExpiredGrants(ctx, now.Add(time.Minute).Add(retention).Add(time.Second), retention)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the used grant and the now-expired live grant")

	_, err = s.GetGrant(ctx, "expired-used-recent")
	assert.ErrorIs(t, err, storage.ErrGrantNotFound)
}

// ============================================================
// Tokens
// ============================================================

func testTokens(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	exp := base().Add(time.Hour)

	_, err := s.GetToken(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.AtomicConsumeToken(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	tok := NewToken("tok-1", storage.KindRefresh, "c1", "s1", exp)
	require.NoError(t, s.SaveToken(ctx, tok))

	got, err := s.GetToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, storage.KindRefresh, got.Kind)
	assert.Equal(t, "opaque", got.Format)
	assert.Equal(t, "c1", got.ClientID)
	assert.Equal(t, "s1", got.UserID)
	assert.Equal(t, "device:read", got.Scope)
	assert.True(t, exp.Equal(got.ExpiresAt))

	consumed, err := s.AtomicConsumeToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "c1", consumed.ClientID)

	_, err = s.AtomicConsumeToken(ctx, "tok-1")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.GetToken(ctx, "tok-1")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	// client_credentials tokens have no user
	cc := NewToken("tok-cc", storage.KindAccess, "svc", "", exp)
	require.NoError(t, s.SaveToken(ctx, cc))
	got, err = s.GetToken(ctx, "tok-cc")
	require.NoError(t, err)
	assert.Empty(t, got.UserID)

	require.NoError(t, s.DeleteToken(ctx, "tok-cc"))
	require.NoError(t, s.DeleteToken(ctx, "tok-cc"), "deleting twice is not an error")
	_, err = s.GetToken(ctx, "tok-cc")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func testTokenConcurrentConsume(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	require.NoError(t, s.SaveToken(ctx, NewToken("tok-race", storage.KindRefresh, "c1", "s1", base().Add(time.Hour))))

	var (
		wins  atomic.Int32
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := 0; i < concurrentCallers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := s.AtomicConsumeToken(ctx, "tok-race"); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load(), "exactly one caller may consume a token")
}

func testDeleteTokensForOwner(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	exp := base().Add(time.Hour)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveToken(ctx, NewToken(fmt.Sprintf("a-%d", i), storage.KindAccess, "c1", "s1", exp)))
	}
	require.NoError(t, s.SaveToken(ctx, NewToken("r-1", storage.KindRefresh, "c1", "s1", exp)))
	require.NoError(t, s.SaveToken(ctx, NewToken("r-2", storage.KindRefresh, "c1", "s1", exp)))
	require.NoError(t, s.SaveToken(ctx, NewToken("other-user", storage.KindAccess, "c1", "s2", exp)))
	require.NoError(t, s.SaveToken(ctx, NewToken("other-client", storage.KindAccess, "c2", "s1", exp)))
	require.NoError(t, s.SaveToken(ctx, NewToken("other-refresh", storage.KindRefresh, "c1", "s2", exp)))

	// Consumed tokens drop out of the owner index
	_, err := s.AtomicConsumeToken(ctx, "a-2")
	require.NoError(t, err)

	n, err := s.DeleteTokensForOwner(ctx, "c1", "s1", storage.KindAccess)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, h := range []string{"a-0", "a-1"} {
		_, err := s.GetToken(ctx, h)
		assert.ErrorIs(t, err, storage.ErrTokenNotFound, h)
	}
	for _, h := range []string{"r-1", "r-2", "other-user", "other-client", "other-refresh"} {
		_, err := s.GetToken(ctx, h)
		assert.NoError(t, err, h)
	}

	n, err = s.DeleteTokensForOwner(ctx, "c1", "s1", storage.KindAccess)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.DeleteTokensForOwner(ctx, "c1", "s1", storage.KindRefresh)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, h := range []string{"r-1", "r-2"} {
		_, err := s.GetToken(ctx, h)
		assert.ErrorIs(t, err, storage.ErrTokenNotFound, h)
	}
	_, err = s.GetToken(ctx, "other-refresh")
	assert.NoError(t, err)
}

func testDeleteExpiredTokens(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	now := base()

	require.NoError(t, s.SaveToken(ctx, NewToken("short", storage.KindAccess, "c1", "s1", now.Add(time.Minute))))
	require.NoError(t, s.SaveToken(ctx, NewToken("long", storage.KindRefresh, "c1", "s1", now.Add(48*time.Hour))))

	n, err := s.DeleteExpiredTokens(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetToken(ctx, "short")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.GetToken(ctx, "long")
	assert.NoError(t, err)

	// The owner indexes no longer count the swept token
	n, err = s.DeleteTokensForOwner(ctx, "c1", "s1", storage.KindAccess)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = s.DeleteTokensForOwner(ctx, "c1", "s1", storage.KindRefresh)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
