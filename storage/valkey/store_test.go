package valkey

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicehub/smarthome-oauth/storage"
	"github.com/voicehub/smarthome-oauth/storage/storagetest"
)

// testStore creates a store connected to a local Valkey instance.
// Tests are skipped if the server at VALKEY_TEST_ADDR (default
// localhost:6379) is not reachable. Each test gets a unique prefix.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("oauthtest:%s:", strings.ReplaceAll(t.Name(), "/", "_"))

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	cleanupTestKeys(t, store)
	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		_ = store.Close()
	})
	return store
}

// cleanupTestKeys removes all keys under the store's prefix
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return testStore(t)
	})
}

func TestNew_RequiresAddress(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestStore_OwnerKeyIsUnambiguous(t *testing.T) {
	s := &Store{prefix: "p:"}
	assert.NotEqual(t, s.ownerKey(storage.KindAccess, "a:b", "c"), s.ownerKey(storage.KindAccess, "a", "b:c"))
	assert.NotEqual(t, s.ownerKey(storage.KindAccess, "a", "b"), s.ownerKey(storage.KindRefresh, "a", "b"))
}

func TestStore_SweepCleansOwnerSetOfExpiredKeys(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tok := storagetest.NewToken("gone", storage.KindAccess, "c1", "", time.Now().Add(time.Minute))
	require.NoError(t, s.SaveToken(ctx, tok))

	ownerKey := s.ownerKey(storage.KindAccess, "c1", "")
	members, err := s.client.Do(ctx, s.client.B().Scard().Key(ownerKey).Build()).AsInt64()
	require.NoError(t, err)
	require.EqualValues(t, 1, members)

	// Simulate Valkey expiring the token key before the sweeper runs
	require.NoError(t, s.client.Do(ctx, s.client.B().Del().Key(s.tokenKey("gone")).Build()).Error())

	n, err := s.DeleteExpiredTokens(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "the key was already gone")

	members, err = s.client.Do(ctx, s.client.B().Scard().Key(ownerKey).Build()).AsInt64()
	require.NoError(t, err)
	assert.EqualValues(t, 0, members, "owner set must not keep hashes of expired keys")

	owners, err := s.client.Do(ctx, s.client.B().Hlen().Key(s.tokenOwnersKey()).Build()).AsInt64()
	require.NoError(t, err)
	assert.EqualValues(t, 0, owners)

	expiring, err := s.client.Do(ctx, s.client.B().Zcard().Key(s.tokensExpiryKey()).Build()).AsInt64()
	require.NoError(t, err)
	assert.EqualValues(t, 0, expiring)
}

func TestStore_GrantKeyOutlivesExpiry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	g := storagetest.NewGrant("ttl", time.Now(), time.Minute)
	require.NoError(t, s.SaveGrant(ctx, g))

	ttl, err := s.client.Do(ctx, s.client.B().Ttl().Key(s.grantKey("ttl")).Build()).AsInt64()
	require.NoError(t, err)
	assert.Greater(t, ttl, int64(DefaultGrantRetention/time.Second), "grant key TTL includes the retention window")

	_, err = s.AtomicMarkGrantUsed(ctx, "ttl", time.Now())
	require.NoError(t, err)

	after, err := s.client.Do(ctx, s.client.B().Ttl().Key(s.grantKey("ttl")).Build()).AsInt64()
	require.NoError(t, err)
	assert.Greater(t, after, int64(0), "marking a grant used keeps its TTL")
}

func TestRecords_RoundTrip(t *testing.T) {
	now := time.UnixMilli(time.Now().UnixMilli()).UTC()

	g := storagetest.NewGrant("h", now, time.Minute)
	g.Used = true
	g.UsedAt = now.Add(time.Second)
	got := fromGrantJSON(toGrantJSON(g))
	assert.Equal(t, g, got)

	tok := storagetest.NewToken("t", storage.KindAccess, "c1", "", now.Add(time.Hour))
	tok.CreatedAt = now
	assert.Equal(t, tok, fromTokenJSON(toTokenJSON(tok)))

	c := storagetest.NewClient("c1")
	c.CreatedAt = now
	assert.Equal(t, c, fromClientJSON(toClientJSON(c)))
}
