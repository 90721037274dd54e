package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicehub/smarthome-oauth/storage"
	"github.com/voicehub/smarthome-oauth/storage/storagetest"
)

// testStore connects to POSTGRES_TEST_DSN, applies the schema and empties
// every table. Tests are skipped when the variable is unset.
func testStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping test: POSTGRES_TEST_DSN is not set")
	}

	ctx := context.Background()
	s, err := New(ctx, Config{DSN: dsn})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Postgres: %v", err)
	}
	require.NoError(t, s.Migrate(ctx))

	_, err = s.pool.Exec(ctx, `TRUNCATE oauth_client, oauth_grant, oauth_token`)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return testStore(t)
	})
}

func TestStore_MigrateIsIdempotent(t *testing.T) {
	s := testStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestNew_RequiresDSN(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{DSN: "://not a dsn"})
	assert.Error(t, err)
}

func TestSchemaEmbedded(t *testing.T) {
	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS oauth_grant")
	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS oauth_token")
}
