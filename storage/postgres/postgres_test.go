package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-provider/storage/storagetest"
)

// testDatabaseEnv names a disposable database. The suite truncates every
// table it owns between subtests.
const testDatabaseEnv = "OAUTH_TEST_DATABASE_URL"

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv(testDatabaseEnv)
	if dsn == "" {
		t.Skipf("%s not set; skipping PostgreSQL tests", testDatabaseEnv)
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(context.Background()))

	return pool
}

func TestStore_Conformance(t *testing.T) {
	pool := newTestPool(t)
	require.NoError(t, Migrate(pool, nil))
	t.Cleanup(pool.Close)

	storagetest.Run(t, func(t *testing.T) storagetest.Backend {
		_, err := pool.Exec(context.Background(),
			`TRUNCATE oauth_consents, oauth_tokens, oauth_authorization_codes, oauth_apps, users`)
		require.NoError(t, err)

		// The store does not own the shared pool here, so it is not closed.
		return NewWithPool(pool)
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	pool := newTestPool(t)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(pool, nil))
	require.NoError(t, Migrate(pool, nil))
}
