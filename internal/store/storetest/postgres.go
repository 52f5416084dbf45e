// Package storetest opens a real Postgres for store tests when one is
// configured through WORKPULSE_TEST_POSTGRES_URL.
package storetest

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"workpulse/internal/store"
)

// EnvPostgresURL names the variable holding a postgres:// URL.
const EnvPostgresURL = "WORKPULSE_TEST_POSTGRES_URL"

// WillUsePostgres reports whether NewDB will connect instead of skipping.
func WillUsePostgres() bool {
	return os.Getenv(EnvPostgresURL) != ""
}

// NewDB returns a migrated database confined to a fresh schema, so parallel
// tests never see each other's rows. The schema is dropped on cleanup. The
// test is skipped when no URL is configured.
func NewDB(t testing.TB) *sql.DB {
	t.Helper()
	if !WillUsePostgres() {
		t.Skipf("%s not set", EnvPostgresURL)
	}
	ctx := context.Background()
	base := os.Getenv(EnvPostgresURL)

	admin, err := store.NewDB(ctx, base)
	require.NoError(t, err)
	t.Cleanup(func() { _ = admin.Close() })

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err = admin.Client.ExecContext(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Client.ExecContext(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
	})

	u, err := url.Parse(base)
	require.NoError(t, err)
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()

	db, err := store.NewDB(ctx, u.String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db.Client))
	return db.Client
}
