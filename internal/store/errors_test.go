package store_test

import (
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"workpulse/internal/store"
)

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: store.UniqueOpenSession}
	wrapped := xerrors.Errorf("insert: %w", pgErr)

	require.True(t, store.IsUniqueViolation(wrapped))
	require.True(t, store.IsUniqueViolation(wrapped, store.UniqueOpenSession))
	require.False(t, store.IsUniqueViolation(wrapped, "device_presence_pkey"))
	require.False(t, store.IsUniqueViolation(xerrors.New("boom")))
	require.False(t, store.IsCheckViolation(wrapped))
	require.True(t, store.IsCheckViolation(&pgconn.PgError{Code: "23514"}))
}

func TestMigrationsEmbedded(t *testing.T) {
	t.Parallel()

	names, err := store.MigrationNames()
	require.NoError(t, err)
	require.Contains(t, names, "000001_attendance_sessions.up.sql")
	require.Contains(t, names, "000002_device_presence.up.sql")
	require.Contains(t, names, "000003_audit_flags.up.sql")
}
