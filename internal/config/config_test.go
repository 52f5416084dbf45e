package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"workpulse/internal/config"
)

// These tests mutate the process environment and cannot run in parallel.

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"APP_ENV", "SESSION_BACKEND", "PRESENCE_BACKEND", "QUEUE_BACKEND", "STALE_THRESHOLD", "STORAGE_TIMEOUT", "RATE_LIMIT_PER_MIN"} {
		t.Setenv(k, "")
	}
	cfg := config.Load()
	require.Equal(t, "dev", cfg.Env)
	require.False(t, cfg.Production())
	require.Equal(t, config.BackendPostgres, cfg.SessionBackend)
	require.Equal(t, config.BackendRedis, cfg.PresenceBackend)
	require.Equal(t, 2*time.Minute, cfg.StaleThreshold)
	require.Equal(t, 5*time.Second, cfg.StorageTimeout)
	require.Empty(t, cfg.Warnings)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("SESSION_BACKEND", "MEMORY")
	t.Setenv("PRESENCE_BACKEND", "postgres")
	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("STALE_THRESHOLD", "90s")
	t.Setenv("RATE_LIMIT_PER_MIN", "30")
	t.Setenv("AGENT_INTERVAL", "10s")
	t.Setenv("AGENT_COMPANY", "Acme")

	cfg := config.Load()
	require.True(t, cfg.Production())
	require.Equal(t, config.BackendMemory, cfg.SessionBackend)
	require.Equal(t, config.BackendPostgres, cfg.PresenceBackend)
	require.Equal(t, config.BackendMemory, cfg.QueueBackend)
	require.Equal(t, 90*time.Second, cfg.StaleThreshold)
	require.Equal(t, 30, cfg.RateLimitPerMin)
	require.Equal(t, 10*time.Second, cfg.Agent.Interval)
	require.Equal(t, "Acme", cfg.Agent.CompanyName)
	require.Empty(t, cfg.Warnings)
}

func TestLoadInvalidFallsBack(t *testing.T) {
	t.Setenv("SESSION_BACKEND", "redis")
	t.Setenv("STALE_THRESHOLD", "soon")
	t.Setenv("STORAGE_TIMEOUT", "-1s")
	t.Setenv("RATE_LIMIT_PER_MIN", "lots")

	cfg := config.Load()
	require.Equal(t, config.BackendPostgres, cfg.SessionBackend)
	require.Equal(t, 2*time.Minute, cfg.StaleThreshold)
	require.Equal(t, 5*time.Second, cfg.StorageTimeout)
	require.Equal(t, 600, cfg.RateLimitPerMin)
	require.Len(t, cfg.Warnings, 4)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("AGENT_EMPLOYEE_ID=E42\nAGENT_COMPANY=FromFile\n"), 0o600))
	t.Setenv("AGENT_EMPLOYEE_ID", "")
	t.Setenv("AGENT_COMPANY", "FromEnv")
	require.NoError(t, os.Unsetenv("AGENT_EMPLOYEE_ID"))

	require.NoError(t, config.LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	cfg := config.Load()
	require.Equal(t, "E42", cfg.Agent.EmployeeID)
	// Existing variables win over the file.
	require.Equal(t, "FromEnv", cfg.Agent.CompanyName)
}
