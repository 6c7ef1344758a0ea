package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CONFIG_PATH", "DATABASE_CONFIG_PATH", "DATABASE_URL", "SERVER_ADDR", "PUSH_SERVICE_URL",
		"SUPPORT_ADMIN_EMAILS", "SUPPORT_ATOMIC_COUNTERS", "SUPPORT_TICKET_POLL_MS", "SUPPORT_MESSAGE_POLL_MS",
		"SUPPORT_UNREAD_POLL_MS", "SUPPORT_POLL_JITTER_MS", "STORAGE_BACKEND", "REALTIME_BACKEND", "APP_ENV",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg := Load()
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, 5*time.Second, cfg.Support.TicketPollInterval)
	assert.Equal(t, 3*time.Second, cfg.Support.MessagePollInterval)
	assert.Equal(t, 7*time.Second, cfg.Support.UnreadPollInterval)
	assert.True(t, cfg.Support.AtomicCounters)
	assert.Equal(t, BackendPostgres, cfg.Support.StorageBackend)
	assert.Equal(t, BackendPostgres, cfg.Support.RealtimeBackend)
	assert.Empty(t, cfg.PushVAPIDPublicKey)
	assert.Equal(t, 20, cfg.DBMaxConnections())
}

func TestLoadYAMLThenEnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	appPath := filepath.Join(dir, "api.yaml")
	require.NoError(t, os.WriteFile(appPath, []byte(`
server_addr: ":9000"
support:
  ticket_poll_ms: 10000
  atomic_counters: false
  admin_emails: [" Lead@Academy.io ", ""]
  storage_backend: memory
  realtime_backend: postgres
`), 0o600))
	t.Setenv("CONFIG_PATH", appPath)
	t.Setenv("DATABASE_CONFIG_PATH", filepath.Join(dir, "missing.yaml"))
	t.Setenv("SUPPORT_MESSAGE_POLL_MS", "1500")

	cfg := Load()
	assert.Equal(t, ":9000", cfg.ServerAddr)
	assert.Equal(t, 10*time.Second, cfg.Support.TicketPollInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.Support.MessagePollInterval)
	assert.False(t, cfg.Support.AtomicCounters)
	assert.Equal(t, []string{"lead@academy.io"}, cfg.Support.AdminEmails)
	assert.Equal(t, BackendMemory, cfg.Support.StorageBackend)
	assert.Equal(t, BackendMemory, cfg.Support.RealtimeBackend, "LISTEN/NOTIFY needs postgres storage")

	t.Setenv("SUPPORT_ADMIN_EMAILS", "a@x.io,B@x.io")
	t.Setenv("REALTIME_BACKEND", "kafka")
	t.Setenv("STORAGE_BACKEND", "postgres")
	cfg = Load()
	assert.Equal(t, []string{"a@x.io", "b@x.io"}, cfg.Support.AdminEmails)
	assert.Equal(t, BackendPostgres, cfg.Support.RealtimeBackend)
}

func TestDatabaseYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "database.yaml")
	require.NoError(t, os.WriteFile(dbPath, []byte("database_url: postgres://u:p@db:5432/x\ndb_max_connections: 7\n"), 0o600))
	t.Setenv("DATABASE_CONFIG_PATH", dbPath)
	t.Setenv("CONFIG_PATH", filepath.Join(dir, "missing.yaml"))

	cfg := Load()
	assert.Equal(t, "postgres://u:p@db:5432/x", cfg.DatabaseURL())
	assert.Equal(t, 7, cfg.DBMaxConnections())
}
