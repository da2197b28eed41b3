package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coparent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"PORT", "DATABASE_URL", "COPARENT_CONFIG", "COPARENT_RELAY_PORT", "COPARENT_TRANSPORT",
		"COPARENT_RELAY_URL", "COPARENT_STORAGE_KEEP", "COPARENT_STORAGE_POLL", "COPARENT_RECONCILE",
		"COPARENT_RECONCILE_CRON", "COPARENT_USER_ID",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, "0.0.0.0:8090", cfg.Relay.Addr())
	assert.Equal(t, "auto", cfg.Broadcast.Transport)
	assert.Equal(t, "ws://localhost:8090/ws/bus", cfg.Broadcast.RelayURL)
	assert.Equal(t, 20, cfg.Broadcast.StorageKeep)
	assert.Equal(t, 250*time.Millisecond, cfg.Broadcast.StoragePoll)
	assert.True(t, cfg.Reconcile.Enabled)
	assert.Equal(t, "*/5 * * * *", cfg.Reconcile.Cron)
}

func TestLoadFileThenEnv(t *testing.T) {
	chdir(t, t.TempDir())
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: 9000
broadcast:
  transport: Storage
  storage_keep: 5
  storage_poll: 1s
reconcile:
  enabled: false
session:
  user_id: from-file
`)
	t.Setenv("COPARENT_USER_ID", "from-env")
	t.Setenv("COPARENT_STORAGE_KEEP", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "storage", cfg.Broadcast.Transport)
	assert.Equal(t, 7, cfg.Broadcast.StorageKeep)
	assert.Equal(t, time.Second, cfg.Broadcast.StoragePoll)
	assert.False(t, cfg.Reconcile.Enabled)
	assert.Equal(t, "from-env", cfg.Session.UserID)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	chdir(t, t.TempDir())
	clearEnv(t)

	_, err := Load(writeConfig(t, "broadcast:\n  transport: carrier-pigeon\n"))
	assert.ErrorContains(t, err, "unknown broadcast transport")

	_, err = Load(writeConfig(t, "reconcile:\n  cron: \"every tuesday\"\n"))
	assert.ErrorContains(t, err, "invalid reconcile cron")

	_, err = Load(writeConfig(t, "server:\n  port: 8090\n"))
	assert.ErrorContains(t, err, "cannot share port")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "config file not found")
}

func TestParseBool(t *testing.T) {
	assert.True(t, parseBool(" true "))
	assert.True(t, parseBool("1"))
	assert.False(t, parseBool("nope"))
	assert.False(t, parseBool("0"))
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
