package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := LoadServer("")
	require.NoError(t, err)
	require.Equal(t, ":9321", cfg.Addr)
	require.Equal(t, "labtasker.db", cfg.DBPath)
	require.Equal(t, 8, cfg.MinPasswordLength)
	require.Equal(t, 30*time.Second, cfg.SweepInterval)
	require.False(t, cfg.AllowUnsafe)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadServerFromEnv(t *testing.T) {
	t.Setenv("LABTASKER_ADDR", ":8080")
	t.Setenv("LABTASKER_SWEEP_INTERVAL", "5s")
	t.Setenv("LABTASKER_ALLOW_UNSAFE_BEHAVIOR", "true")

	cfg, err := LoadServer("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, 5*time.Second, cfg.SweepInterval)
	require.True(t, cfg.AllowUnsafe)
}

func TestLoadServerFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.env")
	require.NoError(t, os.WriteFile(path, []byte(
		"LABTASKER_DB_PATH=/tmp/lt.db\nLABTASKER_PEPPER=spicy\nPERIODIC_TASK_INTERVAL=1.5\n"), 0o600))

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/lt.db", cfg.DBPath)
	require.Equal(t, "spicy", cfg.Pepper)
	require.Equal(t, 1500*time.Millisecond, cfg.SweepInterval)

	// The process environment wins over the file.
	t.Setenv("LABTASKER_DB_PATH", "/tmp/other.db")
	cfg, err = LoadServer(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/other.db", cfg.DBPath)
}

func TestLoadServerPeriodicTaskInterval(t *testing.T) {
	t.Setenv("LABTASKER_PERIODIC_TASK_INTERVAL", "2.5")
	cfg, err := LoadServer("")
	require.NoError(t, err)
	require.Equal(t, 2500*time.Millisecond, cfg.SweepInterval)

	t.Setenv("LABTASKER_PERIODIC_TASK_INTERVAL", "-1")
	_, err = LoadServer("")
	require.Error(t, err)
}

func TestLoadServerRejectsBadInterval(t *testing.T) {
	t.Setenv("LABTASKER_SWEEP_INTERVAL", "soon")
	_, err := LoadServer("")
	require.Error(t, err)

	t.Setenv("LABTASKER_SWEEP_INTERVAL", "-5s")
	_, err = LoadServer("")
	require.Error(t, err)
}

func TestClientFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.env")
	want := &ClientConfig{
		APIBaseURL:        "http://localhost:9321",
		QueueName:         "train",
		Password:          "swordfish1",
		HeartbeatInterval: 15,
		CLIPlugins:        []string{"plugin-a", "plugin-b"},
	}
	require.NoError(t, WriteClientFile(path, want))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := LoadClientFile(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestLoadClientFileValidation(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadClientFile(filepath.Join(dir, "missing.env"))
	require.Error(t, err)

	path := filepath.Join(dir, "client.env")
	require.NoError(t, os.WriteFile(path, []byte("queue_name = \"q\"\n"), 0o600))
	_, err = LoadClientFile(path)
	require.ErrorContains(t, err, "api_base_url")

	require.NoError(t, os.WriteFile(path, []byte("api_base_url = \"http://x\"\n"), 0o600))
	_, err = LoadClientFile(path)
	require.ErrorContains(t, err, "queue_name")
}

func TestHeartbeatPeriod(t *testing.T) {
	cfg := &ClientConfig{}
	require.Equal(t, 30*time.Second, cfg.HeartbeatPeriod())
	cfg.HeartbeatInterval = 5
	require.Equal(t, 5*time.Second, cfg.HeartbeatPeriod())
	cfg.HeartbeatInterval = 2.5
	require.Equal(t, 2500*time.Millisecond, cfg.HeartbeatPeriod())
}

func TestRootPrefersEnv(t *testing.T) {
	t.Setenv("LABTASKER_ROOT", "/srv/labtasker")
	root, err := Root()
	require.NoError(t, err)
	require.Equal(t, "/srv/labtasker", root)
}
