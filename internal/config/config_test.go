package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvServerURL, EnvLogLevel, EnvLogPath, EnvConfigPath} {
		value, ok := os.LookupEnv(key)
		os.Unsetenv(key)
		if ok {
			t.Cleanup(func() { os.Setenv(key, value) })
		}
	}
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.ServerURL, cfg.ServerURL)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout())
	assert.Equal(t, 54*time.Second, cfg.PingInterval())
	assert.Equal(t, int64(1<<20), cfg.MaxFrameBytes)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverlaysFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server_url":"wss://collab.example/session","user_id":7,"log_level":"debug"}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://collab.example/session", cfg.ServerURL)
	assert.Equal(t, uint32(7), cfg.UserID)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10, cfg.WriteTimeoutSeconds)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvServerURL, "ws://other:1/session")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvLogPath, "-")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, "ws://other:1/session", cfg.ServerURL)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "-", cfg.LogPath)
}

func TestLoadRejectsBadFiles(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{`), 0o600))
	_, err := Load(bad)
	assert.Error(t, err)

	http := filepath.Join(dir, "http.json")
	require.NoError(t, os.WriteFile(http, []byte(`{"server_url":"http://collab.example"}`), 0o600))
	_, err = Load(http)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := DefaultConfig()
	cfg.UserID = 3
	cfg.Token = "secret-token"
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestGetConfigPath(t *testing.T) {
	clearEnv(t)
	assert.Equal(t, "config.json", filepath.Base(GetConfigPath()))

	t.Setenv(EnvConfigPath, "/tmp/elsewhere.json")
	assert.Equal(t, "/tmp/elsewhere.json", GetConfigPath())
}

func TestWatchReloadsOnChange(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, DefaultConfig().Save(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c *Config) { got <- c }) }()

	// let the watcher register before writing
	time.Sleep(50 * time.Millisecond)
	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	require.NoError(t, cfg.Save(path))

	select {
	case c := <-got:
		assert.Equal(t, "debug", c.LogLevel)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after change")
	}

	cancel()
	assert.NoError(t, <-done)
}
