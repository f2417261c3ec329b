package appconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir 切换工作目录，避免读到仓库里的 .env
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ws://127.0.0.1:47821/engine", cfg.Engine.URL)
	assert.Equal(t, 30*time.Second, cfg.Engine.RequestTimeout)
	assert.Equal(t, time.Second, cfg.Tasks.PollInterval)
	assert.Equal(t, 5, cfg.Tasks.MaxPollFailures)
	assert.False(t, cfg.Secrets.Enabled)
	assert.True(t, cfg.Validation.CheckPrivateKeys)
	assert.Equal(t, "tasks.db", filepath.Base(cfg.Archive.Path))
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	path := filepath.Join(t.TempDir(), "dbcopier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  url: ws://engine.local:9000/engine
  request_timeout: 10s
tasks:
  poll_interval: 250ms
import:
  watch_dir: /tmp/drop
`), 0o644))
	t.Setenv("DBCOPIER_TASKS_MAX_POLL_FAILURES", "9")
	t.Setenv("DBCOPIER_SECRETS_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://engine.local:9000/engine", cfg.Engine.URL)
	assert.Equal(t, 10*time.Second, cfg.Engine.RequestTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Tasks.PollInterval)
	assert.Equal(t, 9, cfg.Tasks.MaxPollFailures)
	assert.True(t, cfg.Secrets.Enabled)
	assert.Equal(t, "/tmp/drop", cfg.Import.WatchDir)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DBCOPIER_LOG_LEVEL=debug\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("DBCOPIER_LOG_LEVEL") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Invalid(t *testing.T) {
	chdir(t, t.TempDir())

	t.Run("bad url", func(t *testing.T) {
		t.Setenv("DBCOPIER_ENGINE_URL", "http://127.0.0.1/engine")
		_, err := Load("")
		assert.ErrorContains(t, err, "engine.url")
	})
	t.Run("zero poll interval", func(t *testing.T) {
		t.Setenv("DBCOPIER_TASKS_POLL_INTERVAL", "0s")
		_, err := Load("")
		assert.ErrorContains(t, err, "poll_interval")
	})
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}
