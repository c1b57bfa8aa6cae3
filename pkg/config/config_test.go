package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/syncdeck/internal/bytesize"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 27701, cfg.Server.Port)
	assert.Equal(t, "data", cfg.Storage.Root)
	assert.Equal(t, 100*bytesize.MB, cfg.Limits.MaxPayload)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
logging:
  level: debug
  format: json
server:
  host: 0.0.0.0
  port: 8080
  shutdown_timeout: 10s
storage:
  root: /var/lib/syncdeck
limits:
  max_payload: 250MB
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level, "level is normalized to uppercase")
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/var/lib/syncdeck", cfg.Storage.Root)
	assert.Equal(t, 250*bytesize.MB, cfg.Limits.MaxPayload)
	assert.Equal(t, 100*bytesize.MB, cfg.Limits.MaxCollection, "unset limits keep defaults")
}

func TestLoadInvalidLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: verbose\n"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidatePortConflict(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = cfg.Server.Port

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflicts")
}

func TestDerivedPaths(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Storage.Root = "/srv/sync"

	assert.Equal(t, "/srv/sync/sessions.db", cfg.SessionDBPath())
	assert.Equal(t, "/srv/sync/auth.db", cfg.AuthDBPath())

	cfg.Sessions.Path = "/elsewhere/sessions.db"
	cfg.Auth.Path = "/elsewhere/auth.db"
	assert.Equal(t, "/elsewhere/sessions.db", cfg.SessionDBPath())
	assert.Equal(t, "/elsewhere/auth.db", cfg.AuthDBPath())
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := GetDefaultConfig()
	cfg.Server.Port = 9999
	require.NoError(t, SaveConfig(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, loaded.Server.Port)
}

func TestEnvironmentOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 27701\n"), 0600))

	t.Setenv("SYNCDECK_SERVER_PORT", "28000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 28000, cfg.Server.Port)
}
