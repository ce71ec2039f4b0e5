package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the allowed config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "incidentd")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func writeConfig(t *testing.T, dir, body string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := setupTestHome(t)

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Ledger.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Engine.Deadline.Duration())
	assert.Equal(t, []string{"auth"}, cfg.Policy.AlwaysEscalate)
	assert.Equal(t, 0.92, cfg.Policy.Thresholds["prod"].AutoFix)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
server:
  http_port: 9443
  shutdown_timeout: 3s
ledger:
  backend: redis
  redis:
    addr: redis:6379
executor:
  max_attempts: 5
policy:
  thresholds:
    prod:
      auto_fix: 0.95
      escalate: 0.8
knowledge:
  chat:
    enabled: true
    token: xoxb-test
`, 0600)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9443, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "redis", cfg.Ledger.Backend)
	assert.Equal(t, "redis:6379", cfg.Ledger.Redis.Addr)
	assert.Equal(t, 5, cfg.Executor.MaxAttempts)
	assert.Equal(t, 0.95, cfg.Policy.Thresholds["prod"].AutoFix)
	assert.Contains(t, cfg.Policy.Thresholds, "default")
	assert.Equal(t, "xoxb-test", cfg.Knowledge.Chat.Token.Value())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "ledger:\n  backend: badger\n", 0600)
	t.Setenv("INCIDENTD_LEDGER__BACKEND", "redis")
	t.Setenv("INCIDENTD_SERVER__HTTP_PORT", "9001")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Ledger.Backend)
	assert.Equal(t, 9001, cfg.Server.Port)
}

func TestLoad_RejectsInsecurePermissions(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: 9000\n", 0644)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoad_RejectsPathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)
	other := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(other, []byte("{}"), 0600))

	_, err := Load(other)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file must be under")
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "ledger:\n  backend: etcd\n", 0600)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.backend")
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"INCIDENTD_LEDGER__BACKEND":          "ledger.backend",
		"INCIDENTD_SERVER__HTTP_PORT":        "server.http_port",
		"INCIDENTD_KNOWLEDGE__CHAT__TOKEN":   "knowledge.chat.token",
		"INCIDENTD_ENGINE__DEADLINE":         "engine.deadline",
		"INCIDENTD_NOTIFY__ESCALATE_CHANNEL": "notify.escalate_channel",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}
