package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "/ws/device", cfg.Server.DevicePath)
	assert.Equal(t, 3, cfg.Backend.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Backend.BackoffBase)
	assert.Equal(t, "get_user_device", cfg.Backend.LookupAction)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 2, cfg.Heartbeat.Threshold)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	content := `
server:
  addr: ":9090"
  max_devices: 10
backend:
  identity_url: "http://backend/identity"
  status_url: "http://backend/status"
  backoff_base: 500ms
heartbeat:
  interval: 45s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 10, cfg.Server.MaxDevices)
	assert.Equal(t, "http://backend/identity", cfg.Backend.IdentityURL)
	assert.Equal(t, 500*time.Millisecond, cfg.Backend.BackoffBase)
	assert.Equal(t, 45*time.Second, cfg.Heartbeat.Interval)
	// Untouched keys keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.Trigger.PollInterval)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("RELAY_SERVER_ADDR", ":7000")
	t.Setenv("RELAY_HEARTBEAT_THRESHOLD", "4")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Heartbeat.Threshold)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	v := NewViper()
	v.Set("backend.max_attempts", 0)
	_, err := FromViper(v)
	assert.ErrorContains(t, err, "max_attempts")

	v = NewViper()
	v.Set("heartbeat.interval", 0)
	_, err = FromViper(v)
	assert.ErrorContains(t, err, "heartbeat.interval")

	v = NewViper()
	v.Set("backend.status_url", "")
	_, err = FromViper(v)
	assert.ErrorContains(t, err, "status_url")
}
