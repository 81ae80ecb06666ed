package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/botstreams/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "botstreams.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 4096, cfg.Cache.Capacity)
	assert.Equal(t, 3*time.Second, cfg.Dispatch.Budget.Std())
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoadFullDocument(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
logging:
  level: debug
  format: text
storage:
  backend: redis
  redis:
    address: localhost:6379
    db: 2
cache:
  capacity: 128
  ttl: 30s
  negative_ttl: 3s
dispatch:
  lanes: 4
  queue_size: 32
  budget: 500ms
transports:
  nats:
    enabled: true
    url: nats://localhost:4222
    subject: chat.events
features:
  - name: moderation
  - name: leveling
    enabled: false
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "localhost:6379", cfg.Storage.Redis.Address)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.Budget.Std())
	assert.Equal(t, "chat.events", cfg.Transports.NATS.Subject)

	require.Len(t, cfg.Features, 2)
	assert.Nil(t, cfg.Features[0].Enabled)
	require.NotNil(t, cfg.Features[1].Enabled)
	assert.False(t, *cfg.Features[1].Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestValidateRejectsBadBackend(t *testing.T) {
	_, err := Load(writeConfig(t, "storage:\n  backend: cassandra\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestValidateRequiresBackendSettings(t *testing.T) {
	_, err := Load(writeConfig(t, "storage:\n  backend: mysql\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestValidateRejectsDuplicateFeatures(t *testing.T) {
	_, err := Load(writeConfig(t, `
features:
  - name: greeter
  - name: greeter
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestValidateEnabledTransportNeedsURL(t *testing.T) {
	_, err := Load(writeConfig(t, "transports:\n  websocket:\n    enabled: true\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}
