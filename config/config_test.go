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
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	assert.Nil(t, cfg.PubSub)
	assert.Nil(t, cfg.Wireless)
	assert.False(t, cfg.PubSubEnabled())
	assert.False(t, cfg.WirelessEnabled())
	assert.Equal(t, time.Second, cfg.Supervisor.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Supervisor.MaxDelay)
	assert.Equal(t, 10, cfg.Supervisor.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.json")
	assert.Error(t, err)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `{
		"pubsub": {"url": "nats://broker:4222", "username": "ingest"},
		"wireless": {"devices": [{"id": "emg-001", "kind": "emg"}]},
		"supervisor": {"base_delay": 2000000000, "max_attempts": 5},
		"sync": {"batch_size": 25},
		"remote": {"url": "https://api.example.com/sync"},
		"storage": {"driver": "sqlite", "path": "/tmp/myozen.db"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.PubSubEnabled())
	assert.Equal(t, "nats://broker:4222", cfg.PubSub.URL)
	assert.Equal(t, "ingest", cfg.PubSub.Username)
	assert.True(t, cfg.WirelessEnabled())
	require.Len(t, cfg.Wireless.Devices, 1)
	assert.Equal(t, "emg-001", cfg.Wireless.Devices[0].ID)
	assert.Equal(t, 2*time.Second, cfg.Supervisor.BaseDelay)
	assert.Equal(t, 5, cfg.Supervisor.MaxAttempts)
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	require.NotNil(t, cfg.Remote)
	assert.Equal(t, "https://api.example.com/sync", cfg.Remote.URL)
	assert.Equal(t, StorageSQLite, cfg.Storage.Driver)
}

func TestLoadInvalidJSON(t *testing.T) {
	path := writeConfig(t, `{not json`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadSections(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"pubsub without url", `{"pubsub": {"username": "x"}}`},
		{"wireless bad kind", `{"wireless": {"devices": [{"id": "d", "kind": "ecg"}]}}`},
		{"sqlite without path", `{"storage": {"driver": "sqlite"}}`},
		{"unknown storage driver", `{"storage": {"driver": "postgres"}}`},
		{"unknown log level", `{"observability": {"log_level": "trace"}}`},
		{"unknown log format", `{"observability": {"log_format": "xml"}}`},
		{"remote without url", `{"remote": {"headers": {"a": "b"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MYOZEN_BROKER_URL", "nats://override:4222")
	t.Setenv("MYOZEN_BROKER_USERNAME", "envuser")
	t.Setenv("MYOZEN_SYNC_INTERVAL", "30s")
	t.Setenv("MYOZEN_SYNC_BATCH_SIZE", "42")
	t.Setenv("MYOZEN_LOG_LEVEL", "debug")
	t.Setenv("MYOZEN_REMOTE_URL", "https://env.example.com/sync")

	cfg, err := Load("")
	require.NoError(t, err)

	require.NotNil(t, cfg.PubSub)
	assert.Equal(t, "nats://override:4222", cfg.PubSub.URL)
	assert.Equal(t, "envuser", cfg.PubSub.Username)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 42, cfg.Sync.BatchSize)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
	require.NotNil(t, cfg.Remote)
	assert.Equal(t, "https://env.example.com/sync", cfg.Remote.URL)
}

func TestEnvOverridesLayerOverFile(t *testing.T) {
	path := writeConfig(t, `{"pubsub": {"url": "nats://file:4222", "password": "filepass"}}`)
	t.Setenv("MYOZEN_BROKER_PASSWORD", "envpass")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://file:4222", cfg.PubSub.URL)
	assert.Equal(t, "envpass", cfg.PubSub.Password)
}
