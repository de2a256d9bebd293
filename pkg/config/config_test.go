package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, ModeStation, cfg.Mode)
	assert.Equal(t, 30, cfg.GatewayTimeoutSeconds)
	assert.Equal(t, int64(4*1024*1024), cfg.MaxFirmwareSize)
	assert.Equal(t, 300*time.Second, cfg.TokenRefreshInterval)
	assert.Equal(t, 7, cfg.HistoryRetentionDays)
	assert.Equal(t, 60*time.Second, cfg.MQTT.KeepAlive)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
mode: aggregator
gateway_id: gw-test
server_port: 9000
mqtt:
  mqtt_host: broker.local
  mqtt_topic_prefix: fleet
history_retention_days: 14
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeAggregator, cfg.Mode)
	assert.Equal(t, "gw-test", cfg.GatewayID)
	assert.Equal(t, 9000, cfg.ServerPort)
	assert.Equal(t, "broker.local", cfg.MQTT.Host)
	assert.Equal(t, "fleet", cfg.MQTT.TopicPrefix)
	assert.Equal(t, 14, cfg.HistoryRetentionDays)
	// Untouched fields keep their defaults.
	assert.Equal(t, 1883, cfg.MQTT.Port)
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: spaceship\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.GatewayID = "gw-42"

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gw-42", loaded.GatewayID)
	assert.Equal(t, cfg.ServerPort, loaded.ServerPort)
}
