package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"SENSOR_HOST", "SENSOR_PORT", "DIRECTORY_URL", "SENSOR_ADMIN_LISTEN", "MQTT_BROKER", "SENSOR_FEED"} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sensor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Sensor.Host)
	assert.Equal(t, 10000, cfg.Sensor.Port)
	assert.Equal(t, "http://localhost:8080", cfg.Directory.URL)
	assert.Equal(t, 5*time.Second, cfg.Directory.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Loop.Interval)
	assert.Equal(t, 24*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, time.Second, cfg.Retry.Backoff)
	assert.Equal(t, time.Second, cfg.Peer.AcceptTimeout)
	assert.GreaterOrEqual(t, cfg.Peer.Workers, 1)
	assert.Empty(t, cfg.Admin.Listen)
	assert.Empty(t, cfg.MQTT.Broker)
	assert.Equal(t, "sensors", cfg.MQTT.Topic)
	assert.Empty(t, cfg.Feed.Path)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
sensor:
  host: 10.0.0.5
  port: 12000
directory:
  url: http://dir:9000
loop:
  interval: 2s
cache:
  ttl: 30s
retry:
  attempts: 5
  backoff: 250ms
peer:
  workers: 2
mqtt:
  broker: tcp://broker:1883
  topic: city
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.Sensor.Host)
	assert.Equal(t, 12000, cfg.Sensor.Port)
	assert.Equal(t, "http://dir:9000", cfg.Directory.URL)
	assert.Equal(t, 2*time.Second, cfg.Loop.Interval)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 5, cfg.Retry.Attempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.Backoff)
	assert.Equal(t, 2, cfg.Peer.Workers)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "city", cfg.MQTT.Topic)
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "sensor:\n  port: 12000\n")
	t.Setenv("SENSOR_PORT", "13000")
	t.Setenv("SENSOR_HOST", "sensor-7")
	t.Setenv("DIRECTORY_URL", "http://elsewhere")
	t.Setenv("SENSOR_ADMIN_LISTEN", ":9100")
	t.Setenv("MQTT_BROKER", "tcp://b:1883")
	t.Setenv("SENSOR_FEED", "/data/feed.csv")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 13000, cfg.Sensor.Port)
	assert.Equal(t, "sensor-7", cfg.Sensor.Host)
	assert.Equal(t, "http://elsewhere", cfg.Directory.URL)
	assert.Equal(t, ":9100", cfg.Admin.Listen)
	assert.Equal(t, "tcp://b:1883", cfg.MQTT.Broker)
	assert.Equal(t, "/data/feed.csv", cfg.Feed.Path)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "port out of range", body: "sensor:\n  port: 70000\n"},
		{name: "negative interval", body: "loop:\n  interval: -1s\n"},
		{name: "negative attempts", body: "retry:\n  attempts: -2\n"},
		{name: "bad yaml", body: "sensor: [\n"},
		{name: "bad duration", body: "cache:\n  ttl: soon\n"},
		{name: "bad port env", body: "", env: map[string]string{"SENSOR_PORT": "ten"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeFile(t, tt.body))
			assert.Error(t, err)
		})
	}

	t.Run("negative duration message", func(t *testing.T) {
		clearEnv(t)
		_, err := Load(writeFile(t, "cache:\n  ttl: -5s\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cache.ttl must not be negative")
	})

	t.Run("missing file", func(t *testing.T) {
		clearEnv(t)
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}
