package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
database:
  host: localhost
  port: 5432
  user: dishpatch
  password: file-secret
  database: dishpatch
rabbitmq:
  host: localhost
  port: 5672
  user: guest
  password: guest
  vhost: /
redis:
  addr: localhost:6379
agent:
  port: 4000
  drain_interval_seconds: 15
  max_retries: 3
  queue_persistent: true
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "file-secret", cfg.Database.Password)
	assert.Equal(t, "/", cfg.RabbitMQ.VHost)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

	assert.Equal(t, 4000, cfg.Agent.Port)
	assert.Equal(t, 15*time.Second, cfg.Agent.DrainInterval())
	assert.Equal(t, 3, cfg.Agent.MaxRetries)
	assert.True(t, cfg.Agent.QueuePersistent)

	// Fields the file omits keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Agent.ProbeInterval())
	assert.Equal(t, 2*time.Second, cfg.Agent.RetryBaseDelay())
	assert.Equal(t, 120*time.Second, cfg.Agent.RetryMaxDelay())
}

func TestLoadConfigEnvOverridesPasswords(t *testing.T) {
	path := writeConfig(t, `
database:
  password: from-file
rabbitmq:
  password: from-file
`)

	t.Setenv("POSTGRES_PASSWORD", "from-env")
	t.Setenv("RABBITMQ_PASSWORD", "")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, "from-file", cfg.RabbitMQ.Password)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	path := writeConfig(t, "agent: [not a mapping")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
