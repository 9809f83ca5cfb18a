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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
mongo:
  uri: mongodb://localhost:27017
  db: messaging
redis:
  addr: localhost:6379
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "8085", cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.ReadTimeout)
	assert.Equal(t, "msg", cfg.Redis.Prefix)
	assert.Equal(t, "messaging.events", cfg.Kafka.EventsTopic)
	assert.Equal(t, "messaging-gateway", cfg.Consul.ServiceName)

	assert.Equal(t, 10, cfg.Limits.RateLimitMax)
	assert.Equal(t, 60, cfg.Limits.RateLimitWindowSeconds)
	assert.Equal(t, 5000, cfg.Limits.ContentMaxBytes)
	assert.Equal(t, 5, cfg.Limits.MaxAttachments)
	assert.Equal(t, 255, cfg.Limits.SnippetMaxBytes)
	assert.Equal(t, 3600, cfg.Limits.PresenceTTLSeconds)
	assert.Equal(t, 5, cfg.Limits.TypingTTLSeconds)
	assert.Equal(t, 604800, cfg.Limits.OfflineTTLSeconds)
	assert.Equal(t, 50, cfg.Limits.HistoryPageSize)
	assert.Equal(t, 20, cfg.Limits.ConversationPageSize)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9000"
limits:
  rate_limit_max: 25
  content_max_bytes: 1000
  typing_ttl_seconds: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 25, cfg.Limits.RateLimitMax)
	assert.Equal(t, 1000, cfg.Limits.ContentMaxBytes)
	assert.Equal(t, 3*time.Second, cfg.Limits.TypingTTL())
	assert.Equal(t, 60*time.Second, cfg.Limits.RateWindow())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
