package platform

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/feedsync/pkg/tuning"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, StoreMemory, cfg.Store.Provider)
	assert.Equal(t, tuning.DefaultValues(), cfg.Tuning())
	assert.Equal(t, 5*time.Second, cfg.Offline.FlushInterval)
	assert.False(t, cfg.Audit.Enabled)
	assert.Equal(t, 30, cfg.Audit.RetentionDays)
	assert.NoError(t, cfg.Validate())
}

func TestParseConfig_YAMLAndExpansion(t *testing.T) {
	t.Setenv("TEST_FEED_DSN", "postgres://feedsync@db/feedsync")

	cfg, err := ParseConfig([]byte(`
server:
  address: ":9000"
feed:
  session_lifetime: 30m
  dismiss_action_ttl: 24h
  min_valid_action_ratio: 0.5
  strict_threading: true
  refresh_interval: 5m
store:
  provider: postgres
database:
  dsn: ${TEST_FEED_DSN}
source:
  url: https://example.com/rss
  page_size: 10
`))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 30*time.Minute, cfg.Feed.SessionLifetime)
	assert.Equal(t, 24*time.Hour, cfg.Feed.DismissActionTTL)
	assert.InDelta(t, 0.5, cfg.Feed.MinValidActionRatio, 0)
	assert.True(t, cfg.Feed.StrictThreading)
	assert.Equal(t, "postgres://feedsync@db/feedsync", cfg.Database.DSN)
	assert.Equal(t, 10, cfg.Source.PageSize)
	assert.NoError(t, cfg.Validate())
}

func TestParseConfig_EnvOverrides(t *testing.T) {
	t.Setenv("FEEDSYNC_STORE_PROVIDER", "redis")
	t.Setenv("FEEDSYNC_REDIS_ADDR", "localhost:6379")
	t.Setenv("FEEDSYNC_FEED_SESSION_LIFETIME", "2h")
	t.Setenv("FEEDSYNC_AUDIT_ENABLED", "true")

	cfg, err := ParseConfig([]byte("store:\n  provider: memory\n"))
	require.NoError(t, err)
	assert.Equal(t, StoreRedis, cfg.Store.Provider)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Hour, cfg.Feed.SessionLifetime)
	assert.True(t, cfg.Audit.Enabled)
}

func TestParseConfig_Errors(t *testing.T) {
	_, err := ParseConfig([]byte("server: [1, 2"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")

	t.Setenv("FEEDSYNC_REDIS_DB", "not-a-number")
	_, err = ParseConfig(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding environment")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  format: text\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "text", cfg.Log.Format)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"postgres without dsn", func(c *Config) { c.Store.Provider = StorePostgres }, "database.dsn"},
		{"redis without addr", func(c *Config) { c.Store.Provider = StoreRedis }, "redis.addr"},
		{"unknown store", func(c *Config) { c.Store.Provider = "sqlite" }, "store.provider"},
		{"ratio out of range", func(c *Config) { c.Feed.MinValidActionRatio = 1.5 }, "min_valid_action_ratio"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"negative interval", func(c *Config) { c.Feed.RefreshInterval = -time.Second }, "intervals"},
		{"upload without endpoint", func(c *Config) { c.Feed.UploadInterval = time.Minute }, "upload.endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig(nil)
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			assert.True(t, strings.HasPrefix(err.Error(), "config validation errors: "))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FEED_HOST", "news.example.com")
	assert.Equal(t, "url: https://news.example.com/rss", expandEnvVars("url: https://${FEED_HOST}/rss"))
	assert.Equal(t, "key: ", expandEnvVars("key: ${FEED_UNSET_VARIABLE}"))
}
