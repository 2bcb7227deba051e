package platform

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/txn2/feedsync/pkg/audit"
	"github.com/txn2/feedsync/pkg/tuning"
)

// Store providers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds the feedsync configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Feed     FeedConfig     `yaml:"feed"`
	Store    StoreConfig    `yaml:"store"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Source   SourceConfig   `yaml:"source"`
	Upload   UploadConfig   `yaml:"upload"`
	Offline  OfflineConfig  `yaml:"offline"`
	Audit    AuditConfig    `yaml:"audit"`
}

// ServerConfig configures the HTTP listener for health, metrics and the control API.
type ServerConfig struct {
	Address         string        `yaml:"address" env:"FEEDSYNC_SERVER_ADDRESS"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"FEEDSYNC_SERVER_SHUTDOWN_TIMEOUT"`

	// APIKey protects the host control API when set.
	APIKey string `yaml:"api_key" env:"FEEDSYNC_SERVER_API_KEY"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Format is "json" or "text".
	Format string `yaml:"format" env:"FEEDSYNC_LOG_FORMAT"`
	Level  string `yaml:"level" env:"FEEDSYNC_LOG_LEVEL"`
}

// FeedConfig holds the engine tunables. They can change while running.
type FeedConfig struct {
	SessionLifetime     time.Duration `yaml:"session_lifetime" env:"FEEDSYNC_FEED_SESSION_LIFETIME"`
	DismissActionTTL    time.Duration `yaml:"dismiss_action_ttl" env:"FEEDSYNC_FEED_DISMISS_ACTION_TTL"`
	MinValidActionRatio float64       `yaml:"min_valid_action_ratio" env:"FEEDSYNC_FEED_MIN_VALID_ACTION_RATIO"`

	// StrictThreading panics instead of returning an error when a store
	// operation is called from the main loop.
	StrictThreading bool `yaml:"strict_threading" env:"FEEDSYNC_FEED_STRICT_THREADING"`

	// RefreshInterval triggers a HEAD refresh periodically. Zero disables polling.
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"FEEDSYNC_FEED_REFRESH_INTERVAL"`

	// UploadInterval flushes pending uploadable actions. Zero disables uploads.
	UploadInterval time.Duration `yaml:"upload_interval" env:"FEEDSYNC_FEED_UPLOAD_INTERVAL"`
}

// StoreConfig selects the feed store.
type StoreConfig struct {
	Provider string `yaml:"provider" env:"FEEDSYNC_STORE_PROVIDER"`
}

// DatabaseConfig configures the PostgreSQL store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"FEEDSYNC_DATABASE_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"FEEDSYNC_DATABASE_MAX_OPEN_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"FEEDSYNC_REDIS_ADDR"`
	Password  string `yaml:"password" env:"FEEDSYNC_REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"FEEDSYNC_REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix" env:"FEEDSYNC_REDIS_KEY_PREFIX"`
}

// SourceConfig configures the RSS/Atom feed source.
type SourceConfig struct {
	URL       string        `yaml:"url" env:"FEEDSYNC_SOURCE_URL"`
	PageSize  int           `yaml:"page_size" env:"FEEDSYNC_SOURCE_PAGE_SIZE"`
	Timeout   time.Duration `yaml:"timeout" env:"FEEDSYNC_SOURCE_TIMEOUT"`
	UserAgent string        `yaml:"user_agent"`
}

// UploadConfig configures the action upload endpoint.
type UploadConfig struct {
	Endpoint string        `yaml:"endpoint" env:"FEEDSYNC_UPLOAD_ENDPOINT"`
	Timeout  time.Duration `yaml:"timeout"`
}

// OfflineConfig configures the offline monitor.
type OfflineConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval" env:"FEEDSYNC_OFFLINE_FLUSH_INTERVAL"`
}

// AuditConfig configures the audit log of control API operations. Events go
// to postgres when that is the store provider and to memory otherwise.
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled" env:"FEEDSYNC_AUDIT_ENABLED"`
	RetentionDays   int           `yaml:"retention_days" env:"FEEDSYNC_AUDIT_RETENTION_DAYS"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	MemoryCapacity  int           `yaml:"memory_capacity"`
}

// LoadConfig loads configuration from a YAML file. ${VAR} references are
// expanded before parsing and FEEDSYNC_* variables override file values.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, then applies environment overrides and defaults.
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// applyEnv overlays FEEDSYNC_* environment variables. Having none set is not an error.
func applyEnv(cfg *Config) error {
	err := envdecode.Decode(cfg)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decoding environment: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	def := tuning.DefaultValues()
	if cfg.Feed.SessionLifetime == 0 {
		cfg.Feed.SessionLifetime = def.SessionLifetime
	}
	if cfg.Feed.DismissActionTTL == 0 {
		cfg.Feed.DismissActionTTL = def.DismissActionTTL
	}
	if cfg.Feed.MinValidActionRatio == 0 {
		cfg.Feed.MinValidActionRatio = def.MinValidActionRatio
	}

	if cfg.Store.Provider == "" {
		cfg.Store.Provider = StoreMemory
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "feedsync:"
	}
	if cfg.Offline.FlushInterval == 0 {
		cfg.Offline.FlushInterval = 5 * time.Second
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 30
	}
	if cfg.Audit.CleanupInterval == 0 {
		cfg.Audit.CleanupInterval = time.Hour
	}
	if cfg.Audit.MemoryCapacity == 0 {
		cfg.Audit.MemoryCapacity = audit.DefaultMemoryCapacity
	}
}

// Tuning returns the feed tunables as tuning values.
func (c *Config) Tuning() tuning.Values {
	return tuning.Values{
		SessionLifetime:     c.Feed.SessionLifetime,
		DismissActionTTL:    c.Feed.DismissActionTTL,
		MinValidActionRatio: c.Feed.MinValidActionRatio,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Provider {
	case StoreMemory:
	case StorePostgres:
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres store")
		}
	case StoreRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required for the redis store")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.provider %q is not one of memory, postgres, redis", c.Store.Provider))
	}

	if err := c.Tuning().Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not json or text", c.Log.Format))
	}

	if c.Feed.RefreshInterval < 0 || c.Feed.UploadInterval < 0 || c.Offline.FlushInterval < 0 || c.Audit.CleanupInterval < 0 {
		errs = append(errs, "intervals must not be negative")
	}
	if c.Feed.UploadInterval > 0 && c.Upload.Endpoint == "" {
		errs = append(errs, "upload.endpoint is required when feed.upload_interval is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
