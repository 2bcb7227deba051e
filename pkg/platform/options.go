package platform

import (
	"database/sql"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/txn2/feedsync/pkg/clock"
	"github.com/txn2/feedsync/pkg/feedstore"
	"github.com/txn2/feedsync/pkg/offline"
	"github.com/txn2/feedsync/pkg/removetracking"
	"github.com/txn2/feedsync/pkg/request"
)

// Options configures the platform.
type Options struct {
	// Config is the platform configuration.
	Config *Config

	// Store (optional, will be created from config if not provided).
	Store feedstore.Store

	// DB backs the postgres store (optional, opened from database.dsn if not provided).
	DB *sql.DB

	// RedisClient backs the redis store (optional, created from redis.addr if not provided).
	RedisClient redis.UniversalClient

	// Source (optional, an RSS source is created from source.url if not provided).
	Source request.FeedRequestManager

	// Uploader (optional, created from upload.endpoint if not provided).
	Uploader request.ActionUploadRequestManager

	// Indicator answers offline status lookups (optional, defaults to the cached content).
	Indicator offline.IndicatorAPI

	// KnownContent receives removals from the current session (optional).
	KnownContent removetracking.KnownContentListener

	// Registerer receives the platform metrics (optional, a private registry if not provided).
	Registerer prometheus.Registerer

	Clock  clock.Clock
	Logger *slog.Logger
}

// Option is a functional option for configuring the platform.
type Option func(*Options)

// WithConfig sets the configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithStore sets the feed store.
func WithStore(store feedstore.Store) Option {
	return func(o *Options) {
		o.Store = store
	}
}

// WithDB sets the database connection.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithRedisClient sets the Redis client.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *Options) {
		o.RedisClient = client
	}
}

// WithSource sets the feed request manager.
func WithSource(source request.FeedRequestManager) Option {
	return func(o *Options) {
		o.Source = source
	}
}

// WithUploader sets the action upload request manager.
func WithUploader(uploader request.ActionUploadRequestManager) Option {
	return func(o *Options) {
		o.Uploader = uploader
	}
}

// WithIndicator sets the offline indicator.
func WithIndicator(indicator offline.IndicatorAPI) Option {
	return func(o *Options) {
		o.Indicator = indicator
	}
}

// WithKnownContentListener sets the listener for removed content.
func WithKnownContentListener(l removetracking.KnownContentListener) Option {
	return func(o *Options) {
		o.KnownContent = l
	}
}

// WithRegisterer sets the metrics registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.Registerer = reg
	}
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}
