package platform

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/txn2/feedsync/pkg/audit"
	auditpg "github.com/txn2/feedsync/pkg/audit/postgres"
	"github.com/txn2/feedsync/pkg/database/migrate"
	"github.com/txn2/feedsync/pkg/feedstore"
	"github.com/txn2/feedsync/pkg/feedstore/postgres"
	redisstore "github.com/txn2/feedsync/pkg/feedstore/redis"
)

// openDB is replaced in tests.
var openDB = func(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

// runMigrations is replaced in tests.
var runMigrations = migrate.Run

// initStore selects the feed store from options or config and registers its
// shutdown and readiness probe.
func (p *Platform) initStore(opts *Options) error {
	if opts.Store != nil {
		p.store = opts.Store
		return nil
	}

	switch p.config.Store.Provider {
	case StorePostgres:
		return p.initPostgres(opts.DB)
	case StoreRedis:
		return p.initRedis(opts.RedisClient)
	default:
		p.store = feedstore.NewMemoryStore()
		p.lifecycle.RegisterCloser("store", p.store)
		return nil
	}
}

func (p *Platform) initPostgres(db *sql.DB) error {
	owned := db == nil
	if owned {
		var err error
		if db, err = openDB(p.config.Database.DSN); err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(p.config.Database.MaxOpenConns)
		db.SetConnMaxLifetime(p.config.Database.ConnMaxLifetime)
	}

	if err := runMigrations(db); err != nil {
		if owned {
			_ = db.Close()
		}
		return fmt.Errorf("migrating database: %w", err)
	}

	p.db = db
	p.store = postgres.New(db)
	p.health.AddCheck("postgres", db.PingContext)
	if owned {
		p.lifecycle.RegisterCloser("database", db)
	}
	return nil
}

func (p *Platform) initRedis(client redis.UniversalClient) error {
	owned := client == nil
	if owned {
		client = redis.NewClient(&redis.Options{
			Addr:     p.config.Redis.Addr,
			Password: p.config.Redis.Password,
			DB:       p.config.Redis.DB,
		})
	}

	store, err := redisstore.New(redisstore.Config{Client: client, KeyPrefix: p.config.Redis.KeyPrefix})
	if err != nil {
		return fmt.Errorf("creating redis store: %w", err)
	}

	p.store = store
	p.health.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if owned {
		p.lifecycle.RegisterCloser("redis", client)
	}
	return nil
}

// initAudit selects the audit log. It must run after initStore so that the
// postgres log shares the store connection and is closed before it.
func (p *Platform) initAudit() {
	cfg := p.config.Audit
	if !cfg.Enabled {
		return
	}
	if p.db != nil {
		store := auditpg.New(p.db, auditpg.Config{RetentionDays: cfg.RetentionDays})
		store.StartCleanupRoutine(cfg.CleanupInterval)
		p.audit = store
	} else {
		p.audit = audit.NewMemoryLogger(cfg.MemoryCapacity)
	}
	p.lifecycle.RegisterCloser("audit", p.audit)
}
