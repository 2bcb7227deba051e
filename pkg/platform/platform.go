// Package platform wires the feedsync engine from configuration and runs it.
package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/txn2/feedsync/pkg/action"
	"github.com/txn2/feedsync/pkg/admin"
	"github.com/txn2/feedsync/pkg/audit"
	"github.com/txn2/feedsync/pkg/clearall"
	"github.com/txn2/feedsync/pkg/clock"
	"github.com/txn2/feedsync/pkg/feedstore"
	"github.com/txn2/feedsync/pkg/health"
	"github.com/txn2/feedsync/pkg/lifecycle"
	"github.com/txn2/feedsync/pkg/offline"
	"github.com/txn2/feedsync/pkg/removetracking"
	"github.com/txn2/feedsync/pkg/request"
	"github.com/txn2/feedsync/pkg/request/httpupload"
	"github.com/txn2/feedsync/pkg/request/rss"
	"github.com/txn2/feedsync/pkg/session"
	"github.com/txn2/feedsync/pkg/stream"
	"github.com/txn2/feedsync/pkg/taskqueue"
	"github.com/txn2/feedsync/pkg/threading"
	"github.com/txn2/feedsync/pkg/tuning"
)

// ErrNoConfig is returned by New without WithConfig.
var ErrNoConfig = errors.New("config is required")

// Version is reported by the system info endpoint. Set at build time.
var Version = "dev"

// Platform is the main platform facade.
type Platform struct {
	config *Config
	logger *slog.Logger
	clock  clock.Clock

	// Core components
	lifecycle *Lifecycle
	health    *health.Checker
	registry  prometheus.Registerer
	gatherer  prometheus.Gatherer
	tunables  *tuning.Configuration
	store     feedstore.Store
	db        *sql.DB
	audit     audit.Logger
	queue     *taskqueue.Queue
	loop      *threading.Loop
	bus       *lifecycle.Bus
	current   *removetracking.CurrentSession

	// Engine
	sessions *session.Manager
	reader   *action.Reader
	actions  *action.Manager
	clearAll *clearall.Listener
	offline  *offline.Monitor

	// Requests
	source   request.FeedRequestManager
	uploader request.ActionUploadRequestManager
}

// New creates a new platform instance.
func New(opts ...Option) (*Platform, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Config == nil {
		return nil, ErrNoConfig
	}
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Clock == nil {
		options.Clock = clock.System{}
	}

	p := &Platform{
		config:    options.Config,
		logger:    options.Logger,
		clock:     options.Clock,
		lifecycle: NewLifecycle(options.Logger),
		health:    health.NewChecker(),
		current:   &removetracking.CurrentSession{},
	}
	p.initMetrics(options.Registerer)

	if err := p.initializeComponents(options); err != nil {
		_ = p.release()
		return nil, fmt.Errorf("initializing components: %w", err)
	}
	return p, nil
}

func (p *Platform) initMetrics(reg prometheus.Registerer) {
	if reg == nil {
		r := prometheus.NewRegistry()
		p.registry, p.gatherer = r, r
		return
	}
	p.registry = reg
	if g, ok := reg.(prometheus.Gatherer); ok {
		p.gatherer = g
	} else {
		p.gatherer = prometheus.DefaultGatherer
	}
}

// initializeComponents builds the engine bottom-up.
func (p *Platform) initializeComponents(opts *Options) error {
	var err error
	if p.tunables, err = tuning.NewConfiguration(p.config.Tuning()); err != nil {
		return fmt.Errorf("creating tuning configuration: %w", err)
	}

	// Closers run in reverse, so the store is registered before anything that uses it.
	if err := p.initStore(opts); err != nil {
		return err
	}
	p.initAudit()
	if err := p.initRequests(opts); err != nil {
		return err
	}

	p.queue = taskqueue.New(taskqueue.Config{Logger: p.logger, Registerer: p.registry})
	p.loop = threading.NewLoop(p.logger)
	p.bus = lifecycle.NewBus(p.logger)

	if err := p.initSessions(opts); err != nil {
		return err
	}
	if err := p.initActions(); err != nil {
		return err
	}
	return p.initOffline(opts)
}

func (p *Platform) initRequests(opts *Options) error {
	switch {
	case opts.Source != nil:
		p.source = opts.Source
	case p.config.Source.URL != "":
		src, err := rss.New(rss.Config{
			URL:       p.config.Source.URL,
			PageSize:  p.config.Source.PageSize,
			Timeout:   p.config.Source.Timeout,
			UserAgent: p.config.Source.UserAgent,
			Logger:    p.logger,
		})
		if err != nil {
			return fmt.Errorf("creating feed source: %w", err)
		}
		p.source = src
	}

	switch {
	case opts.Uploader != nil:
		p.uploader = opts.Uploader
	case p.config.Upload.Endpoint != "":
		up, err := httpupload.New(httpupload.Config{
			Endpoint: p.config.Upload.Endpoint,
			Timeout:  p.config.Upload.Timeout,
			Logger:   p.logger,
		})
		if err != nil {
			return fmt.Errorf("creating action uploader: %w", err)
		}
		p.uploader = up
	}
	return nil
}

func (p *Platform) initSessions(opts *Options) error {
	known := opts.KnownContent
	if known == nil {
		known = newRemovalLogger(p.registry, p.logger)
	}

	var err error
	p.sessions, err = session.NewManager(session.Config{
		Store:          p.store,
		Queue:          p.queue,
		Requests:       p.source,
		Lifetime:       p.tunables,
		Clock:          p.clock,
		Lifecycle:      p.bus,
		MainThread:     p.loop,
		RemoveTracking: removetracking.NewStreamFactory(p.current, known, p.logger),
		Logger:         p.logger,
	})
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}
	p.bus.Register(p.sessions)
	return nil
}

func (p *Platform) initActions() error {
	var err error
	p.reader, err = action.NewReader(action.ReaderConfig{
		Store:    p.store,
		Queue:    p.queue,
		Tunables: p.tunables,
		Clock:    p.clock,
		Logger:   p.logger,
	})
	if err != nil {
		return fmt.Errorf("creating action reader: %w", err)
	}

	p.actions, err = action.NewManager(action.ManagerConfig{
		Store:     p.store,
		Queue:     p.queue,
		Mutations: p.sessions.Mutation(),
		Uploader:  p.uploader,
		Clock:     p.clock,
		Logger:    p.logger,
	})
	if err != nil {
		return fmt.Errorf("creating action manager: %w", err)
	}

	p.clearAll, err = clearall.New(clearall.Config{
		Queue:      p.queue,
		Sessions:   p.sessions,
		Store:      p.store,
		Checker:    threading.NewThreadChecker(p.config.Feed.StrictThreading, p.logger),
		Registerer: p.registry,
		Logger:     p.logger,
	})
	if err != nil {
		return fmt.Errorf("creating clear-all listener: %w", err)
	}
	p.bus.Register(p.clearAll)
	return nil
}

func (p *Platform) initOffline(opts *Options) error {
	indicator := opts.Indicator
	if indicator == nil {
		indicator = &cachedContentIndicator{sessions: p.sessions}
	}

	var err error
	p.offline, err = offline.New(offline.Config{
		Indicator:  indicator,
		MainThread: p.loop,
		Registerer: p.registry,
		Logger:     p.logger,
	})
	if err != nil {
		return fmt.Errorf("creating offline monitor: %w", err)
	}
	return nil
}

// Config returns the platform configuration.
func (p *Platform) Config() *Config { return p.config }

// Sessions returns the session manager.
func (p *Platform) Sessions() *session.Manager { return p.sessions }

// Actions returns the action manager.
func (p *Platform) Actions() *action.Manager { return p.actions }

// ActionReader returns the dismiss action reader.
func (p *Platform) ActionReader() *action.Reader { return p.reader }

// ClearAll returns the clear-all listener.
func (p *Platform) ClearAll() *clearall.Listener { return p.clearAll }

// Offline returns the offline monitor.
func (p *Platform) Offline() *offline.Monitor { return p.offline }

// Bus returns the lifecycle bus.
func (p *Platform) Bus() *lifecycle.Bus { return p.bus }

// Queue returns the task queue.
func (p *Platform) Queue() *taskqueue.Queue { return p.queue }

// Tuning returns the live tunables.
func (p *Platform) Tuning() *tuning.Configuration { return p.tunables }

// Audit returns the audit log, or nil when auditing is disabled.
func (p *Platform) Audit() audit.Logger { return p.audit }

// Health returns the readiness checker.
func (p *Platform) Health() *health.Checker { return p.health }

// SetCurrentSession records the session the host is showing. Removals from
// that session are reported to the known content listener.
func (p *Platform) SetCurrentSession(id string) { p.current.Set(id) }

// ApplyConfig applies the runtime-tunable parts of cfg. Other changes need a restart.
func (p *Platform) ApplyConfig(cfg *Config) {
	if err := p.tunables.Update(cfg.Tuning()); err != nil {
		p.logger.Warn("tunables rejected", "error", err)
		return
	}
	p.logger.Info("tunables updated",
		"session_lifetime", cfg.Feed.SessionLifetime,
		"dismiss_action_ttl", cfg.Feed.DismissActionTTL,
		"min_valid_action_ratio", cfg.Feed.MinValidActionRatio)
}

// Handler serves health probes, metrics and the host control API.
func (p *Platform) Handler() http.Handler {
	var auth func(http.Handler) http.Handler
	if p.config.Server.APIKey != "" {
		auth = admin.RequireAPIKey(p.config.Server.APIKey)
	}
	api := admin.NewHandler(admin.Deps{
		Sessions:  p.sessions,
		Actions:   p.actions,
		Reader:    p.reader,
		Lifecycle: p.bus,
		Offline:   p.offline,
		Current:   p.current,
		Audit:     p.audit,
		Info:      p.info,
	}, auth)

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", p.health.LivenessHandler())
	mux.Handle("GET /readyz", p.health.ReadinessHandler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/api/v1/", api)
	return mux
}

func (p *Platform) info() admin.SystemInfo {
	v := p.tunables.Values()
	return admin.SystemInfo{
		Version:             Version,
		Store:               p.config.Store.Provider,
		Source:              p.config.Source.URL,
		Uploads:             p.uploader != nil,
		SessionLifetime:     v.SessionLifetime.String(),
		DismissActionTTL:    v.DismissActionTTL.String(),
		MinValidActionRatio: v.MinValidActionRatio,
		QueueLength:         p.queue.Len(),
	}
}

// Run starts the engine and blocks until ctx is done or a component fails.
// The queue and main loop run first so that restore and the initial refresh
// land; the lifecycle hooks are stopped on the way out.
func (p *Platform) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return p.queue.Run(gctx) })
	g.Go(func() error { return p.loop.Run(gctx) })

	if err := p.start(gctx); err != nil {
		cancel()
		_ = g.Wait()
		_ = p.release()
		return err
	}

	g.Go(func() error { return p.offline.Run(gctx, p.config.Offline.FlushInterval) })
	if p.source != nil {
		g.Go(func() error { return p.refreshLoop(gctx) })
	}
	if p.uploader != nil && p.config.Feed.UploadInterval > 0 {
		g.Go(func() error { return p.every(gctx, p.config.Feed.UploadInterval, "upload", p.actions.UploadPending) })
	}

	p.health.SetReady()
	p.logger.Info("feedsync running", "store", p.config.Store.Provider, "source", p.config.Source.URL)

	err := g.Wait()
	p.health.SetDraining()

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.Server.ShutdownTimeout)
	defer stopCancel()
	if stopErr := p.lifecycle.Stop(stopCtx); stopErr != nil {
		p.logger.Warn("shutdown incomplete", "error", stopErr)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Platform) start(ctx context.Context) error {
	if err := p.lifecycle.Start(ctx); err != nil {
		return err
	}
	if err := p.sessions.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing sessions: %w", err)
	}
	return nil
}

// refreshLoop refreshes HEAD once at startup and then every refresh interval.
func (p *Platform) refreshLoop(ctx context.Context) error {
	p.refresh(ctx, stream.ReasonZeroState)
	if p.config.Feed.RefreshInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.every(ctx, p.config.Feed.RefreshInterval, "refresh", func(ctx context.Context) error {
		p.refresh(ctx, stream.ReasonHostRequested)
		return nil
	})
}

func (p *Platform) refresh(ctx context.Context, reason stream.RequestReason) {
	if err := p.sessions.TriggerRefresh(ctx, "", reason, nil); err != nil {
		p.logger.Warn("scheduled refresh failed", "reason", string(reason), "error", err)
	}
}

// every runs fn each interval until ctx is done. Failures are logged.
func (p *Platform) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				p.logger.Warn("periodic job failed", "job", name, "error", err)
			}
		}
	}
}

// Close releases the store and connections of a platform that is not running.
func (p *Platform) Close() error {
	return p.release()
}

// release runs the shutdown hooks whether or not the lifecycle was started.
// Only stop hooks are registered, so starting is a no-op.
func (p *Platform) release() error {
	if !p.lifecycle.IsStarted() {
		if err := p.lifecycle.Start(context.Background()); err != nil {
			return err
		}
	}
	return p.lifecycle.Stop(context.Background())
}
