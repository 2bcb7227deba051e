// Package offline tracks which content urls are available without a network.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/txn2/feedsync/pkg/threading"
)

// ErrNoIndicator is returned by New when no OfflineIndicatorAPI is configured.
var ErrNoIndicator = errors.New("offline indicator api is required")

// IndicatorAPI answers which urls the host has available offline.
type IndicatorAPI interface {
	// RequestOfflineStatus returns the subset of urls that are available offline.
	RequestOfflineStatus(ctx context.Context, urls []string) ([]string, error)
}

// StatusConsumer is notified when the offline status of a url changes.
// Consumers are compared by identity, so implement it on a pointer type.
type StatusConsumer interface {
	OnOfflineStatus(url string, available bool)
}

// StatusListener receives status changes pushed by the host.
type StatusListener interface {
	OnOfflineStatusChanged(url string, available bool)
}

// Config configures a Monitor.
type Config struct {
	Indicator  IndicatorAPI
	MainThread threading.MainThreadRunner
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Monitor caches offline availability per url and batches lookups of urls
// it has not seen yet.
type Monitor struct {
	indicator IndicatorAPI
	runner    threading.MainThreadRunner
	logger    *slog.Logger

	mu        sync.Mutex
	offline   map[string]struct{}
	pending   []string
	pendingIx map[string]struct{}
	consumers map[string][]StatusConsumer

	requests      *prometheus.CounterVec
	offlineURLs   prometheus.Gauge
	notifications prometheus.Counter
}

// New creates a Monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Indicator == nil {
		return nil, ErrNoIndicator
	}
	if cfg.MainThread == nil {
		cfg.MainThread = threading.Synchronous{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	factory := promauto.With(cfg.Registerer)
	return &Monitor{
		indicator: cfg.Indicator,
		runner:    cfg.MainThread,
		logger:    cfg.Logger,
		offline:   make(map[string]struct{}),
		pendingIx: make(map[string]struct{}),
		consumers: make(map[string][]StatusConsumer),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedsync",
			Subsystem: "offline",
			Name:      "status_requests_total",
			Help:      "Batched offline status requests, by result.",
		}, []string{"result"}),
		offlineURLs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "feedsync",
			Subsystem: "offline",
			Name:      "available_urls",
			Help:      "Urls currently known to be available offline.",
		}),
		notifications: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "feedsync",
			Subsystem: "offline",
			Name:      "notifications_total",
			Help:      "Consumer notifications sent for status changes.",
		}),
	}, nil
}

// IsAvailableOffline reports whether url is known to be available offline.
// An unknown url is queued for the next batched request, so a false result
// may be a false negative.
func (m *Monitor) IsAvailableOffline(url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.offline[url]; ok {
		return true
	}
	if _, ok := m.pendingIx[url]; !ok {
		m.pendingIx[url] = struct{}{}
		m.pending = append(m.pending, url)
	}
	return false
}

// PendingCount returns how many urls wait for the next batched request.
func (m *Monitor) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// RequestOfflineStatusForNewContent sends every pending url to the indicator
// in one call. The pending set is cleared whether or not the call succeeds.
// Confirmed urls are marked offline on the main loop.
func (m *Monitor) RequestOfflineStatusForNewContent(ctx context.Context) error {
	m.mu.Lock()
	urls := m.pending
	m.pending = nil
	m.pendingIx = make(map[string]struct{})
	m.mu.Unlock()

	if len(urls) == 0 {
		return nil
	}

	available, err := m.indicator.RequestOfflineStatus(ctx, urls)
	if err != nil {
		m.requests.WithLabelValues("error").Inc()
		return fmt.Errorf("requesting offline status: %w", err)
	}
	m.requests.WithLabelValues("ok").Inc()
	m.logger.Debug("offline status received", "requested", len(urls), "available", len(available))

	m.runner.Execute("offline-status", func(context.Context) {
		for _, url := range available {
			m.UpdateOfflineStatus(url, true)
		}
	})
	return nil
}

// AddOfflineStatusConsumer registers c for changes to url.
func (m *Monitor) AddOfflineStatusConsumer(url string, c StatusConsumer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers[url] = append(m.consumers[url], c)
}

// RemoveOfflineStatusConsumer unregisters c. A url left without consumers is dropped.
func (m *Monitor) RemoveOfflineStatusConsumer(url string, c StatusConsumer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.consumers[url]
	idx := slices.Index(list, c)
	if idx < 0 {
		return
	}
	list = slices.Delete(slices.Clone(list), idx, idx+1)
	if len(list) == 0 {
		delete(m.consumers, url)
		return
	}
	m.consumers[url] = list
}

// ConsumerCount returns how many consumers are registered for url.
func (m *Monitor) ConsumerCount(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.consumers[url])
}

// UpdateOfflineStatus records the status of url and notifies its consumers
// in registration order. An unchanged status is a no-op.
func (m *Monitor) UpdateOfflineStatus(url string, available bool) {
	m.mu.Lock()
	_, current := m.offline[url]
	if current == available {
		m.mu.Unlock()
		return
	}
	if available {
		m.offline[url] = struct{}{}
	} else {
		delete(m.offline, url)
	}
	m.offlineURLs.Set(float64(len(m.offline)))
	consumers := slices.Clone(m.consumers[url])
	m.mu.Unlock()

	for _, c := range consumers {
		c.OnOfflineStatus(url, available)
		m.notifications.Inc()
	}
}

// OnOfflineStatusChanged implements StatusListener.
func (m *Monitor) OnOfflineStatusChanged(url string, available bool) {
	m.UpdateOfflineStatus(url, available)
}

// Run flushes the pending set every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.RequestOfflineStatusForNewContent(ctx); err != nil {
				m.logger.Warn("offline status request failed", "error", err)
			}
		}
	}
}

var _ StatusListener = (*Monitor)(nil)
