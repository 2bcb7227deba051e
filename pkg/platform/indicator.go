package platform

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/txn2/feedsync/pkg/removetracking"
	"github.com/txn2/feedsync/pkg/session"
	"github.com/txn2/feedsync/pkg/stream"
)

// cachedContentIndicator treats a url as available offline when the HEAD
// session holds a feature pointing at it. Synced content is readable without
// the source being reachable.
type cachedContentIndicator struct {
	sessions *session.Manager
}

func (c *cachedContentIndicator) RequestOfflineStatus(ctx context.Context, urls []string) ([]string, error) {
	head, ok := c.sessions.LookupSession(stream.HeadSessionID)
	if !ok {
		return nil, nil
	}
	payloads, err := c.sessions.GetContent(ctx, head.ContentIDs())
	if err != nil {
		return nil, err
	}

	cached := make(map[string]struct{}, len(payloads))
	for _, p := range payloads {
		if p.Payload.Feature == nil {
			continue
		}
		if url, ok := p.Payload.Feature.URL(); ok {
			cached[url] = struct{}{}
		}
	}

	var available []string
	for _, url := range urls {
		if _, ok := cached[url]; ok {
			available = append(available, url)
		}
	}
	return available, nil
}

// removalLogger is the default KnownContentListener. It logs and counts
// content removed from the session the host is showing.
type removalLogger struct {
	logger  *slog.Logger
	removed *prometheus.CounterVec
}

func newRemovalLogger(reg prometheus.Registerer, logger *slog.Logger) *removalLogger {
	return &removalLogger{
		logger: logger,
		removed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedsync",
			Subsystem: "known_content",
			Name:      "removed_total",
			Help:      "Content removed from the current session, by initiator.",
		}, []string{"initiator"}),
	}
}

func (r *removalLogger) OnContentRemoved(removals []removetracking.ContentRemoval) {
	for _, rm := range removals {
		initiator := "system"
		if rm.IsUserInitiated {
			initiator = "user"
		}
		r.removed.WithLabelValues(initiator).Inc()
		r.logger.Info("known content removed", "url", rm.URL, "initiator", initiator)
	}
}
