// Package action reads and records user actions on feed content.
//
// The Reader answers which content the user has dismissed recently, together
// with the semantic properties the server attached to it. The Manager records
// dismiss and view actions and uploads them.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/txn2/feedsync/pkg/clock"
	"github.com/txn2/feedsync/pkg/protocol"
	"github.com/txn2/feedsync/pkg/stream"
	"github.com/txn2/feedsync/pkg/taskqueue"
)

// ErrMissingDependency is returned by constructors when a required collaborator is nil.
var ErrMissingDependency = errors.New("missing dependency")

// DismissActionWithSemanticProperties is a still-valid dismissal of one piece of content.
type DismissActionWithSemanticProperties struct {
	ContentID     string
	WireContentID protocol.WireContentID

	// SemanticProperties is nil when the server attached none.
	SemanticProperties []byte

	// TimestampSeconds is the latest valid dismiss time.
	TimestampSeconds int64
}

// Tunables supplies the action TTL and GC threshold. *tuning.Configuration implements it.
type Tunables interface {
	DismissActionTTL() time.Duration
	MinValidActionRatio() float64
}

// ReaderStore is the storage the Reader needs.
type ReaderStore interface {
	GetAllDismissLocalActions(ctx context.Context) ([]stream.LocalAction, error)
	GetSemanticProperties(ctx context.Context, contentIDs []string) ([]stream.SemanticProperties, error)
	TriggerLocalActionGc(ctx context.Context, actions []stream.LocalAction, keep []string) error
}

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	Store    ReaderStore
	Adapter  protocol.Adapter
	Queue    taskqueue.Executor
	Tunables Tunables
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Reader reads dismiss actions and schedules their garbage collection.
type Reader struct {
	store    ReaderStore
	adapter  protocol.Adapter
	queue    taskqueue.Executor
	tunables Tunables
	clock    clock.Clock
	logger   *slog.Logger
}

// NewReader creates a Reader.
func NewReader(cfg ReaderConfig) (*Reader, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("%w: store", ErrMissingDependency)
	case cfg.Queue == nil:
		return nil, fmt.Errorf("%w: task queue", ErrMissingDependency)
	case cfg.Tunables == nil:
		return nil, fmt.Errorf("%w: tunables", ErrMissingDependency)
	}
	if cfg.Adapter == nil {
		cfg.Adapter = protocol.NewAdapter()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reader{
		store:    cfg.Store,
		adapter:  cfg.Adapter,
		queue:    cfg.Queue,
		tunables: cfg.Tunables,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// GetDismissActionsWithSemanticProperties returns one entry per content id
// with a dismiss action newer than the TTL, ordered by first valid
// occurrence. When too few recorded actions are still valid a background
// garbage collection is scheduled. Ids without a wire form are logged and
// skipped.
func (r *Reader) GetDismissActionsWithSemanticProperties(ctx context.Context) ([]DismissActionWithSemanticProperties, error) {
	all, err := r.store.GetAllDismissLocalActions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading dismiss actions: %w", err)
	}

	minValid := r.clock.Now().Add(-r.tunables.DismissActionTTL()).Unix()
	var validIDs []string
	latest := make(map[string]int64)
	for _, a := range all {
		if a.TimestampSeconds <= minValid {
			continue
		}
		ts, seen := latest[a.FeatureContentID]
		if !seen {
			validIDs = append(validIDs, a.FeatureContentID)
		}
		if !seen || a.TimestampSeconds > ts {
			latest[a.FeatureContentID] = a.TimestampSeconds
		}
	}

	if len(all) > 0 && float64(len(validIDs))/float64(len(all)) < r.tunables.MinValidActionRatio() {
		r.scheduleGC(all, validIDs)
	}

	if len(validIDs) == 0 {
		return nil, nil
	}

	props, err := r.store.GetSemanticProperties(ctx, validIDs)
	if err != nil {
		return nil, fmt.Errorf("reading semantic properties: %w", err)
	}
	byID := make(map[string][]byte, len(props))
	for _, p := range props {
		byID[p.ContentID] = p.Data
	}

	result := make([]DismissActionWithSemanticProperties, 0, len(validIDs))
	for _, id := range validIDs {
		wire, err := r.adapter.WireContentID(id)
		if err != nil {
			r.logger.Warn("skipping dismiss action without wire id", "content_id", id, "error", err)
			continue
		}
		result = append(result, DismissActionWithSemanticProperties{
			ContentID:          id,
			WireContentID:      wire,
			SemanticProperties: byID[id],
			TimestampSeconds:   latest[id],
		})
	}
	return result, nil
}

func (r *Reader) scheduleGC(all []stream.LocalAction, keep []string) {
	r.logger.Debug("scheduling dismiss action gc", "actions", len(all), "valid", len(keep))
	err := r.queue.Execute("dismiss-action-gc", taskqueue.Background, func(ctx context.Context) error {
		if err := r.store.TriggerLocalActionGc(ctx, all, keep); err != nil {
			return fmt.Errorf("collecting dismiss actions: %w", err)
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("dismiss action gc not scheduled", "error", err)
	}
}
