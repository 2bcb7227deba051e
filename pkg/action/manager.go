package action

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/txn2/feedsync/pkg/clock"
	"github.com/txn2/feedsync/pkg/feedstore"
	"github.com/txn2/feedsync/pkg/request"
	"github.com/txn2/feedsync/pkg/session"
	"github.com/txn2/feedsync/pkg/stream"
	"github.com/txn2/feedsync/pkg/taskqueue"
)

// ManagerStore is the storage the Manager records actions in.
type ManagerStore interface {
	feedstore.ActionStore
	feedstore.UploadStore
}

// CommitterSource hands out committers for session mutations. *session.Mutation implements it.
type CommitterSource interface {
	CreateCommitter(requestingSessionID string, mc stream.MutationContext) *session.Committer
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Store     ManagerStore
	Queue     taskqueue.Executor
	Mutations CommitterSource

	// Uploader is optional; without it UploadPending is a no-op.
	Uploader request.ActionUploadRequestManager
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Manager records user actions and uploads them.
type Manager struct {
	store     ManagerStore
	queue     taskqueue.Executor
	mutations CommitterSource
	uploader  request.ActionUploadRequestManager
	clock     clock.Clock
	logger    *slog.Logger
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("%w: store", ErrMissingDependency)
	case cfg.Queue == nil:
		return nil, fmt.Errorf("%w: task queue", ErrMissingDependency)
	case cfg.Mutations == nil:
		return nil, fmt.Errorf("%w: mutations", ErrMissingDependency)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		store:     cfg.Store,
		queue:     cfg.Queue,
		mutations: cfg.Mutations,
		uploader:  cfg.Uploader,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}, nil
}

// DismissLocal records a dismiss of contentIDs and applies ops to sessionID
// as a user-initiated mutation. Nothing is queued for upload.
func (m *Manager) DismissLocal(_ context.Context, contentIDs []string, ops []stream.DataOperation, sessionID string) error {
	return m.queue.Execute("dismiss-local", taskqueue.UserFacing, func(ctx context.Context) error {
		return m.dismiss(ctx, contentIDs, ops, sessionID, false)
	})
}

// Dismiss is DismissLocal that also queues the actions for upload.
func (m *Manager) Dismiss(_ context.Context, contentIDs []string, ops []stream.DataOperation, sessionID string) error {
	return m.queue.Execute("dismiss", taskqueue.UserFacing, func(ctx context.Context) error {
		return m.dismiss(ctx, contentIDs, ops, sessionID, true)
	})
}

func (m *Manager) dismiss(ctx context.Context, contentIDs []string, ops []stream.DataOperation, sessionID string, upload bool) error {
	actions := m.localActions(stream.ActionDismiss, contentIDs)
	if err := m.store.AppendLocalActions(ctx, actions); err != nil {
		return fmt.Errorf("recording dismiss actions: %w", err)
	}
	if upload {
		if err := m.store.AddUploadableActions(ctx, uploadable(actions)); err != nil {
			return fmt.Errorf("queueing dismiss actions for upload: %w", err)
		}
	}

	if len(ops) > 0 {
		mc := stream.MutationContext{RequestingSessionID: sessionID, IsUserInitiated: true}
		if err := m.mutations.CreateCommitter(sessionID, mc).Append(ops...).Commit(ctx); err != nil {
			return fmt.Errorf("applying dismiss: %w", err)
		}
	}
	m.logger.Debug("content dismissed", "session", sessionID, "content", len(contentIDs), "upload", upload)
	return nil
}

// RecordView records a view of contentID and queues it for upload.
func (m *Manager) RecordView(_ context.Context, contentID string) error {
	return m.queue.Execute("record-view", taskqueue.Background, func(ctx context.Context) error {
		actions := m.localActions(stream.ActionView, []string{contentID})
		if err := m.store.AppendLocalActions(ctx, actions); err != nil {
			return fmt.Errorf("recording view: %w", err)
		}
		if err := m.store.AddUploadableActions(ctx, uploadable(actions)); err != nil {
			return fmt.Errorf("queueing view for upload: %w", err)
		}
		return nil
	})
}

// UploadPending queues a background upload of every pending action. Actions
// the server accepted are removed; the rest stay for the next call.
func (m *Manager) UploadPending(_ context.Context) error {
	if m.uploader == nil {
		return nil
	}
	return m.queue.Execute("upload-actions", taskqueue.Background, m.upload)
}

func (m *Manager) upload(ctx context.Context) error {
	pending, err := m.store.GetAllUploadableActions(ctx)
	if err != nil {
		return fmt.Errorf("reading pending uploads: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	accepted, err := m.uploader.UploadActions(ctx, pending)
	if err != nil {
		m.logger.Warn("action upload failed; will retry", "pending", len(pending), "error", err)
		return fmt.Errorf("uploading actions: %w", err)
	}
	if len(accepted) == 0 {
		return nil
	}
	if err := m.store.RemoveUploadableActions(ctx, accepted); err != nil {
		return fmt.Errorf("removing uploaded actions: %w", err)
	}
	m.logger.Info("actions uploaded", "accepted", len(accepted), "pending", len(pending)-len(accepted))
	return nil
}

func (m *Manager) localActions(typ stream.ActionType, contentIDs []string) []stream.LocalAction {
	now := m.clock.Now().Unix()
	actions := make([]stream.LocalAction, 0, len(contentIDs))
	for _, id := range contentIDs {
		actions = append(actions, stream.LocalAction{Type: typ, FeatureContentID: id, TimestampSeconds: now})
	}
	return actions
}

func uploadable(actions []stream.LocalAction) []stream.UploadableAction {
	out := make([]stream.UploadableAction, 0, len(actions))
	for _, a := range actions {
		out = append(out, stream.UploadableAction{
			Type:             a.Type,
			FeatureContentID: a.FeatureContentID,
			TimestampSeconds: a.TimestampSeconds,
		})
	}
	return out
}
