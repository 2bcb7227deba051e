// Package redis provides a Redis-backed feedstore.Store. Content, semantic
// properties and sessions live in hashes; local actions live in a list and
// uploadable actions in a hash plus an insertion-order list.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/txn2/feedsync/pkg/feedstore"
	"github.com/txn2/feedsync/pkg/stream"
)

const defaultKeyPrefix = "feedsync:"

// ErrNoClient is returned by New when Config.Client is nil.
var ErrNoClient = errors.New("redis client is required")

// Config configures the Redis store.
type Config struct {
	// Client is the Redis client. The store does not close it.
	Client redis.UniversalClient

	// KeyPrefix is prepended to every key. Default: "feedsync:".
	KeyPrefix string
}

// Store implements feedstore.Store on Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

type storedSession struct {
	CreatedAt  time.Time `json:"created_at"`
	ContentIDs []string  `json:"content_ids"`
}

// New creates a Redis store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, ErrNoClient
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	return &Store{client: cfg.Client, prefix: cfg.KeyPrefix}, nil
}

func (s *Store) contentKey() string     { return s.prefix + "content" }
func (s *Store) semanticKey() string    { return s.prefix + "semantic" }
func (s *Store) sessionsKey() string    { return s.prefix + "sessions" }
func (s *Store) actionsKey() string     { return s.prefix + "actions" }
func (s *Store) uploadsKey() string     { return s.prefix + "uploads" }
func (s *Store) uploadOrderKey() string { return s.prefix + "uploads:order" }

func (s *Store) allKeys() []string {
	return []string{
		s.contentKey(), s.semanticKey(), s.sessionsKey(),
		s.actionsKey(), s.uploadsKey(), s.uploadOrderKey(),
	}
}

// GetPayloads returns the payloads for the ids that exist, in request order.
func (s *Store) GetPayloads(ctx context.Context, contentIDs []string) ([]stream.PayloadWithID, error) {
	if len(contentIDs) == 0 {
		return []stream.PayloadWithID{}, nil
	}

	values, err := s.client.HMGet(ctx, s.contentKey(), contentIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading payloads: %w", err)
	}

	result := make([]stream.PayloadWithID, 0, len(contentIDs))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var p stream.Payload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decoding payload %s: %w", contentIDs[i], err)
		}
		result = append(result, stream.PayloadWithID{ContentID: contentIDs[i], Payload: p})
	}
	return result, nil
}

// GetSemanticProperties returns properties for the ids that have them.
func (s *Store) GetSemanticProperties(ctx context.Context, contentIDs []string) ([]stream.SemanticProperties, error) {
	if len(contentIDs) == 0 {
		return []stream.SemanticProperties{}, nil
	}

	values, err := s.client.HMGet(ctx, s.semanticKey(), contentIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading semantic properties: %w", err)
	}

	result := make([]stream.SemanticProperties, 0, len(contentIDs))
	for i, v := range values {
		if raw, ok := v.(string); ok {
			result = append(result, stream.SemanticProperties{ContentID: contentIDs[i], Data: []byte(raw)})
		}
	}
	return result, nil
}

// GarbageCollectContent deletes payloads whose id is not in keep.
func (s *Store) GarbageCollectContent(ctx context.Context, keep []string) error {
	ids, err := s.client.HKeys(ctx, s.contentKey()).Result()
	if err != nil {
		return fmt.Errorf("listing content: %w", err)
	}

	ids = slices.DeleteFunc(ids, func(id string) bool { return slices.Contains(keep, id) })
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.contentKey(), ids...).Err(); err != nil {
		return fmt.Errorf("collecting content: %w", err)
	}
	return nil
}

// GetSessions returns every persisted session, oldest first.
func (s *Store) GetSessions(ctx context.Context) ([]feedstore.SessionRecord, error) {
	all, err := s.client.HGetAll(ctx, s.sessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	sessions := make([]feedstore.SessionRecord, 0, len(all))
	for id, raw := range all {
		var stored storedSession
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			return nil, fmt.Errorf("decoding session %s: %w", id, err)
		}
		sessions = append(sessions, feedstore.SessionRecord{ID: id, CreatedAt: stored.CreatedAt, ContentIDs: stored.ContentIDs})
	}
	slices.SortFunc(sessions, func(a, b feedstore.SessionRecord) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return sessions, nil
}

// Commit applies the batch inside MULTI/EXEC.
func (s *Store) Commit(ctx context.Context, batch feedstore.Batch) error {
	if batch.Empty() {
		return nil
	}

	content := make([]any, 0, 2*len(batch.Payloads))
	for _, p := range batch.Payloads {
		raw, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("encoding payload %s: %w", p.ContentID, err)
		}
		content = append(content, p.ContentID, raw)
	}

	semantic := make([]any, 0, 2*len(batch.SemanticProperties))
	for _, sp := range batch.SemanticProperties {
		semantic = append(semantic, sp.ContentID, sp.Data)
	}

	sessions := make([]any, 0, 2*len(batch.Sessions))
	for _, rec := range batch.Sessions {
		raw, err := json.Marshal(storedSession{CreatedAt: rec.CreatedAt, ContentIDs: rec.ContentIDs})
		if err != nil {
			return fmt.Errorf("encoding session %s: %w", rec.ID, err)
		}
		sessions = append(sessions, rec.ID, raw)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(content) > 0 {
			pipe.HSet(ctx, s.contentKey(), content...)
		}
		if len(semantic) > 0 {
			pipe.HSet(ctx, s.semanticKey(), semantic...)
		}
		if len(sessions) > 0 {
			pipe.HSet(ctx, s.sessionsKey(), sessions...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("committing feed batch: %w", err)
	}
	return nil
}

// DeleteSessions removes the named sessions.
func (s *Store) DeleteSessions(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.sessionsKey(), ids...).Err(); err != nil {
		return fmt.Errorf("deleting sessions: %w", err)
	}
	return nil
}

// ClearSessions removes all sessions and content payloads.
func (s *Store) ClearSessions(ctx context.Context) error {
	if err := s.client.Del(ctx, s.sessionsKey(), s.contentKey()).Err(); err != nil {
		return fmt.Errorf("clearing sessions: %w", err)
	}
	return nil
}

// AppendLocalActions records actions.
func (s *Store) AppendLocalActions(ctx context.Context, actions []stream.LocalAction) error {
	if len(actions) == 0 {
		return nil
	}

	values := make([]any, 0, len(actions))
	for _, a := range actions {
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encoding local action: %w", err)
		}
		values = append(values, raw)
	}
	if err := s.client.RPush(ctx, s.actionsKey(), values...).Err(); err != nil {
		return fmt.Errorf("appending local actions: %w", err)
	}
	return nil
}

// GetAllDismissLocalActions returns every recorded dismiss action in insertion order.
func (s *Store) GetAllDismissLocalActions(ctx context.Context) ([]stream.LocalAction, error) {
	raws, err := s.client.LRange(ctx, s.actionsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading local actions: %w", err)
	}

	var actions []stream.LocalAction
	for _, raw := range raws {
		var a stream.LocalAction
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decoding local action: %w", err)
		}
		if a.Type == stream.ActionDismiss {
			actions = append(actions, a)
		}
	}
	return actions, nil
}

// TriggerLocalActionGc deletes the given dismiss actions whose content id is
// not in keep.
func (s *Store) TriggerLocalActionGc(ctx context.Context, actions []stream.LocalAction, keep []string) error {
	var drop []stream.LocalAction
	for _, a := range actions {
		if a.Type == stream.ActionDismiss && !slices.Contains(keep, a.FeatureContentID) {
			drop = append(drop, a)
		}
	}
	if len(drop) == 0 {
		return nil
	}

	encoded := make([][]byte, 0, len(drop))
	for _, a := range drop {
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encoding local action: %w", err)
		}
		encoded = append(encoded, raw)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, raw := range encoded {
			pipe.LRem(ctx, s.actionsKey(), 0, raw)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("collecting local actions: %w", err)
	}
	return nil
}

// AddUploadableActions queues actions for upload, replacing any with the same key.
func (s *Store) AddUploadableActions(ctx context.Context, actions []stream.UploadableAction) error {
	if len(actions) == 0 {
		return nil
	}

	keys := make([]string, 0, len(actions))
	for _, a := range actions {
		keys = append(keys, a.Key())
	}
	existing, err := s.client.HMGet(ctx, s.uploadsKey(), keys...).Result()
	if err != nil {
		return fmt.Errorf("reading uploadable actions: %w", err)
	}

	fields := make([]any, 0, 2*len(actions))
	var appended []any
	seen := make(map[string]struct{}, len(actions))
	for i, a := range actions {
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encoding uploadable action: %w", err)
		}
		fields = append(fields, keys[i], raw)
		if _, dup := seen[keys[i]]; existing[i] == nil && !dup {
			appended = append(appended, keys[i])
		}
		seen[keys[i]] = struct{}{}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.uploadsKey(), fields...)
		if len(appended) > 0 {
			pipe.RPush(ctx, s.uploadOrderKey(), appended...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("adding uploadable actions: %w", err)
	}
	return nil
}

// GetAllUploadableActions returns the queued actions in insertion order.
func (s *Store) GetAllUploadableActions(ctx context.Context) ([]stream.UploadableAction, error) {
	keys, err := s.client.LRange(ctx, s.uploadOrderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading upload order: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, s.uploadsKey(), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading uploadable actions: %w", err)
	}

	actions := make([]stream.UploadableAction, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var a stream.UploadableAction
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decoding uploadable action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// RemoveUploadableActions removes the given actions from the upload queue.
func (s *Store) RemoveUploadableActions(ctx context.Context, actions []stream.UploadableAction) error {
	if len(actions) == 0 {
		return nil
	}

	keys := make([]string, 0, len(actions))
	for _, a := range actions {
		keys = append(keys, a.Key())
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.uploadsKey(), keys...)
		for _, k := range keys {
			pipe.LRem(ctx, s.uploadOrderKey(), 0, k)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("removing uploadable actions: %w", err)
	}
	return nil
}

// Reset deletes every key owned by the store.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.client.Del(ctx, s.allKeys()...).Err(); err != nil {
		return fmt.Errorf("resetting feed keys: %w", err)
	}
	return nil
}

// Close is a no-op; the caller owns the client.
func (*Store) Close() error {
	return nil
}

// Verify interface compliance.
var _ feedstore.Store = (*Store)(nil)
