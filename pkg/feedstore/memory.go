package feedstore

import (
	"context"
	"slices"
	"sync"

	"github.com/txn2/feedsync/pkg/stream"
)

// MemoryStore implements Store using in-memory maps.
type MemoryStore struct {
	mu       sync.Mutex
	payloads map[string]stream.PayloadWithID
	semantic map[string][]byte
	sessions map[string]SessionRecord
	actions  []stream.LocalAction
	uploads  []stream.UploadableAction
	failNext error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payloads: make(map[string]stream.PayloadWithID),
		semantic: make(map[string][]byte),
		sessions: make(map[string]SessionRecord),
	}
}

// FailNext makes the next operation return err. Used by tests to simulate storage failures.
func (s *MemoryStore) FailNext(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// takeFailure must be called with mu held for writing.
func (s *MemoryStore) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

// GetPayloads returns the payloads for the ids that exist.
func (s *MemoryStore) GetPayloads(_ context.Context, contentIDs []string) ([]stream.PayloadWithID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}

	result := make([]stream.PayloadWithID, 0, len(contentIDs))
	for _, id := range contentIDs {
		if p, ok := s.payloads[id]; ok {
			result = append(result, p)
		}
	}
	return result, nil
}

// GetSemanticProperties returns properties for the ids that have them.
func (s *MemoryStore) GetSemanticProperties(_ context.Context, contentIDs []string) ([]stream.SemanticProperties, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}

	result := make([]stream.SemanticProperties, 0, len(contentIDs))
	for _, id := range contentIDs {
		if data, ok := s.semantic[id]; ok {
			result = append(result, stream.SemanticProperties{ContentID: id, Data: slices.Clone(data)})
		}
	}
	return result, nil
}

// GarbageCollectContent deletes payloads whose id is not in keep.
func (s *MemoryStore) GarbageCollectContent(_ context.Context, keep []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}

	keepSet := toSet(keep)
	for id := range s.payloads {
		if _, ok := keepSet[id]; !ok {
			delete(s.payloads, id)
		}
	}
	return nil
}

// GetSessions returns every persisted session.
func (s *MemoryStore) GetSessions(_ context.Context) ([]SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}

	result := make([]SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		rec.ContentIDs = slices.Clone(rec.ContentIDs)
		result = append(result, rec)
	}
	slices.SortFunc(result, func(a, b SessionRecord) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return result, nil
}

// Commit applies the batch under a single lock.
func (s *MemoryStore) Commit(_ context.Context, batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}

	for _, p := range batch.Payloads {
		s.payloads[p.ContentID] = p
	}
	for _, sp := range batch.SemanticProperties {
		s.semantic[sp.ContentID] = slices.Clone(sp.Data)
	}
	for _, rec := range batch.Sessions {
		rec.ContentIDs = slices.Clone(rec.ContentIDs)
		s.sessions[rec.ID] = rec
	}
	return nil
}

// DeleteSessions removes the named sessions.
func (s *MemoryStore) DeleteSessions(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}

	for _, id := range ids {
		delete(s.sessions, id)
	}
	return nil
}

// ClearSessions removes all sessions and content payloads.
func (s *MemoryStore) ClearSessions(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}

	s.sessions = make(map[string]SessionRecord)
	s.payloads = make(map[string]stream.PayloadWithID)
	return nil
}

// AppendLocalActions records actions.
func (s *MemoryStore) AppendLocalActions(_ context.Context, actions []stream.LocalAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}

	s.actions = append(s.actions, actions...)
	return nil
}

// GetAllDismissLocalActions returns every recorded dismiss action in insertion order.
func (s *MemoryStore) GetAllDismissLocalActions(_ context.Context) ([]stream.LocalAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}

	var result []stream.LocalAction
	for _, a := range s.actions {
		if a.Type == stream.ActionDismiss {
			result = append(result, a)
		}
	}
	return result, nil
}

// TriggerLocalActionGc deletes the given dismiss actions whose id is not in keep.
func (s *MemoryStore) TriggerLocalActionGc(_ context.Context, actions []stream.LocalAction, keep []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}

	keepSet := toSet(keep)
	drop := make(map[stream.LocalAction]struct{})
	for _, a := range actions {
		if _, ok := keepSet[a.FeatureContentID]; !ok {
			drop[a] = struct{}{}
		}
	}

	kept := s.actions[:0]
	for _, a := range s.actions {
		if _, ok := drop[a]; ok && a.Type == stream.ActionDismiss {
			continue
		}
		kept = append(kept, a)
	}
	s.actions = kept
	return nil
}

// AddUploadableActions queues actions for upload, replacing any with the same key.
func (s *MemoryStore) AddUploadableActions(_ context.Context, actions []stream.UploadableAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}

	for _, a := range actions {
		idx := slices.IndexFunc(s.uploads, func(u stream.UploadableAction) bool { return u.Key() == a.Key() })
		if idx >= 0 {
			s.uploads[idx] = a
			continue
		}
		s.uploads = append(s.uploads, a)
	}
	return nil
}

// GetAllUploadableActions returns the queued actions in insertion order.
func (s *MemoryStore) GetAllUploadableActions(_ context.Context) ([]stream.UploadableAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	return slices.Clone(s.uploads), nil
}

// RemoveUploadableActions removes the given actions from the upload queue.
func (s *MemoryStore) RemoveUploadableActions(_ context.Context, actions []stream.UploadableAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}

	remove := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		remove[a.Key()] = struct{}{}
	}
	s.uploads = slices.DeleteFunc(s.uploads, func(u stream.UploadableAction) bool {
		_, ok := remove[u.Key()]
		return ok
	})
	return nil
}

// Reset wipes all state.
func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}

	s.payloads = make(map[string]stream.PayloadWithID)
	s.semantic = make(map[string][]byte)
	s.sessions = make(map[string]SessionRecord)
	s.actions = nil
	s.uploads = nil
	return nil
}

// Close is a no-op for the in-memory store.
func (*MemoryStore) Close() error {
	return nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
