// Package postgres provides PostgreSQL storage for feed content, sessions and actions.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/txn2/feedsync/pkg/feedstore"
	"github.com/txn2/feedsync/pkg/stream"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const (
	tableContent   = "feed_content"
	tableSemantic  = "feed_semantic_properties"
	tableSessions  = "feed_sessions"
	tableActions   = "feed_local_actions"
	tableUploads   = "feed_uploadable_actions"
	resetStatement = "TRUNCATE feed_content, feed_semantic_properties, feed_sessions, feed_local_actions, feed_uploadable_actions"
)

// Store implements feedstore.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL feed store. The schema is created by the migrate package.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetPayloads returns the payloads for the ids that exist, in request order.
func (s *Store) GetPayloads(ctx context.Context, contentIDs []string) ([]stream.PayloadWithID, error) {
	if len(contentIDs) == 0 {
		return []stream.PayloadWithID{}, nil
	}

	query, args, err := psq.Select("content_id", "payload").
		From(tableContent).
		Where(sq.Eq{"content_id": contentIDs}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building payload query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying payloads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]stream.PayloadWithID, len(contentIDs))
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scanning payload: %w", err)
		}
		var p stream.Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decoding payload %s: %w", id, err)
		}
		found[id] = stream.PayloadWithID{ContentID: id, Payload: p}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating payload rows: %w", err)
	}

	result := make([]stream.PayloadWithID, 0, len(found))
	for _, id := range contentIDs {
		if p, ok := found[id]; ok {
			result = append(result, p)
		}
	}
	return result, nil
}

// GetSemanticProperties returns properties for the ids that have them.
func (s *Store) GetSemanticProperties(ctx context.Context, contentIDs []string) ([]stream.SemanticProperties, error) {
	if len(contentIDs) == 0 {
		return []stream.SemanticProperties{}, nil
	}

	query, args, err := psq.Select("content_id", "data").
		From(tableSemantic).
		Where(sq.Eq{"content_id": contentIDs}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building semantic properties query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying semantic properties: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]stream.SemanticProperties, 0, len(contentIDs))
	for rows.Next() {
		var sp stream.SemanticProperties
		if err := rows.Scan(&sp.ContentID, &sp.Data); err != nil {
			return nil, fmt.Errorf("scanning semantic properties: %w", err)
		}
		result = append(result, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating semantic properties rows: %w", err)
	}
	return result, nil
}

// GarbageCollectContent deletes payloads whose id is not in keep.
func (s *Store) GarbageCollectContent(ctx context.Context, keep []string) error {
	query, args, err := psq.Delete(tableContent).
		Where(sq.Expr("NOT (content_id = ANY(?))", pq.Array(keep))).
		ToSql()
	if err != nil {
		return fmt.Errorf("building content gc: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("collecting content: %w", err)
	}
	return nil
}

// GetSessions returns every persisted session, oldest first.
func (s *Store) GetSessions(ctx context.Context) ([]feedstore.SessionRecord, error) {
	query, args, err := psq.Select("id", "created_at", "content_ids").
		From(tableSessions).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []feedstore.SessionRecord
	for rows.Next() {
		var rec feedstore.SessionRecord
		if err := rows.Scan(&rec.ID, &rec.CreatedAt, pq.Array(&rec.ContentIDs)); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// Commit applies the batch in a single transaction.
func (s *Store) Commit(ctx context.Context, batch feedstore.Batch) error {
	if batch.Empty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertPayloads(ctx, tx, batch.Payloads); err != nil {
		return err
	}
	if err := upsertSemantic(ctx, tx, batch.SemanticProperties); err != nil {
		return err
	}
	if err := upsertSessions(ctx, tx, batch.Sessions); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing feed batch: %w", err)
	}
	return nil
}

func upsertPayloads(ctx context.Context, tx *sql.Tx, payloads []stream.PayloadWithID) error {
	if len(payloads) == 0 {
		return nil
	}

	qb := psq.Insert(tableContent).Columns("content_id", "payload")
	for _, p := range payloads {
		raw, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("encoding payload %s: %w", p.ContentID, err)
		}
		qb = qb.Values(p.ContentID, raw)
	}
	query, args, err := qb.
		Suffix("ON CONFLICT (content_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()").
		ToSql()
	if err != nil {
		return fmt.Errorf("building payload upsert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting payloads: %w", err)
	}
	return nil
}

func upsertSemantic(ctx context.Context, tx *sql.Tx, props []stream.SemanticProperties) error {
	if len(props) == 0 {
		return nil
	}

	qb := psq.Insert(tableSemantic).Columns("content_id", "data")
	for _, sp := range props {
		qb = qb.Values(sp.ContentID, sp.Data)
	}
	query, args, err := qb.
		Suffix("ON CONFLICT (content_id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()").
		ToSql()
	if err != nil {
		return fmt.Errorf("building semantic properties upsert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting semantic properties: %w", err)
	}
	return nil
}

func upsertSessions(ctx context.Context, tx *sql.Tx, sessions []feedstore.SessionRecord) error {
	if len(sessions) == 0 {
		return nil
	}

	qb := psq.Insert(tableSessions).Columns("id", "created_at", "content_ids")
	for _, rec := range sessions {
		ids := rec.ContentIDs
		if ids == nil {
			ids = []string{}
		}
		qb = qb.Values(rec.ID, rec.CreatedAt, pq.Array(ids))
	}
	query, args, err := qb.
		Suffix("ON CONFLICT (id) DO UPDATE SET content_ids = EXCLUDED.content_ids").
		ToSql()
	if err != nil {
		return fmt.Errorf("building session upsert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting sessions: %w", err)
	}
	return nil
}

// DeleteSessions removes the named sessions.
func (s *Store) DeleteSessions(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := psq.Delete(tableSessions).Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return fmt.Errorf("building session delete: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting sessions: %w", err)
	}
	return nil
}

// ClearSessions removes all sessions and content payloads in one transaction.
func (s *Store) ClearSessions(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+tableSessions); err != nil {
		return fmt.Errorf("clearing sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+tableContent); err != nil {
		return fmt.Errorf("clearing content: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing session clear: %w", err)
	}
	return nil
}

// AppendLocalActions records actions.
func (s *Store) AppendLocalActions(ctx context.Context, actions []stream.LocalAction) error {
	if len(actions) == 0 {
		return nil
	}

	qb := psq.Insert(tableActions).Columns("action_type", "feature_content_id", "timestamp_seconds")
	for _, a := range actions {
		qb = qb.Values(string(a.Type), a.FeatureContentID, a.TimestampSeconds)
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return fmt.Errorf("building local action insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting local actions: %w", err)
	}
	return nil
}

// GetAllDismissLocalActions returns every recorded dismiss action in insertion order.
func (s *Store) GetAllDismissLocalActions(ctx context.Context) ([]stream.LocalAction, error) {
	query, args, err := psq.Select("action_type", "feature_content_id", "timestamp_seconds").
		From(tableActions).
		Where(sq.Eq{"action_type": string(stream.ActionDismiss)}).
		OrderBy("seq").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building local action query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying local actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var actions []stream.LocalAction
	for rows.Next() {
		var (
			a   stream.LocalAction
			typ string
		)
		if err := rows.Scan(&typ, &a.FeatureContentID, &a.TimestampSeconds); err != nil {
			return nil, fmt.Errorf("scanning local action: %w", err)
		}
		a.Type = stream.ActionType(typ)
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating local action rows: %w", err)
	}
	return actions, nil
}

// TriggerLocalActionGc deletes the given dismiss actions whose content id is
// not in keep.
func (s *Store) TriggerLocalActionGc(ctx context.Context, actions []stream.LocalAction, keep []string) error {
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}

	var (
		ids        []string
		timestamps []int64
	)
	for _, a := range actions {
		if a.Type != stream.ActionDismiss {
			continue
		}
		if _, ok := keepSet[a.FeatureContentID]; ok {
			continue
		}
		ids = append(ids, a.FeatureContentID)
		timestamps = append(timestamps, a.TimestampSeconds)
	}
	if len(ids) == 0 {
		return nil
	}

	query, args, err := psq.Delete(tableActions).
		Where(sq.Eq{"action_type": string(stream.ActionDismiss)}).
		Where(sq.Expr("(feature_content_id, timestamp_seconds) IN (SELECT * FROM unnest(?::text[], ?::bigint[]))",
			pq.Array(ids), pq.Array(timestamps))).
		ToSql()
	if err != nil {
		return fmt.Errorf("building local action gc: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("collecting local actions: %w", err)
	}
	return nil
}

// AddUploadableActions queues actions for upload, replacing any with the same key.
func (s *Store) AddUploadableActions(ctx context.Context, actions []stream.UploadableAction) error {
	if len(actions) == 0 {
		return nil
	}

	// ON CONFLICT cannot touch the same row twice in one statement.
	byKey := make(map[string]int, len(actions))
	deduped := make([]stream.UploadableAction, 0, len(actions))
	for _, a := range actions {
		if idx, ok := byKey[a.Key()]; ok {
			deduped[idx] = a
			continue
		}
		byKey[a.Key()] = len(deduped)
		deduped = append(deduped, a)
	}

	qb := psq.Insert(tableUploads).
		Columns("action_key", "action_type", "feature_content_id", "timestamp_seconds", "payload")
	for _, a := range deduped {
		qb = qb.Values(a.Key(), string(a.Type), a.FeatureContentID, a.TimestampSeconds, a.Payload)
	}
	query, args, err := qb.
		Suffix("ON CONFLICT (action_key) DO UPDATE SET timestamp_seconds = EXCLUDED.timestamp_seconds, payload = EXCLUDED.payload").
		ToSql()
	if err != nil {
		return fmt.Errorf("building uploadable action upsert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting uploadable actions: %w", err)
	}
	return nil
}

// GetAllUploadableActions returns the queued actions in insertion order.
func (s *Store) GetAllUploadableActions(ctx context.Context) ([]stream.UploadableAction, error) {
	query, args, err := psq.Select("action_type", "feature_content_id", "timestamp_seconds", "payload").
		From(tableUploads).
		OrderBy("seq").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building uploadable action query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying uploadable actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var actions []stream.UploadableAction
	for rows.Next() {
		var (
			a   stream.UploadableAction
			typ string
		)
		if err := rows.Scan(&typ, &a.FeatureContentID, &a.TimestampSeconds, &a.Payload); err != nil {
			return nil, fmt.Errorf("scanning uploadable action: %w", err)
		}
		a.Type = stream.ActionType(typ)
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating uploadable action rows: %w", err)
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
	query, args, err := psq.Delete(tableUploads).Where(sq.Eq{"action_key": keys}).ToSql()
	if err != nil {
		return fmt.Errorf("building uploadable action delete: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting uploadable actions: %w", err)
	}
	return nil
}

// Reset truncates every feed table.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, resetStatement); err != nil {
		return fmt.Errorf("resetting feed tables: %w", err)
	}
	return nil
}

// Close is a no-op; the caller owns the *sql.DB.
func (*Store) Close() error {
	return nil
}

// Verify interface compliance.
var _ feedstore.Store = (*Store)(nil)
