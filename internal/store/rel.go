package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/chronicle/internal/domain"
	"github.com/oriys/chronicle/internal/logging"
)

// schemaProbeTTL bounds how long a current-schema existence check is reused
// before re-probing. Reads never probe both schemas concurrently.
const schemaProbeTTL = 60 * time.Second

// RelStore is the authoritative relational adapter backed by Postgres.
//
// Writes target the current schema (metamorphic_logs). Reads probe the
// current schema first and fall back to the legacy event_log schema with
// column aliasing (ts→timestamp, type→kind, payload→detail).
type RelStore struct {
	pool *pgxpool.Pool

	probeMu      sync.Mutex
	probedAt     time.Time
	hasCurrent   bool
	probeIsValid bool
}

// relDetail is the JSON document stored in the detail column: everything the
// envelope carries beyond the dedicated columns.
type relDetail struct {
	OperationID    string         `json:"operationId"`
	Payload        map[string]any `json:"payload,omitempty"`
	Stores         []string       `json:"stores,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Backfilled     bool           `json:"backfilled,omitempty"`
	BackfilledAt   *time.Time     `json:"backfilled_at,omitempty"`
}

// NewRelStore connects to Postgres, verifies connectivity, and bootstraps
// the current schema.
func NewRelStore(ctx context.Context, dsn string) (*RelStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &RelStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *RelStore) Name() domain.Store { return domain.StoreRel }

func (s *RelStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *RelStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *RelStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metamorphic_logs (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL,
			session_id TEXT NOT NULL,
			voice TEXT,
			signal_strength TEXT,
			tags TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metamorphic_logs_timestamp ON metamorphic_logs(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_metamorphic_logs_session ON metamorphic_logs(session_id, timestamp DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Write inserts the record into metamorphic_logs. Replays of the same id
// (reconciler backfills, retried requests) are no-ops.
func (s *RelStore) Write(ctx context.Context, rec *domain.Record) error {
	detail, err := json.Marshal(relDetail{
		OperationID:    rec.OperationID,
		Payload:        rec.Payload,
		Stores:         rec.Stores,
		IdempotencyKey: rec.IdempotencyKey,
		Backfilled:     rec.Backfilled,
		BackfilledAt:   rec.BackfilledAt,
	})
	if err != nil {
		return fmt.Errorf("marshal detail %s: %w", rec.ID, err)
	}
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags %s: %w", rec.ID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO metamorphic_logs (id, timestamp, kind, detail, session_id, voice, signal_strength, tags)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.Kind,
		string(detail),
		rec.SessionID,
		rec.Who,
		string(rec.Level),
		string(tags),
	)
	if err != nil {
		return fmt.Errorf("rel write %s: %w", rec.ID, err)
	}
	return nil
}

// hasCurrentSchema reports whether metamorphic_logs exists, caching the
// probe result for schemaProbeTTL.
func (s *RelStore) hasCurrentSchema(ctx context.Context) bool {
	s.probeMu.Lock()
	defer s.probeMu.Unlock()

	if s.probeIsValid && time.Since(s.probedAt) < schemaProbeTTL {
		return s.hasCurrent
	}

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = 'metamorphic_logs'
		)`).Scan(&exists)
	if err != nil {
		logging.Op().Warn("schema probe failed, assuming current schema", "error", err)
		// Do not cache a failed probe.
		return true
	}

	s.hasCurrent = exists
	s.probedAt = time.Now()
	s.probeIsValid = true
	return exists
}

// Recent returns the newest limit records, newest first.
func (s *RelStore) Recent(ctx context.Context, limit int) ([]*domain.Record, error) {
	if limit <= 0 {
		return []*domain.Record{}, nil
	}
	if s.hasCurrentSchema(ctx) {
		return s.queryCurrent(ctx,
			`SELECT id, timestamp, kind, detail, session_id, voice, signal_strength, tags
			 FROM metamorphic_logs ORDER BY timestamp DESC LIMIT $1`, limit)
	}
	return s.queryLegacy(ctx,
		`SELECT id, ts, type, payload FROM event_log ORDER BY ts DESC LIMIT $1`, limit)
}

// BySession returns the newest limit records for a session, newest first.
func (s *RelStore) BySession(ctx context.Context, sessionID string, limit int) ([]*domain.Record, error) {
	if limit <= 0 {
		return []*domain.Record{}, nil
	}
	if s.hasCurrentSchema(ctx) {
		return s.queryCurrent(ctx,
			`SELECT id, timestamp, kind, detail, session_id, voice, signal_strength, tags
			 FROM metamorphic_logs WHERE session_id = $1 ORDER BY timestamp DESC LIMIT $2`,
			sessionID, limit)
	}
	return s.queryLegacy(ctx,
		`SELECT id, ts, type, payload FROM event_log WHERE session_id = $1 ORDER BY ts DESC LIMIT $2`,
		sessionID, limit)
}

// ByID fetches a single record.
func (s *RelStore) ByID(ctx context.Context, id string) (*domain.Record, error) {
	var recs []*domain.Record
	var err error
	if s.hasCurrentSchema(ctx) {
		recs, err = s.queryCurrent(ctx,
			`SELECT id, timestamp, kind, detail, session_id, voice, signal_strength, tags
			 FROM metamorphic_logs WHERE id = $1`, id)
	} else {
		recs, err = s.queryLegacy(ctx,
			`SELECT id, ts, type, payload FROM event_log WHERE id = $1`, id)
	}
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// RecentInWindow returns records with from <= timestamp < to, newest first.
// The reconciler uses this to walk the source of truth.
func (s *RelStore) RecentInWindow(ctx context.Context, from, to time.Time) ([]*domain.Record, error) {
	if s.hasCurrentSchema(ctx) {
		return s.queryCurrent(ctx,
			`SELECT id, timestamp, kind, detail, session_id, voice, signal_strength, tags
			 FROM metamorphic_logs WHERE timestamp >= $1 AND timestamp < $2
			 ORDER BY timestamp DESC`,
			from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	}
	return s.queryLegacy(ctx,
		`SELECT id, ts, type, payload FROM event_log WHERE ts >= $1 AND ts < $2 ORDER BY ts DESC`,
		from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
}

func (s *RelStore) queryCurrent(ctx context.Context, sql string, args ...any) ([]*domain.Record, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("rel query: %w", err)
	}
	defer rows.Close()

	var out []*domain.Record
	for rows.Next() {
		var (
			id, ts, kind, detail, sessionID string
			voice, level, tags              *string
		)
		if err := rows.Scan(&id, &ts, &kind, &detail, &sessionID, &voice, &level, &tags); err != nil {
			return nil, fmt.Errorf("rel scan: %w", err)
		}
		out = append(out, currentRowToRecord(id, ts, kind, detail, sessionID, voice, level, tags))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rel rows: %w", err)
	}
	if out == nil {
		out = []*domain.Record{}
	}
	return out, nil
}

func (s *RelStore) queryLegacy(ctx context.Context, sql string, args ...any) ([]*domain.Record, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("rel legacy query: %w", err)
	}
	defer rows.Close()

	var out []*domain.Record
	for rows.Next() {
		var id, ts, kind string
		var payload *string
		if err := rows.Scan(&id, &ts, &kind, &payload); err != nil {
			return nil, fmt.Errorf("rel legacy scan: %w", err)
		}
		out = append(out, legacyRowToRecord(id, ts, kind, payload))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rel legacy rows: %w", err)
	}
	if out == nil {
		out = []*domain.Record{}
	}
	return out, nil
}

func currentRowToRecord(id, ts, kind, detail, sessionID string, voice, level, tags *string) *domain.Record {
	rec := &domain.Record{
		ID:        id,
		Kind:      kind,
		SessionID: sessionID,
		Level:     domain.LevelInfo,
		Stores:    []string{string(domain.StoreRel)},
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		rec.Timestamp = t.UTC()
	}
	if voice != nil {
		rec.Who = *voice
	}
	if level != nil && *level != "" {
		rec.Level = domain.Level(*level)
	}
	if tags != nil && *tags != "" {
		var parsed []string
		if err := json.Unmarshal([]byte(*tags), &parsed); err == nil {
			rec.Tags = parsed
		}
	}

	var d relDetail
	if err := json.Unmarshal([]byte(detail), &d); err == nil {
		rec.OperationID = d.OperationID
		rec.Payload = d.Payload
		rec.IdempotencyKey = d.IdempotencyKey
		rec.Backfilled = d.Backfilled
		rec.BackfilledAt = d.BackfilledAt
		for _, tag := range d.Stores {
			if tag != string(domain.StoreRel) {
				rec.Stores = append(rec.Stores, tag)
			}
		}
	}
	if rec.OperationID == "" {
		rec.OperationID = kind
	}
	return rec
}

// legacyRowToRecord canonicalizes an event_log row: the kind doubles as the
// operation id and only the relational store is known to hold it.
func legacyRowToRecord(id, ts, kind string, payload *string) *domain.Record {
	rec := &domain.Record{
		ID:          id,
		Kind:        kind,
		OperationID: kind,
		Level:       domain.LevelInfo,
		Stores:      []string{string(domain.StoreRel)},
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		rec.Timestamp = t.UTC()
	}
	if payload != nil && *payload != "" {
		var p map[string]any
		if err := json.Unmarshal([]byte(*payload), &p); err == nil {
			rec.Payload = p
		}
	}
	return rec
}
