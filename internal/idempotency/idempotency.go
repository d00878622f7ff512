// Package idempotency stores (client token → prior write result) records in
// the key-value store so replayed writes return the first writer's result
// instead of re-executing the fan-out.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oriys/chronicle/internal/logging"
	"github.com/oriys/chronicle/internal/store"
)

const (
	keyPrefix  = "idempotency:"
	defaultTTL = 24 * time.Hour
)

// Record summarizes a completed write for replay.
type Record struct {
	Key       string    `json:"key"`
	Operation string    `json:"operation"`
	LogID     string    `json:"log_id"`
	SessionID string    `json:"session_id"`
	Stores    []string  `json:"stores"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists idempotency records with a bounded lifetime (≥ 24h).
type Store struct {
	kv  store.KV
	ttl time.Duration
}

// New creates an idempotency store. ttl below the 24h floor is raised to it.
func New(kv store.KV, ttl time.Duration) *Store {
	if ttl < defaultTTL {
		ttl = defaultTTL
	}
	return &Store{kv: kv, ttl: ttl}
}

// Lookup returns the prior record for a key, or nil when none exists.
// Backend errors are returned so the caller can decide to proceed.
func (s *Store) Lookup(ctx context.Context, key string) (*Record, error) {
	data, err := s.kv.Get(ctx, keyPrefix+key)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("idempotency decode: %w", err)
	}
	return &rec, nil
}

// Store writes the record for a key. Concurrent writers racing on the same
// key are serialized with a set-if-absent: the loser re-reads and returns
// the winner's record. Failure to store is soft; the caller's write already
// succeeded and only replay protection is lost.
func (s *Store) Store(ctx context.Context, rec *Record) (*Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("idempotency encode: %w", err)
	}

	won, err := s.kv.SetNX(ctx, keyPrefix+rec.Key, data, s.ttl)
	if err != nil {
		logging.Op().Warn("idempotency store failed", "key", rec.Key, "error", err)
		return rec, nil
	}
	if won {
		return rec, nil
	}

	winner, err := s.Lookup(ctx, rec.Key)
	if err != nil || winner == nil {
		return rec, nil
	}
	return winner, nil
}
