// Package store implements the four persistence adapters behind the write
// fan-out: relational (authoritative), key-value, object, and vector. The
// adapters are deliberately dumb: breaker consultation, outcome accounting,
// and policy decisions belong to the write coordinator.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/chronicle/internal/domain"
)

// ErrNotFound is returned by point lookups when no entry exists.
var ErrNotFound = errors.New("store: not found")

// Writer is the surface every adapter exposes to the write coordinator.
type Writer interface {
	// Name returns the store tag ("rel", "kv", "obj", "vec").
	Name() domain.Store
	// Write persists one record. Implementations must be safe for
	// concurrent use; a failed write leaves no partial entry behind
	// that a presence check would mistake for the record.
	Write(ctx context.Context, rec *domain.Record) error
}

// Checker reports record presence, used by the reconciler.
type Checker interface {
	Has(ctx context.Context, rec *domain.Record) (bool, error)
}

// KV is the narrow key-value surface shared by the circuit breaker, rate
// limiter, idempotency store, and metrics persistence. Keys follow the
// layout in the service documentation (circuit_breaker:<store>,
// rate_limit:<identity>, idempotency:<key>, metrics:counters).
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX sets the key only if absent; reports whether the write won.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}
