// Package reader serves canonicalized log items from the relational store.
// Whatever schema the rows came from, callers always see the same item
// shape; store errors surface as an empty list plus a metric, never as an
// error to the caller.
package reader

import (
	"context"
	"time"

	"github.com/oriys/chronicle/internal/domain"
	"github.com/oriys/chronicle/internal/logging"
	"github.com/oriys/chronicle/internal/metrics"
)

const (
	// DefaultLimit applies when the caller passes no limit.
	DefaultLimit = 20
	// MaxLimit caps a single read.
	MaxLimit = 200
)

// RelReader is the slice of the relational adapter the reader needs.
type RelReader interface {
	Recent(ctx context.Context, limit int) ([]*domain.Record, error)
	BySession(ctx context.Context, sessionID string, limit int) ([]*domain.Record, error)
}

// Reader serves canonical log reads.
type Reader struct {
	rel     RelReader
	metrics *metrics.Registry
}

// New creates a reader.
func New(rel RelReader, reg *metrics.Registry) *Reader {
	return &Reader{rel: rel, metrics: reg}
}

func clampLimit(limit int) int {
	if limit < 0 {
		return 0
	}
	if limit == 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Recent returns the newest limit records. limit 0 selects the default;
// a negative limit reads as zero and returns an empty list.
func (r *Reader) Recent(ctx context.Context, limit int) []*domain.Record {
	limit = clampLimit(limit)
	if limit == 0 {
		return []*domain.Record{}
	}
	items, err := r.rel.Recent(ctx, limit)
	if err != nil {
		logging.Op().Warn("recent read failed", "error", err)
		r.metrics.Inc("log_read_error_total", map[string]string{"source": "recent"})
		return []*domain.Record{}
	}
	return canonicalize(items)
}

// BySession returns the newest limit records for one session.
func (r *Reader) BySession(ctx context.Context, sessionID string, limit int) []*domain.Record {
	limit = clampLimit(limit)
	if limit == 0 {
		return []*domain.Record{}
	}
	items, err := r.rel.BySession(ctx, sessionID, limit)
	if err != nil {
		logging.Op().Warn("session read failed", "session_id", sessionID, "error", err)
		r.metrics.Inc("log_read_error_total", map[string]string{"source": "session"})
		return []*domain.Record{}
	}
	return canonicalize(items)
}

// Since filters records to those at or after the cutoff. The relational
// adapter already orders newest-first, so the filter preserves order.
func Since(items []*domain.Record, cutoff time.Time) []*domain.Record {
	if cutoff.IsZero() {
		return items
	}
	out := make([]*domain.Record, 0, len(items))
	for _, it := range items {
		if !it.Timestamp.Before(cutoff) {
			out = append(out, it)
		}
	}
	return out
}

// canonicalize patches rows into the stable item shape: operationId falls
// back to kind, and every row is known to exist at least relationally.
func canonicalize(items []*domain.Record) []*domain.Record {
	for _, it := range items {
		if it.OperationID == "" {
			it.OperationID = it.Kind
		}
		if len(it.Stores) == 0 {
			it.Stores = []string{string(domain.StoreRel)}
		}
		if it.Level == "" {
			it.Level = domain.LevelInfo
		}
	}
	return items
}
