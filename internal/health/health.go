// Package health summarizes component state for the health and readiness
// surfaces. Both always answer 200; readiness carries a computed ready
// boolean that gates canary promotion.
package health

import (
	"context"

	"github.com/oriys/chronicle/internal/breaker"
	"github.com/oriys/chronicle/internal/metrics"
	"github.com/oriys/chronicle/internal/ops"
)

// Health is the informational surface.
type Health struct {
	Status       string          `json:"status"`
	Stores       map[string]bool `json:"stores"` // adapter bound?
	CanonicalOps int             `json:"canonical_ops"`
	Aliases      int             `json:"aliases"`
	BreakersOpen map[string]bool `json:"breakers_open"`
}

// Readiness gates canary promotion.
type Readiness struct {
	Ready        bool            `json:"ready"`
	Stores       map[string]bool `json:"stores"`
	BreakersOpen map[string]bool `json:"breakers_open"`
	RecentErrors int64           `json:"recent_errors"`
}

// Reporter computes the two surfaces.
type Reporter struct {
	bound          map[string]bool
	breaker        *breaker.Breaker
	metrics        *metrics.Registry
	errorThreshold int64
}

// New creates a reporter. bound maps store tags to whether an adapter is
// wired. errorThreshold bounds tolerated errors; <= 0 means 10.
func New(bound map[string]bool, b *breaker.Breaker, reg *metrics.Registry, errorThreshold int64) *Reporter {
	if errorThreshold <= 0 {
		errorThreshold = 10
	}
	return &Reporter{
		bound:          bound,
		breaker:        b,
		metrics:        reg,
		errorThreshold: errorThreshold,
	}
}

// Health reports the informational summary.
func (r *Reporter) Health(ctx context.Context) Health {
	return Health{
		Status:       "ok",
		Stores:       r.bound,
		CanonicalOps: len(ops.AllCanonical()),
		Aliases:      len(ops.AllAliases()),
		BreakersOpen: r.breaker.States(ctx),
	}
}

// Readiness computes the promotion gate: ready iff no breaker is open, the
// error count (action errors plus missing store writes, summed over the
// in-memory counters since process start) is below threshold, and all
// configured stores are bound. The count has no time window; it only grows.
func (r *Reporter) Readiness(ctx context.Context) Readiness {
	open := r.breaker.States(ctx)
	anyOpen := false
	for _, o := range open {
		if o {
			anyOpen = true
			break
		}
	}

	allBound := true
	for _, b := range r.bound {
		if !b {
			allBound = false
			break
		}
	}

	recentErrors := r.metrics.Sum("action_error_total") + r.metrics.Sum("missing_store_write_total")

	return Readiness{
		Ready:        !anyOpen && allBound && recentErrors < r.errorThreshold,
		Stores:       r.bound,
		BreakersOpen: open,
		RecentErrors: recentErrors,
	}
}
