// Package breaker implements the per-store circuit breaker. State lives in
// the key-value store under circuit_breaker:<store> so every instance of
// the service sees the same view.
//
// The state machine is deliberately simpler than a three-state breaker:
// failures accumulate in a fixed 60s window; crossing the threshold opens
// the circuit; only the 300s cooldown closes it again. Success never closes
// the breaker early, which keeps a flapping store from oscillating.
//
// The read-modify-write on KV is last-writer-wins. A lost update delays
// opening by one sample; the breaker is advisory, not a correctness
// mechanism, so that is acceptable. Persistence failures degrade to
// open-circuit-not-enforced for that request (fail-open).
package breaker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oriys/chronicle/internal/domain"
	"github.com/oriys/chronicle/internal/logging"
	"github.com/oriys/chronicle/internal/metrics"
	"github.com/oriys/chronicle/internal/store"
)

const (
	windowDuration = 60 * time.Second
	cooldown       = 300 * time.Second
	stateTTL       = 24 * time.Hour
	keyPrefix      = "circuit_breaker:"
)

// state is the persisted breaker state for one store.
type state struct {
	Failures    int        `json:"failures"`
	WindowStart time.Time  `json:"window_start"`
	IsOpen      bool       `json:"is_open"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
}

// Status is the answer to a breaker check.
type Status struct {
	Open       bool
	ShouldSkip bool
}

// Breaker tracks failure windows for all four stores.
type Breaker struct {
	kv        store.KV
	metrics   *metrics.Registry
	enabled   bool
	threshold int

	now func() time.Time
}

// New creates a breaker. threshold <= 0 falls back to the default of 5.
func New(kv store.KV, reg *metrics.Registry, enabled bool, threshold int) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{
		kv:        kv,
		metrics:   reg,
		enabled:   enabled,
		threshold: threshold,
		now:       time.Now,
	}
}

func (b *Breaker) load(ctx context.Context, s domain.Store) (*state, bool) {
	data, err := b.kv.Get(ctx, keyPrefix+string(s))
	if err == store.ErrNotFound {
		return &state{WindowStart: b.now()}, true
	}
	if err != nil {
		return nil, false
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		logging.Op().Warn("breaker state corrupt, resetting", "store", s, "error", err)
		return &state{WindowStart: b.now()}, true
	}
	return &st, true
}

func (b *Breaker) save(ctx context.Context, s domain.Store, st *state) bool {
	data, err := json.Marshal(st)
	if err != nil {
		return false
	}
	if err := b.kv.Set(ctx, keyPrefix+string(s), data, stateTTL); err != nil {
		logging.Op().Warn("breaker state persist failed", "store", s, "error", err)
		return false
	}
	return true
}

// Check reloads the breaker state for a store, applies window expiry and
// cooldown half-close, and reports whether the caller should skip the
// store. Any KV failure yields fail-open (no skip).
func (b *Breaker) Check(ctx context.Context, s domain.Store) Status {
	st, ok := b.load(ctx, s)
	if !ok {
		return Status{}
	}

	now := b.now()
	dirty := false

	if now.Sub(st.WindowStart) > windowDuration {
		st.Failures = 0
		st.WindowStart = now
		dirty = true
	}
	if st.IsOpen && st.OpenedAt != nil && now.Sub(*st.OpenedAt) > cooldown {
		st.IsOpen = false
		st.OpenedAt = nil
		st.Failures = 0
		dirty = true
		logging.Op().Info("circuit half-closed after cooldown", "store", s)
	}

	if dirty && !b.save(ctx, s, st) {
		return Status{}
	}

	return Status{
		Open:       st.IsOpen,
		ShouldSkip: b.enabled && st.IsOpen,
	}
}

// RecordFailure bumps the failure count and opens the circuit when the
// threshold is crossed inside the window.
func (b *Breaker) RecordFailure(ctx context.Context, s domain.Store) {
	st, ok := b.load(ctx, s)
	if !ok {
		return
	}

	now := b.now()
	if now.Sub(st.WindowStart) > windowDuration {
		st.Failures = 0
		st.WindowStart = now
	}
	st.Failures++

	if st.Failures >= b.threshold && !st.IsOpen {
		st.IsOpen = true
		st.OpenedAt = &now
		if b.metrics != nil {
			b.metrics.Inc("store_circuit_open_total", map[string]string{"store": string(s)})
		}
		logging.Op().Warn("circuit opened", "store", s, "failures", st.Failures)
	}

	b.save(ctx, s, st)
}

// RecordSuccess leaves the window in place; the cooldown timer is what
// closes the breaker.
func (b *Breaker) RecordSuccess(ctx context.Context, s domain.Store) {}

// States returns the current persisted state per store for the health
// surface. Missing or unreadable state reads as closed.
func (b *Breaker) States(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(domain.AllStores))
	for _, s := range domain.AllStores {
		st, ok := b.load(ctx, s)
		open := false
		if ok && st.IsOpen {
			// Respect cooldown in the report without mutating state.
			if st.OpenedAt == nil || b.now().Sub(*st.OpenedAt) <= cooldown {
				open = true
			}
		}
		out[string(s)] = open
	}
	return out
}
