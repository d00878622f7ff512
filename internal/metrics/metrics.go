// Package metrics collects Chronicle's observability counters.
//
// Two views coexist:
//
//  1. An in-memory labeled counter map, periodically persisted to the
//     key-value store under metrics:counters so counts survive restarts.
//     This feeds the JSON snapshot endpoint.
//  2. A Prometheus registry mirroring the same counters for scraping.
//
// Increment never fails: persistence and mirror errors are swallowed, a
// metrics problem must not take down the write path.
package metrics

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oriys/chronicle/internal/logging"
	"github.com/oriys/chronicle/internal/store"
)

const (
	countersKey = "metrics:counters"
	persistTTL  = 30 * 24 * time.Hour
)

// Registry is the process-wide counter map. The zero value is not usable;
// construct with New.
type Registry struct {
	mu       sync.Mutex
	counters map[string]int64

	kv         store.KV // nil disables persistence
	baseline   map[string]int64
	baselineOK bool

	prom *promMirror // nil disables the Prometheus mirror
}

// New creates a registry. kv may be nil (no persistence).
func New(kv store.KV) *Registry {
	return &Registry{
		counters: make(map[string]int64),
		kv:       kv,
		prom:     newPromMirror(),
	}
}

// counterKey serializes (name, labels) into a stable map key.
func counterKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Increment bumps a counter. Never returns an error.
func (r *Registry) Increment(name string, labels map[string]string, delta int64) {
	if delta == 0 {
		delta = 1
	}
	r.mu.Lock()
	r.counters[counterKey(name, labels)] += delta
	r.mu.Unlock()

	if r.prom != nil {
		r.prom.increment(name, labels, delta)
	}
}

// Inc is Increment with delta 1.
func (r *Registry) Inc(name string, labels map[string]string) {
	r.Increment(name, labels, 1)
}

// loadBaseline pulls previously persisted counters once per process.
func (r *Registry) loadBaseline(ctx context.Context) map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.baselineOK || r.kv == nil {
		return r.baseline
	}
	r.baselineOK = true
	r.baseline = map[string]int64{}

	data, err := r.kv.Get(ctx, countersKey)
	if err != nil {
		if err != store.ErrNotFound {
			logging.Op().Debug("metrics baseline load failed", "error", err)
		}
		return r.baseline
	}
	if err := json.Unmarshal(data, &r.baseline); err != nil {
		logging.Op().Debug("metrics baseline decode failed", "error", err)
		r.baseline = map[string]int64{}
	}
	return r.baseline
}

// Snapshot returns persisted-baseline + in-memory counts, label-preserving.
func (r *Registry) Snapshot(ctx context.Context) map[string]int64 {
	baseline := r.loadBaseline(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int64, len(r.counters)+len(baseline))
	for k, v := range baseline {
		out[k] = v
	}
	for k, v := range r.counters {
		out[k] += v
	}
	return out
}

// Flush persists the merged snapshot to KV. Fire-and-forget: errors are
// logged at debug and swallowed.
func (r *Registry) Flush(ctx context.Context) {
	if r.kv == nil {
		return
	}
	snap := r.Snapshot(ctx)
	data, err := json.Marshal(snap)
	if err != nil {
		logging.Op().Debug("metrics flush marshal failed", "error", err)
		return
	}
	if err := r.kv.Set(ctx, countersKey, data, persistTTL); err != nil {
		logging.Op().Debug("metrics flush failed", "error", err)
	}
}

// StartFlushLoop persists counters on an interval until ctx is cancelled.
func (r *Registry) StartFlushLoop(ctx context.Context, interval time.Duration) {
	if r.kv == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Flush(ctx)
			}
		}
	}()
}

// Sum totals the in-memory counts for a name across all label sets.
func (r *Registry) Sum(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for k, v := range r.counters {
		if k == name || strings.HasPrefix(k, name+"{") {
			total += v
		}
	}
	return total
}

// Get returns the in-memory value of one counter; test helper.
func (r *Registry) Get(name string, labels map[string]string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[counterKey(name, labels)]
}
