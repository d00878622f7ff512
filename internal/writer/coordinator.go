// Package writer implements the write coordinator: canonicalize the
// operation, enforce idempotency, fan out to the four stores concurrently,
// and fold per-store outcomes into an overall verdict.
//
// The only write-path fatal is a relational failure; every other store
// degrades and the reply tells the client which stores hold the record.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oriys/chronicle/internal/breaker"
	"github.com/oriys/chronicle/internal/domain"
	"github.com/oriys/chronicle/internal/idempotency"
	"github.com/oriys/chronicle/internal/logging"
	"github.com/oriys/chronicle/internal/metrics"
	"github.com/oriys/chronicle/internal/observability"
	"github.com/oriys/chronicle/internal/ops"
	"github.com/oriys/chronicle/internal/store"
)

// ErrRelDurability marks a write whose relational insert failed: the action
// is not durably recorded and the caller sees an error.
var ErrRelDurability = errors.New("relational write failed")

// Status is the overall verdict of a write.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
)

// Request is one action write as handed in by the API layer.
type Request struct {
	OperationID    string
	SessionID      string
	Who            string
	Tags           []string
	Payload        map[string]any
	Level          domain.Level
	Failed         bool // client marks the action itself as failed
	IdempotencyKey string
}

// Result is the reply envelope for a write.
type Result struct {
	Record        *domain.Record
	Status        Status
	IdempotentHit bool
	Outcomes      map[string]domain.Outcome
}

// Coordinator owns the fan-out. A nil writer for a store means the store is
// not bound in this deployment.
type Coordinator struct {
	writers map[domain.Store]store.Writer
	breaker *breaker.Breaker
	idem    *idempotency.Store
	metrics *metrics.Registry

	storeTimeout time.Duration
	compatMode   bool // unbound stores degrade instead of failing

	now func() time.Time
}

// Config assembles a coordinator.
type Config struct {
	Rel     store.Writer
	KV      store.Writer
	Obj     store.Writer
	Vec     store.Writer
	Breaker *breaker.Breaker
	Idem    *idempotency.Store
	Metrics *metrics.Registry
	// StoreTimeout bounds each store write; 0 means 5s.
	StoreTimeout time.Duration
	CompatMode   bool
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	writers := map[domain.Store]store.Writer{}
	if cfg.Rel != nil {
		writers[domain.StoreRel] = cfg.Rel
	}
	if cfg.KV != nil {
		writers[domain.StoreKV] = cfg.KV
	}
	if cfg.Obj != nil {
		writers[domain.StoreObj] = cfg.Obj
	}
	if cfg.Vec != nil {
		writers[domain.StoreVec] = cfg.Vec
	}
	return &Coordinator{
		writers:      writers,
		breaker:      cfg.Breaker,
		idem:         cfg.Idem,
		metrics:      cfg.Metrics,
		storeTimeout: timeout,
		compatMode:   cfg.CompatMode,
		now:          time.Now,
	}
}

// Write runs the full pipeline for one action.
func (c *Coordinator) Write(ctx context.Context, req Request) (*Result, error) {
	canonical, known := ops.ToCanonical(req.OperationID)
	if !known {
		c.metrics.Inc("unknown_op_total", map[string]string{"operation": canonical})
	}

	level := req.Level
	if level == "" {
		level = domain.LevelInfo
	}
	if req.Failed {
		level = domain.LevelError
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	who := req.Who
	if who == "" {
		who = "user"
	}

	// Idempotent replay: return the first writer's result, touch no store.
	if req.IdempotencyKey != "" && c.idem != nil {
		prior, err := c.idem.Lookup(ctx, req.IdempotencyKey)
		if err != nil {
			logging.Op().Warn("idempotency lookup failed, proceeding", "error", err)
		} else if prior != nil {
			c.metrics.Inc("idempotency_hits_total", nil)
			return &Result{
				Record: &domain.Record{
					ID:             prior.LogID,
					OperationID:    prior.Operation,
					Kind:           domain.KindFor(prior.Operation, level),
					Level:          level,
					SessionID:      prior.SessionID,
					Who:            who,
					Stores:         prior.Stores,
					IdempotencyKey: prior.Key,
					Timestamp:      prior.CreatedAt,
				},
				Status:        StatusOK,
				IdempotentHit: true,
				Outcomes:      map[string]domain.Outcome{},
			}, nil
		}
	}

	rec := &domain.Record{
		ID:             uuid.NewString(),
		Timestamp:      c.now().UTC(),
		OperationID:    canonical,
		Kind:           domain.KindFor(canonical, level),
		Level:          level,
		SessionID:      sessionID,
		Who:            who,
		Tags:           dedupe(req.Tags),
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
	}

	policy := ops.Policy(canonical)
	outcomes := c.fanOut(ctx, rec, policy)

	for s, outcome := range outcomes {
		if outcome == domain.OutcomeOK {
			rec.AddStore(domain.Store(s))
		}
	}

	result := &Result{
		Record:   rec,
		Outcomes: outcomes,
		Status:   c.overallStatus(outcomes, policy),
	}

	opLabel := map[string]string{"operation": canonical}
	if result.Status == StatusError {
		c.metrics.Inc("action_error_total", opLabel)
		return result, fmt.Errorf("write %s: %w", rec.ID, ErrRelDurability)
	}
	c.metrics.Inc("action_success_total", opLabel)

	// Record idempotency only after a durable write; a replay of a failed
	// write must re-execute.
	if req.IdempotencyKey != "" && c.idem != nil {
		stored, err := c.idem.Store(ctx, &idempotency.Record{
			Key:       req.IdempotencyKey,
			Operation: canonical,
			LogID:     rec.ID,
			SessionID: sessionID,
			Stores:    rec.Stores,
			CreatedAt: rec.Timestamp,
		})
		if err == nil && stored.LogID != rec.ID {
			// A concurrent writer won the key; serve its record.
			c.metrics.Inc("idempotency_hits_total", nil)
			result.IdempotentHit = true
			result.Record = &domain.Record{
				ID:             stored.LogID,
				OperationID:    stored.Operation,
				Kind:           domain.KindFor(stored.Operation, level),
				Level:          level,
				SessionID:      stored.SessionID,
				Who:            who,
				Stores:         stored.Stores,
				IdempotencyKey: stored.Key,
				Timestamp:      stored.CreatedAt,
			}
		}
	}

	return result, nil
}

// fanOut launches the store writes concurrently and joins them. No branch
// can abort a sibling; each is bounded by the per-store timeout and
// detached from request cancellation so platform aborts leave writes to
// complete best-effort.
func (c *Coordinator) fanOut(ctx context.Context, rec *domain.Record, policy ops.ObjPolicy) map[string]domain.Outcome {
	outcomes := make(map[string]domain.Outcome, len(domain.AllStores))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, s := range domain.AllStores {
		if s == domain.StoreObj && policy == ops.PolicyNone {
			continue
		}

		w, bound := c.writers[s]
		if !bound {
			if c.compatMode {
				mu.Lock()
				outcomes[string(s)] = domain.OutcomeDisabled
				mu.Unlock()
				continue
			}
			mu.Lock()
			outcomes[string(s)] = domain.OutcomeError
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(s domain.Store, w store.Writer) {
			defer wg.Done()
			outcome := c.writeOne(ctx, s, w, rec)
			mu.Lock()
			outcomes[string(s)] = outcome
			mu.Unlock()
		}(s, w)
	}

	wg.Wait()
	return outcomes
}

func (c *Coordinator) writeOne(ctx context.Context, s domain.Store, w store.Writer, rec *domain.Record) domain.Outcome {
	if c.breaker != nil {
		if st := c.breaker.Check(ctx, s); st.ShouldSkip {
			return domain.OutcomeSkippedBreaker
		}
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.storeTimeout)
	defer cancel()

	writeCtx, span := observability.StartSpan(writeCtx, "store.write",
		attribute.String("store", string(s)),
		attribute.String("record.id", rec.ID),
	)
	err := w.Write(writeCtx, rec)
	if err != nil {
		span.SetAttributes(attribute.String("outcome", string(domain.OutcomeError)))
		span.End()
		logging.ForRecord(rec.OperationID, rec.SessionID, rec.ID).
			Warn("store write failed", "store", s, "error", err)
		if c.breaker != nil {
			c.breaker.RecordFailure(ctx, s)
		}
		c.metrics.Inc("missing_store_write_total", map[string]string{"store": string(s)})
		return domain.OutcomeError
	}

	span.SetAttributes(attribute.String("outcome", string(domain.OutcomeOK)))
	span.End()
	if c.breaker != nil {
		c.breaker.RecordSuccess(ctx, s)
	}
	c.metrics.Inc("log_written_total", map[string]string{"store": string(s)})
	return domain.OutcomeOK
}

func (c *Coordinator) overallStatus(outcomes map[string]domain.Outcome, policy ops.ObjPolicy) Status {
	switch outcomes[string(domain.StoreRel)] {
	case domain.OutcomeOK:
	case domain.OutcomeDisabled:
		// Rel unbound under compat mode: nothing durable, but the
		// deployment explicitly chose to degrade rather than fail.
		return StatusDegraded
	default:
		return StatusError
	}
	if policy == ops.PolicyRequired {
		if o, present := outcomes[string(domain.StoreObj)]; present && o != domain.OutcomeOK {
			return StatusDegraded
		}
	}
	return StatusOK
}

func dedupe(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
