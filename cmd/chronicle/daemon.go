package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/chronicle/internal/api"
	"github.com/oriys/chronicle/internal/breaker"
	"github.com/oriys/chronicle/internal/config"
	"github.com/oriys/chronicle/internal/domain"
	"github.com/oriys/chronicle/internal/health"
	"github.com/oriys/chronicle/internal/idempotency"
	"github.com/oriys/chronicle/internal/logging"
	"github.com/oriys/chronicle/internal/metrics"
	"github.com/oriys/chronicle/internal/observability"
	"github.com/oriys/chronicle/internal/ratelimit"
	"github.com/oriys/chronicle/internal/reader"
	"github.com/oriys/chronicle/internal/reconcile"
	"github.com/oriys/chronicle/internal/store"
	"github.com/oriys/chronicle/internal/writer"
)

const metricsFlushInterval = 60 * time.Second

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func daemonCmd() *cobra.Command {
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Chronicle daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}

			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Exporter:    cfg.Tracing.Exporter,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			deps, err := buildStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer deps.close()

			reg := metrics.New(deps.kv)
			reg.StartFlushLoop(ctx, metricsFlushInterval)

			b := breaker.New(deps.kv, reg, cfg.Ops.EnableBreaker, cfg.Ops.BreakerThreshold)
			idem := idempotency.New(deps.kv, time.Duration(cfg.Ops.IdempotencyTTLSec)*time.Second)
			limiter := ratelimit.New(deps.kv.Client(), cfg.Ops.RateLimitRPS, cfg.Ops.RateLimitBurst)

			coord := writer.New(writer.Config{
				Rel:        deps.relWriter(),
				KV:         deps.kvWriter(),
				Obj:        deps.objWriter(),
				Vec:        deps.vecWriter(),
				Breaker:    b,
				Idem:       idem,
				Metrics:    reg,
				CompatMode: cfg.Ops.GPTCompatMode,
			})

			rec := reconcile.New(deps.rel, deps.reconcileTargets(), reg)
			if cfg.Reconcile.IntervalMinutes > 0 {
				rec.StartLoop(ctx,
					time.Duration(cfg.Reconcile.IntervalMinutes)*time.Minute,
					cfg.Reconcile.WindowHours)
			}

			handler := &api.Handler{
				Coordinator: coord,
				Reader:      reader.New(deps.rel, reg),
				Reconciler:  rec,
				Health:      health.New(deps.bound(), b, reg, 0),
				Metrics:     reg,
			}

			server := api.NewServer(cfg.Daemon.HTTPAddr, api.ServerConfig{
				Handler: handler,
				Ops:     cfg.Ops,
				Limiter: limiter,
			})
			api.Start(server)

			logging.Op().Info("chronicle daemon started",
				"addr", cfg.Daemon.HTTPAddr,
				"breaker", cfg.Ops.EnableBreaker,
				"canary_percent", cfg.Ops.CanaryPercent,
				"compat_mode", cfg.Ops.GPTCompatMode,
			)

			<-ctx.Done()
			logging.Op().Info("shutting down")

			// Persist a final counter snapshot before the pools close.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			reg.Flush(flushCtx)
			cancel()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", ":8080", "HTTP listen address")
	return cmd
}

// storeDeps holds the connected adapters. Rel and KV are mandatory; Obj
// and Vec are optional and degrade to unbound when unconfigured.
type storeDeps struct {
	rel *store.RelStore
	kv  *store.KVStore
	obj *store.ObjStore
	vec *store.VecStore
}

func buildStores(ctx context.Context, cfg *config.Config) (*storeDeps, error) {
	rel, err := store.NewRelStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	kv, err := store.NewKVStore(ctx, store.KVConfig{
		Addr:          cfg.Redis.Addr,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		LogTTLSeconds: cfg.Ops.KVTTLSeconds,
	})
	if err != nil {
		rel.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	deps := &storeDeps{rel: rel, kv: kv}

	if cfg.Object.Bucket != "" && cfg.Object.Endpoint != "" {
		obj, err := store.NewObjStore(ctx, store.ObjConfig{
			Bucket:    cfg.Object.Bucket,
			Region:    cfg.Object.Region,
			Endpoint:  cfg.Object.Endpoint,
			AccessKey: cfg.Object.AccessKey,
			SecretKey: cfg.Object.SecretKey,
		})
		if err != nil {
			logging.Op().Warn("object store unavailable, continuing unbound", "error", err)
		} else {
			deps.obj = obj
		}
	}

	if cfg.Vector.IndexURL != "" {
		embedder := store.NewHTTPEmbedder(cfg.Vector.EmbeddingsURL, cfg.Vector.EmbeddingsKey, cfg.Vector.Model)
		vec, err := store.NewVecStore(store.VecConfig{
			IndexURL: cfg.Vector.IndexURL,
			Token:    cfg.Vector.IndexToken,
		}, embedder)
		if err != nil {
			logging.Op().Warn("vector store unavailable, continuing unbound", "error", err)
		} else {
			deps.vec = vec
		}
	}

	return deps, nil
}

func (d *storeDeps) close() {
	if d.kv != nil {
		d.kv.Close()
	}
	if d.rel != nil {
		d.rel.Close()
	}
}

// The nil-interface dance: a nil *ObjStore stuffed into a store.Writer
// interface would be non-nil, so each accessor returns a true nil when the
// adapter is unbound.
func (d *storeDeps) relWriter() store.Writer {
	if d.rel == nil {
		return nil
	}
	return d.rel
}

func (d *storeDeps) kvWriter() store.Writer {
	if d.kv == nil {
		return nil
	}
	return d.kv
}

func (d *storeDeps) objWriter() store.Writer {
	if d.obj == nil {
		return nil
	}
	return d.obj
}

func (d *storeDeps) vecWriter() store.Writer {
	if d.vec == nil {
		return nil
	}
	return d.vec
}

func (d *storeDeps) reconcileTargets() []reconcile.Target {
	targets := []reconcile.Target{d.kv}
	if d.vec != nil {
		targets = append(targets, d.vec)
	}
	if d.obj != nil {
		targets = append(targets, d.obj)
	}
	return targets
}

func (d *storeDeps) bound() map[string]bool {
	return map[string]bool{
		string(domain.StoreRel): d.rel != nil,
		string(domain.StoreKV):  d.kv != nil,
		string(domain.StoreObj): d.obj != nil,
		string(domain.StoreVec): d.vec != nil,
	}
}
