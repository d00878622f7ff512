package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/chronicle/internal/logging"
	"github.com/oriys/chronicle/internal/metrics"
	"github.com/oriys/chronicle/internal/reconcile"
)

func reconcileCmd() *cobra.Command {
	var (
		windowHours int
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass against the configured stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			ctx := context.Background()
			deps, err := buildStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer deps.close()

			reg := metrics.New(deps.kv)
			rec := reconcile.New(deps.rel, deps.reconcileTargets(), reg)

			summary, err := rec.Run(ctx, windowHours, dryRun)
			if err != nil {
				return err
			}
			reg.Flush(ctx)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}

	cmd.Flags().IntVar(&windowHours, "window-hours", 24, "how far back to diff against the relational store")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report gaps without backfilling")
	return cmd
}
