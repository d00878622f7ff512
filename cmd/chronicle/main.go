package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.3.0"

	configFile string
)

func main() {
	root := &cobra.Command{
		Use:   "chronicle",
		Short: "Unified action logging and retrieval service",
		Long: `Chronicle accepts action events, fans each one out to four
persistence layers (Postgres, Redis, object storage, vector index),
guarantees idempotent writes, reconciles divergence on a schedule, and
serves canonicalized reads.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to JSON config file")

	root.AddCommand(daemonCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chronicle %s\n", version)
		},
	}
}
