// Package cli wires the qstress commands. Every command builds its own
// client from the shared configuration; global flags select verbosity and
// output format.
package cli

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/qstress/internal/config"
)

var (
	jsonOutput bool
	verbose    bool
	configPath string
	serviceURL string
)

// Execute runs the root command. A non-nil error means exit code 1 (startup
// or configuration failure); a completed run reports its failures in the
// summary and still exits 0.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "qstress",
		Short: "Load and correctness harness for the concurrency-queue service",
		Long: `qstress drives a simulated multi-tenant job scheduler against a
concurrency-queue service, checks ordering and tenancy invariants with a
passive oracle, and reports latency and error statistics per operation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable JSON output")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file")
	root.PersistentFlags().StringVar(&serviceURL, "url", "", "queue service base URL")

	root.AddCommand(newRunCmd())
	root.AddCommand(newFlushCmd())
	root.AddCommand(newHealthCmd())
	root.AddCommand(newRunsCmd())
	return root
}

// loadConfig layers defaults, env, the optional config file, and the global
// flags shared by every command.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if serviceURL != "" {
		cfg.ServiceURL = serviceURL
	}
	if verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
