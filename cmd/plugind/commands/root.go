package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "plugind",
		Short: "plugind - multi-tenant plugin execution engine",
		Long: `plugind runs untrusted third-party plugins on behalf of many tenants under
strict resource, time and rate limits.

Features:
  - Starlark and WebAssembly plugins, in-process or in child runner processes
  - Bounded worker pool with per-request timeouts and memory limits
  - Result cache, per-tenant quotas and per-plugin circuit breakers
  - OPA admission policies and a SQLite audit log
  - Prometheus metrics and OpenTelemetry tracing`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml, .json or .cue)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newExecCommand())
	rootCmd.AddCommand(newRunnerCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newPluginsCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
