package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/plugind/pkg/engine"
	"github.com/openfroyo/plugind/pkg/stores"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
	}
	cmd.AddCommand(newAuditListCommand())
	cmd.AddCommand(newAuditPruneCommand())
	return cmd
}

func newAuditListCommand() *cobra.Command {
	var (
		filter stores.AuditFilter
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit events, newest first",
		Example: `  # Circuit breaker transitions of one plugin in the last day
  plugind audit list --type circuit.state_changed --target echo --since 24h

  # Everything one tenant did, as JSON
  plugind audit list --tenant acme --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			return withAuditStore(cmd.Context(), func(store *stores.SQLiteStore) error {
				events, err := store.ListAuditEvents(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), events)
				}
				return printEvents(cmd.OutOrStdout(), events)
			})
		},
	}

	cmd.Flags().StringVar(&filter.Type, "type", "", "event type")
	cmd.Flags().StringVar(&filter.TargetID, "target", "", "target ID, usually a plugin ID")
	cmd.Flags().StringVar(&filter.TenantID, "tenant", "", "tenant ID")
	cmd.Flags().StringVar(&filter.ActorID, "actor", "", "actor ID")
	cmd.Flags().StringVar(&filter.Level, "level", "", "level (info, warning, error)")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this age")
	cmd.Flags().IntVar(&filter.Limit, "limit", stores.DefaultAuditLimit, "maximum number of events")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "number of events to skip")

	return cmd
}

func newAuditPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old audit events",
		Long: `Delete audit events older than --older-than, or than audit.retention when
the flag is not given.`,
		Example: `  plugind audit prune --older-than 720h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if olderThan == 0 {
				olderThan = cfg.Audit.Retention
			}
			if olderThan <= 0 {
				return errors.New("no retention configured, pass --older-than")
			}
			return withAuditStore(cmd.Context(), func(store *stores.SQLiteStore) error {
				removed, err := store.PruneAuditEvents(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed %d events\n", removed)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "delete events older than this age")

	return cmd
}

// withAuditStore opens the configured audit store for the duration of fn.
func withAuditStore(ctx context.Context, fn func(*stores.SQLiteStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Audit.Enabled {
		return errors.New("audit log is disabled")
	}
	store, err := stores.Open(ctx, stores.Config{Path: cfg.Audit.Path})
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func printEvents(out io.Writer, events []*engine.AuditEvent) error {
	if len(events) == 0 {
		fmt.Fprintln(out, "No audit events")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tLEVEL\tTARGET\tTENANT\tACTOR\tMESSAGE")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Type, e.Level, e.TargetID, e.TenantID, e.ActorID, e.Message)
	}
	return w.Flush()
}
