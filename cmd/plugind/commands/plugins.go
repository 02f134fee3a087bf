package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/plugind/pkg/sandbox"
)

func newPluginsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect plugins",
	}
	cmd.AddCommand(newPluginsListCommand())
	return cmd
}

func newPluginsListCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the plugins found in the plugin directory",
		Long: `Load and verify every <plugin>/<version>/manifest.yaml under the plugin
directory and list the versions that would be served. Plugins that fail
verification are reported and skipped.`,
		Example: `  plugind plugins list
  plugind plugins list --dir ./plugins --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				dir = cfg.Sandbox.PluginsDir
			}

			registry := sandbox.NewRegistry(sandbox.WithRegistryLogger(log.Logger))
			if _, err := registry.LoadDir(dir); err != nil {
				log.Warn().Err(err).Msg("Some plugins failed to load")
			}
			plugins := registry.List()

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, plugins)
			}
			if len(plugins) == 0 {
				fmt.Fprintf(out, "No plugins found in %s\n", dir)
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PLUGIN\tVERSION\tRUNTIME\tACTIONS\tCHECKSUM")
			for _, p := range plugins {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					p.PluginID, p.Version, p.Runtime, strings.Join(p.Actions, ","), shortChecksum(p.Checksum))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "plugin directory (default sandbox.plugins_dir)")

	return cmd
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
