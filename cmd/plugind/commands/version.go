package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/openfroyo/plugind/pkg/runner"
)

type versionInfo struct {
	Version         string `json:"version"`
	Commit          string `json:"commit"`
	BuildDate       string `json:"buildDate"`
	GoVersion       string `json:"goVersion"`
	Platform        string `json:"platform"`
	ProtocolVersion string `json:"protocolVersion"`
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := versionInfo{
				Version:         version,
				Commit:          commit,
				BuildDate:       buildDate,
				GoVersion:       runtime.Version(),
				Platform:        runtime.GOOS + "/" + runtime.GOARCH,
				ProtocolVersion: runner.Version,
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), info)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "plugind %s\n", info.Version)
			fmt.Fprintf(out, "  commit:   %s\n", info.Commit)
			fmt.Fprintf(out, "  built:    %s\n", info.BuildDate)
			fmt.Fprintf(out, "  go:       %s\n", info.GoVersion)
			fmt.Fprintf(out, "  platform: %s\n", info.Platform)
			fmt.Fprintf(out, "  runner:   %s\n", info.ProtocolVersion)
			return nil
		},
	}
}
