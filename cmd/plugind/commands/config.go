package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/plugind/pkg/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
		Long: `Inspect the effective configuration. Settings are layered: built-in
defaults, then the file given with --config, then environment variables.`,
	}

	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigValidateCommand())
	cmd.AddCommand(newConfigEnvCommand())

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long:  `Print the effective configuration with secrets redacted.`,
		Example: `  plugind config show -c plugind.yaml
  plugind config show --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), cfg.Redacted())
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// validationResult is the JSON output of config validate.
type validationResult struct {
	Valid  bool                     `json:"valid"`
	Path   string                   `json:"path,omitempty"`
	Errors []config.ValidationError `json:"errors,omitempty"`
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file together with the environment. CUE files
are checked against the embedded schema before the field rules run.`,
		Example: `  plugind config validate plugind.cue
  plugind config validate -c plugind.yaml --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) == 1 {
				path = args[0]
			}
			_, err := config.LoadWithEnv(path, os.LookupEnv)
			result := validationResult{Valid: err == nil, Path: path}
			if err != nil {
				var fileErr *config.FileError
				if errors.As(err, &fileErr) {
					result.Errors = fileErr.Errors
				} else {
					result.Errors = []config.ValidationError{{File: path, Message: err.Error()}}
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if perr := printJSON(out, result); perr != nil {
					return perr
				}
			} else if result.Valid {
				fmt.Fprintln(out, "✓ Configuration is valid")
			} else {
				fmt.Fprintln(out, "✗ Configuration is invalid:")
				for _, ve := range result.Errors {
					fmt.Fprintf(out, "  - %s\n", ve.String())
				}
			}
			if !result.Valid {
				return errors.New("configuration validation failed")
			}
			return nil
		},
	}
}

func newConfigEnvCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List supported environment variables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := config.EnvVars()
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), names)
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
