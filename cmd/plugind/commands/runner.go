package commands

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/plugind/pkg/engine"
	"github.com/openfroyo/plugind/pkg/runner"
	"github.com/openfroyo/plugind/pkg/sandbox"
	"github.com/openfroyo/plugind/pkg/telemetry"
)

// runnerOptions mirror the arguments the engine passes to child runners.
type runnerOptions struct {
	maxMemory        uint64
	maxSteps         uint64
	httpTimeout      time.Duration
	maxResponseBytes int64
	allowedDomains   []string
	logLevel         string
}

func newRunnerCommand() *cobra.Command {
	opts := &runnerOptions{}

	cmd := &cobra.Command{
		Use:   "runner",
		Short: "Serve sandbox tasks over stdin and stdout",
		Long: `Run as a child sandbox process. The engine starts one runner per worker
when sandbox.isolation is "process" and exchanges framed JSON messages with
it over stdin and stdout. Logs are written to stderr.`,
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := zerolog.New(os.Stderr).
				Level(telemetry.ParseLevel(opts.logLevel)).
				With().Timestamp().Int("pid", os.Getpid()).Logger()

			network := sandbox.NewNetworkPolicy(opts.allowedDomains,
				sandbox.WithHTTPTimeout(opts.httpTimeout),
				sandbox.WithMaxResponseBytes(opts.maxResponseBytes))
			factory, err := sandbox.NewInProcessFactory(ctx, opts.maxMemory,
				sandbox.WithNetworkPolicy(network),
				sandbox.WithRuntime(engine.RuntimeStarlark, sandbox.NewStarlarkRuntime(opts.maxSteps)),
				sandbox.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() { _ = factory.Close(ctx) }()

			sb, err := factory.NewSandbox(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = sb.Close() }()

			runtimes := []string{string(engine.RuntimeStarlark), string(engine.RuntimeWASM)}
			return runner.Serve(ctx, os.Stdin, os.Stdout, sb, runtimes, logger)
		},
	}

	cmd.Flags().Uint64Var(&opts.maxMemory, "max-memory", 128<<20, "WASM linear memory limit in bytes")
	cmd.Flags().Uint64Var(&opts.maxSteps, "max-steps", sandbox.DefaultMaxSteps, "Starlark step limit per action")
	cmd.Flags().DurationVar(&opts.httpTimeout, "http-timeout", 10*time.Second, "outbound HTTP timeout")
	cmd.Flags().Int64Var(&opts.maxResponseBytes, "max-response-bytes", 1<<20, "outbound HTTP response size limit")
	cmd.Flags().StringArrayVar(&opts.allowedDomains, "allowed-domain", nil, "outbound domain plugins may call (repeatable)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level")

	return cmd
}
