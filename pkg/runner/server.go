// Package runner isolates plugin execution in a child process. The engine
// starts the runner with an empty environment and resource limits, and
// speaks the protocol package over its stdin and stdout. A plugin that
// crashes or exhausts memory takes down only its runner.
package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/plugind/pkg/engine"
	"github.com/openfroyo/plugind/pkg/runner/protocol"
)

// Version is reported in the READY message.
const Version = "1.0.0"

// Serve runs the runner side of the protocol: it announces READY, executes
// each EXEC on sb and answers with DONE or ERROR, until r is closed or ctx
// is done. Tasks run one at a time.
func Serve(ctx context.Context, r io.Reader, w io.Writer, sb engine.Sandbox, runtimes []string, logger zerolog.Logger) error {
	enc := protocol.NewEncoder(w)
	dec := protocol.NewDecoder(r)

	if err := enc.EncodeReady(&protocol.ReadyMessage{
		Version:  Version,
		PID:      os.Getpid(),
		Runtimes: runtimes,
	}); err != nil {
		return err
	}

	tasks := 0
	reason := "stdin_closed"
	exitCode := 0

	for ctx.Err() == nil {
		exec, err := dec.DecodeExec()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Error().Err(err).Msg("Malformed message from engine")
			reason = "protocol_error"
			exitCode = 1
			break
		}
		tasks++

		if err := handle(ctx, enc, sb, exec); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		reason = "cancelled"
	}

	return enc.EncodeExit(&protocol.ExitMessage{
		Reason:     reason,
		ExitCode:   exitCode,
		TasksTotal: tasks,
	})
}

func handle(ctx context.Context, enc *protocol.Encoder, sb engine.Sandbox, exec *protocol.ExecMessage) error {
	taskCtx, cancel := context.WithTimeout(ctx, exec.Task.Timeout)
	defer cancel()

	start := time.Now()
	res, err := sb.Execute(taskCtx, exec.Task)
	if err != nil {
		return enc.EncodeError(protocol.NewErrorMessage(exec.ID, err))
	}

	duration := res.Duration
	if duration == 0 {
		duration = time.Since(start)
	}
	return enc.EncodeDone(&protocol.DoneMessage{
		ID:              exec.ID,
		Output:          res.Output,
		MemoryUsedBytes: res.MemoryUsedBytes,
		DurationMs:      duration.Milliseconds(),
	})
}
