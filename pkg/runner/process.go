package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/openfroyo/plugind/pkg/engine"
	"github.com/openfroyo/plugind/pkg/runner/protocol"
)

var (
	_ engine.SandboxFactory = (*ProcessFactory)(nil)
	_ engine.Sandbox        = (*processSandbox)(nil)
)

// ProcessConfig configures runner processes.
type ProcessConfig struct {
	// Path is the runner executable. Empty selects the current executable.
	Path string `yaml:"path" json:"path"`

	// Args are passed to the runner, typically the hidden "runner"
	// subcommand and its flags.
	Args []string `yaml:"args" json:"args"`

	// StartupTimeout bounds the wait for READY.
	StartupTimeout time.Duration `yaml:"startup_timeout" json:"startup_timeout"`

	// ShutdownGrace is how long a closing runner may take to exit before it
	// is killed.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`

	// MemorySampleInterval is how often the runner's RSS is sampled while a
	// task runs.
	MemorySampleInterval time.Duration `yaml:"memory_sample_interval" json:"memory_sample_interval"`

	// MaxOpenFiles limits file descriptors in the runner. Zero leaves the
	// inherited limit.
	MaxOpenFiles uint64 `yaml:"max_open_files" json:"max_open_files"`

	// MaxAddressSpace limits the runner's virtual memory. Zero leaves it
	// unlimited; RSS sampling still enforces the per-task ceiling.
	MaxAddressSpace uint64 `yaml:"max_address_space" json:"max_address_space"`

	// DenyFileWrites sets the maximum file size to zero so the runner
	// cannot write regular files.
	DenyFileWrites bool `yaml:"deny_file_writes" json:"deny_file_writes"`
}

// DefaultProcessConfig returns the default runner configuration.
func DefaultProcessConfig() ProcessConfig {
	return ProcessConfig{
		Args:                 []string{"runner"},
		StartupTimeout:       10 * time.Second,
		ShutdownGrace:        2 * time.Second,
		MemorySampleInterval: 50 * time.Millisecond,
		MaxOpenFiles:         64,
		DenyFileWrites:       true,
	}
}

// ProcessFactory starts one runner process per sandbox.
type ProcessFactory struct {
	config ProcessConfig
	logger zerolog.Logger
}

// Option configures a ProcessFactory.
type Option func(*ProcessFactory)

// WithLogger sets the factory logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(f *ProcessFactory) {
		f.logger = logger.With().Str("component", "runner").Logger()
	}
}

// NewProcessFactory creates a factory. Zero durations take defaults.
func NewProcessFactory(config ProcessConfig, opts ...Option) (*ProcessFactory, error) {
	def := DefaultProcessConfig()
	if config.Path == "" {
		path, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to get executable path: %w", err)
		}
		config.Path = path
	}
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = def.StartupTimeout
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = def.ShutdownGrace
	}
	if config.MemorySampleInterval <= 0 {
		config.MemorySampleInterval = def.MemorySampleInterval
	}

	f := &ProcessFactory{
		config: config,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// NewSandbox implements engine.SandboxFactory. It starts a runner and waits
// for its READY message.
func (f *ProcessFactory) NewSandbox(ctx context.Context) (engine.Sandbox, error) {
	// The runner outlives ctx, so it is not started with CommandContext.
	cmd := exec.Command(f.config.Path, f.config.Args...)
	cmd.Env = []string{}
	cmd.Dir = os.TempDir()
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	// os.Pipe rather than StdoutPipe so that Wait does not close the read
	// side while responses are still being decoded.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = &stderrLogger{logger: f.logger}

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to start runner: %w", err)
	}
	stdoutW.Close()

	pid := cmd.Process.Pid
	logger := f.logger.With().Int("runner_pid", pid).Logger()
	if err := applyLimits(pid, f.config); err != nil {
		logger.Warn().Err(err).Msg("Failed to apply runner resource limits")
	}

	s := &processSandbox{
		config:  f.config,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdoutR,
		encoder: protocol.NewEncoder(stdin),
		msgs:    make(chan *protocol.Message, 4),
		exited:  make(chan struct{}),
		closed:  make(chan struct{}),
		logger:  logger,
	}
	if proc, err := process.NewProcess(int32(pid)); err == nil {
		s.proc = proc
	}

	go s.wait()
	go s.read()

	if err := s.awaitReady(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	logger.Debug().Msg("Runner started")
	return s, nil
}

// processSandbox is one runner process.
type processSandbox struct {
	config  ProcessConfig
	cmd     *exec.Cmd
	proc    *process.Process
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	encoder *protocol.Encoder
	msgs    chan *protocol.Message
	logger  zerolog.Logger

	mu     sync.Mutex
	nextID uint64

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *processSandbox) wait() {
	s.waitErr = s.cmd.Wait()
	close(s.exited)
}

func (s *processSandbox) read() {
	defer close(s.msgs)
	defer s.stdout.Close()

	dec := protocol.NewDecoder(s.stdout)
	for {
		msg, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Error().Err(err).Msg("Malformed message from runner")
				s.kill()
			}
			return
		}
		s.msgs <- msg
	}
}

func (s *processSandbox) awaitReady(ctx context.Context) error {
	timer := time.NewTimer(s.config.StartupTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-s.msgs:
		if !ok {
			return fmt.Errorf("runner exited before READY: %s", s.exitStatus())
		}
		if msg.Type != protocol.MessageTypeReady {
			return fmt.Errorf("expected READY, got %s", msg.Type)
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseData(msg.Data, &ready); err != nil {
			return err
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("timeout waiting for READY message")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exitStatus describes why the runner stopped. It waits briefly for the
// process to be reaped.
func (s *processSandbox) exitStatus() string {
	select {
	case <-s.exited:
	case <-time.After(time.Second):
		return "runner still running"
	}
	if s.waitErr != nil {
		return s.waitErr.Error()
	}
	return "exit status 0"
}

// Execute implements engine.Sandbox.
func (s *processSandbox) Execute(ctx context.Context, task *engine.Task) (*engine.SandboxResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pluginID := task.Unit.PluginID
	select {
	case <-s.closed:
		return nil, engine.NewWorkerCrashedError("runner is closed", nil).WithPlugin(pluginID)
	case <-s.exited:
		return nil, engine.NewWorkerCrashedError("runner has exited: "+s.exitStatus(), nil).WithPlugin(pluginID)
	default:
	}

	s.nextID++
	id := strconv.FormatUint(s.nextID, 10)
	if err := s.encoder.EncodeExec(&protocol.ExecMessage{ID: id, Task: task}); err != nil {
		s.kill()
		return nil, engine.NewWorkerCrashedError("failed to send task to runner", err).WithPlugin(pluginID)
	}

	monitor := s.monitorMemory(task.MaxMemoryBytes)
	defer monitor.stop()

	for {
		select {
		case msg, ok := <-s.msgs:
			if !ok {
				if monitor.exceeded.Load() {
					return nil, engine.NewResourceExceededError(
						fmt.Sprintf("runner memory exceeded %d bytes", task.MaxMemoryBytes), nil).WithPlugin(pluginID)
				}
				return nil, engine.NewWorkerCrashedError("runner exited during execution: "+s.exitStatus(), nil).
					WithPlugin(pluginID)
			}
			done, res, err := s.handle(msg, id, monitor)
			if done {
				return res, err
			}

		case <-monitor.killed:
			return nil, engine.NewResourceExceededError(
				fmt.Sprintf("runner memory exceeded %d bytes", task.MaxMemoryBytes), nil).WithPlugin(pluginID)

		case <-ctx.Done():
			s.kill()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, engine.NewTimeoutError(task.Timeout).WithPlugin(pluginID)
			}
			return nil, engine.NewWorkerCrashedError("execution cancelled", ctx.Err()).WithPlugin(pluginID)

		case <-s.closed:
			return nil, engine.NewWorkerCrashedError("runner closed during execution", nil).WithPlugin(pluginID)
		}
	}
}

// handle processes one message while a task is outstanding. done is false
// for messages that do not answer the task.
func (s *processSandbox) handle(msg *protocol.Message, id string, monitor *memoryMonitor) (bool, *engine.SandboxResult, error) {
	switch msg.Type {
	case protocol.MessageTypeDone:
		var d protocol.DoneMessage
		if err := protocol.ParseData(msg.Data, &d); err != nil {
			s.kill()
			return true, nil, engine.NewWorkerCrashedError("malformed DONE from runner", err)
		}
		if d.ID != id {
			s.logger.Warn().Str("expected", id).Str("got", d.ID).Msg("Discarding stale runner response")
			return false, nil, nil
		}
		mem := d.MemoryUsedBytes
		if peak := monitor.peak.Load(); peak > mem {
			mem = peak
		}
		return true, &engine.SandboxResult{
			Output:          d.Output,
			MemoryUsedBytes: mem,
			Duration:        time.Duration(d.DurationMs) * time.Millisecond,
		}, nil

	case protocol.MessageTypeError:
		var e protocol.ErrorMessage
		if err := protocol.ParseData(msg.Data, &e); err != nil {
			s.kill()
			return true, nil, engine.NewWorkerCrashedError("malformed ERROR from runner", err)
		}
		if e.ID != "" && e.ID != id {
			s.logger.Warn().Str("expected", id).Str("got", e.ID).Msg("Discarding stale runner response")
			return false, nil, nil
		}
		return true, nil, e.Err()

	case protocol.MessageTypeExit:
		return true, nil, engine.NewWorkerCrashedError("runner exited during execution", nil)

	default:
		s.kill()
		return true, nil, engine.NewWorkerCrashedError(fmt.Sprintf("unexpected %s from runner", msg.Type), nil)
	}
}

// Close implements engine.Sandbox. It closes the runner's input, waits up
// to ShutdownGrace for it to exit, then kills it.
func (s *processSandbox) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.stdin.Close()
		select {
		case <-s.exited:
		case <-time.After(s.config.ShutdownGrace):
			s.kill()
			<-s.exited
		}
	})
	return nil
}

func (s *processSandbox) kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// PID returns the runner's process ID.
func (s *processSandbox) PID() int {
	return s.cmd.Process.Pid
}

// memoryMonitor samples the runner's RSS while a task runs and kills the
// runner once it exceeds the task's ceiling.
type memoryMonitor struct {
	peak     atomic.Uint64
	exceeded atomic.Bool
	killed   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (s *processSandbox) monitorMemory(limit uint64) *memoryMonitor {
	m := &memoryMonitor{
		killed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if s.proc == nil {
		return m
	}

	sample := func() bool {
		info, err := s.proc.MemoryInfo()
		if err != nil {
			return true
		}
		if info.RSS > m.peak.Load() {
			m.peak.Store(info.RSS)
		}
		if limit > 0 && info.RSS > limit {
			m.exceeded.Store(true)
			s.logger.Warn().Uint64("rss", info.RSS).Uint64("limit", limit).Msg("Runner exceeded memory ceiling")
			s.kill()
			close(m.killed)
			return false
		}
		return true
	}

	go func() {
		ticker := time.NewTicker(s.config.MemorySampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				if !sample() {
					return
				}
			}
		}
	}()
	return m
}

func (m *memoryMonitor) stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// stderrLogger forwards runner stderr lines to the engine log.
type stderrLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	buf    []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if i > 0 {
			w.logger.Debug().Str("stream", "stderr").Msg(string(w.buf[:i]))
		}
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > 64*1024 {
		w.logger.Debug().Str("stream", "stderr").Msg(string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}
