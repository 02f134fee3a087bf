package pool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/plugind/pkg/engine"
)

type execFunc func(ctx context.Context, task *engine.Task, sb *fakeSandbox) (*engine.SandboxResult, error)

type fakeSandbox struct {
	exec      execFunc
	closed    chan struct{}
	closeOnce sync.Once
	factory   *fakeFactory
}

func (s *fakeSandbox) Execute(ctx context.Context, task *engine.Task) (*engine.SandboxResult, error) {
	return s.exec(ctx, task, s)
}

func (s *fakeSandbox) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.factory.closed.Add(1)
	})
	return nil
}

type fakeFactory struct {
	exec    execFunc
	created atomic.Int64
	closed  atomic.Int64
	fail    atomic.Bool
}

func (f *fakeFactory) NewSandbox(ctx context.Context) (engine.Sandbox, error) {
	if f.fail.Load() {
		return nil, errors.New("sandbox unavailable")
	}
	f.created.Add(1)
	return &fakeSandbox{exec: f.exec, closed: make(chan struct{}), factory: f}, nil
}

func okExec(ctx context.Context, task *engine.Task, sb *fakeSandbox) (*engine.SandboxResult, error) {
	return &engine.SandboxResult{Output: json.RawMessage(`{"ok":true}`), MemoryUsedBytes: 1024}, nil
}

// blockingExec waits for release, the deadline or a forced close.
func blockingExec(release <-chan struct{}) execFunc {
	return func(ctx context.Context, task *engine.Task, sb *fakeSandbox) (*engine.SandboxResult, error) {
		select {
		case <-release:
			return &engine.SandboxResult{Output: json.RawMessage(`"done"`)}, nil
		case <-ctx.Done():
			return nil, engine.NewTimeoutError(task.Timeout)
		case <-sb.closed:
			return nil, errors.New("sandbox closed")
		}
	}
}

func testTask(timeout time.Duration) *engine.Task {
	return &engine.Task{
		RequestID: "req",
		Unit:      &engine.ExecutableUnit{PluginID: "p1", Version: "1.0.0"},
		Action:    "run",
		Timeout:   timeout,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 3
	cfg.QueueDepth = 10
	cfg.ShutdownGrace = 50 * time.Millisecond
	return cfg
}

func newTestPool(t *testing.T, cfg Config, f *fakeFactory, opts ...Option) *Pool {
	t.Helper()
	p, err := New(cfg, f, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

type invariantObserver struct {
	mu         sync.Mutex
	min, max   int
	violations []Stats
	calls      int
	enabled    atomic.Bool
}

func (o *invariantObserver) ObservePool(s Stats) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if !o.enabled.Load() {
		return
	}
	if s.Active+s.Idle != s.TotalWorkers || s.TotalWorkers < o.min || s.TotalWorkers > o.max {
		o.violations = append(o.violations, s)
	}
}

func TestPoolStartsMinWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 2
	p := newTestPool(t, cfg, &fakeFactory{exec: okExec})

	s := p.Stats()
	if s.TotalWorkers != 2 || s.Idle != 2 || s.Active != 0 {
		t.Errorf("Stats() = %+v, want 2 idle workers", s)
	}
}

func TestPoolSubmitSuccess(t *testing.T) {
	f := &fakeFactory{exec: okExec}
	p := newTestPool(t, testConfig(), f)

	res, err := p.Submit(context.Background(), testTask(time.Second))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if string(res.Output) != `{"ok":true}` {
		t.Errorf("Output = %s", res.Output)
	}
	if res.MemoryUsedBytes != 1024 {
		t.Errorf("MemoryUsedBytes = %d", res.MemoryUsedBytes)
	}

	s := p.Stats()
	if s.Completed != 1 || s.Active != 0 {
		t.Errorf("Stats() = %+v", s)
	}
	if f.created.Load() != 1 {
		t.Errorf("sandboxes created = %d, want 1", f.created.Load())
	}
}

func TestPoolTimeoutWithUncooperativeSandbox(t *testing.T) {
	// The plugin ignores its context and sleeps far past the deadline.
	f := &fakeFactory{exec: func(ctx context.Context, task *engine.Task, sb *fakeSandbox) (*engine.SandboxResult, error) {
		select {
		case <-time.After(2 * time.Second):
		case <-sb.closed:
		}
		return &engine.SandboxResult{}, nil
	}}
	p := newTestPool(t, testConfig(), f)

	start := time.Now()
	_, err := p.Submit(context.Background(), testTask(200*time.Millisecond))
	elapsed := time.Since(start)

	if !engine.IsKind(err, engine.KindTimeout) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
	if elapsed < 200*time.Millisecond || elapsed > time.Second {
		t.Errorf("returned after %s, want about 200ms", elapsed)
	}

	eventually(t, time.Second, func() bool { return f.closed.Load() >= 1 }, "timed-out sandbox closed")
	eventually(t, time.Second, func() bool { return p.Stats().Recycled >= 1 }, "sandbox recycled")
}

func TestPoolTimeoutCountsQueueWait(t *testing.T) {
	release := make(chan struct{})
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 1
	p := newTestPool(t, cfg, &fakeFactory{exec: blockingExec(release)})
	defer close(release)

	go func() { _, _ = p.Submit(context.Background(), testTask(2*time.Second)) }()
	eventually(t, time.Second, func() bool { return p.Stats().Active == 1 }, "worker busy")

	start := time.Now()
	_, err := p.Submit(context.Background(), testTask(100*time.Millisecond))
	if !engine.IsKind(err, engine.KindTimeout) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("queued task waited %s, want about 100ms", elapsed)
	}
}

func TestPoolCallerCancellationDoesNotAbortTask(t *testing.T) {
	f := &fakeFactory{exec: func(ctx context.Context, task *engine.Task, sb *fakeSandbox) (*engine.SandboxResult, error) {
		select {
		case <-time.After(100 * time.Millisecond):
			return &engine.SandboxResult{Output: json.RawMessage(`1`)}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	p := newTestPool(t, testConfig(), f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := p.Submit(ctx, testTask(time.Second))
	if err != nil {
		t.Fatalf("Submit() error = %v, caller cancellation must not abort the task", err)
	}
	if string(res.Output) != "1" {
		t.Errorf("Output = %s", res.Output)
	}
}

func TestPoolWorkerCrashReplaced(t *testing.T) {
	var calls atomic.Int64
	f := &fakeFactory{exec: func(ctx context.Context, task *engine.Task, sb *fakeSandbox) (*engine.SandboxResult, error) {
		if calls.Add(1) == 1 {
			return nil, engine.NewWorkerCrashedError("process exited", nil)
		}
		return &engine.SandboxResult{Output: json.RawMessage(`"ok"`)}, nil
	}}
	cfg := testConfig()
	cfg.MinWorkers = 2
	p := newTestPool(t, cfg, f)

	_, err := p.Submit(context.Background(), testTask(time.Second))
	if !engine.IsKind(err, engine.KindWorkerCrashed) {
		t.Fatalf("err = %v, want WorkerCrashedError", err)
	}

	s := p.Stats()
	if s.Crashed != 1 {
		t.Errorf("Crashed = %d, want 1", s.Crashed)
	}
	if s.TotalWorkers != 2 {
		t.Errorf("TotalWorkers = %d, want 2 after replacement", s.TotalWorkers)
	}

	if _, err := p.Submit(context.Background(), testTask(time.Second)); err != nil {
		t.Errorf("next task should succeed: %v", err)
	}
}

func TestPoolPanicIsCrash(t *testing.T) {
	f := &fakeFactory{exec: func(ctx context.Context, task *engine.Task, sb *fakeSandbox) (*engine.SandboxResult, error) {
		panic("interpreter bug")
	}}
	p := newTestPool(t, testConfig(), f)

	_, err := p.Submit(context.Background(), testTask(time.Second))
	if !engine.IsKind(err, engine.KindWorkerCrashed) {
		t.Fatalf("err = %v, want WorkerCrashedError", err)
	}
	if p.Stats().TotalWorkers != 1 {
		t.Errorf("TotalWorkers = %d, want 1", p.Stats().TotalWorkers)
	}
}

func TestPoolMemoryCeiling(t *testing.T) {
	f := &fakeFactory{exec: func(ctx context.Context, task *engine.Task, sb *fakeSandbox) (*engine.SandboxResult, error) {
		return &engine.SandboxResult{MemoryUsedBytes: task.MaxMemoryBytes + 1}, nil
	}}
	cfg := testConfig()
	cfg.MaxMemoryBytes = 1 << 20
	p := newTestPool(t, cfg, f)

	_, err := p.Submit(context.Background(), testTask(time.Second))
	if !engine.IsKind(err, engine.KindResourceExceeded) {
		t.Fatalf("err = %v, want ResourceExceededError", err)
	}
	eventually(t, time.Second, func() bool { return f.closed.Load() == 1 }, "sandbox discarded")
}

func TestPoolPluginErrorsPassThrough(t *testing.T) {
	f := &fakeFactory{exec: func(ctx context.Context, task *engine.Task, sb *fakeSandbox) (*engine.SandboxResult, error) {
		if task.Action == "net" {
			return nil, engine.NewNetworkError("dial failed", nil)
		}
		return nil, errors.New("plugin raised")
	}}
	p := newTestPool(t, testConfig(), f)

	task := testTask(time.Second)
	task.Action = "net"
	if _, err := p.Submit(context.Background(), task); !engine.IsKind(err, engine.KindNetwork) {
		t.Errorf("err = %v, want NetworkError", err)
	}
	if _, err := p.Submit(context.Background(), testTask(time.Second)); !engine.IsKind(err, engine.KindExecution) {
		t.Errorf("err = %v, want ExecutionError", err)
	}
	if f.closed.Load() != 0 {
		t.Error("plugin errors must not discard the sandbox")
	}
}

func TestPoolSandboxStartFailure(t *testing.T) {
	f := &fakeFactory{exec: okExec}
	f.fail.Store(true)
	p := newTestPool(t, testConfig(), f)

	_, err := p.Submit(context.Background(), testTask(time.Second))
	if !engine.IsKind(err, engine.KindWorkerCrashed) {
		t.Fatalf("err = %v, want WorkerCrashedError", err)
	}

	f.fail.Store(false)
	if _, err := p.Submit(context.Background(), testTask(time.Second)); err != nil {
		t.Errorf("pool should recover once sandboxes start: %v", err)
	}
}

func TestPoolOverloaded(t *testing.T) {
	release := make(chan struct{})
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 1
	cfg.QueueDepth = 1
	p := newTestPool(t, cfg, &fakeFactory{exec: blockingExec(release)})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = p.Submit(context.Background(), testTask(5*time.Second))
	}()
	eventually(t, time.Second, func() bool { return p.Stats().Active == 1 }, "first task running")

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = p.Submit(context.Background(), testTask(5*time.Second))
	}()
	eventually(t, time.Second, func() bool { return p.Stats().QueueDepth == 1 }, "second task queued")

	_, err := p.Submit(context.Background(), testTask(5*time.Second))
	if !engine.IsKind(err, engine.KindOverloaded) {
		t.Fatalf("err = %v, want OverloadedError", err)
	}
	if p.Stats().Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", p.Stats().Rejected)
	}

	close(release)
	wg.Wait()
}

func TestPoolScalesUpAndRetiresIdle(t *testing.T) {
	release := make(chan struct{})
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 3
	cfg.IdleTimeout = 100 * time.Millisecond
	obs := &invariantObserver{min: 1, max: 3}
	obs.enabled.Store(true)
	p := newTestPool(t, cfg, &fakeFactory{exec: blockingExec(release)}, WithObserver(obs))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Submit(context.Background(), testTask(5*time.Second))
		}()
	}

	eventually(t, time.Second, func() bool { return p.Stats().TotalWorkers == 3 }, "scaled to max")
	eventually(t, time.Second, func() bool { return p.Stats().Active == 3 }, "all workers busy")

	close(release)
	wg.Wait()

	eventually(t, 2*time.Second, func() bool { return p.Stats().TotalWorkers == 1 }, "retired to min")
	if p.Stats().Retired != 2 {
		t.Errorf("Retired = %d, want 2", p.Stats().Retired)
	}

	obs.enabled.Store(false)
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.violations) > 0 {
		t.Errorf("invariant violated: %+v", obs.violations[0])
	}
	if obs.calls == 0 {
		t.Error("observer was never called")
	}
}

func TestPoolRecyclesAfterMaxTasks(t *testing.T) {
	f := &fakeFactory{exec: okExec}
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 1
	cfg.MaxTasksPerWorker = 2
	p := newTestPool(t, cfg, f)

	for i := 0; i < 5; i++ {
		if _, err := p.Submit(context.Background(), testTask(time.Second)); err != nil {
			t.Fatalf("task %d: %v", i, err)
		}
	}

	if got := f.created.Load(); got != 3 {
		t.Errorf("sandboxes created = %d, want 3", got)
	}
	if got := p.Stats().Recycled; got != 2 {
		t.Errorf("Recycled = %d, want 2", got)
	}
}

func TestPoolInvariantUnderLoad(t *testing.T) {
	var n atomic.Int64
	f := &fakeFactory{exec: func(ctx context.Context, task *engine.Task, sb *fakeSandbox) (*engine.SandboxResult, error) {
		switch n.Add(1) % 7 {
		case 0:
			return nil, engine.NewWorkerCrashedError("boom", nil)
		case 3:
			panic("bad plugin")
		}
		time.Sleep(time.Millisecond)
		return &engine.SandboxResult{}, nil
	}}
	cfg := testConfig()
	cfg.MinWorkers = 2
	cfg.MaxWorkers = 4
	cfg.QueueDepth = 200
	cfg.MaxTasksPerWorker = 5
	obs := &invariantObserver{min: 2, max: 4}
	obs.enabled.Store(true)
	p := newTestPool(t, cfg, f, WithObserver(obs))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Submit(context.Background(), testTask(5*time.Second))
		}()
	}
	wg.Wait()
	obs.enabled.Store(false)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.violations) > 0 {
		t.Errorf("%d invariant violations, first: %+v", len(obs.violations), obs.violations[0])
	}
	s := p.Stats()
	if s.Active+s.Idle != s.TotalWorkers || s.TotalWorkers < 2 || s.TotalWorkers > 4 {
		t.Errorf("final stats = %+v", s)
	}
}

func TestPoolShutdownDrainsQueue(t *testing.T) {
	release := make(chan struct{})
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 1
	p, err := New(cfg, &fakeFactory{exec: blockingExec(release)})
	if err != nil {
		t.Fatal(err)
	}

	running := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), testTask(5*time.Second))
		running <- err
	}()
	eventually(t, time.Second, func() bool { return p.Stats().Active == 1 }, "task running")

	queued := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), testTask(5*time.Second))
		queued <- err
	}()
	eventually(t, time.Second, func() bool { return p.Stats().QueueDepth == 1 }, "task queued")

	shutdownDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownDone <- p.Shutdown(ctx)
	}()

	if err := <-queued; !engine.IsKind(err, engine.KindOverloaded) {
		t.Errorf("queued task err = %v, want OverloadedError", err)
	}

	close(release)
	if err := <-running; err != nil {
		t.Errorf("running task should complete: %v", err)
	}
	if err := <-shutdownDone; err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	if _, err := p.Submit(context.Background(), testTask(time.Second)); !engine.IsKind(err, engine.KindOverloaded) {
		t.Errorf("submit after shutdown err = %v, want OverloadedError", err)
	}
}

func TestEffectiveTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultTimeout = 30 * time.Second
	cfg.MaxTimeout = 5 * time.Minute
	p := newTestPool(t, cfg, &fakeFactory{exec: okExec})

	tests := []struct {
		in, want time.Duration
	}{
		{0, 30 * time.Second},
		{time.Second, time.Second},
		{10 * time.Minute, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := p.EffectiveTimeout(tt.in); got != tt.want {
			t.Errorf("EffectiveTimeout(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinWorkers = 11
	if cfg.Validate() == nil {
		t.Error("min > max should fail")
	}
	cfg = DefaultConfig()
	cfg.DefaultTimeout = 10 * time.Minute
	if cfg.Validate() == nil {
		t.Error("default > max timeout should fail")
	}
	if _, err := New(DefaultConfig(), nil); err == nil {
		t.Error("nil factory should fail")
	}
}
