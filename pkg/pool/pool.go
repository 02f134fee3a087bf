// Package pool runs tasks on a bounded pool of sandboxed workers.
//
// Each worker is a goroutine that owns one engine.Sandbox. Tasks wait in a
// bounded queue; when the queue is full, Submit fails immediately with an
// OverloadedError. The pool grows toward MaxWorkers while tasks are waiting
// and shrinks back to MinWorkers as workers sit idle.
//
// A task's deadline starts when it is submitted, so time spent queued counts
// against it. The deadline is enforced by the pool regardless of the
// caller's own cancellation: on expiry the worker's sandbox is closed and
// replaced, and Submit returns a TimeoutError.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/plugind/pkg/engine"
)

// Config configures a Pool.
type Config struct {
	MinWorkers        int           `json:"min_workers" yaml:"min_workers" validate:"gte=0"`
	MaxWorkers        int           `json:"max_workers" yaml:"max_workers" validate:"gte=1"`
	MaxTasksPerWorker int           `json:"max_tasks_per_worker" yaml:"max_tasks_per_worker" validate:"gte=1"`
	IdleTimeout       time.Duration `json:"idle_timeout" yaml:"idle_timeout" validate:"gt=0"`
	QueueDepth        int           `json:"queue_depth" yaml:"queue_depth" validate:"gte=1"`
	MaxMemoryBytes    uint64        `json:"max_memory_bytes" yaml:"max_memory_bytes" validate:"gt=0"`
	DefaultTimeout    time.Duration `json:"default_timeout" yaml:"default_timeout" validate:"gt=0"`
	MaxTimeout        time.Duration `json:"max_timeout" yaml:"max_timeout" validate:"gt=0"`

	// ShutdownGrace bounds how long a timed-out execution may take to
	// return after its sandbox is closed before the worker moves on.
	ShutdownGrace time.Duration `json:"shutdown_grace" yaml:"shutdown_grace"`
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MinWorkers:        2,
		MaxWorkers:        10,
		MaxTasksPerWorker: 100,
		IdleTimeout:       5 * time.Minute,
		QueueDepth:        100,
		MaxMemoryBytes:    512 * 1024 * 1024,
		DefaultTimeout:    30 * time.Second,
		MaxTimeout:        5 * time.Minute,
		ShutdownGrace:     time.Second,
	}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max workers must be at least 1")
	}
	if c.MinWorkers < 0 || c.MinWorkers > c.MaxWorkers {
		return fmt.Errorf("min workers (%d) must be between 0 and max workers (%d)", c.MinWorkers, c.MaxWorkers)
	}
	if c.DefaultTimeout > c.MaxTimeout {
		return fmt.Errorf("default timeout (%s) exceeds max timeout (%s)", c.DefaultTimeout, c.MaxTimeout)
	}
	return nil
}

// WorkerState is the lifecycle state of a worker.
type WorkerState string

const (
	WorkerIdle    WorkerState = "idle"
	WorkerBusy    WorkerState = "busy"
	WorkerCrashed WorkerState = "crashed"
)

// WorkerRecord is a read-only copy of a worker's bookkeeping.
type WorkerRecord struct {
	ID               string      `json:"id"`
	State            WorkerState `json:"state"`
	ExecutionsServed int         `json:"executionsServed"`
	LastActiveAt     time.Time   `json:"lastActiveAt"`
}

// Stats is a point-in-time view of the pool. Active+Idle always equals
// TotalWorkers.
type Stats struct {
	TotalWorkers int    `json:"totalWorkers"`
	Active       int    `json:"active"`
	Idle         int    `json:"idle"`
	QueueDepth   int    `json:"queueDepth"`
	QueueSize    int    `json:"queueSize"`
	MinWorkers   int    `json:"minWorkers"`
	MaxWorkers   int    `json:"maxWorkers"`
	Completed    uint64 `json:"completed"`
	Crashed      uint64 `json:"crashed"`
	Recycled     uint64 `json:"recycled"`
	Retired      uint64 `json:"retired"`
	TimedOut     uint64 `json:"timedOut"`
	Rejected     uint64 `json:"rejected"`
}

// Observer receives pool stats on every state change. It is called with
// the pool lock held and must not call back into the pool.
type Observer interface {
	ObservePool(Stats)
}

type worker struct {
	id           string
	state        WorkerState
	served       int
	lastActiveAt time.Time
	sandbox      engine.Sandbox
}

type jobResult struct {
	res *engine.SandboxResult
	err error
}

type job struct {
	task    *engine.Task
	ctx     context.Context
	timeout time.Duration
	done    chan jobResult
}

// Pool is a bounded pool of sandboxed workers.
type Pool struct {
	config   Config
	factory  engine.SandboxFactory
	observer Observer
	logger   zerolog.Logger

	queue  chan *job
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	workers  map[string]*worker
	stopping bool

	completed atomic.Uint64
	crashed   atomic.Uint64
	recycled  atomic.Uint64
	retired   atomic.Uint64
	timedOut  atomic.Uint64
	rejected  atomic.Uint64
}

// Option configures a Pool.
type Option func(*Pool)

// WithObserver sets the stats observer.
func WithObserver(o Observer) Option {
	return func(p *Pool) {
		p.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger.With().Str("component", "worker-pool").Logger()
	}
}

// New creates a pool and starts MinWorkers workers.
func New(config Config, factory engine.SandboxFactory, opts ...Option) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("sandbox factory is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if config.MaxTasksPerWorker <= 0 {
		config.MaxTasksPerWorker = def.MaxTasksPerWorker
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = def.QueueDepth
	}
	if config.MaxMemoryBytes == 0 {
		config.MaxMemoryBytes = def.MaxMemoryBytes
	}
	if config.MaxTimeout <= 0 {
		config.MaxTimeout = def.MaxTimeout
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = min(def.DefaultTimeout, config.MaxTimeout)
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = def.ShutdownGrace
	}

	p := &Pool{
		config:  config,
		factory: factory,
		logger:  zerolog.Nop(),
		queue:   make(chan *job, config.QueueDepth),
		stopCh:  make(chan struct{}),
		workers: make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.mu.Lock()
	for i := 0; i < config.MinWorkers; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	return p, nil
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.config
}

// EffectiveTimeout returns the wall-clock budget applied to a task that
// requested the given timeout: the default for zero, capped at MaxTimeout.
func (p *Pool) EffectiveTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return p.config.DefaultTimeout
	}
	if requested > p.config.MaxTimeout {
		return p.config.MaxTimeout
	}
	return requested
}

// Submit queues a task and waits for its result. The task's deadline runs
// from this call and is not shortened by ctx cancellation; ctx only carries
// values such as the trace span.
func (p *Pool) Submit(ctx context.Context, task *engine.Task) (*engine.SandboxResult, error) {
	if task == nil || task.Unit == nil {
		return nil, engine.NewInternalError("task has no executable unit", nil)
	}

	timeout := p.EffectiveTimeout(task.Timeout)
	t := *task
	t.Timeout = timeout
	if t.MaxMemoryBytes == 0 || t.MaxMemoryBytes > p.config.MaxMemoryBytes {
		t.MaxMemoryBytes = p.config.MaxMemoryBytes
	}

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	j := &job{
		task:    &t,
		ctx:     jobCtx,
		timeout: timeout,
		done:    make(chan jobResult, 1),
	}

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		p.rejected.Add(1)
		return nil, engine.NewOverloadedError("worker pool is shutting down")
	}
	select {
	case p.queue <- j:
	default:
		p.rejected.Add(1)
		p.notifyLocked()
		p.mu.Unlock()
		return nil, engine.NewOverloadedError(
			fmt.Sprintf("task queue is full (%d waiting)", p.config.QueueDepth)).
			WithDetail("queue_depth", p.config.QueueDepth)
	}
	p.scaleUpLocked()
	p.notifyLocked()
	p.mu.Unlock()

	select {
	case r := <-j.done:
		return r.res, r.err
	case <-jobCtx.Done():
		// A result that raced the deadline still wins.
		select {
		case r := <-j.done:
			return r.res, r.err
		default:
		}
		p.timedOut.Add(1)
		return nil, engine.NewTimeoutError(timeout)
	}
}

// scaleUpLocked adds workers while tasks outnumber idle workers.
func (p *Pool) scaleUpLocked() {
	for len(p.queue) > p.countLocked(WorkerIdle) && len(p.workers) < p.config.MaxWorkers {
		p.spawnLocked()
	}
}

func (p *Pool) spawnLocked() *worker {
	w := &worker{
		id:           uuid.New().String(),
		state:        WorkerIdle,
		lastActiveAt: time.Now(),
	}
	p.workers[w.id] = w
	p.wg.Add(1)
	go p.run(w)
	p.logger.Debug().Str("worker_id", w.id).Int("total", len(p.workers)).Msg("Worker started")
	return w
}

func (p *Pool) countLocked(state WorkerState) int {
	n := 0
	for _, w := range p.workers {
		if w.state == state {
			n++
		}
	}
	return n
}

func (p *Pool) statsLocked() Stats {
	return Stats{
		TotalWorkers: len(p.workers),
		Active:       p.countLocked(WorkerBusy),
		Idle:         p.countLocked(WorkerIdle),
		QueueDepth:   len(p.queue),
		QueueSize:    cap(p.queue),
		MinWorkers:   p.config.MinWorkers,
		MaxWorkers:   p.config.MaxWorkers,
		Completed:    p.completed.Load(),
		Crashed:      p.crashed.Load(),
		Recycled:     p.recycled.Load(),
		Retired:      p.retired.Load(),
		TimedOut:     p.timedOut.Load(),
		Rejected:     p.rejected.Load(),
	}
}

func (p *Pool) notifyLocked() {
	if p.observer != nil {
		p.observer.ObservePool(p.statsLocked())
	}
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// Workers returns a copy of every worker record.
func (p *Pool) Workers() []WorkerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerRecord, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, WorkerRecord{
			ID:               w.id,
			State:            w.state,
			ExecutionsServed: w.served,
			LastActiveAt:     w.lastActiveAt,
		})
	}
	return out
}

// run is the worker loop.
func (p *Pool) run(w *worker) {
	defer p.wg.Done()

	idle := time.NewTimer(p.config.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-p.stopCh:
			p.exit(w, "shutdown")
			return

		case j := <-p.queue:
			if !p.begin(w, j) {
				continue
			}
			if crashed := p.handle(w, j); crashed {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.config.IdleTimeout)

		case <-idle.C:
			if p.retireIfIdle(w) {
				return
			}
			idle.Reset(p.config.IdleTimeout)
		}
	}
}

// begin marks w busy for j. It fails j and returns false when the pool is
// stopping or j's deadline already passed in the queue.
func (p *Pool) begin(w *worker, j *job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopping {
		j.done <- jobResult{err: engine.NewOverloadedError("worker pool is shutting down")}
		p.notifyLocked()
		return false
	}
	if j.ctx.Err() != nil {
		j.done <- jobResult{err: engine.NewTimeoutError(j.timeout).WithDetail("phase", "queued")}
		p.notifyLocked()
		return false
	}
	w.state = WorkerBusy
	w.lastActiveAt = time.Now()
	p.notifyLocked()
	return true
}

type execOutcome struct {
	res      *engine.SandboxResult
	err      error
	panicked bool
}

// handle runs j on w and settles the worker's state. It returns true when
// the worker crashed and its goroutine must exit.
func (p *Pool) handle(w *worker, j *job) bool {
	a := p.execute(w, j)
	discard, crashed := a.discard, a.crashed

	var stale engine.Sandbox
	if discard || crashed {
		stale = w.sandbox
		w.sandbox = nil
	}

	p.mu.Lock()
	p.completed.Add(1)
	w.served++
	w.lastActiveAt = time.Now()

	if crashed {
		w.state = WorkerCrashed
		delete(p.workers, w.id)
		p.crashed.Add(1)
		if !p.stopping {
			p.spawnLocked()
		}
		p.notifyLocked()
		p.mu.Unlock()

		j.done <- jobResult{res: a.res, err: a.err}
		p.logger.Warn().Str("worker_id", w.id).Str("plugin_id", j.task.Unit.PluginID).
			Err(a.err).Msg("Worker crashed and was replaced")
		closeSandbox(stale)
		return true
	}

	if discard {
		p.recycled.Add(1)
	}
	if w.served >= p.config.MaxTasksPerWorker {
		if stale == nil {
			stale = w.sandbox
			w.sandbox = nil
			p.recycled.Add(1)
		}
		w.served = 0
	}
	w.state = WorkerIdle
	p.notifyLocked()
	p.mu.Unlock()

	j.done <- jobResult{res: a.res, err: a.err}
	closeSandbox(stale)
	return false
}

// attempt is the outcome of one execution on a worker. discard reports that
// the sandbox must not be reused; crashed reports that the worker itself
// died.
type attempt struct {
	res     *engine.SandboxResult
	err     error
	discard bool
	crashed bool
}

// execute runs the task in w's sandbox, creating it on first use.
func (p *Pool) execute(w *worker, j *job) attempt {
	pluginID := j.task.Unit.PluginID

	if w.sandbox == nil {
		// The sandbox outlives this task, so only creation is bounded by
		// the task deadline.
		sb, err := p.factory.NewSandbox(j.ctx)
		if err != nil {
			return attempt{err: engine.NewWorkerCrashedError("failed to start sandbox", err).WithPlugin(pluginID)}
		}
		w.sandbox = sb
	}

	done := make(chan execOutcome, 1)
	sb := w.sandbox
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execOutcome{err: fmt.Errorf("sandbox panic: %v", r), panicked: true}
			}
		}()
		r, e := sb.Execute(j.ctx, j.task)
		done <- execOutcome{res: r, err: e}
	}()

	var out execOutcome
	select {
	case out = <-done:
	case <-j.ctx.Done():
		// Force termination, then give the execution a bounded grace period
		// to observe the closed sandbox.
		_ = sb.Close()
		select {
		case <-done:
		case <-time.After(p.config.ShutdownGrace):
			p.logger.Warn().Str("worker_id", w.id).Msg("Sandbox did not return after forced close")
		}
		return attempt{err: engine.NewTimeoutError(j.timeout).WithPlugin(pluginID), discard: true}
	}

	if out.panicked {
		return attempt{
			err:     engine.NewWorkerCrashedError("worker crashed during execution", out.err).WithPlugin(pluginID),
			discard: true,
			crashed: true,
		}
	}
	if out.err != nil {
		e := engine.AsExecError(out.err)
		if e.Kind == engine.KindInternal {
			e = engine.NewExecutionError("plugin execution failed", out.err)
		}
		e.WithPlugin(pluginID)
		switch e.Kind {
		case engine.KindWorkerCrashed:
			return attempt{err: e, discard: true, crashed: true}
		case engine.KindTimeout, engine.KindResourceExceeded:
			return attempt{err: e, discard: true}
		}
		return attempt{err: e}
	}
	if out.res == nil {
		out.res = &engine.SandboxResult{}
	}
	if out.res.MemoryUsedBytes > j.task.MaxMemoryBytes {
		return attempt{
			err: engine.NewResourceExceededError(
				fmt.Sprintf("memory use %d bytes exceeds limit %d", out.res.MemoryUsedBytes, j.task.MaxMemoryBytes), nil).
				WithPlugin(pluginID),
			discard: true,
		}
	}
	return attempt{res: out.res}
}

// retireIfIdle removes w when it is idle, has been idle for IdleTimeout and
// the pool is above MinWorkers.
func (p *Pool) retireIfIdle(w *worker) bool {
	p.mu.Lock()
	if w.state != WorkerIdle ||
		len(p.workers) <= p.config.MinWorkers ||
		time.Since(w.lastActiveAt) < p.config.IdleTimeout {
		p.mu.Unlock()
		return false
	}
	delete(p.workers, w.id)
	p.retired.Add(1)
	p.notifyLocked()
	sb := w.sandbox
	w.sandbox = nil
	p.mu.Unlock()

	p.logger.Debug().Str("worker_id", w.id).Msg("Idle worker retired")
	closeSandbox(sb)
	return true
}

func (p *Pool) exit(w *worker, reason string) {
	p.mu.Lock()
	delete(p.workers, w.id)
	p.notifyLocked()
	sb := w.sandbox
	w.sandbox = nil
	p.mu.Unlock()

	p.logger.Debug().Str("worker_id", w.id).Str("reason", reason).Msg("Worker stopped")
	closeSandbox(sb)
}

// Shutdown stops accepting tasks, fails queued tasks with OverloadedError,
// lets running tasks finish and waits for every worker to exit.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	close(p.stopCh)
	p.mu.Unlock()

drain:
	for {
		select {
		case j := <-p.queue:
			j.done <- jobResult{err: engine.NewOverloadedError("worker pool is shutting down")}
		default:
			break drain
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Msg("Worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

func closeSandbox(sb engine.Sandbox) {
	if sb != nil {
		_ = sb.Close()
	}
}
