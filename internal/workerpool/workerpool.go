// Package workerpool runs jobs on a fixed set of workers fed by one bounded
// queue.
//
// When the queue is full, Submit either blocks until a slot frees up or fails
// at once with ErrQueueFull, depending on the configured Policy. Each job runs
// under a deadline; a job that overruns it is reported as ErrTaskTimeout and
// its worker moves on.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Errors
var (
	ErrQueueFull   = errors.New("workerpool: queue is full")
	ErrPoolClosed  = errors.New("workerpool: pool is closed")
	ErrTaskTimeout = errors.New("workerpool: task timed out")
	ErrShutdown    = errors.New("workerpool: pool shut down before task completed")
	ErrTaskPanic   = errors.New("workerpool: task panicked")
)

// Policy decides what Submit does when the queue is full.
type Policy int

const (
	// Block waits for a free slot, the caller's context or shutdown.
	Block Policy = iota
	// FailFast returns ErrQueueFull immediately.
	FailFast
)

func (p Policy) String() string {
	if p == FailFast {
		return "fail_fast"
	}
	return "block"
}

// ParsePolicy maps "block" or "fail_fast" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return Block, nil
	case "fail_fast", "fail-fast", "failfast", "reject":
		return FailFast, nil
	default:
		return Block, fmt.Errorf("workerpool: unknown backpressure policy %q", s)
	}
}

// Config configures a Pool.
type Config struct {
	Workers       int
	QueueCapacity int
	Policy        Policy
	// TaskTimeout bounds each job's run time. Zero disables the bound.
	TaskTimeout time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		Workers:       10,
		QueueCapacity: 1000,
		Policy:        Block,
		TaskTimeout:   30 * time.Second,
	}
}

// Job is a unit of work. It must honor ctx cancellation.
type Job func(ctx context.Context, workerID int) (any, error)

// Outcome is the result of one job.
type Outcome struct {
	Value    any
	Err      error
	WorkerID int
	Waited   time.Duration
	Ran      time.Duration
}

// Future resolves to the Outcome of a submitted job.
type Future struct {
	done    chan struct{}
	once    sync.Once
	outcome Outcome
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(o Outcome) bool {
	completed := false
	f.once.Do(func() {
		f.outcome = o
		close(f.done)
		completed = true
	})
	return completed
}

// Done is closed once the outcome is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the job finishes or ctx is done. A ctx expiry yields an
// Outcome carrying ctx.Err(); the job itself keeps its place.
func (f *Future) Wait(ctx context.Context) Outcome {
	select {
	case <-f.done:
		return f.outcome
	case <-ctx.Done():
		return Outcome{Err: ctx.Err()}
	}
}

type task struct {
	ctx      context.Context
	job      Job
	future   *Future
	enqueued time.Time
}

// Stats reports pool activity.
type Stats struct {
	Workers        int           `json:"workers"`
	QueueCapacity  int           `json:"queue_capacity"`
	Policy         string        `json:"policy"`
	Queued         int           `json:"queued"`
	Active         int64         `json:"active"`
	Submitted      uint64        `json:"submitted"`
	Completed      uint64        `json:"completed"`
	Failed         uint64        `json:"failed"`
	TimedOut       uint64        `json:"timed_out"`
	Panicked       uint64        `json:"panicked"`
	Rejected       uint64        `json:"rejected"`
	AverageLatency time.Duration `json:"average_latency_ns"`
	Paused         bool          `json:"paused"`
	Closed         bool          `json:"closed"`
}

// Pool is a fixed-size worker pool.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	// slots holds one token per queued task and bounds the queue.
	slots chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*task
	paused  bool
	closed  bool
	stopped bool

	closing   chan struct{}
	closeOnce sync.Once
	workers   sync.WaitGroup

	// base is cancelled when a shutdown deadline passes.
	base   context.Context
	cancel context.CancelFunc

	active    atomic.Int64
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64
	panicked  atomic.Uint64
	rejected  atomic.Uint64
	totalRun  atomic.Int64
	runs      atomic.Int64
}

// New starts a pool. Zero fields of cfg take their defaults.
func New(cfg Config, logger *slog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.TaskTimeout < 0 {
		cfg.TaskTimeout = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	base, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		logger:  logger.With("component", "workerpool"),
		slots:   make(chan struct{}, cfg.QueueCapacity),
		pending: make([]*task, 0, cfg.QueueCapacity),
		closing: make(chan struct{}),
		base:    base,
		cancel:  cancel,
	}
	p.cond = sync.NewCond(&p.mu)

	p.workers.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker(i)
	}
	return p
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Submit queues job. Under Block it waits for a free slot; under FailFast a
// full queue yields ErrQueueFull. After Shutdown it returns ErrPoolClosed.
func (p *Pool) Submit(ctx context.Context, job Job) (*Future, error) {
	select {
	case <-p.closing:
		return nil, ErrPoolClosed
	default:
	}

	if p.cfg.Policy == FailFast {
		select {
		case p.slots <- struct{}{}:
		default:
			p.rejected.Add(1)
			return nil, ErrQueueFull
		}
	} else {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			p.rejected.Add(1)
			return nil, ctx.Err()
		case <-p.closing:
			return nil, ErrPoolClosed
		}
	}

	t := &task{ctx: ctx, job: job, future: newFuture(), enqueued: time.Now()}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}
	p.pending = append(p.pending, t)
	p.cond.Signal()
	p.mu.Unlock()

	p.submitted.Add(1)
	return t.future, nil
}

// Pause stops workers from taking queued tasks. Running tasks continue.
func (p *Pool) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume lets workers take queued tasks again.
func (p *Pool) Resume() {
	p.mu.Lock()
	p.paused = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Paused reports whether the pool is paused.
func (p *Pool) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Pool) next() (*task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.stopped {
			return nil, false
		}
		if !p.paused && len(p.pending) > 0 {
			t := p.pending[0]
			p.pending[0] = nil
			p.pending = p.pending[1:]
			<-p.slots
			return t, true
		}
		if p.closed && len(p.pending) == 0 {
			return nil, false
		}
		p.cond.Wait()
	}
}

func (p *Pool) worker(id int) {
	defer p.workers.Done()

	for {
		t, ok := p.next()
		if !ok {
			return
		}
		p.run(id, t)
	}
}

func (p *Pool) run(id int, t *task) {
	waited := time.Since(t.enqueued)

	if err := t.ctx.Err(); err != nil {
		p.failed.Add(1)
		t.future.complete(Outcome{Err: err, WorkerID: id, Waited: waited})
		return
	}

	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	if p.cfg.TaskTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancelTimeout()
	}
	stop := context.AfterFunc(p.base, cancel)
	defer stop()

	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panicked.Add(1)
				p.logger.Error("task panicked",
					"worker_id", id,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				done <- Outcome{Err: fmt.Errorf("%w: %v", ErrTaskPanic, r)}
			}
		}()
		v, err := t.job(ctx, id)
		done <- Outcome{Value: v, Err: err}
	}()

	var out Outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		select {
		case out = <-done:
		default:
			out = Outcome{Err: p.interruption(t.ctx, ctx)}
		}
	}

	out.WorkerID = id
	out.Waited = waited
	out.Ran = time.Since(start)
	p.totalRun.Add(int64(out.Ran))
	p.runs.Add(1)

	switch {
	case out.Err == nil:
		p.completed.Add(1)
	case errors.Is(out.Err, ErrTaskTimeout):
		p.timedOut.Add(1)
		p.failed.Add(1)
		p.logger.Warn("task timed out", "worker_id", id, "timeout", p.cfg.TaskTimeout)
	default:
		p.failed.Add(1)
		p.logger.Debug("task failed", "worker_id", id, "error", out.Err)
	}

	t.future.complete(out)
}

// interruption explains why a job's context ended before it returned.
func (p *Pool) interruption(callerCtx, jobCtx context.Context) error {
	switch {
	case p.base.Err() != nil:
		return ErrShutdown
	case callerCtx.Err() != nil:
		return callerCtx.Err()
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s", ErrTaskTimeout, p.cfg.TaskTimeout)
	default:
		return jobCtx.Err()
	}
}

// Shutdown stops accepting jobs and waits for queued and running jobs to
// finish. If ctx ends first, queued jobs complete with ErrShutdown, running
// jobs are cancelled and Shutdown returns ctx.Err().
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closeOnce.Do(func() { close(p.closing) })

	p.mu.Lock()
	p.closed = true
	p.paused = false
	p.cond.Broadcast()
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.cancel()
		return nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	p.stopped = true
	abandoned := p.pending
	p.pending = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, t := range abandoned {
		<-p.slots
		p.failed.Add(1)
		t.future.complete(Outcome{Err: ErrShutdown, Waited: time.Since(t.enqueued)})
	}
	p.cancel()
	<-drained

	p.logger.Warn("worker pool forced shutdown", "abandoned", len(abandoned))
	return fmt.Errorf("workerpool: shutdown: %w", ctx.Err())
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	queued := len(p.pending)
	paused := p.paused
	closed := p.closed
	p.mu.Unlock()

	var avg time.Duration
	if n := p.runs.Load(); n > 0 {
		avg = time.Duration(p.totalRun.Load() / n)
	}

	return Stats{
		Workers:        p.cfg.Workers,
		QueueCapacity:  p.cfg.QueueCapacity,
		Policy:         p.cfg.Policy.String(),
		Queued:         queued,
		Active:         p.active.Load(),
		Submitted:      p.submitted.Load(),
		Completed:      p.completed.Load(),
		Failed:         p.failed.Load(),
		TimedOut:       p.timedOut.Load(),
		Panicked:       p.panicked.Load(),
		Rejected:       p.rejected.Load(),
		AverageLatency: avg,
		Paused:         paused,
		Closed:         closed,
	}
}
