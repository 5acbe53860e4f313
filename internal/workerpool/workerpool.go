// Package workerpool implements the Worker Pool (spec §4.2): a fixed set of
// isolated execution contexts, each capable of running the full plugin
// pipeline, action matching, and event ingestion for one task at a time.
//
// Isolation is structural, not just conceptual: each worker goroutine is the
// only caller of its own pluginhost.Host, so plugin VM state never crosses a
// worker boundary (spec §4.2 "Isolation"). The dispatch loop mirrors the
// fixed-worker/job-channel shape used for per-goroutine VM ownership in the
// plugin-runtime reference this package is grounded on.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxcore/ingestd/internal/apperrors"
	"github.com/fluxcore/ingestd/internal/logger"
)

// Kind is one of the task kinds recognized by the pool (spec §4.2).
type Kind string

const (
	KindProcessEvent      Kind = "processEvent"
	KindProcessEventBatch Kind = "processEventBatch"
	KindIngestEvent       Kind = "ingestEvent"
	KindMatchActions      Kind = "matchActions"
	KindRunEveryMinute    Kind = "runEveryMinute"
	KindRunEveryHour      Kind = "runEveryHour"
	KindRunEveryDay       Kind = "runEveryDay"
	KindGetPluginSchedule Kind = "getPluginSchedule"
	KindReloadPlugins     Kind = "reloadPlugins"
	KindReloadSchedule    Kind = "reloadSchedule"
	KindReloadAction      Kind = "reloadAction"
	KindReloadAllActions  Kind = "reloadAllActions"
	KindDropAction        Kind = "dropAction"
	KindTeardownPlugins   Kind = "teardownPlugins"
	KindFlushQueuedWrites Kind = "flushQueuedWrites"
)

// Task is one unit of work submitted to the pool via RunTask.
type Task struct {
	Kind Kind
	Args interface{}
}

// Handler executes one Task and returns its result. Handlers never panic
// across the pool boundary — a recovered panic is reported as a plugin
// runtime error (spec §7 (d)) rather than killing the worker.
type Handler func(ctx context.Context, args interface{}) (interface{}, error)

// Config configures the pool. Capacity (spec §4.1's `C`) is
// WorkerConcurrency * TasksPerWorker.
type Config struct {
	WorkerConcurrency int
	TasksPerWorker    int
	TaskTimeout       time.Duration
}

type job struct {
	task     Task
	ctx      context.Context
	respChan chan Result
}

// Result is what RunTask resolves to: a success value or a failure. Workers
// never throw to the consumer (spec §7 "Propagation policy") — every
// outcome, including timeouts, comes back through Result.
type Result struct {
	Value interface{}
	Err   error
}

// Pool is the fixed-size worker pool.
type Pool struct {
	cfg      Config
	handlers map[Kind]Handler
	queue    chan job
	stopChan chan struct{}
	wg       sync.WaitGroup
	log      *zerolog.Logger

	inFlight  int64
	completed int64
	totalDur  int64 // nanoseconds, accumulated via atomic.AddInt64
}

// New creates a pool with cfg.WorkerConcurrency workers sharing one queue of
// capacity cfg.WorkerConcurrency * cfg.TasksPerWorker, and starts them
// immediately.
func New(cfg Config, handlers map[Kind]Handler) *Pool {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.TasksPerWorker <= 0 {
		cfg.TasksPerWorker = 1
	}
	p := &Pool{
		cfg:      cfg,
		handlers: handlers,
		queue:    make(chan job, cfg.WorkerConcurrency*cfg.TasksPerWorker),
		stopChan: make(chan struct{}),
		log:      logger.WorkerPool(),
	}
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	return p
}

// Capacity returns C = worker_threads * tasks_per_worker (spec §4.1).
func (p *Pool) Capacity() int {
	return p.cfg.WorkerConcurrency * p.cfg.TasksPerWorker
}

// InFlight returns the number of tasks currently queued or executing
// (spec §4.1, §8 invariant 4). The consumer's backpressure decision uses its
// own dispatched counter, not this value.
func (p *Pool) InFlight() int {
	return int(atomic.LoadInt64(&p.inFlight))
}

// Completed returns the total number of tasks that have resolved (success
// or failure), exposed for tests and metrics (spec §4.2).
func (p *Pool) Completed() int64 {
	return atomic.LoadInt64(&p.completed)
}

// TotalDuration returns the cumulative wall-clock time spent executing
// tasks (spec §4.2 "total execution duration").
func (p *Pool) TotalDuration() time.Duration {
	return time.Duration(atomic.LoadInt64(&p.totalDur))
}

// RunTask is the pool's single entry point (spec §4.2). It blocks until the
// task resolves or ctx is cancelled, applying the pool's per-task timeout on
// top of whatever deadline ctx already carries.
func (p *Pool) RunTask(ctx context.Context, t Task) Result {
	taskCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	respChan := make(chan Result, 1)
	atomic.AddInt64(&p.inFlight, 1)

	select {
	case p.queue <- job{task: t, ctx: taskCtx, respChan: respChan}:
	case <-ctx.Done():
		atomic.AddInt64(&p.inFlight, -1)
		return Result{Err: ctx.Err()}
	}

	select {
	case res := <-respChan:
		return res
	case <-taskCtx.Done():
		// execute/runHandler call the handler synchronously on the worker
		// goroutine (:184-230) — this select does not by itself free that
		// goroutine, only this call's caller. The worker is only actually
		// available for its next job once handler(j.ctx, ...) itself returns,
		// which requires the handler to observe j.ctx and give up rather than
		// block past it. pluginhost.Host's invoke* calls do this: each quickjs
		// call is handed to the Host's VM-owning goroutine and raced against
		// ctx there (there is no quickjs interrupt primitive to stop a call
		// outright, so an abandoned one keeps running, never touching the VM
		// concurrently with the next task).
		return Result{Err: fmt.Errorf("task %s timed out: %w", t.Kind, taskCtx.Err())}
	}
}

func (p *Pool) workerLoop(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case j := <-p.queue:
			p.execute(id, j)
		}
	}
}

func (p *Pool) execute(workerID int, j job) {
	start := time.Now()
	defer func() {
		atomic.AddInt64(&p.inFlight, -1)
		atomic.AddInt64(&p.completed, 1)
		atomic.AddInt64(&p.totalDur, int64(time.Since(start)))
	}()

	handler, ok := p.handlers[j.task.Kind]
	if !ok {
		p.respond(j, Result{Err: fmt.Errorf("worker %d: no handler registered for task kind %q", workerID, j.task.Kind)})
		return
	}

	j.ctx = context.WithValue(j.ctx, workerIDKey{}, workerID)
	result := p.runHandler(handler, j)
	p.respond(j, result)
}

// workerIDKey is the context key a handler uses to recover which worker
// goroutine is running it, via WorkerID. A handler that owns per-worker
// state confined to one goroutine — a plugin VM, most notably — needs this
// to know which instance is its own (spec §4.2 "Isolation").
type workerIDKey struct{}

// WorkerID returns the index of the worker goroutine executing ctx's task,
// and false if ctx did not come from a Pool.
func WorkerID(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(workerIDKey{}).(int)
	return id, ok
}

// runHandler invokes the handler with panic recovery, converting a panic
// into a plugin runtime error (spec §7 (d)) instead of crashing the worker.
func (p *Pool) runHandler(handler Handler, j job) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("kind", string(j.task.Kind)).Msg("task handler panicked")
			result = Result{Err: apperrors.PluginRuntime(0, fmt.Sprintf("task %s panicked: %v", j.task.Kind, r), nil)}
		}
	}()

	if j.ctx.Err() != nil {
		return Result{Err: j.ctx.Err()}
	}
	value, err := handler(j.ctx, j.task.Args)
	return Result{Value: value, Err: err}
}

func (p *Pool) respond(j job, result Result) {
	select {
	case j.respChan <- result:
	default:
		// RunTask already gave up on this job (timeout path); drop the
		// late result, nothing is waiting for it.
	}
}

// Stop signals every worker to exit and waits for in-flight handlers to
// return, up to the given drain timeout (SPEC_FULL §4 "Graceful drain").
func (p *Pool) Stop(drainTimeout time.Duration) {
	close(p.stopChan)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		p.log.Warn().Msg("worker pool drain timed out, some workers may still be executing")
	}
}
