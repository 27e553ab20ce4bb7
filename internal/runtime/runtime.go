package runtime

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

type Config struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int
	// Backlog is the number of dispatched ids that may wait for a worker.
	Backlog int
	Logger  Logger
}

// Executor runs one unit of work identified by id.
type Executor func(ctx context.Context, id string)

// Loop is a maintenance routine run on its own ticker while the runtime is started.
type Loop struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Runtime is a fixed pool of workers fed by a bounded FIFO. Admission is a
// two-step protocol: Reserve claims a backlog slot, Dispatch fills it. A
// reserved Dispatch never blocks. Queued ids can be withdrawn, which frees
// their slot at once.
type Runtime struct {
	cfg   Config
	exec  Executor
	loops []Loop
	wake  chan struct{}
	log   Logger

	mu       sync.Mutex
	queue    []string
	reserved int
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	busy     atomic.Int64
}

// New creates a runtime. Concurrency and Backlog below 1 are raised to 1.
func New(cfg Config, exec Executor, loops ...Loop) *Runtime {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Backlog < 1 {
		cfg.Backlog = 1
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &Runtime{
		cfg:   cfg,
		exec:  exec,
		loops: loops,
		wake:  make(chan struct{}, 1),
		queue: make([]string, 0, cfg.Backlog),
		log:   lg,
	}
}

// Start launches workers and maintenance loops. It is idempotent.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		return
	}
	rt.started = true
	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	rt.log.Infof("runtime starting: concurrency=%d backlog=%d queued=%d loops=%d", rt.cfg.Concurrency, rt.cfg.Backlog, len(rt.queue), len(rt.loops))

	for i := 0; i < rt.cfg.Concurrency; i++ {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			rt.workerLoop(ctx)
		}()
	}
	if len(rt.queue) > 0 {
		rt.signal()
	}

	for _, l := range rt.loops {
		if l.Interval <= 0 || l.Run == nil {
			continue
		}
		rt.wg.Add(1)
		go func(l Loop) {
			defer rt.wg.Done()
			ticker := time.NewTicker(l.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					l.Run(ctx)
				}
			}
		}(l)
	}
}

// Stop cancels the workers' context and waits for all goroutines to exit.
// Ids still queued stay queued and are picked up after the next Start.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	cancel := rt.cancel
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	cancel()
	rt.wg.Wait()
}

// Reserve claims a backlog slot. It returns false when the backlog is full.
func (rt *Runtime) Reserve() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.reserved >= rt.cfg.Backlog {
		return false
	}
	rt.reserved++
	return true
}

// Release returns a reserved slot that will not be dispatched.
func (rt *Runtime) Release() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.reserved > 0 {
		rt.reserved--
	}
}

// Dispatch queues id into a slot previously claimed with Reserve.
func (rt *Runtime) Dispatch(id string) {
	rt.mu.Lock()
	rt.queue = append(rt.queue, id)
	rt.mu.Unlock()
	rt.signal()
}

// Withdraw removes a queued id and frees its slot. It returns false when
// the id is not queued, for instance because a worker already took it.
func (rt *Runtime) Withdraw(id string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	i := slices.Index(rt.queue, id)
	if i < 0 {
		return false
	}
	rt.queue = slices.Delete(rt.queue, i, i+1)
	rt.reserved--
	return true
}

// Pending is the number of reserved slots not yet taken by a worker.
func (rt *Runtime) Pending() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.reserved
}

// Busy is the number of workers currently executing.
func (rt *Runtime) Busy() int { return int(rt.busy.Load()) }

// CfgConcurrency exposes configured worker concurrency.
func (rt *Runtime) CfgConcurrency() int { return rt.cfg.Concurrency }

// CfgBacklog exposes the configured backlog limit.
func (rt *Runtime) CfgBacklog() int { return rt.cfg.Backlog }

func (rt *Runtime) signal() {
	select {
	case rt.wake <- struct{}{}:
	default:
	}
}

// take pops the oldest queued id. Nothing is taken once ctx is done, so a
// stopping runtime leaves its queue intact.
func (rt *Runtime) take(ctx context.Context) (string, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if ctx.Err() != nil || len(rt.queue) == 0 {
		return "", false
	}
	id := rt.queue[0]
	rt.queue = slices.Delete(rt.queue, 0, 1)
	rt.reserved--
	rt.busy.Add(1)
	if len(rt.queue) > 0 {
		// hand the remaining work to another idle worker
		rt.signal()
	}
	return id, true
}

func (rt *Runtime) workerLoop(ctx context.Context) {
	for {
		id, ok := rt.take(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-rt.wake:
				continue
			}
		}
		rt.exec(ctx, id)
		rt.busy.Add(-1)
	}
}
