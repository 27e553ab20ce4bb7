package convq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	rtm "github.com/UniQw/convq/internal/runtime"
	"github.com/google/uuid"
)

// Config defines the behaviour of an Engine. Zero values select the defaults.
type Config struct {
	// MaxConcurrentConversions is the number of worker goroutines.
	MaxConcurrentConversions int
	// MaxPendingBacklog is how many admitted tasks may wait for a free worker.
	// Submissions beyond it fail with ErrCapacityExceeded.
	MaxPendingBacklog int
	// ResultRetention is how long a finished task and its artifact are kept after creation.
	ResultRetention time.Duration
	// TempOrphanGracePeriod is the minimum age of an unclaimed scratch or result directory before it is removed.
	TempOrphanGracePeriod time.Duration
	// SweepInterval is the period of the expiry sweep.
	SweepInterval time.Duration
	// ConversionTimeout bounds a single conversion; zero disables the bound.
	ConversionTimeout time.Duration
	// PageCounter, when set, opens staged inputs at submission to validate the
	// page selection against the real page count.
	PageCounter func(path string) (int, error)
	// Clock drives timestamps and expiry. Defaults to SystemClock.
	Clock Clock
	// Logger is the logger used for engine events.
	Logger Logger
}

const (
	DefaultMaxConcurrentConversions = 2
	DefaultMaxPendingBacklog        = 16
	DefaultResultRetention          = 24 * time.Hour
	DefaultTempOrphanGracePeriod    = time.Hour
	DefaultSweepInterval            = time.Minute
	DefaultConversionTimeout        = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.MaxConcurrentConversions <= 0 {
		c.MaxConcurrentConversions = DefaultMaxConcurrentConversions
	}
	if c.MaxPendingBacklog <= 0 {
		c.MaxPendingBacklog = DefaultMaxPendingBacklog
	}
	if c.ResultRetention <= 0 {
		c.ResultRetention = DefaultResultRetention
	}
	if c.TempOrphanGracePeriod <= 0 {
		c.TempOrphanGracePeriod = DefaultTempOrphanGracePeriod
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	if c.Logger == nil {
		c.Logger = NewFmtLogger()
	}
	return c
}

// Progress milestones around the conversion function's own 0..100 report.
const (
	progressStarted   = 10
	progressConverted = 90
)

// Request is one conversion submission.
type Request struct {
	// Format is the requested output format name, e.g. "jpeg".
	Format string
	// FileName is the client supplied name of the source document.
	FileName string
	// Input is the source document.
	Input io.Reader
	// Options are the raw per-format options, including "pages".
	Options RawOptions
}

// Stats is a snapshot of the execution pool.
type Stats struct {
	Pending     int
	Busy        int
	Concurrency int
	Backlog     int
}

// DocumentInfo describes an inspected source document.
type DocumentInfo struct {
	PageCount int
	Size      int64
}

type execution struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine accepts conversion requests, runs them on a bounded worker pool and
// reclaims expired results. It is the only writer of task status, progress
// and error message.
type Engine struct {
	*Client

	cfg   Config
	store Store
	reg   *Registry
	art   *Artifacts
	rt    *rtm.Runtime
	log   Logger
	clock Clock

	mu        sync.Mutex
	started   bool
	recovered bool
	running   map[string]*execution
}

// NewEngine wires an engine over its collaborators.
func NewEngine(store Store, reg *Registry, art *Artifacts, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		Client:  NewClient(store, art),
		cfg:     cfg,
		store:   store,
		reg:     reg,
		art:     art,
		log:     cfg.Logger,
		clock:   cfg.Clock,
		running: make(map[string]*execution),
	}
	e.rt = rtm.New(rtm.Config{
		Concurrency: cfg.MaxConcurrentConversions,
		Backlog:     cfg.MaxPendingBacklog,
		Logger:      cfg.Logger,
	}, e.execute, rtm.Loop{
		Name:     "sweep",
		Interval: cfg.SweepInterval,
		Run: func(ctx context.Context) {
			if _, err := e.Sweep(ctx, e.clock.Now()); err != nil {
				e.log.Warnf("sweep: err=%v", err)
			}
		},
	})
	return e
}

// Start recovers tasks left behind by a previous process, then launches the
// workers and the sweeper. It is idempotent and non-blocking.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		e.log.Warnf("engine already started; ignoring Start()")
		return nil
	}
	e.started = true
	first := !e.recovered
	e.recovered = true
	e.mu.Unlock()

	if first {
		if err := e.recoverTasks(ctx); err != nil {
			e.log.Errorf("recovery failed: err=%v", err)
		}
	}
	e.log.Infof("starting engine: concurrency=%d backlog=%d retention=%s", e.cfg.MaxConcurrentConversions, e.cfg.MaxPendingBacklog, e.cfg.ResultRetention)
	e.rt.Start()
	return nil
}

// Stop interrupts running conversions and waits for the workers to exit.
// Interrupted tasks are recorded as failed; queued tasks stay pending.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		e.log.Warnf("engine not started; ignoring Stop()")
		return
	}
	e.started = false
	e.mu.Unlock()
	e.log.Infof("stopping engine")
	e.rt.Stop()
}

// Stats returns a snapshot of the execution pool.
func (e *Engine) Stats() Stats {
	return Stats{
		Pending:     e.rt.Pending(),
		Busy:        e.rt.Busy(),
		Concurrency: e.rt.CfgConcurrency(),
		Backlog:     e.rt.CfgBacklog(),
	}
}

// Formats lists the registered output formats.
func (e *Engine) Formats() []FormatInfo { return e.reg.Formats() }

// Submit validates a request, stages its input, records a pending task and
// queues it for execution. It never waits for conversion work. Validation
// and capacity failures are returned before any task record exists.
func (e *Engine) Submit(ctx context.Context, req Request, opts ...Option) (string, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	format, err := ParseFormat(req.Format)
	if err != nil {
		return "", err
	}
	validated, err := e.reg.ValidateOptions(format, req.Options)
	if err != nil {
		return "", err
	}
	pages, err := ParsePages(validated.String(PagesParam), cfg.pageCount)
	if err != nil {
		return "", err
	}
	if req.Input == nil {
		return "", &ValidationError{Field: "input", Reason: "missing source document"}
	}

	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return "", ErrEngineStopped
	}
	if !e.rt.Reserve() {
		return "", fmt.Errorf("%w: %d tasks already waiting", ErrCapacityExceeded, e.cfg.MaxPendingBacklog)
	}
	dispatched := false
	defer func() {
		if !dispatched {
			e.rt.Release()
		}
	}()

	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}
	if err := checkID(id); err != nil {
		return "", &ValidationError{Field: "id", Reason: err.Error()}
	}
	if _, err := e.store.Get(ctx, id); err == nil {
		return "", ErrDuplicateTaskID
	}

	input, err := e.art.StageInput(id, req.FileName, req.Input)
	if err != nil {
		if errors.Is(err, ErrInputTooLarge) {
			return "", &ValidationError{Field: "input", Reason: err.Error(), Err: ErrInputTooLarge}
		}
		return "", err
	}
	if e.cfg.PageCounter != nil {
		if err := e.checkDocument(input, pages); err != nil {
			_ = e.art.DiscardInput(id, input)
			return "", err
		}
	}

	now := e.clock.Now()
	t := &Task{
		ID:        id,
		Status:    StatusPending,
		Format:    format,
		Options:   validated,
		Pages:     pages.String(),
		FileName:  req.FileName,
		InputPath: input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Create(ctx, t); err != nil {
		// only this attempt's input goes; a concurrent winner keeps its own
		_ = e.art.DiscardInput(id, input)
		return "", err
	}
	e.rt.Dispatch(id)
	dispatched = true
	e.log.Debugf("submitted: id=%s format=%s pages=%q", id, format, t.Pages)
	return id, nil
}

func (e *Engine) checkDocument(input string, pages Pages) error {
	n, err := e.cfg.PageCounter(input)
	if err != nil {
		return &ValidationError{Field: "input", Reason: "unreadable document: " + err.Error()}
	}
	if _, err := ParsePages(pages.String(), n); err != nil {
		return err
	}
	return nil
}

// Inspect stages a document only long enough to report its size and page count.
func (e *Engine) Inspect(_ context.Context, r io.Reader) (DocumentInfo, error) {
	if e.cfg.PageCounter == nil {
		return DocumentInfo{}, errors.New("convq: no page counter configured")
	}
	id := "inspect-" + uuid.NewString()
	defer func() { _ = e.art.RemoveWork(id) }()
	p, err := e.art.StageInput(id, "document.pdf", r)
	if err != nil {
		if errors.Is(err, ErrInputTooLarge) {
			return DocumentInfo{}, &ValidationError{Field: "input", Reason: err.Error(), Err: ErrInputTooLarge}
		}
		return DocumentInfo{}, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return DocumentInfo{}, err
	}
	n, err := e.cfg.PageCounter(p)
	if err != nil {
		return DocumentInfo{}, &ValidationError{Field: "input", Reason: "unreadable document: " + err.Error()}
	}
	return DocumentInfo{PageCount: n, Size: st.Size()}, nil
}

// Cancel stops a pending or processing task. A pending task is cancelled at
// once; a processing task is signalled and Cancel waits until the worker
// acknowledges at its next checkpoint or ctx is done. Terminal tasks yield
// ErrAlreadyTerminal and are left unchanged.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	t, err := e.store.Update(ctx, id, func(t *Task) error {
		now := e.clock.Now()
		switch {
		case t.Status.Terminal():
			return ErrAlreadyTerminal
		case t.Status == StatusPending:
			return t.cancel(ExpiryFor(t.CreatedAt, e.cfg.ResultRetention), now)
		default:
			t.CancelRequested = true
			t.UpdatedAt = now
			return nil
		}
	})
	if err != nil {
		return err
	}
	if t.Status == StatusCancelled {
		e.log.Infof("cancelled: id=%s while pending", id)
		// free the backlog slot now rather than when a worker would skip it
		e.rt.Withdraw(id)
		if !e.isRunning(id) {
			_ = e.art.RemoveWork(id)
		}
		return nil
	}

	e.mu.Lock()
	ex := e.running[id]
	e.mu.Unlock()
	if ex == nil {
		// no worker of this engine holds the task; acknowledge on its behalf
		_, err := e.store.Update(ctx, id, func(t *Task) error {
			return t.cancel(ExpiryFor(t.CreatedAt, e.cfg.ResultRetention), e.clock.Now())
		})
		if err != nil && !errors.Is(err, ErrAlreadyTerminal) {
			return err
		}
		_ = e.art.RemoveWork(id)
		e.log.Infof("cancelled: id=%s without live worker", id)
		return nil
	}
	ex.cancel()
	select {
	case <-ex.done:
		e.log.Infof("cancelled: id=%s acknowledged", id)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) isRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[id]
	return ok
}

// execute runs one dequeued task to a terminal state.
func (e *Engine) execute(ctx context.Context, id string) {
	var (
		execCtx context.Context
		cancel  context.CancelFunc
	)
	if e.cfg.ConversionTimeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, e.cfg.ConversionTimeout)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	ex := &execution{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.running[id] = ex
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.running, id)
		e.mu.Unlock()
		close(ex.done)
	}()

	// store writes must land even while the engine is stopping
	wctx := context.WithoutCancel(ctx)
	t, err := e.store.Update(wctx, id, func(t *Task) error {
		now := e.clock.Now()
		if err := t.transition(StatusProcessing, now); err != nil {
			return err
		}
		return t.advance(progressStarted, now)
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyTerminal) {
			e.log.Debugf("skipped: id=%s already terminal", id)
			_ = e.art.RemoveWork(id)
		} else {
			e.log.Warnf("dispatch failed: id=%s err=%v", id, err)
		}
		return
	}

	out, convErr := e.convert(execCtx, t)
	e.finish(wctx, t, out, convErr, ctx.Err() != nil)
}

func (e *Engine) convert(ctx context.Context, t *Task) (out string, err error) {
	fn, _, err := e.reg.Resolve(t.Format)
	if err != nil {
		return "", err
	}
	pages, err := ParsePages(t.Pages, 0)
	if err != nil {
		return "", err
	}
	outDir := filepath.Join(e.art.WorkDir(t.ID), "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	job := &Job{
		TaskID:    t.ID,
		Format:    t.Format,
		InputPath: t.InputPath,
		OutputDir: outDir,
		Options:   t.Options,
		Pages:     pages,
		Progress:  e.progressReporter(t.ID),
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = "", fmt.Errorf("%w: panic: %v", ErrConversionFailure, r)
		}
	}()
	out, err = fn(ctx, job)
	if err == nil && out == "" {
		err = fmt.Errorf("%w: no output produced", ErrConversionFailure)
	}
	return out, err
}

// progressReporter maps the conversion function's 0..100 onto the task's
// processing band and writes only increases.
func (e *Engine) progressReporter(id string) func(int) {
	var (
		mu   sync.Mutex
		last int
	)
	return func(p int) {
		p = max(0, min(p, 100))
		mapped := progressStarted + p*(progressConverted-progressStarted)/100
		mu.Lock()
		defer mu.Unlock()
		if mapped <= last {
			return
		}
		last = mapped
		_, err := e.store.Update(context.Background(), id, func(t *Task) error {
			return t.advance(mapped, e.clock.Now())
		})
		if err != nil && !errors.Is(err, ErrAlreadyTerminal) {
			e.log.Warnf("progress update failed: id=%s err=%v", id, err)
		}
	}
}

// finish stores the artifact and writes the terminal state.
func (e *Engine) finish(ctx context.Context, t *Task, out string, convErr error, stopping bool) {
	var location string
	if convErr == nil {
		loc, err := e.art.Store(t.ID, out)
		if err != nil {
			convErr = fmt.Errorf("store result: %w", err)
		} else {
			location = loc
		}
	}

	final, err := e.store.Update(ctx, t.ID, func(cur *Task) error {
		now := e.clock.Now()
		expires := ExpiryFor(cur.CreatedAt, e.cfg.ResultRetention)
		switch {
		case cur.CancelRequested:
			return cur.cancel(expires, now)
		case convErr == nil:
			return cur.complete(location, expires, now)
		case stopping && errors.Is(convErr, context.Canceled):
			return cur.fail("conversion interrupted: engine stopped", expires, now)
		default:
			return cur.fail(e.classify(convErr), expires, now)
		}
	})
	if err != nil {
		e.log.Errorf("finish failed: id=%s err=%v", t.ID, err)
		_ = e.art.Remove(t.ID)
		return
	}
	switch final.Status {
	case StatusCompleted:
		_ = e.art.RemoveWork(t.ID)
		e.log.Infof("completed: id=%s format=%s location=%s", t.ID, t.Format, location)
	case StatusCancelled:
		_ = e.art.Remove(t.ID)
		e.log.Infof("cancelled: id=%s during processing", t.ID)
	default:
		_ = e.art.Remove(t.ID)
		e.log.Warnf("failed: id=%s format=%s err=%v", t.ID, t.Format, convErr)
	}
}

// classify turns a conversion error into the message recorded on the task.
func (e *Engine) classify(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("conversion timed out after %s; the document may be too large or complex", e.cfg.ConversionTimeout)
	case errors.Is(err, ErrPageOutOfRange):
		return "invalid page selection: " + err.Error()
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported format: " + err.Error()
	default:
		return "conversion failed: " + strings.TrimPrefix(err.Error(), ErrConversionFailure.Error()+": ")
	}
}

// Sweep reclaims tasks whose expiry has passed: artifact bytes are deleted
// first and the record only after that deletion succeeded. It then removes
// orphaned scratch and result directories. It returns the number of
// reclaimed tasks.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (int, error) {
	tasks, err := e.store.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	var errs []error
	reclaimed := 0
	for _, t := range tasks {
		if !t.Status.Terminal() {
			continue
		}
		if err := e.art.Remove(t.ID); err != nil {
			e.log.Warnf("sweep: artifact delete failed id=%s err=%v", t.ID, err)
			errs = append(errs, err)
			continue
		}
		if err := e.store.Delete(ctx, t.ID); err != nil && !errors.Is(err, ErrNotFound) {
			e.log.Warnf("sweep: record delete failed id=%s err=%v", t.ID, err)
			errs = append(errs, err)
			continue
		}
		reclaimed++
		e.log.Debugf("swept: id=%s status=%s expired=%s", t.ID, t.Status, t.ExpiresAt.Format(time.RFC3339))
	}

	keepWork := func(id string) bool {
		if e.isRunning(id) {
			return true
		}
		t, err := e.store.Get(ctx, id)
		return err == nil && !t.Status.Terminal()
	}
	keepResult := func(id string) bool {
		_, err := e.store.Get(ctx, id)
		return !errors.Is(err, ErrNotFound)
	}
	n, err := e.art.CleanupOrphans(now, e.cfg.TempOrphanGracePeriod, keepWork, keepResult)
	if n > 0 {
		e.log.Infof("sweep: removed orphans=%d", n)
	}
	if err != nil {
		errs = append(errs, err)
	}
	if reclaimed > 0 {
		e.log.Infof("sweep: reclaimed=%d", reclaimed)
	}
	return reclaimed, errors.Join(errs...)
}

// recoverTasks settles tasks left non-terminal by a previous process: processing
// tasks are failed as interrupted, pending tasks with a staged input are
// queued again while the backlog allows it.
func (e *Engine) recoverTasks(ctx context.Context) error {
	tasks, err := e.store.ListByStatus(ctx, StatusPending, StatusProcessing)
	if err != nil {
		return err
	}
	requeued, failed := 0, 0
	for _, t := range tasks {
		reason := ""
		switch {
		case t.Status == StatusProcessing:
			reason = "conversion interrupted: engine restarted"
		case !fileExists(t.InputPath):
			reason = "conversion interrupted: staged input lost"
		case !e.rt.Reserve():
			reason = "conversion interrupted: backlog full at restart"
		default:
			e.rt.Dispatch(t.ID)
			requeued++
			continue
		}
		_, err := e.store.Update(ctx, t.ID, func(cur *Task) error {
			now := e.clock.Now()
			expires := ExpiryFor(cur.CreatedAt, e.cfg.ResultRetention)
			if cur.CancelRequested {
				return cur.cancel(expires, now)
			}
			if cur.Status == StatusPending {
				if err := cur.transition(StatusProcessing, now); err != nil {
					return err
				}
			}
			return cur.fail(reason, expires, now)
		})
		if err != nil && !errors.Is(err, ErrAlreadyTerminal) {
			e.log.Warnf("recovery: id=%s err=%v", t.ID, err)
			continue
		}
		_ = e.art.RemoveWork(t.ID)
		failed++
	}
	if requeued+failed > 0 {
		e.log.Infof("recovery: requeued=%d failed=%d", requeued, failed)
	}
	return nil
}

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	_, err := os.Stat(p)
	return err == nil
}
