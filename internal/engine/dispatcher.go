package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/opensha/aafs/internal/catalog"
	"github.com/opensha/aafs/internal/config"
	"github.com/opensha/aafs/internal/fault"
	"github.com/opensha/aafs/internal/forecast"
	"github.com/opensha/aafs/internal/logging"
	"github.com/opensha/aafs/internal/metrics"
	"github.com/opensha/aafs/internal/pdl"
	"github.com/opensha/aafs/internal/relay"
	"github.com/opensha/aafs/internal/store"
)

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Store   *store.Store
	Ledger  *relay.Ledger
	Link    *relay.Link
	Config  *config.Holder
	Catalog catalog.Catalog
	Model   forecast.Model

	// Publisher may be nil, which disables publication and cleanup.
	Publisher pdl.Publisher
}

// Dispatcher is the single-writer task loop.
//
// Thread-safety model:
//   - Run, RunDue and Idle: must be called from exactly one goroutine
//   - Queue().Submit: safe from any goroutine
type Dispatcher struct {
	store     *store.Store
	queue     *TaskQueue
	ledger    *relay.Ledger
	link      *relay.Link
	config    *config.Holder
	catalog   catalog.Catalog
	model     forecast.Model
	publisher pdl.Publisher

	clock    Clock
	metrics  *metrics.Metrics
	log      *slog.Logger
	submitID string

	handlers map[Opcode]handler
	poll     pollState
	cleanup  cleanupState
	stopping bool
}

// handler executes one task attempt. A returned error aborts the attempt;
// persistence errors are retried and every other error deletes the task.
type handler func(ctx context.Context, r *taskRun) (ResultCode, error)

// taskRun is one attempt at a task.
type taskRun struct {
	Task
	x   *Txn
	cfg *config.Config
	now int64
}

// restage keeps the task at a new time and stage.
func (r *taskRun) restage(rc ResultCode, at int64, stage int) (ResultCode, error) {
	r.x.Restage(r.EventID, at, stage, nil)
	return rc, nil
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithMetrics records dispatcher metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher. Catalog, Model, Store, Ledger, Link and Config
// are required.
func New(deps Deps, opts ...Option) (*Dispatcher, error) {
	switch {
	case deps.Store == nil, deps.Ledger == nil, deps.Link == nil, deps.Config == nil:
		return nil, fmt.Errorf("dispatcher: store, ledger, link and config are required")
	case deps.Catalog == nil, deps.Model == nil:
		return nil, fmt.Errorf("dispatcher: catalog and model are required")
	}

	d := &Dispatcher{
		store:     deps.Store,
		queue:     NewTaskQueue(deps.Store),
		ledger:    deps.Ledger,
		link:      deps.Link,
		config:    deps.Config,
		catalog:   catalog.NewNormalizing(deps.Catalog),
		model:     deps.Model,
		publisher: deps.Publisher,
		clock:     SystemClock{},
		log:       logging.Component("dispatcher"),
		submitID:  fmt.Sprintf("server%d", deps.Config.Current().Server.Number),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.handlers = map[Opcode]handler{
		OpNoOp:             d.execNoOp,
		OpShutdown:         d.execShutdown,
		OpConsoleMessage:   d.execConsoleMessage,
		OpIntakePoll:       d.execIntake,
		OpAnalystIntervene: d.execAnalyst,
		OpGenForecast:      d.execForecast,
		OpGenPDLReport:     d.execPDLReport,
		OpGenExpire:        d.execExpire,
		OpCleanupEvent:     d.execCleanup,
		OpSetRelayMode:     d.execSetRelayMode,
		OpReloadConfig:     d.execReloadConfig,
		OpRelayFetch:       d.execRelayFetch,
	}
	return d, nil
}

// Queue returns the task queue.
func (d *Dispatcher) Queue() *TaskQueue { return d.queue }

// Run executes tasks until a shutdown task completes or ctx is cancelled.
//
// CRITICAL: Must be called from exactly ONE goroutine.
//
// ERROR HANDLING: A persistence failure leaves the task in place and the
// loop sleeps db_retry_delay before trying again. Handler failures are
// logged and the task is deleted, so the loop always moves on.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher starting", "submit_id", d.submitID)
	if err := d.link.Start(ctx, d.clock.Now()); err != nil {
		return fmt.Errorf("start relay link: %w", err)
	}

	for {
		if ctx.Err() != nil {
			d.finish(context.WithoutCancel(ctx))
			return ctx.Err()
		}

		ran, err := d.RunDue(ctx)
		if err != nil {
			d.retryLater(ctx, "task attempt aborted", err)
			continue
		}
		if d.stopping {
			d.finish(ctx)
			return nil
		}
		if ran {
			continue
		}

		wake, err := d.Idle(ctx)
		if err != nil {
			d.retryLater(ctx, "idle pass aborted", err)
			continue
		}
		d.sleep(ctx, wake.Sub(d.clock.Now()))
	}
}

func (d *Dispatcher) retryLater(ctx context.Context, msg string, err error) {
	delay := d.config.Current().Action.DBRetryDelay
	d.log.Warn(msg, "error", err, "retry_in", delay)
	d.sleep(ctx, delay)
}

func (d *Dispatcher) finish(ctx context.Context) {
	if err := d.link.Shutdown(ctx, d.clock.Now()); err != nil {
		d.log.Warn("relay shutdown status not written", "error", err)
	}
	d.log.Info("dispatcher stopped")
}

// sleep waits for dur, a queue signal or cancellation.
func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	if dur <= 0 {
		return
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-d.queue.Wait():
	}
}

// Stopping reports whether a shutdown task has completed.
func (d *Dispatcher) Stopping() bool { return d.stopping }

// RunDue executes the first due task, if any. It returns an error only when
// the attempt was aborted by a persistence failure and must be retried.
func (d *Dispatcher) RunDue(ctx context.Context) (bool, error) {
	now := d.clock.Now().UnixMilli()
	task, ok, err := d.queue.Due(ctx, now)
	if err != nil || !ok {
		return false, err
	}
	return true, d.execute(ctx, task, now)
}

func (d *Dispatcher) execute(ctx context.Context, task Task, now int64) error {
	start := time.Now()
	x := newTxn(now, d.submitID)
	r := &taskRun{Task: task, x: x, cfg: d.config.Current(), now: now}

	rc, err := d.invoke(ctx, r)
	if err != nil {
		if fault.IsPersistence(err) || ctx.Err() != nil {
			d.metrics.TaskRetried()
			return err
		}
		logging.Failure(d.log, "task failed", err, task)
		x.discard()
		rc = ResTaskError
	}

	if rc.IsRestage() && x.restage == nil {
		logging.Failure(d.log, "task failed", &TaskError{
			Code: ErrCodeMissingRestage, Message: rc.String(), TaskID: task.ID, Opcode: task.Opcode,
		}, task)
		x.discard()
		rc = ResTaskError
	}

	batch := x.batch
	batch.TaskID = task.ID
	if rc.IsRestage() {
		rs := *x.restage
		if rs.Details == nil {
			rs.Details = task.Details
		}
		batch.Restage = &rs
	} else {
		batch.Log = &store.LogEntry{
			LogTime:    now,
			EventID:    task.EventID,
			SchedTime:  task.SchedTime,
			SubmitTime: task.SubmitTime,
			SubmitID:   task.SubmitID,
			Opcode:     int(task.Opcode),
			Stage:      task.Stage,
			Details:    task.Details,
			Rescode:    int(rc),
		}
	}

	if _, err := d.store.Commit(ctx, batch); err != nil {
		d.metrics.TaskRetried()
		return err
	}

	for _, act := range x.acts {
		d.metrics.Transition(act.String())
	}
	d.metrics.TaskDone(task.Opcode.String(), rc.String(), time.Since(start).Seconds())
	d.log.Debug("task executed",
		"task_id", task.ID,
		"opcode", task.Opcode.String(),
		"event_id", task.EventID,
		"stage", task.Stage,
		"rescode", rc.String(),
	)
	if x.shutdown {
		d.stopping = true
	}
	return nil
}

// invoke runs the handler, converting a panic into a TaskError.
func (d *Dispatcher) invoke(ctx context.Context, r *taskRun) (rc ResultCode, err error) {
	h, ok := d.handlers[r.Opcode]
	if !ok {
		return 0, &TaskError{Code: ErrCodeUnknownOpcode, Message: "no handler", TaskID: r.ID, Opcode: r.Opcode}
	}
	defer func() {
		if p := recover(); p != nil {
			err = &TaskError{
				Code:    ErrCodePanic,
				Message: fmt.Sprint(p),
				TaskID:  r.ID,
				Opcode:  r.Opcode,
				Stack:   string(debug.Stack()),
			}
		}
	}()
	return h(ctx, r)
}

// Idle runs the idle-time hooks and returns when the loop should wake up:
// the earliest of the next task, the hooks' own deadlines and the idle
// quantum.
func (d *Dispatcher) Idle(ctx context.Context) (time.Time, error) {
	now := d.clock.Now()
	cfg := d.config.Current()
	wake := now.Add(cfg.Action.IdleQuantum)

	relayWake, err := d.serviceRelay(ctx, now)
	if err != nil {
		return now, err
	}
	wake = earliest(wake, relayWake)

	pollWake, err := d.servicePoll(ctx, now, cfg)
	if err != nil {
		return now, err
	}
	wake = earliest(wake, pollWake)

	cleanupWake, err := d.serviceCleanup(ctx, now, cfg)
	if err != nil {
		return now, err
	}
	wake = earliest(wake, cleanupWake)

	next, ok, err := d.queue.NextTime(ctx)
	if err != nil {
		return now, err
	}
	if ok {
		wake = earliest(wake, fromMillis(next))
	}
	if n, err := d.queue.Len(ctx); err == nil {
		d.metrics.SetQueueDepth(n)
	}
	return wake, nil
}

func earliest(a, b time.Time) time.Time {
	if b.IsZero() || a.Before(b) {
		return a
	}
	return b
}

// corrupt ends a task whose payload cannot be used.
func (d *Dispatcher) corrupt(r *taskRun, err error) (ResultCode, error) {
	logging.Failure(d.log, "corrupt task", err, r.Task)
	return ResTaskCorrupt, nil
}

// relayPublisher reports whether this server should publish now.
func (d *Dispatcher) relayPublisher() bool {
	return d.publisher != nil && d.link.IsPDLPrimary()
}
