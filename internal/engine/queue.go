package engine

import (
	"context"
	"errors"

	"github.com/opensha/aafs/internal/store"
)

// TaskQueue is the durable task queue with an in-process wake signal.
//
// Tasks live in the store; the signal lets the dispatcher sleep until
// either its timer fires or something was submitted from another
// goroutine (the HTTP server, a console command).
//
// Thread-safety: Submit may be called from any goroutine.
type TaskQueue struct {
	store  *store.Store
	signal chan struct{} // buffered, size 1
}

// NewTaskQueue creates a queue over s.
func NewTaskQueue(s *store.Store) *TaskQueue {
	return &TaskQueue{store: s, signal: make(chan struct{}, 1)}
}

// Submit stores a task and wakes the dispatcher.
func (q *TaskQueue) Submit(ctx context.Context, t Task) (int64, error) {
	id, err := q.store.SubmitTask(ctx, t.record())
	if err != nil {
		return 0, err
	}
	q.Notify()
	return id, nil
}

// Notify wakes the dispatcher. Multiple signals coalesce.
func (q *TaskQueue) Notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Wait returns a channel that signals when tasks may have been added.
func (q *TaskQueue) Wait() <-chan struct{} {
	return q.signal
}

// Due returns the first task due at now, or false when none is.
func (q *TaskQueue) Due(ctx context.Context, now int64) (Task, bool, error) {
	p, err := q.store.FirstDueTask(ctx, now)
	if errors.Is(err, store.ErrNotFound) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	return taskFromStore(p), true, nil
}

// NextTime returns the scheduled time of the first task, or false when
// the queue is empty.
func (q *TaskQueue) NextTime(ctx context.Context) (int64, bool, error) {
	p, err := q.store.FirstTask(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return p.SchedTime, true, nil
}

// Find returns the queued tasks of an event with an opcode.
func (q *TaskQueue) Find(ctx context.Context, eventID string, op Opcode) ([]Task, error) {
	recs, err := q.store.FindTasks(ctx, eventID, int(op))
	if err != nil {
		return nil, err
	}
	out := make([]Task, len(recs))
	for i, r := range recs {
		out[i] = taskFromStore(r)
	}
	return out, nil
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len(ctx context.Context) (int, error) {
	return q.store.CountTasks(ctx)
}
