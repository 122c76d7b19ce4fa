package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opensha/aafs/internal/fault"
)

const tasksCollection = "pending_tasks"

const taskColumns = `id, event_id, sched_time, submit_time, submit_id, opcode, stage, details`

// SubmitTask enqueues a task durably and returns its id.
// Duplicate tasks are allowed; handlers detect superseded work themselves.
func (s *Store) SubmitTask(ctx context.Context, task PendingTask) (int64, error) {
	return insertTask(ctx, s.db, task)
}

func insertTask(ctx context.Context, q querier, task PendingTask) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO pending_tasks
		(event_id, sched_time, submit_time, submit_id, opcode, stage, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		task.EventID,
		task.SchedTime,
		task.SubmitTime,
		task.SubmitID,
		task.Opcode,
		task.Stage,
		detailsText(task.Details),
	)
	if err != nil {
		return 0, fault.Persistence("submit task", tasksCollection, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fault.Persistence("submit task: last insert id", tasksCollection, err)
	}
	return id, nil
}

// FirstTask returns the task with the smallest (sched_time, id), due or not.
// Returns ErrNotFound when the queue is empty.
func (s *Store) FirstTask(ctx context.Context) (PendingTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM pending_tasks
		ORDER BY sched_time ASC, id ASC
		LIMIT 1
	`)
	return scanTaskRow(row)
}

// FirstDueTask returns the earliest task with sched_time <= now.
// Returns ErrNotFound when no task is due.
func (s *Store) FirstDueTask(ctx context.Context, now int64) (PendingTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM pending_tasks
		WHERE sched_time <= ?
		ORDER BY sched_time ASC, id ASC
		LIMIT 1
	`, now)
	return scanTaskRow(row)
}

// ReadTask retrieves a task by id.
func (s *Store) ReadTask(ctx context.Context, id int64) (PendingTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM pending_tasks
		WHERE id = ?
	`, id)
	return scanTaskRow(row)
}

// ListTasks returns up to limit tasks in queue order. A limit <= 0 means all.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]PendingTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM pending_tasks
		ORDER BY sched_time ASC, id ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Persistence("list tasks", tasksCollection, err)
	}
	return collectTasks(rows)
}

// FindTasks returns queued tasks for an event id and opcode in queue order.
func (s *Store) FindTasks(ctx context.Context, eventID string, opcode int) ([]PendingTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM pending_tasks
		WHERE event_id = ? AND opcode = ?
		ORDER BY sched_time ASC, id ASC
	`, eventID, opcode)
	if err != nil {
		return nil, fault.Persistence("find tasks", tasksCollection, err)
	}
	return collectTasks(rows)
}

// CountTasks returns the queue length.
func (s *Store) CountTasks(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_tasks`).Scan(&n); err != nil {
		return 0, fault.Persistence("count tasks", tasksCollection, err)
	}
	return n, nil
}

// DeleteTask removes a task. Deleting a missing task is not an error.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	return deleteTask(ctx, s.db, id)
}

func deleteTask(ctx context.Context, q querier, id int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM pending_tasks WHERE id = ?`, id); err != nil {
		return fault.Persistence("delete task", tasksCollection, err)
	}
	return nil
}

// RestageTask updates a task's event id, schedule, stage and details in place.
// Returns ErrNotFound when the task does not exist.
func (s *Store) RestageTask(ctx context.Context, id int64, r Restage) error {
	n, err := restageTask(ctx, s.db, id, r)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("restage task %d: %w", id, ErrNotFound)
	}
	return nil
}

func restageTask(ctx context.Context, q querier, id int64, r Restage) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE pending_tasks
		SET event_id = ?, sched_time = ?, stage = ?, details = ?
		WHERE id = ?
	`, r.EventID, r.SchedTime, r.Stage, detailsText(r.Details), id)
	if err != nil {
		return 0, fault.Persistence("restage task", tasksCollection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fault.Persistence("restage task: rows affected", tasksCollection, err)
	}
	return n, nil
}

func scanTaskRow(row *sql.Row) (PendingTask, error) {
	var t PendingTask
	var details string
	if err := row.Scan(&t.ID, &t.EventID, &t.SchedTime, &t.SubmitTime, &t.SubmitID, &t.Opcode, &t.Stage, &details); err != nil {
		return PendingTask{}, notFound("read task", tasksCollection, err)
	}
	t.Details = []byte(details)
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]PendingTask, error) {
	defer rows.Close()

	tasks := []PendingTask{}
	for rows.Next() {
		var t PendingTask
		var details string
		if err := rows.Scan(&t.ID, &t.EventID, &t.SchedTime, &t.SubmitTime, &t.SubmitID, &t.Opcode, &t.Stage, &details); err != nil {
			return nil, fault.Persistence("scan task", tasksCollection, err)
		}
		t.Details = []byte(details)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Persistence("iterate tasks", tasksCollection, err)
	}
	return tasks, nil
}
