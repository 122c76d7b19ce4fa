package store

import (
	"context"

	"github.com/opensha/aafs/internal/fault"
)

const logCollection = "log_entries"

func insertLogEntry(ctx context.Context, q querier, e LogEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO log_entries
		(log_time, event_id, sched_time, submit_time, submit_id, opcode, stage, details, rescode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.LogTime,
		e.EventID,
		e.SchedTime,
		e.SubmitTime,
		e.SubmitID,
		e.Opcode,
		e.Stage,
		detailsText(e.Details),
		e.Rescode,
	)
	if err != nil {
		return fault.Persistence("write log entry", logCollection, err)
	}
	return nil
}

// WriteLogEntry records a task result outside a batch.
func (s *Store) WriteLogEntry(ctx context.Context, e LogEntry) error {
	return insertLogEntry(ctx, s.db, e)
}

// LogEntries returns log entries for an event, oldest first. An empty
// event id returns the newest limit entries across all events, newest first.
func (s *Store) LogEntries(ctx context.Context, eventID string, limit int) ([]LogEntry, error) {
	query := `
		SELECT id, log_time, event_id, sched_time, submit_time, submit_id, opcode, stage, details, rescode
		FROM log_entries`
	var args []any
	if eventID != "" {
		query += ` WHERE event_id = ? ORDER BY log_time ASC, id ASC`
		args = append(args, eventID)
	} else {
		query += ` ORDER BY log_time DESC, id DESC`
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Persistence("log entries", logCollection, err)
	}
	defer rows.Close()

	out := []LogEntry{}
	for rows.Next() {
		var e LogEntry
		var details string
		if err := rows.Scan(&e.ID, &e.LogTime, &e.EventID, &e.SchedTime, &e.SubmitTime, &e.SubmitID, &e.Opcode, &e.Stage, &details, &e.Rescode); err != nil {
			return nil, fault.Persistence("scan log entry", logCollection, err)
		}
		e.Details = []byte(details)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Persistence("iterate log entries", logCollection, err)
	}
	return out, nil
}
