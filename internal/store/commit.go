package store

import (
	"context"

	"github.com/opensha/aafs/internal/fault"
)

// Commit applies a task batch in one transaction: timeline appends, alias
// family versions, new tasks, the finished task's delete or restage, and its
// log entry. Either everything becomes durable or nothing does.
//
// Returns the ids assigned to NewTasks, in order.
func (s *Store) Commit(ctx context.Context, b Batch) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fault.Persistence("commit: begin tx", tasksCollection, err)
	}
	defer tx.Rollback()

	for _, e := range b.TimelineEntries {
		if _, err := insertTimelineEntry(ctx, tx, e); err != nil {
			return nil, err
		}
	}
	for _, f := range b.AliasFamilies {
		if err := writeAliasFamily(ctx, tx, f); err != nil {
			return nil, err
		}
	}

	ids := make([]int64, 0, len(b.NewTasks))
	for _, t := range b.NewTasks {
		id, err := insertTask(ctx, tx, t)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if b.TaskID != 0 {
		if b.Restage != nil {
			// A task removed while it ran is not restaged.
			if _, err := restageTask(ctx, tx, b.TaskID, *b.Restage); err != nil {
				return nil, err
			}
		} else if err := deleteTask(ctx, tx, b.TaskID); err != nil {
			return nil, err
		}
	}

	if b.Log != nil {
		if err := insertLogEntry(ctx, tx, *b.Log); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fault.Persistence("commit", tasksCollection, err)
	}
	return ids, nil
}
