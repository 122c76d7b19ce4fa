package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensha/aafs/internal/fault"
)

func TestCommit_DeletesTaskAndWritesEverything(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	taskID, err := s.SubmitTask(ctx, PendingTask{EventID: "us1", SchedTime: 1, Opcode: 3})
	require.NoError(t, err)

	ids, err := s.Commit(ctx, Batch{
		TimelineEntries: []TimelineEntry{{TimelineID: "tl_us1", EntryTime: 5, ActCode: 1, Details: []byte(`{"v":1}`)}},
		AliasFamilies:   []AliasFamily{{FamilyID: "tl_us1", FamilyTime: 5, AuthoritativeID: "us1", MemberIDs: []string{"us1"}}},
		NewTasks:        []PendingTask{{EventID: "tl_us1", SchedTime: 100, Opcode: 5}},
		TaskID:          taskID,
		Log:             &LogEntry{LogTime: 5, EventID: "us1", Opcode: 3, Rescode: 1},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	_, err = s.ReadTask(ctx, taskID)
	assert.ErrorIs(t, err, ErrNotFound)

	next, err := s.ReadTask(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 5, next.Opcode)

	_, err = s.LatestTimelineEntry(ctx, "tl_us1")
	require.NoError(t, err)

	f, err := s.FamilyForMember(ctx, "us1")
	require.NoError(t, err)
	assert.Equal(t, "tl_us1", f.FamilyID)

	logs, err := s.LogEntries(ctx, "us1", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestCommit_Restage(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	taskID, err := s.SubmitTask(ctx, PendingTask{EventID: "us1", SchedTime: 1, Opcode: 3})
	require.NoError(t, err)

	_, err = s.Commit(ctx, Batch{
		TaskID:  taskID,
		Restage: &Restage{EventID: "tl_us1", SchedTime: 60, Stage: 1, Details: []byte(`{"v":1}`)},
	})
	require.NoError(t, err)

	task, err := s.ReadTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, "tl_us1", task.EventID)
	assert.Equal(t, 1, task.Stage)

	// Restaging a vanished task is not an error.
	require.NoError(t, s.DeleteTask(ctx, taskID))
	_, err = s.Commit(ctx, Batch{TaskID: taskID, Restage: &Restage{EventID: "x"}})
	require.NoError(t, err)
}

func TestCommit_RollsBackOnFailure(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	taskID, err := s.SubmitTask(ctx, PendingTask{EventID: "us1", SchedTime: 1, Opcode: 3})
	require.NoError(t, err)

	// Drop log_entries so the final step fails.
	_, err = s.db.Exec(`DROP TABLE log_entries`)
	require.NoError(t, err)

	_, err = s.Commit(ctx, Batch{
		TimelineEntries: []TimelineEntry{{TimelineID: "tl_us1", EntryTime: 5, ActCode: 1, Details: []byte(`{"v":1}`)}},
		TaskID:          taskID,
		Log:             &LogEntry{LogTime: 5, EventID: "us1"},
	})
	require.Error(t, err)
	assert.True(t, fault.IsPersistence(err))

	_, err = s.ReadTask(ctx, taskID)
	require.NoError(t, err, "task survives a failed commit")
	_, err = s.LatestTimelineEntry(ctx, "tl_us1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DriverErrorsArePersistence(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &Store{db: db, path: "mock"}
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO pending_tasks").WillReturnError(errors.New("disk I/O error"))
	_, err = s.SubmitTask(ctx, PendingTask{EventID: "us1"})
	require.Error(t, err)
	assert.True(t, fault.IsPersistence(err))
	assert.Contains(t, err.Error(), "pending_tasks")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT MAX\\(relay_time\\)").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()
	_, err = s.SubmitRelay(ctx, RelayRecord{RelayID: "pdlc_us1", RelayTime: 1}, false)
	require.Error(t, err)
	assert.True(t, fault.IsPersistence(err))

	mock.ExpectQuery("FROM pending_tasks").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = s.FirstTask(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}
