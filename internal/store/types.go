package store

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PendingTask is one queued unit of dispatcher work.
type PendingTask struct {
	ID         int64
	EventID    string
	SchedTime  int64
	SubmitTime int64
	SubmitID   string
	Opcode     int
	Stage      int
	Details    json.RawMessage
}

// LogEntry records the terminal result of a task.
type LogEntry struct {
	ID         int64
	LogTime    int64
	EventID    string
	SchedTime  int64
	SubmitTime int64
	SubmitID   string
	Opcode     int
	Stage      int
	Details    json.RawMessage
	Rescode    int
}

// TimelineEntry is one immutable snapshot of a timeline's status.
type TimelineEntry struct {
	ID         int64
	TimelineID string
	EntryTime  int64
	ActCode    int
	ComcatIDs  []string
	Details    json.RawMessage
}

// AliasFamily is one version of the id family of a timeline.
type AliasFamily struct {
	ID              int64
	FamilyID        string
	FamilyTime      int64
	AuthoritativeID string
	MemberIDs       []string
}

// RelayRecord is a stored relay item.
type RelayRecord struct {
	Seq        int64
	RelayID    string
	RelayTime  int64
	RelayStamp int64
	Details    json.RawMessage
}

// CatalogSnapshot is an aftershock catalog captured for a forecast.
// Details is stored compressed and returned decompressed.
type CatalogSnapshot struct {
	ID        int64
	Key       string
	EventID   string
	StartTime int64
	EndTime   int64
	Details   json.RawMessage
}

// Restage moves the current task to a new stage, time and event id.
type Restage struct {
	EventID   string
	SchedTime int64
	Stage     int
	Details   json.RawMessage
}

// Batch is everything one task attempt wants to make durable.
// It is applied atomically by Commit.
type Batch struct {
	TimelineEntries []TimelineEntry
	AliasFamilies   []AliasFamily
	NewTasks        []PendingTask

	// TaskID identifies the task being finished; zero when there is none.
	TaskID int64

	// Restage, when non-nil, keeps the task with new values; otherwise the
	// task is deleted.
	Restage *Restage

	Log *LogEntry
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
