package engine

import (
	"encoding/json"

	"github.com/opensha/aafs/internal/store"
	"github.com/opensha/aafs/internal/timeline"
)

// Txn collects the durable effects of one task attempt. Nothing in it is
// written until the dispatcher commits it together with the task's own
// deletion or restage.
type Txn struct {
	now      int64
	submitID string

	batch    store.Batch
	restage  *store.Restage
	acts     []timeline.ActCode
	shutdown bool
}

func newTxn(now int64, submitID string) *Txn {
	return &Txn{now: now, submitID: submitID}
}

// Now is the time of the attempt in epoch milliseconds.
func (x *Txn) Now() int64 { return x.now }

// AppendTimeline records a new status for its timeline.
func (x *Txn) AppendTimeline(s timeline.Status, act timeline.ActCode) error {
	details, err := timeline.Encode(s)
	if err != nil {
		return err
	}
	x.batch.TimelineEntries = append(x.batch.TimelineEntries, store.TimelineEntry{
		TimelineID: s.TimelineID,
		EntryTime:  x.now,
		ActCode:    int(act),
		ComcatIDs:  s.ComcatIDs,
		Details:    details,
	})
	x.acts = append(x.acts, act)
	return nil
}

// WriteAlias records a new version of a timeline's id family.
func (x *Txn) WriteAlias(timelineID, authoritativeID string, members []string) {
	x.batch.AliasFamilies = append(x.batch.AliasFamilies, store.AliasFamily{
		FamilyID:        timelineID,
		FamilyTime:      x.now,
		AuthoritativeID: authoritativeID,
		MemberIDs:       members,
	})
}

// Submit queues a new task.
func (x *Txn) Submit(op Opcode, eventID string, schedTime int64, p Payload) error {
	details, err := EncodePayload(p)
	if err != nil {
		return err
	}
	x.batch.NewTasks = append(x.batch.NewTasks, store.PendingTask{
		EventID:    eventID,
		SchedTime:  schedTime,
		SubmitTime: x.now,
		SubmitID:   x.submitID,
		Opcode:     int(op),
		Stage:      StageInitial,
		Details:    details,
	})
	return nil
}

// Restage keeps the current task with a new event id, time and stage.
// Details nil keeps the task's payload.
func (x *Txn) Restage(eventID string, schedTime int64, stage int, details json.RawMessage) {
	x.restage = &store.Restage{EventID: eventID, SchedTime: schedTime, Stage: stage, Details: details}
}

// Shutdown asks the dispatcher to stop after the commit.
func (x *Txn) Shutdown() { x.shutdown = true }

// discard drops every effect, used when the attempt failed.
func (x *Txn) discard() {
	x.batch = store.Batch{}
	x.restage = nil
	x.acts = nil
}
