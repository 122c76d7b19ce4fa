package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opensha/aafs/internal/store"
)

// Opcode selects the handler of a task.
type Opcode int

const (
	OpNoOp             Opcode = 1
	OpShutdown         Opcode = 2
	OpConsoleMessage   Opcode = 3
	OpIntakePoll       Opcode = 4
	OpAnalystIntervene Opcode = 5
	OpGenForecast      Opcode = 6
	OpGenPDLReport     Opcode = 7
	OpGenExpire        Opcode = 8
	OpCleanupEvent     Opcode = 9
	OpSetRelayMode     Opcode = 10
	OpReloadConfig     Opcode = 11
	OpRelayFetch       Opcode = 12
)

var opcodeNames = map[Opcode]string{
	OpNoOp:             "no_op",
	OpShutdown:         "shutdown",
	OpConsoleMessage:   "console_message",
	OpIntakePoll:       "intake_poll",
	OpAnalystIntervene: "analyst_intervene",
	OpGenForecast:      "gen_forecast",
	OpGenPDLReport:     "gen_pdl_report",
	OpGenExpire:        "gen_expire",
	OpCleanupEvent:     "cleanup_event",
	OpSetRelayMode:     "set_relay_mode",
	OpReloadConfig:     "reload_config",
	OpRelayFetch:       "relay_fetch",
}

func (o Opcode) String() string {
	if n, ok := opcodeNames[o]; ok {
		return n
	}
	return fmt.Sprintf("opcode(%d)", int(o))
}

// ParseOpcode converts an opcode name.
func ParseOpcode(name string) (Opcode, error) {
	for o, n := range opcodeNames {
		if n == name {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown opcode %q", name)
}

// ControlEventID is the event id of tasks that act on the server rather
// than on an event.
const ControlEventID = "=server="

// Stage values shared by all opcodes. Positive stages are handler-defined
// attempt counters.
const (
	StageInitial = 0

	// StageCancel makes a timeline task recompute the timeline's next
	// action instead of acting.
	StageCancel = -1

	// StagePDLRecheck marks a report task deferred while secondary. It is
	// far above any send attempt count.
	StagePDLRecheck = 1000
)

// ResultCode is the outcome of one task execution.
type ResultCode int

const (
	ResSuccess       ResultCode = 1
	ResAnalystFail   ResultCode = 2 // analyst predicate failed
	ResStale         ResultCode = 3 // task superseded by a later state
	ResIntakeIgnored ResultCode = 4
	ResTaskCorrupt   ResultCode = 5
	ResComcatFail    ResultCode = 6 // catalog retries exhausted
	ResPDLFail       ResultCode = 7 // send retries exhausted
	ResCleanupDone   ResultCode = 8
	ResNoTimeline    ResultCode = 9
	ResTaskError     ResultCode = 10 // handler error or panic

	ResStageComcatRetry  ResultCode = 20
	ResStageTimelineID   ResultCode = 21
	ResStagePDLRetry     ResultCode = 22
	ResStageCleanupRetry ResultCode = 23
	ResStage             ResultCode = 24
)

var resultNames = map[ResultCode]string{
	ResSuccess:           "success",
	ResAnalystFail:       "analyst_fail",
	ResStale:             "stale",
	ResIntakeIgnored:     "intake_ignored",
	ResTaskCorrupt:       "task_corrupt",
	ResComcatFail:        "comcat_fail",
	ResPDLFail:           "pdl_fail",
	ResCleanupDone:       "cleanup_done",
	ResNoTimeline:        "no_timeline",
	ResTaskError:         "task_error",
	ResStageComcatRetry:  "stage_comcat_retry",
	ResStageTimelineID:   "stage_timeline_id",
	ResStagePDLRetry:     "stage_pdl_retry",
	ResStageCleanupRetry: "stage_cleanup_retry",
	ResStage:             "stage",
}

func (r ResultCode) String() string {
	if n, ok := resultNames[r]; ok {
		return n
	}
	return fmt.Sprintf("rescode(%d)", int(r))
}

// IsRestage reports whether the task stays in the queue.
func (r ResultCode) IsRestage() bool {
	switch r {
	case ResStageComcatRetry, ResStageTimelineID, ResStagePDLRetry, ResStageCleanupRetry, ResStage:
		return true
	}
	return false
}

// Task is a pending task as seen by handlers.
type Task struct {
	ID         int64
	EventID    string
	SchedTime  int64
	SubmitTime int64
	SubmitID   string
	Opcode     Opcode
	Stage      int
	Details    json.RawMessage
}

func taskFromStore(p store.PendingTask) Task {
	return Task{
		ID:         p.ID,
		EventID:    p.EventID,
		SchedTime:  p.SchedTime,
		SubmitTime: p.SubmitTime,
		SubmitID:   p.SubmitID,
		Opcode:     Opcode(p.Opcode),
		Stage:      p.Stage,
		Details:    p.Details,
	}
}

func (t Task) record() store.PendingTask {
	return store.PendingTask{
		ID:         t.ID,
		EventID:    t.EventID,
		SchedTime:  t.SchedTime,
		SubmitTime: t.SubmitTime,
		SubmitID:   t.SubmitID,
		Opcode:     int(t.Opcode),
		Stage:      t.Stage,
		Details:    t.Details,
	}
}

// LogValue dumps the task into failure logs.
func (t Task) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("id", t.ID),
		slog.String("event_id", t.EventID),
		slog.String("opcode", t.Opcode.String()),
		slog.Int("stage", t.Stage),
		slog.Int64("sched_time", t.SchedTime),
		slog.String("submit_id", t.SubmitID),
		slog.String("details", string(t.Details)),
	)
}
