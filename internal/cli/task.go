package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opensha/aafs/internal/engine"
)

// TaskView is one pending task as shown by task list.
type TaskView struct {
	ID        int64  `json:"id" yaml:"id"`
	EventID   string `json:"event_id" yaml:"event_id"`
	Opcode    string `json:"opcode" yaml:"opcode"`
	Stage     int    `json:"stage" yaml:"stage"`
	SchedTime string `json:"sched_time" yaml:"sched_time"`
	SubmitID  string `json:"submit_id" yaml:"submit_id"`
}

// TaskList renders as a table in text mode.
type TaskList []TaskView

func (l TaskList) String() string {
	if len(l) == 0 {
		return "No pending tasks."
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSCHEDULED\tEVENT\tOPCODE\tSTAGE\tSUBMITTER")
	for _, t := range l {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", t.ID, t.SchedTime, t.EventID, t.Opcode, t.Stage, t.SubmitID)
	}
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

// Submitted reports a queued task.
type Submitted struct {
	TaskID  int64  `json:"task_id" yaml:"task_id"`
	Opcode  string `json:"opcode" yaml:"opcode"`
	EventID string `json:"event_id" yaml:"event_id"`
}

func (s Submitted) String() string {
	return fmt.Sprintf("Submitted %s task %d for %s", s.Opcode, s.TaskID, s.EventID)
}

// NewTaskCommand creates the task command group.
func NewTaskCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and submit server tasks",
	}
	cmd.AddCommand(newTaskListCommand(rootOpts))
	cmd.AddCommand(newControlCommand(rootOpts, "submit-shutdown", "Ask the running server to stop", engine.OpShutdown, cobra.NoArgs))
	cmd.AddCommand(newControlCommand(rootOpts, "reload", "Ask the running server to re-read its configuration", engine.OpReloadConfig, cobra.NoArgs))
	cmd.AddCommand(newControlCommand(rootOpts, "message <text>", "Write a message to the server log", engine.OpConsoleMessage, cobra.MinimumNArgs(1)))
	return cmd
}

func newTaskListCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending tasks in execution order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			tasks, err := e.store.ListTasks(cmd.Context(), limit)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list tasks", err)
			}
			out := make(TaskList, len(tasks))
			for i, t := range tasks {
				out[i] = TaskView{
					ID:        t.ID,
					EventID:   t.EventID,
					Opcode:    engine.Opcode(t.Opcode).String(),
					Stage:     t.Stage,
					SchedTime: formatMillis(t.SchedTime),
					SubmitID:  t.SubmitID,
				}
			}
			return rootOpts.formatter(cmd).Success(out)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of tasks to show (0 for all)")
	return cmd
}

func newControlCommand(rootOpts *RootOptions, use, short string, op engine.Opcode, args cobra.PositionalArgs) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			var p engine.Payload
			if op == engine.OpConsoleMessage {
				p = &engine.MessagePayload{Message: strings.Join(args, " ")}
			}
			id, err := e.submitControl(cmd.Context(), op, engine.ControlEventID, p)
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(Submitted{TaskID: id, Opcode: op.String(), EventID: engine.ControlEventID})
		},
	}
}
