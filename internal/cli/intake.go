package cli

import (
	"github.com/spf13/cobra"

	"github.com/opensha/aafs/internal/engine"
	"github.com/opensha/aafs/internal/relay"
)

// NewIntakeCommand creates the intake command.
func NewIntakeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "intake <event-id>",
		Short: "Ask the server to consider an event for forecasting",
		Long: `Queue an intake task for an event. The server fetches the event from
the catalog and opens a timeline when it passes the magnitude thresholds,
exactly as if the catalog poll had found it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventID := relay.NormalizeEventID(args[0])
			if eventID == "" {
				return NewExitError(ExitCommandError, "event id must not be empty")
			}
			e, err := openEnv(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			id, err := e.submitControl(cmd.Context(), engine.OpIntakePoll, eventID, &engine.IntakePayload{Origin: engine.OriginAnalyst})
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(Submitted{TaskID: id, Opcode: engine.OpIntakePoll.String(), EventID: eventID})
		},
	}
}
