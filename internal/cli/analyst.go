package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensha/aafs/internal/engine"
	"github.com/opensha/aafs/internal/relay"
	"github.com/opensha/aafs/internal/timeline"
)

var intakeOptions = map[string]timeline.IntakeOption{
	"normal": timeline.IntakeNormal,
	"block":  timeline.IntakeBlock,
	"force":  timeline.IntakeForce,
}

var pdlOptions = map[string]timeline.PDLOption{
	"default":  timeline.PDLDefault,
	"suppress": timeline.PDLSuppress,
	"force":    timeline.PDLForce,
}

type analystFlags struct {
	intake   string
	pdl      string
	maxLag   time.Duration
	extraLag time.Duration
}

func (f analystFlags) options() (timeline.AnalystOptions, error) {
	intake, ok := intakeOptions[f.intake]
	if !ok {
		return timeline.AnalystOptions{}, fmt.Errorf("invalid intake option %q: must be normal, block or force", f.intake)
	}
	pub, ok := pdlOptions[f.pdl]
	if !ok {
		return timeline.AnalystOptions{}, fmt.Errorf("invalid pdl option %q: must be default, suppress or force", f.pdl)
	}
	if f.maxLag < 0 || f.extraLag < 0 {
		return timeline.AnalystOptions{}, fmt.Errorf("forecast lags must not be negative")
	}
	return timeline.AnalystOptions{
		IntakeOption:     intake,
		PDLOption:        pub,
		MaxForecastLag:   f.maxLag.Milliseconds(),
		ExtraForecastLag: f.extraLag.Milliseconds(),
	}, nil
}

// AnalystResult reports a recorded analyst selection.
type AnalystResult struct {
	EventID   string `json:"event_id" yaml:"event_id"`
	Request   string `json:"request" yaml:"request"`
	RelayID   string `json:"relay_id" yaml:"relay_id"`
	RelayTime string `json:"relay_time" yaml:"relay_time"`
}

func (r AnalystResult) String() string {
	return fmt.Sprintf("Analyst %s recorded for %s as %s at %s", r.Request, r.EventID, r.RelayID, r.RelayTime)
}

// NewAnalystCommand creates the analyst command group.
func NewAnalystCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyst",
		Short: "Issue analyst interventions on an event",
		Long: `Issue an analyst intervention on an event.

The selection is recorded in the relay ledger, so the partner server applies
it too, and an analyst task is queued for the local server.`,
	}
	cmd.AddCommand(newAnalystRequestCommand(rootOpts, timeline.AnalystStart, "Start or resume forecasting"))
	cmd.AddCommand(newAnalystRequestCommand(rootOpts, timeline.AnalystStop, "Stop forecasting"))
	cmd.AddCommand(newAnalystRequestCommand(rootOpts, timeline.AnalystWithdraw, "Withdraw the timeline and block automatic intake"))
	cmd.AddCommand(newAnalystRequestCommand(rootOpts, timeline.AnalystUpdate, "Change options without changing the timeline state"))
	return cmd
}

func newAnalystRequestCommand(rootOpts *RootOptions, req timeline.AnalystRequest, short string) *cobra.Command {
	var flags analystFlags
	cmd := &cobra.Command{
		Use:   req.String() + " <event-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid analyst options", err)
			}
			eventID := relay.NormalizeEventID(args[0])
			if eventID == "" {
				return NewExitError(ExitCommandError, "event id must not be empty")
			}

			e, err := openEnv(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			it, err := engine.SubmitAnalystSelection(cmd.Context(), e.queue(), relay.NewLedger(e.store),
				newSubmitID(), eventID, req, opts, time.Now().UnixMilli())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to record analyst selection", err)
			}
			return rootOpts.formatter(cmd).Success(AnalystResult{
				EventID:   eventID,
				Request:   req.String(),
				RelayID:   it.ID,
				RelayTime: formatMillis(it.Time),
			})
		},
	}
	cmd.Flags().StringVar(&flags.intake, "intake", "normal", "intake option (normal|block|force)")
	cmd.Flags().StringVar(&flags.pdl, "pdl", "default", "publication option (default|suppress|force)")
	cmd.Flags().DurationVar(&flags.maxLag, "max-lag", 0, "stop forecasting after this lag (0 for the full schedule)")
	cmd.Flags().DurationVar(&flags.extraLag, "extra-lag", 0, "request one extra forecast at this lag")
	return cmd
}
