package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensha/aafs/internal/relay"
	"github.com/opensha/aafs/internal/store"
	"github.com/opensha/aafs/internal/timeline"
)

// TimelineEntryView is one snapshot of a timeline.
type TimelineEntryView struct {
	Time        string   `json:"time" yaml:"time"`
	Action      string   `json:"action" yaml:"action"`
	FCStatus    string   `json:"fc_status" yaml:"fc_status"`
	PDLStatus   string   `json:"pdl_status" yaml:"pdl_status"`
	ForecastLag string   `json:"forecast_lag" yaml:"forecast_lag"`
	ComcatIDs   []string `json:"comcat_ids" yaml:"comcat_ids,flow"`
	ProductCode string   `json:"pdl_product_code,omitempty" yaml:"pdl_product_code,omitempty"`
	Error       string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// TimelineView is the history of the timeline an event belongs to.
type TimelineView struct {
	TimelineID      string              `json:"timeline_id" yaml:"timeline_id"`
	AuthoritativeID string              `json:"authoritative_id" yaml:"authoritative_id"`
	Members         []string            `json:"members" yaml:"members,flow"`
	Mag             float64             `json:"mag" yaml:"mag"`
	Origin          string              `json:"origin_time" yaml:"origin_time"`
	Entries         []TimelineEntryView `json:"entries" yaml:"entries"`
}

func (v TimelineView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Timeline %s (M%.1f at %s, ids %s)\n", v.TimelineID, v.Mag, v.Origin, strings.Join(v.Members, ","))
	for _, e := range v.Entries {
		fmt.Fprintf(&b, "  %s  %-16s %-22s %-12s lag=%s", e.Time, e.Action, e.FCStatus, e.PDLStatus, e.ForecastLag)
		if e.Error != "" {
			fmt.Fprintf(&b, "  error=%q", e.Error)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatLag(ms int64) string {
	if ms < 0 {
		return "none"
	}
	return (time.Duration(ms) * time.Millisecond).String()
}

// NewTimelineCommand creates the timeline command group.
func NewTimelineCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Inspect forecast timelines",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <event-id>",
		Short: "Show the history of the timeline containing an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			view, err := loadTimeline(cmd, e.store, relay.NormalizeEventID(args[0]))
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(view)
		},
	})
	return cmd
}

func loadTimeline(cmd *cobra.Command, st *store.Store, eventID string) (TimelineView, error) {
	ctx := cmd.Context()
	fam, err := st.FamilyForMember(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return TimelineView{}, NewExitError(ExitFailure, fmt.Sprintf("no timeline for event %s", eventID))
	}
	if err != nil {
		return TimelineView{}, WrapExitError(ExitFailure, "failed to read alias family", err)
	}
	entries, err := st.TimelineEntries(ctx, fam.FamilyID)
	if err != nil {
		return TimelineView{}, WrapExitError(ExitFailure, "failed to read timeline", err)
	}

	view := TimelineView{
		TimelineID:      fam.FamilyID,
		AuthoritativeID: fam.AuthoritativeID,
		Members:         fam.MemberIDs,
		Entries:         make([]TimelineEntryView, 0, len(entries)),
	}
	for _, entry := range entries {
		s, err := timeline.Decode(entry.Details)
		if err != nil {
			return TimelineView{}, WrapExitError(ExitFailure, fmt.Sprintf("corrupt timeline entry %d", entry.ID), err)
		}
		view.Mag = s.Mainshock.Mag
		view.Origin = formatMillis(s.Mainshock.OriginTime)
		view.Entries = append(view.Entries, TimelineEntryView{
			Time:        formatMillis(entry.EntryTime),
			Action:      timeline.ActCode(entry.ActCode).String(),
			FCStatus:    s.FCStatus.String(),
			PDLStatus:   s.PDLStatus.String(),
			ForecastLag: formatLag(s.LastForecastLag),
			ComcatIDs:   entry.ComcatIDs,
			ProductCode: s.PDLProductCode,
			Error:       s.ErrorText,
		})
	}
	return view, nil
}
