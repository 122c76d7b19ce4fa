package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensha/aafs/internal/engine"
	"github.com/opensha/aafs/internal/relay"
)

// RelayStatusView is a server's latest heartbeat and ledger head.
type RelayStatusView struct {
	Source    string `json:"source" yaml:"source"`
	Head      int64  `json:"head" yaml:"head"`
	Server    int    `json:"server_number,omitempty" yaml:"server_number,omitempty"`
	Session   string `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Version   string `json:"software_version,omitempty" yaml:"software_version,omitempty"`
	Heartbeat string `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`
	Link      string `json:"link_state,omitempty" yaml:"link_state,omitempty"`
	Primary   string `json:"primary_state,omitempty" yaml:"primary_state,omitempty"`
	Config    string `json:"relay_config,omitempty" yaml:"relay_config,omitempty"`
}

func (v RelayStatusView) String() string {
	if v.Server == 0 {
		return fmt.Sprintf("%s: no server status recorded (ledger head %d)", v.Source, v.Head)
	}
	return fmt.Sprintf("%s: server %d %s/%s, config %s, heartbeat %s, ledger head %d",
		v.Source, v.Server, v.Link, v.Primary, v.Config, v.Heartbeat, v.Head)
}

// RelayItemView is one ledger record.
type RelayItemView struct {
	Seq     int64  `json:"seq" yaml:"seq"`
	ID      string `json:"relay_id" yaml:"relay_id"`
	Kind    string `json:"kind" yaml:"kind"`
	Time    string `json:"relay_time" yaml:"relay_time"`
	Origin  bool   `json:"origin" yaml:"origin"`
	Details string `json:"details" yaml:"details"`
}

// RelayItemList renders as a table in text mode.
type RelayItemList []RelayItemView

func (l RelayItemList) String() string {
	if len(l) == 0 {
		return "No relay items."
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tKIND\tRELAY ID\tORIGIN")
	for _, it := range l {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\n", it.Seq, it.Time, it.Kind, it.ID, it.Origin)
	}
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

type relaySourceFlags struct {
	remote bool
}

// partner returns the ledger the command reads: the local database, or the
// configured partner's relay endpoint with --remote.
func (f relaySourceFlags) partner(e *env) (relay.Partner, string, error) {
	if !f.remote {
		return relay.NewStorePartner(relay.NewLedger(e.store)), "local", nil
	}
	url := e.config.Current().Server.PartnerURL
	if url == "" {
		return nil, "", NewExitError(ExitCommandError, "--remote requires server.partner_url")
	}
	p, err := relay.NewHTTPPartner(url)
	if err != nil {
		return nil, "", WrapExitError(ExitCommandError, "invalid partner url", err)
	}
	return p, url, nil
}

// NewRelayCommand creates the relay command group.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Inspect and configure dual-server coordination",
	}
	cmd.AddCommand(newRelayStatusCommand(rootOpts))
	cmd.AddCommand(newRelayItemsCommand(rootOpts))
	cmd.AddCommand(newRelaySetModeCommand(rootOpts))
	cmd.AddCommand(newRelayFetchCommand(rootOpts))
	return cmd
}

func newRelayStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var src relaySourceFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest server status in the relay ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			p, source, err := src.partner(e)
			if err != nil {
				return err
			}
			ps, err := p.Status(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read relay status", err)
			}
			view := RelayStatusView{Source: source, Head: ps.Head}
			if st := ps.Status; st != nil {
				view.Server = st.ServerNumber
				view.Session = st.SessionID
				view.Version = st.SoftwareVersion
				view.Heartbeat = formatMillis(st.Heartbeat)
				view.Link = string(st.LinkState)
				view.Primary = string(st.PrimaryState)
				view.Config = st.Config.String()
			}
			return rootOpts.formatter(cmd).Success(view)
		},
	}
	cmd.Flags().BoolVar(&src.remote, "remote", false, "query the partner's relay endpoint")
	return cmd
}

func newRelayItemsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		src   relaySourceFlags
		after int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "items",
		Short: "List relay ledger items in sequence order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			p, _, err := src.partner(e)
			if err != nil {
				return err
			}
			recs, err := p.Changes(cmd.Context(), after, limit)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read relay items", err)
			}
			out := make(RelayItemList, len(recs))
			for i, r := range recs {
				out[i] = RelayItemView{
					Seq:     r.Seq,
					ID:      r.ID,
					Kind:    relay.KindOf(r.ID).String(),
					Time:    formatMillis(r.Time),
					Origin:  r.Stamp >= 0,
					Details: string(r.Details),
				}
			}
			return rootOpts.formatter(cmd).Success(out)
		},
	}
	cmd.Flags().BoolVar(&src.remote, "remote", false, "query the partner's relay endpoint")
	cmd.Flags().Int64Var(&after, "after", 0, "only items with a larger sequence number")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of items")
	return cmd
}

func newRelaySetModeCommand(rootOpts *RootOptions) *cobra.Command {
	var primary int
	cmd := &cobra.Command{
		Use:   "set-mode <solo|watch|pair>",
		Short: "Change the relay mode and configured primary",
		Long: `Queue a relay configuration change on the local server. The new
configuration is stamped with the current time, replicated to the partner
and wins over any older configuration on either server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := relay.ParseMode(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid relay mode", err)
			}
			rc := relay.RelayConfig{Mode: mode, ConfiguredPrimary: primary, ModeTimestamp: time.Now().UnixMilli()}
			if err := rc.Validate(); err != nil {
				return WrapExitError(ExitCommandError, "invalid relay configuration", err)
			}

			e, err := openEnv(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			id, err := e.submitControl(cmd.Context(), engine.OpSetRelayMode, engine.ControlEventID, &engine.RelayModePayload{
				Mode:              rc.Mode,
				ConfiguredPrimary: rc.ConfiguredPrimary,
				ModeTimestamp:     rc.ModeTimestamp,
			})
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(Submitted{TaskID: id, Opcode: engine.OpSetRelayMode.String(), EventID: engine.ControlEventID})
		},
	}
	cmd.Flags().IntVar(&primary, "primary", 1, "configured primary server (1 or 2)")
	return cmd
}

func newRelayFetchCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		events   []string
		ids      []string
		lookback time.Duration
		lo, hi   int64
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Pull older relay items from the partner",
		Long: `Queue a fetch on the local server. The relay thread pulls the
selected items from the partner and stores them like live changes. Items are
selected by event (its PDL and analyst items), by relay id, by relay time
range, or any combination.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &engine.RelayFetchPayload{Lo: lo, Hi: hi}
			for _, ev := range events {
				ev = relay.NormalizeEventID(ev)
				p.IDs = append(p.IDs, relay.PDLFamilyIDs([]string{ev})...)
				p.IDs = append(p.IDs, relay.AnalystSelectionID(ev))
			}
			for _, id := range ids {
				if relay.KindOf(id) == relay.KindUnknown {
					return NewExitError(ExitCommandError, fmt.Sprintf("unknown relay id %q", id))
				}
				p.IDs = append(p.IDs, id)
			}
			if lookback > 0 && p.Lo == 0 {
				p.Lo = time.Now().Add(-lookback).UnixMilli()
			}
			if len(p.IDs) == 0 && p.Lo == 0 && p.Hi == 0 {
				return NewExitError(ExitCommandError, "select items with --event, --id, --lookback, --lo or --hi")
			}
			if p.Hi != 0 && p.Lo > p.Hi {
				return NewExitError(ExitCommandError, "--lo is after --hi")
			}

			e, err := openEnv(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			id, err := e.submitControl(cmd.Context(), engine.OpRelayFetch, engine.ControlEventID, p)
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(Submitted{TaskID: id, Opcode: engine.OpRelayFetch.String(), EventID: engine.ControlEventID})
		},
	}
	cmd.Flags().StringSliceVar(&events, "event", nil, "event ids whose relay items to fetch")
	cmd.Flags().StringSliceVar(&ids, "id", nil, "relay ids to fetch")
	cmd.Flags().DurationVar(&lookback, "lookback", 0, "fetch items newer than this (sets --lo)")
	cmd.Flags().Int64Var(&lo, "lo", 0, "earliest relay time, epoch milliseconds")
	cmd.Flags().Int64Var(&hi, "hi", 0, "latest relay time, epoch milliseconds")
	return cmd
}
