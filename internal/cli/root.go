package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "text" | "json" | "yaml"
	Config   string // config file; empty for defaults and environment
	Database string // overrides server.db_path
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command for the aafs CLI.
func NewRootCommand() *cobra.Command {
	cmd, _ := newRoot()
	return cmd
}

// Execute runs the CLI with args and returns the process exit status.
// Failures are rendered in the requested output format: structured formats
// go to stdout so scripts read one document either way.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd, opts := newRoot()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	out := stdout
	format := opts.Format
	if !slices.Contains(ValidFormats, format) || format == "text" {
		out, format = stderr, "text"
	}
	f := &OutputFormatter{Format: format, Writer: out, Verbose: opts.Verbose}
	if ferr := f.Failure(err); ferr != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return GetExitCode(err)
}

func newRoot() (*cobra.Command, *RootOptions) {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "aafs",
		Short: "aafs - aftershock forecast automation server",
		Long: `Automatic aftershock forecasting for significant earthquakes.

The server polls the earthquake catalog, opens a forecast timeline for each
qualifying mainshock, generates forecasts on a schedule of lags after the
origin time and publishes them. Two servers may run as a pair, coordinating
through a replicated relay ledger so that exactly one publishes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to the SQLite database (overrides server.db_path)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewInitDBCommand(opts))
	cmd.AddCommand(NewTaskCommand(opts))
	cmd.AddCommand(NewAnalystCommand(opts))
	cmd.AddCommand(NewTimelineCommand(opts))
	cmd.AddCommand(NewRelayCommand(opts))
	cmd.AddCommand(NewIntakeCommand(opts))

	return cmd, opts
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout(), Verbose: o.Verbose}
}
