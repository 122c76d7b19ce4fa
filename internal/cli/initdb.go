package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// InitDBResult is the output of init-db.
type InitDBResult struct {
	Path    string `json:"path" yaml:"path"`
	Pending int    `json:"pending_tasks" yaml:"pending_tasks"`
}

func (r InitDBResult) String() string {
	return fmt.Sprintf("Database ready at %s (%d pending tasks)", r.Path, r.Pending)
}

// NewInitDBCommand creates the init-db command.
func NewInitDBCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the database and apply the schema",
		Long: `Create the SQLite database if it does not exist and apply the schema
and migrations. Running it on an existing database is harmless.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.store.CountTasks(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read task queue", err)
			}
			return rootOpts.formatter(cmd).Success(InitDBResult{Path: e.store.Path(), Pending: n})
		},
	}
}
