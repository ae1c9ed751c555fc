package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lsst-sqre/exposurelog/internal/store"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	Database string
}

// MigrateResult is reported by the migrate command.
type MigrateResult struct {
	Database      string `json:"database"`
	SchemaVersion int    `json:"schema_version"`
}

func (r MigrateResult) String() string {
	return fmt.Sprintf("%s is at schema version %d", r.Database, r.SchemaVersion)
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Long: `Create the SQLite database if needed and apply pending schema migrations.

Without --db the database path comes from the configuration
(EXPOSURELOG_DB_PATH).

Example:
  exposurelog migrate --db ./exposurelog.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")

	return cmd
}

func runMigrate(opts *MigrateOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	path := opts.Database
	if path == "" {
		cfg, err := loadConfig(opts.RootOptions)
		if err != nil {
			return err
		}
		path = cfg.DBPath
	}

	out.VerboseLog("opening %s", path)
	st, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	version, err := st.SchemaVersion(context.Background())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read schema version", err)
	}
	return out.Success(MigrateResult{Database: path, SchemaVersion: version})
}
