package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Load and validate the configuration, then print it.

Text output is YAML in the same shape the --config file accepts.

Example:
  exposurelog config --config exposurelog.yaml
  exposurelog config --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			out := rootOpts.formatter(cmd)
			if rootOpts.Format == "json" {
				return out.Success(cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to render configuration", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}
