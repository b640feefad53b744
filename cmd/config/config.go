package config

import (
	"github.com/spf13/cobra"
	"github.com/tphakala/audiomixer/internal/conf"
)

// Command creates a command printing the effective settings as YAML.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Prints the settings after defaults, config.yaml, environment and flags are applied, in config.yaml form.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := settings.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	return cmd
}
