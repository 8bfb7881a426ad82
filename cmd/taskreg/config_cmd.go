package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/taskreg/config"
)

func configCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize configuration",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, _, err := setup(cmd, flags)
				if err != nil {
					return err
				}
				out, err := yaml.Marshal(cfg.Redacted())
				if err != nil {
					return fmt.Errorf("marshal config: %w", err)
				}
				_, _ = cmd.OutOrStdout().Write(out)
				return nil
			},
		},
		&cobra.Command{
			Use:   "init",
			Short: "Write the default user config if it does not exist",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := config.NewLoader(newLogger(cmd.ErrOrStderr(), slog.LevelInfo)).EnsureUserConfig()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			},
		},
	)

	return cmd
}
