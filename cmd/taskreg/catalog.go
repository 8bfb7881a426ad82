package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360studio/taskreg/catalog"
)

func catalogCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Load the catalog and print the resulting registry",
		Long: `Loads every catalog file, syncs it into an empty registry and prints
the result as catalog YAML with generated ids filled in. The output can be
saved back as the catalog so ids stay stable across restarts. Conflicts are
listed on stderr and make the command fail.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd, flags)
			if err != nil {
				return err
			}

			reg, cat, report, syncErr := loadRegistry(cfg, nil, logger)
			if reg == nil {
				return syncErr
			}
			for _, c := range report.Conflicts {
				fmt.Fprintf(cmd.ErrOrStderr(), "conflict: %s\n", c)
			}

			snap := reg.Snapshot()
			var out []byte
			if asJSON {
				out, err = json.MarshalIndent(snap, "", "  ")
			} else {
				out, err = catalog.Dump(snap)
			}
			if err != nil {
				return err
			}
			_, _ = cmd.OutOrStdout().Write(out)
			if asJSON {
				fmt.Fprintln(cmd.OutOrStdout())
			}

			logger.Debug("Catalog loaded",
				"files", len(cat.Files),
				"task_types", snap.Len(),
				"active", snap.Active())
			return syncErr
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the registry snapshot as JSON")
	return cmd
}
