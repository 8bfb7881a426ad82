package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/c360studio/taskreg/catalog"
	"github.com/c360studio/taskreg/tasktype"
	"github.com/c360studio/taskreg/validation"
)

func validateCmd(flags *globalFlags) *cobra.Command {
	var (
		typeRef string
		version uint32
	)

	cmd := &cobra.Command{
		Use:   "validate [payload-file|-]",
		Short: "Check a task payload against the catalog without dispatching it",
		Long: `Validates a JSON payload against a task type from the catalog. The
type is given by name or id; without --version the latest schema version
is used. Reads the payload from stdin when no file is given or the file
is "-". Exits non-zero when the payload is rejected.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd, flags)
			if err != nil {
				return err
			}

			payload, err := readPayload(cmd, args)
			if err != nil {
				return err
			}

			reg, _, _, err := loadRegistry(cfg, nil, logger)
			if err != nil && !errors.Is(err, catalog.ErrConflict) {
				return err
			}

			vt, err := validatePayload(reg.Snapshot(), typeRef, tasktype.Version(version), payload)
			if err != nil {
				if validation.IsRejection(err) {
					fmt.Fprintf(cmd.OutOrStdout(), "rejected (%s): %v\n", validation.Reason(err), err)
				}
				return err
			}

			out, err := json.MarshalIndent(vt, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVarP(&typeRef, "type", "t", "", "Task type name or id (required)")
	cmd.Flags().Uint32VarP(&version, "version", "v", 0, "Schema version (default latest)")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

// validatePayload resolves typeRef against snap and validates payload.
// Version 0 selects the latest version of an active type.
func validatePayload(snap *tasktype.Snapshot, typeRef string, version tasktype.Version, payload []byte) (*validation.ValidatedTask, error) {
	id, err := tasktype.ParseID(typeRef)
	if err != nil {
		var ok bool
		if id, ok = snap.LookupByName(typeRef); !ok {
			return nil, &validation.Error{
				Kind:  validation.ErrUnknownType,
				Cause: fmt.Errorf("no active task type named %q", typeRef),
			}
		}
	}

	v := validation.New()
	if version == 0 {
		return v.ValidateLatest(snap, id, payload)
	}
	return v.Validate(snap, id, version, payload)
}

func readPayload(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}
