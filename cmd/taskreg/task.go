package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/spf13/cobra"

	"github.com/c360studio/taskreg/catalog"
	"github.com/c360studio/taskreg/config"
	"github.com/c360studio/taskreg/dispatch"
	"github.com/c360studio/taskreg/storage"
	"github.com/c360studio/taskreg/tasktype"
	"github.com/c360studio/taskreg/validation"
)

// taskReader is the read side of the task ledger.
type taskReader interface {
	GetTask(ctx context.Context, id storage.EntityID) (*storage.Task, error)
	ListTasksByType(ctx context.Context, typeID tasktype.ID) ([]*storage.Task, error)
	GetResultByTask(ctx context.Context, taskID storage.EntityID) (*storage.Result, error)
}

func taskCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and replay tasks recorded in the ledger",
	}

	cmd.AddCommand(taskShowCmd(flags), taskListCmd(flags), taskReplayCmd(flags))
	return cmd
}

func taskShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Print a recorded task and its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			client, store, err := openLedger(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close(context.Background())

			return showTask(cmd.Context(), cmd.OutOrStdout(), store, args[0])
		},
	}
}

func taskListCmd(flags *globalFlags) *cobra.Command {
	var (
		typeRef string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded tasks of a task type",
		Long: `Lists every task recorded against a task type, oldest first. The
type is given by id or by its active name in the catalog.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			reg, _, _, err := loadRegistry(cfg, nil, logger)
			if err != nil && !errors.Is(err, catalog.ErrConflict) {
				return err
			}
			client, store, err := openLedger(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close(context.Background())

			return listTasks(cmd.Context(), cmd.OutOrStdout(), store, reg.Snapshot(), typeRef, asJSON)
		},
	}

	cmd.Flags().StringVarP(&typeRef, "type", "t", "", "Task type name or id (required)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print tasks as JSON")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func taskReplayCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <task-id>",
		Short: "Re-validate a recorded task and publish it again",
		Long: `Re-validates a recorded task against the schema version it was
accepted with and publishes it again on <subject_prefix>.<type-id>. Tasks
of retired types can be replayed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			reg, _, _, err := loadRegistry(cfg, nil, logger)
			if err != nil && !errors.Is(err, catalog.ErrConflict) {
				return err
			}
			client, store, err := openLedger(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close(context.Background())

			js, err := client.JetStream()
			if err != nil {
				return fmt.Errorf("get jetstream: %w", err)
			}
			d := dispatch.New(reg, validation.New(), dispatch.NewJetStreamPublisher(js),
				dispatch.WithLedger(store),
				dispatch.WithSubjectPrefix(cfg.Dispatch.SubjectPrefix),
				dispatch.WithSource(appName),
				dispatch.WithLogger(logger))

			return replayTask(cmd.Context(), cmd.OutOrStdout(), d, args[0])
		},
	}
}

// openLedger connects to NATS and opens the task ledger buckets.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, *storage.Store, error) {
	if !cfg.Dispatch.Ledger {
		return nil, nil, errors.New("the task ledger is disabled (dispatch.ledger)")
	}
	client, err := connectToNATS(ctx, cfg.NATS, logger)
	if err != nil {
		return nil, nil, err
	}
	js, err := client.JetStream()
	if err != nil {
		client.Close(context.Background())
		return nil, nil, fmt.Errorf("get jetstream: %w", err)
	}
	store, err := storage.NewStore(ctx, js)
	if err != nil {
		client.Close(context.Background())
		return nil, nil, fmt.Errorf("open task ledger: %w", err)
	}
	return client, store, nil
}

// taskView prints the payload as JSON rather than base64.
type taskView struct {
	*storage.Task
	Payload json.RawMessage `json:"payload"`
}

func newTaskView(t *storage.Task) taskView {
	return taskView{Task: t, Payload: json.RawMessage(t.Payload)}
}

func showTask(ctx context.Context, w io.Writer, ledger taskReader, ref string) error {
	id, err := storage.ParseEntityID(ref)
	if err != nil {
		return err
	}
	task, err := ledger.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("get task %s: %w", ref, err)
	}

	out := struct {
		Task   taskView        `json:"task"`
		Result *storage.Result `json:"result,omitempty"`
	}{Task: newTaskView(task)}

	out.Result, err = ledger.GetResultByTask(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("get result for %s: %w", ref, err)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func listTasks(ctx context.Context, w io.Writer, ledger taskReader, snap *tasktype.Snapshot, typeRef string, asJSON bool) error {
	typeID, err := tasktype.ParseID(typeRef)
	if err != nil {
		var ok bool
		if typeID, ok = snap.LookupByName(typeRef); !ok {
			return fmt.Errorf("no active task type named %q", typeRef)
		}
	}

	tasks, err := ledger.ListTasksByType(ctx, typeID)
	if err != nil {
		return err
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	if asJSON {
		views := make([]taskView, len(tasks))
		for i, t := range tasks {
			views[i] = newTaskView(t)
		}
		data, err := json.MarshalIndent(views, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	for _, t := range tasks {
		fmt.Fprintf(w, "%s  v%d  %-11s  %s\n",
			t.ID, t.Version, t.Status, t.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

func replayTask(ctx context.Context, w io.Writer, d *dispatch.Dispatcher, ref string) error {
	receipt, err := d.Replay(ctx, ref)
	if err != nil {
		if dispatch.IsRejection(err) {
			fmt.Fprintf(w, "rejected (%s): %v\n", dispatch.Reason(err), err)
		}
		return err
	}
	data, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}
