// Package main provides the taskreg binary entry point.
// taskreg keeps a registry of task types with versioned JSON schemas and
// validates task submissions against it before they reach workers.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/taskreg/catalog"
	"github.com/c360studio/taskreg/config"
	"github.com/c360studio/taskreg/metrics"
	"github.com/c360studio/taskreg/tasktype"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "taskreg"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath  string
	catalogPath string
	logLevel    string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Task type registry with schema-validated task submission",
		Long: `taskreg keeps a registry of task types, each with an append-only
sequence of JSON Schema versions, and validates task submissions against
it. Accepted tasks are handed to workers over NATS JetStream pinned to the
exact schema version they were checked against.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.catalogPath, "catalog", "", "Catalog file, directory or glob (overrides config)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(flags),
		validateCmd(flags),
		catalogCmd(flags),
		configCmd(flags),
		taskCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

// setup loads configuration and builds the logger. Flags take precedence
// over every config layer.
func setup(cmd *cobra.Command, flags *globalFlags) (*config.Config, *slog.Logger, error) {
	bootstrap := newLogger(cmd.ErrOrStderr(), slog.LevelWarn)

	var opts []config.LoaderOption
	if flags.configPath != "" {
		opts = append(opts, config.WithConfigFile(flags.configPath))
	}
	if flags.catalogPath != "" || flags.logLevel != "" {
		opts = append(opts, config.WithEnvironment(overlayFlags(flags)))
	}

	cfg, err := config.NewLoader(bootstrap, opts...).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), level)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// overlayFlags expresses flag overrides as TASKREG_* variables on top of
// the process environment so they take the highest precedence.
func overlayFlags(flags *globalFlags) map[string]string {
	environ := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			environ[k] = v
		}
	}
	if flags.catalogPath != "" {
		environ["TASKREG_CATALOG_PATH"] = flags.catalogPath
	}
	if flags.logLevel != "" {
		environ["TASKREG_LOG_LEVEL"] = flags.logLevel
	}
	return environ
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadRegistry builds a registry from the configured catalog. Conflicts
// are returned as an error wrapping catalog.ErrConflict alongside a usable
// registry.
func loadRegistry(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*tasktype.Registry, *catalog.Catalog, catalog.SyncReport, error) {
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, nil, catalog.SyncReport{}, fmt.Errorf("load catalog: %w", err)
	}

	reg := tasktype.NewRegistry(tasktype.WithLogger(logger), tasktype.WithMetrics(m))
	report, err := catalog.Sync(reg, cat, logger)
	return reg, cat, report, err
}
