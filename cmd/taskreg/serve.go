package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/c360studio/taskreg/catalog"
	"github.com/c360studio/taskreg/config"
	"github.com/c360studio/taskreg/metrics"
	taskledger "github.com/c360studio/taskreg/processor/task-ledger"
	taskvalidator "github.com/c360studio/taskreg/processor/task-validator"
)

const shutdownTimeout = 30 * time.Second

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Validate and dispatch task submissions from NATS",
		Long: `Loads the task type catalog, connects to NATS and consumes task
submissions. Accepted tasks are published on <subject_prefix>.<type-id>,
rejections on <reject_prefix>.<reason>. With the ledger enabled, worker
reports on <status_prefix>.<task-id> and <result_prefix>.<task-id> are
applied to the recorded tasks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	reg, cat, report, err := loadRegistry(cfg, m, logger)
	if err != nil {
		if !errors.Is(err, catalog.ErrConflict) {
			return err
		}
		logger.Warn("Catalog has conflicting entries; they were skipped", "conflicts", len(report.Conflicts))
	}

	natsClient, err := connectToNATS(ctx, cfg.NATS, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(context.Background())

	js, err := natsClient.JetStream()
	if err != nil {
		return fmt.Errorf("get jetstream: %w", err)
	}
	if err := ensureStream(ctx, js, cfg.Dispatch, logger); err != nil {
		return err
	}

	comp, err := taskvalidator.New(validatorConfig(cfg), component.Dependencies{
		NATSClient: natsClient,
		Logger:     logger,
	}, taskvalidator.WithRegistry(reg), taskvalidator.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("create task-validator: %w", err)
	}
	if err := comp.Initialize(); err != nil {
		return fmt.Errorf("initialize task-validator: %w", err)
	}
	if err := comp.Start(ctx); err != nil {
		return fmt.Errorf("start task-validator: %w", err)
	}
	defer func() {
		if err := comp.Stop(shutdownTimeout); err != nil {
			logger.Error("Error stopping task-validator", "error", err)
		}
	}()

	healthy := func() bool { return comp.Health().Healthy }
	if cfg.Dispatch.Ledger {
		ledgerComp, err := taskledger.New(ledgerConfig(cfg), component.Dependencies{
			NATSClient: natsClient,
			Logger:     logger,
		}, taskledger.WithMetrics(m))
		if err != nil {
			return fmt.Errorf("create task-ledger: %w", err)
		}
		if err := ledgerComp.Initialize(); err != nil {
			return fmt.Errorf("initialize task-ledger: %w", err)
		}
		if err := ledgerComp.Start(ctx); err != nil {
			return fmt.Errorf("start task-ledger: %w", err)
		}
		defer func() {
			if err := ledgerComp.Stop(shutdownTimeout); err != nil {
				logger.Error("Error stopping task-ledger", "error", err)
			}
		}()
		healthy = func() bool { return comp.Health().Healthy && ledgerComp.Health().Healthy }
	}

	if cfg.Catalog.Watch {
		watcher, err := catalog.NewWatcher(cfg.Catalog.Path, reg, cfg.Catalog.Debounce, logger)
		if err != nil {
			return fmt.Errorf("create catalog watcher: %w", err)
		}
		watcher.SetDigest(cat.Digest())
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("start catalog watcher: %w", err)
		}
		defer func() { _ = watcher.Stop() }()
		go logSyncEvents(watcher.Events(), logger)
	}

	if cfg.Metrics.Addr != "" {
		ln, err := listenMetrics(cfg.Metrics.Addr, cfg.Metrics.MaxConnections)
		if err != nil {
			return err
		}
		srv := newMetricsServer(promRegistry, healthy)
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("Serving metrics", "addr", ln.Addr().String())
	}

	logger.Info("taskreg ready",
		"version", Version,
		"task_types", reg.Snapshot().Len(),
		"catalog", cfg.Catalog.Path,
		"stream", cfg.Dispatch.Stream)

	<-ctx.Done()
	logger.Info("Received shutdown signal")
	return nil
}

// validatorConfig maps the CLI config onto the component config.
func validatorConfig(cfg *config.Config) taskvalidator.Config {
	c := taskvalidator.DefaultConfig()
	c.StreamName = cfg.Dispatch.Stream
	c.CatalogPath = cfg.Catalog.Path
	c.SubjectPrefix = cfg.Dispatch.SubjectPrefix
	c.RejectPrefix = cfg.Dispatch.RejectPrefix
	c.LedgerEnabled = cfg.Dispatch.Ledger

	ports := *c.Ports
	ports.Inputs = append([]component.PortDefinition(nil), ports.Inputs...)
	ports.Outputs = append([]component.PortDefinition(nil), ports.Outputs...)
	ports.Inputs[0].Subject = cfg.Dispatch.SubmitSubject
	ports.Inputs[0].StreamName = cfg.Dispatch.Stream
	ports.Outputs[0].Subject = cfg.Dispatch.SubjectPrefix + ".>"
	ports.Outputs[0].StreamName = cfg.Dispatch.Stream
	ports.Outputs[1].Subject = cfg.Dispatch.RejectPrefix + ".>"
	ports.Outputs[1].StreamName = cfg.Dispatch.Stream
	c.Ports = &ports
	return c
}

// ledgerConfig maps the CLI config onto the task-ledger config.
func ledgerConfig(cfg *config.Config) taskledger.Config {
	c := taskledger.DefaultConfig()
	c.StreamName = cfg.Dispatch.Stream
	c.StatusPrefix = cfg.Dispatch.StatusPrefix
	c.ResultPrefix = cfg.Dispatch.ResultPrefix

	ports := *c.Ports
	ports.Inputs = append([]component.PortDefinition(nil), ports.Inputs...)
	subjects := c.Subjects()
	for i := range ports.Inputs {
		ports.Inputs[i].Subject = subjects[i]
		ports.Inputs[i].StreamName = cfg.Dispatch.Stream
	}
	c.Ports = &ports
	return c
}

func logSyncEvents(events <-chan catalog.SyncEvent, logger *slog.Logger) {
	for ev := range events {
		switch {
		case ev.Err == nil:
			logger.Info("Catalog reloaded",
				"registered", ev.Report.Registered,
				"versions_added", ev.Report.VersionsAdded,
				"renamed", ev.Report.Renamed,
				"retired", ev.Report.Retired)
		case errors.Is(ev.Err, catalog.ErrConflict):
			for _, c := range ev.Report.Conflicts {
				logger.Warn("Catalog conflict", "conflict", c.String())
			}
		default:
			logger.Error("Catalog reload failed", "error", ev.Err)
		}
	}
}

func connectToNATS(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (*natsclient.Client, error) {
	natsURL, err := natsURLWithCredentials(cfg)
	if err != nil {
		return nil, err
	}
	display := redactURL(natsURL)

	logger.Info("Connecting to NATS", "url", display)

	client, err := natsclient.NewClient(natsURL,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, display)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, display)
	}

	logger.Info("Connected to NATS", "url", display)
	return client, nil
}

// natsURLWithCredentials embeds configured credentials into the server URL.
func natsURLWithCredentials(cfg config.NATSConfig) (string, error) {
	if cfg.Username == "" {
		return cfg.URL, nil
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse nats.url: %w", err)
	}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	} else {
		u.User = url.User(cfg.Username)
	}
	return u.String(), nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, addr string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker run -p 4222:4222 nats -js

Or set TASKREG_NATS_URL to point to your NATS server.`, err, addr)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

// ensureStream creates or updates the stream holding submissions, validated
// tasks, rejections and worker reports.
func ensureStream(ctx context.Context, js jetstream.JetStream, cfg config.DispatchConfig, logger *slog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, streamConfig(cfg))
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	logger.Debug("JetStream stream ready", "stream", cfg.Stream)
	return nil
}

func streamConfig(cfg config.DispatchConfig) jetstream.StreamConfig {
	subjects := []string{
		cfg.SubmitSubject,
		cfg.SubjectPrefix + ".>",
		cfg.RejectPrefix + ".>",
	}
	if cfg.Ledger {
		subjects = append(subjects, cfg.StatusPrefix+".>", cfg.ResultPrefix+".>")
	}
	return jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: subjects,
		MaxAge:   7 * 24 * time.Hour,
		Storage:  jetstream.FileStorage,
	}
}
