// Package taskledger provides a JetStream processor that applies worker
// reports to the task ledger. Workers publish StatusUpdate messages on
// <status_prefix>.<task-id> and TaskResult messages on
// <result_prefix>.<task-id>; each moves the recorded task through its
// status lifecycle, and results are stored next to the task.
package taskledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/taskreg/dispatch"
	"github.com/c360studio/taskreg/metrics"
	"github.com/c360studio/taskreg/storage"
)

const (
	componentName        = "task-ledger"
	componentDescription = "Records worker status reports and results in the task ledger"
	componentVersion     = "0.1.0"
)

// Report kinds and outcomes for metrics.
const (
	kindStatus = "status"
	kindResult = "result"

	outcomeApplied = "applied"
	outcomeIgnored = "ignored"
	outcomeDropped = "dropped"
	outcomeError   = "error"
)

// Ledger is the part of *storage.Store the component writes to.
type Ledger interface {
	UpdateTaskStatus(ctx context.Context, id storage.EntityID, status storage.TaskStatus) (*storage.Task, error)
	CreateResult(ctx context.Context, r *storage.Result) (storage.EntityID, error)
}

// Component implements the task-ledger processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	ledger  Ledger
	metrics *metrics.Metrics

	consumer jetstream.Consumer

	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	reportsProcessed atomic.Int64
	statusApplied    atomic.Int64
	resultsRecorded  atomic.Int64
	reportsDropped   atomic.Int64
	errorsCount      atomic.Int64
	lastActivityMu   sync.RWMutex
	lastActivity     time.Time
}

// Option configures a Component built with New.
type Option func(*Component)

// WithLedger overrides the KV ledger opened on Start.
func WithLedger(l Ledger) Option {
	return func(c *Component) {
		c.ledger = l
	}
}

// WithMetrics counts worker reports by outcome.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Component) {
		c.metrics = m
	}
}

// NewComponent constructs a task-ledger Component from raw JSON config
// and semstreams dependencies.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	config := DefaultConfig()
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	return New(config, deps)
}

// New constructs a Component from a typed config.
func New(config Config, deps component.Dependencies, opts ...Option) (*Component, error) {
	defaults := DefaultConfig()
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.StatusPrefix == "" {
		config.StatusPrefix = defaults.StatusPrefix
	}
	if config.ResultPrefix == "" {
		config.ResultPrefix = defaults.ResultPrefix
	}
	if config.AckWait == "" {
		config.AckWait = defaults.AckWait
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Component{
		name:       componentName,
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Initialize prepares the component for startup.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized task-ledger",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"subjects", c.config.Subjects())
	return nil
}

// Start begins consuming worker reports from JetStream.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	js, err := c.natsClient.JetStream()
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get jetstream: %w", err)
	}

	if c.ledger == nil {
		store, err := storage.NewStore(subCtx, js)
		if err != nil {
			c.rollbackStart(cancel)
			return fmt.Errorf("open task ledger: %w", err)
		}
		c.ledger = store
	}

	stream, err := js.Stream(subCtx, c.config.StreamName)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:        c.config.ConsumerName,
		FilterSubjects: c.config.Subjects(),
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        c.config.GetAckWait(),
		MaxDeliver:     5,
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	go c.consumeLoop(subCtx)

	c.logger.Info("task-ledger started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"subjects", c.config.Subjects())

	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

func (c *Component) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleMessage(ctx, msg)
		}

		if msgs.Error() != nil && !errors.Is(msgs.Error(), context.DeadlineExceeded) {
			c.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

func (c *Component) handleMessage(ctx context.Context, msg jetstream.Msg) {
	if c.process(ctx, msg.Subject(), msg.Data()) {
		if ackErr := msg.Ack(); ackErr != nil {
			c.logger.Warn("Failed to ACK message", "error", ackErr)
		}
		return
	}
	if nakErr := msg.Nak(); nakErr != nil {
		c.logger.Warn("Failed to NAK message", "error", nakErr)
	}
}

// process applies one worker report. It returns false only when the ledger
// could not be written and a redelivery may succeed.
func (c *Component) process(ctx context.Context, subject string, data []byte) bool {
	c.reportsProcessed.Add(1)
	c.updateLastActivity()

	report, err := c.parseReport(subject, data)
	if err != nil {
		c.drop(kindOf(report), subject, err)
		return true
	}

	switch r := report.(type) {
	case *dispatch.StatusUpdate:
		return c.applyStatus(ctx, r)
	case *dispatch.TaskResult:
		return c.applyResult(ctx, r)
	}
	return true
}

func (c *Component) applyStatus(ctx context.Context, u *dispatch.StatusUpdate) bool {
	status := storage.TaskStatus(u.Status)
	if !status.Valid() || status == storage.TaskStatusPending {
		c.drop(kindStatus, u.TaskID, fmt.Errorf("unsupported status %q", u.Status))
		return true
	}
	id, err := taskEntityID(u.TaskID)
	if err != nil {
		c.drop(kindStatus, u.TaskID, err)
		return true
	}

	_, err = c.ledger.UpdateTaskStatus(ctx, id, status)
	if !c.settle(kindStatus, u.TaskID, err) {
		return false
	}
	if err == nil {
		c.statusApplied.Add(1)
		c.logger.Debug("Task status updated",
			"task_id", u.TaskID,
			"status", status,
			"reason", u.Reason)
	}
	return true
}

// applyResult stores the result, then completes or fails the task. A
// redelivered result finds the stored one and only retries the status
// change.
func (c *Component) applyResult(ctx context.Context, r *dispatch.TaskResult) bool {
	id, err := taskEntityID(r.TaskID)
	if err != nil {
		c.drop(kindResult, r.TaskID, err)
		return true
	}

	_, err = c.ledger.CreateResult(ctx, &storage.Result{
		TaskID:  id.String(),
		Success: r.Success,
		Output:  r.Output,
		Error:   r.Error,
	})
	switch {
	case err == nil:
		c.resultsRecorded.Add(1)
	case errors.Is(err, storage.ErrAlreadyExists):
		c.logger.Debug("Result already recorded", "task_id", r.TaskID)
	default:
		return c.settle(kindResult, r.TaskID, err)
	}

	status := storage.TaskStatusComplete
	if !r.Success {
		status = storage.TaskStatusFailed
	}
	_, err = c.ledger.UpdateTaskStatus(ctx, id, status)
	if !c.settle(kindResult, r.TaskID, err) {
		return false
	}

	c.logger.Info("Task finished",
		"task_id", r.TaskID,
		"status", status,
		"error", r.Error)
	return true
}

// settle classifies a ledger error. Unknown tasks and transitions out of a
// terminal status are acknowledged; anything else is retried.
func (c *Component) settle(kind, taskID string, err error) bool {
	switch {
	case err == nil:
		c.metrics.ObserveWorkerReport(kind, outcomeApplied)
		return true
	case errors.Is(err, storage.ErrNotFound):
		c.drop(kind, taskID, err)
		return true
	case errors.Is(err, storage.ErrInvalidTransition):
		c.metrics.ObserveWorkerReport(kind, outcomeIgnored)
		c.logger.Debug("Ignored worker report",
			"kind", kind,
			"task_id", taskID,
			"error", err)
		return true
	default:
		c.errorsCount.Add(1)
		c.metrics.ObserveWorkerReport(kind, outcomeError)
		c.logger.Error("Failed to update task ledger",
			"kind", kind,
			"task_id", taskID,
			"error", err)
		return false
	}
}

func (c *Component) drop(kind, ref string, err error) {
	c.reportsDropped.Add(1)
	c.metrics.ObserveWorkerReport(kind, outcomeDropped)
	c.logger.Warn("Dropped worker report",
		"kind", kind,
		"ref", ref,
		"error", err)
}

// parseReport accepts a StatusUpdate or TaskResult wrapped in a BaseMessage
// or as plain JSON. Plain JSON is typed by the subject it arrived on.
func (c *Component) parseReport(subject string, data []byte) (message.Payload, error) {
	var envelope struct {
		Type    json.RawMessage `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}

	var report message.Payload
	body := data
	if t := bytes.TrimSpace(envelope.Type); len(t) > 0 && t[0] == '{' {
		var msgType message.Type
		if err := json.Unmarshal(t, &msgType); err != nil {
			return nil, fmt.Errorf("unmarshal message type: %w", err)
		}
		switch msgType {
		case dispatch.StatusUpdateType:
			report = &dispatch.StatusUpdate{}
		case dispatch.TaskResultType:
			report = &dispatch.TaskResult{}
		default:
			return nil, fmt.Errorf("unexpected message type %s.%s.%s",
				msgType.Domain, msgType.Category, msgType.Version)
		}
		if len(envelope.Payload) == 0 {
			return report, fmt.Errorf("empty payload in BaseMessage")
		}
		body = envelope.Payload
	} else {
		switch {
		case strings.HasPrefix(subject, c.config.StatusPrefix+"."):
			report = &dispatch.StatusUpdate{}
		case strings.HasPrefix(subject, c.config.ResultPrefix+"."):
			report = &dispatch.TaskResult{}
		default:
			return nil, fmt.Errorf("unexpected subject %s", subject)
		}
	}

	if err := json.Unmarshal(body, report); err != nil {
		return report, fmt.Errorf("unmarshal report: %w", err)
	}
	if err := report.Validate(); err != nil {
		return report, err
	}
	return report, nil
}

func kindOf(report message.Payload) string {
	switch report.(type) {
	case *dispatch.StatusUpdate:
		return kindStatus
	case *dispatch.TaskResult:
		return kindResult
	}
	return "unknown"
}

func taskEntityID(s string) (storage.EntityID, error) {
	id, err := storage.ParseEntityID(s)
	if err != nil {
		return storage.EntityID{}, err
	}
	if id.Type != storage.EntityTypeTask {
		return storage.EntityID{}, fmt.Errorf("not a task id: %s", s)
	}
	return id, nil
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}

	cancel := c.cancel
	c.running = false
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	c.logger.Info("task-ledger stopped",
		"reports_processed", c.reportsProcessed.Load(),
		"status_applied", c.statusApplied.Load(),
		"results_recorded", c.resultsRecorded.Load(),
		"dropped", c.reportsDropped.Load(),
		"errors", c.errorsCount.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        componentName,
		Type:        "processor",
		Description: componentDescription,
		Version:     componentVersion,
	}
}

// InputPorts returns the configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}
	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, def := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        def.Name,
			Direction:   component.DirectionInput,
			Required:    def.Required,
			Description: def.Description,
			Config:      component.NATSPort{Subject: def.Subject},
		}
	}
	return ports
}

// OutputPorts returns no ports; the component only writes to KV.
func (c *Component) OutputPorts() []component.Port {
	return []component.Port{}
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return taskLedgerSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.errorsCount.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		LastActivity: c.getLastActivity(),
	}
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
