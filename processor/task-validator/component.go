// Package taskvalidator provides a JetStream processor that validates task
// submissions against the task type registry. It consumes Submission
// messages, dispatches accepted tasks on <subject_prefix>.<type-id> and
// publishes rejections on <reject_prefix>.<reason>.
package taskvalidator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/taskreg/catalog"
	"github.com/c360studio/taskreg/dispatch"
	"github.com/c360studio/taskreg/metrics"
	"github.com/c360studio/taskreg/storage"
	"github.com/c360studio/taskreg/tasktype"
	"github.com/c360studio/taskreg/validation"
)

const (
	componentName        = "task-validator"
	componentDescription = "Validates task submissions against registered task type schemas"
	componentVersion     = "0.1.0"
)

// Component implements the task-validator processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	registry *tasktype.Registry
	metrics  *metrics.Metrics
	ledger   dispatch.Ledger

	dispatcher *dispatch.Dispatcher
	publisher  dispatch.Publisher

	// JetStream consumer state.
	consumer jetstream.Consumer

	// Lifecycle.
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics.
	submissionsProcessed atomic.Int64
	tasksAccepted        atomic.Int64
	tasksRejected        atomic.Int64
	errorsCount          atomic.Int64
	lastActivityMu       sync.RWMutex
	lastActivity         time.Time
}

// Option configures a Component built with New.
type Option func(*Component)

// WithRegistry shares a registry owned by the host process. Without one the
// component loads and syncs its own from config.CatalogPath on Start.
func WithRegistry(reg *tasktype.Registry) Option {
	return func(c *Component) {
		c.registry = reg
	}
}

// WithMetrics records validation and submission metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Component) {
		c.metrics = m
	}
}

// WithLedger overrides the KV ledger opened on Start.
func WithLedger(l dispatch.Ledger) Option {
	return func(c *Component) {
		c.ledger = l
	}
}

// NewComponent constructs a task-validator Component from raw JSON config
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
	// Apply defaults for any unset fields.
	defaults := DefaultConfig()
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.CatalogPath == "" {
		config.CatalogPath = defaults.CatalogPath
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = defaults.SubjectPrefix
	}
	if config.RejectPrefix == "" {
		config.RejectPrefix = defaults.RejectPrefix
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
	c.logger.Debug("Initialized task-validator",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"catalog", c.config.CatalogPath)
	return nil
}

// Start begins consuming Submission messages from JetStream.
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

	if c.Registry() == nil {
		reg, err := c.loadRegistry()
		if err != nil {
			c.rollbackStart(cancel)
			return err
		}
		c.setRegistry(reg)
	}

	if c.ledger == nil && c.config.LedgerEnabled {
		store, err := storage.NewStore(subCtx, js)
		if err != nil {
			c.rollbackStart(cancel)
			return fmt.Errorf("open task ledger: %w", err)
		}
		c.ledger = store
	}

	c.wire(dispatch.NewJetStreamPublisher(js))

	stream, err := js.Stream(subCtx, c.config.StreamName)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
	}

	subject := c.config.InputSubject()
	consumerConfig := jetstream.ConsumerConfig{
		Durable:       c.config.ConsumerName,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.config.GetAckWait(),
		MaxDeliver:    3,
	}

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, consumerConfig)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	go c.consumeLoop(subCtx)

	c.logger.Info("task-validator started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"subject", subject,
		"task_types", c.Registry().Snapshot().Len())

	return nil
}

// loadRegistry builds a registry from the configured catalog. Conflicting
// entries are logged and skipped.
func (c *Component) loadRegistry() (*tasktype.Registry, error) {
	cat, err := catalog.Load(c.config.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	reg := tasktype.NewRegistry(tasktype.WithLogger(c.logger), tasktype.WithMetrics(c.metrics))
	if _, err := catalog.Sync(reg, cat, c.logger); err != nil {
		if !errors.Is(err, catalog.ErrConflict) {
			return nil, fmt.Errorf("sync catalog: %w", err)
		}
		c.logger.Warn("Catalog has conflicting entries", "error", err)
	}
	return reg, nil
}

// wire builds the dispatcher on top of publisher.
func (c *Component) wire(publisher dispatch.Publisher) {
	validator := validation.New(
		validation.WithMetrics(c.metrics),
		validation.WithLogger(c.logger))

	opts := []dispatch.Option{
		dispatch.WithSubjectPrefix(c.config.SubjectPrefix),
		dispatch.WithSource(componentName),
		dispatch.WithMetrics(c.metrics),
		dispatch.WithLogger(c.logger),
	}
	if c.ledger != nil {
		opts = append(opts, dispatch.WithLedger(c.ledger))
	}

	c.publisher = publisher
	c.dispatcher = dispatch.New(c.Registry(), validator, publisher, opts...)
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// consumeLoop fetches messages from the JetStream consumer in a tight loop
// until the context is cancelled.
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

// handleMessage processes a single Submission message.
func (c *Component) handleMessage(ctx context.Context, msg jetstream.Msg) {
	if c.process(ctx, msg.Data()) {
		if ackErr := msg.Ack(); ackErr != nil {
			c.logger.Warn("Failed to ACK message", "error", ackErr)
		}
		return
	}
	if nakErr := msg.Nak(); nakErr != nil {
		c.logger.Warn("Failed to NAK message", "error", nakErr)
	}
}

// process validates and dispatches one submission. It returns true when the
// message is done with: accepted, or rejected for a reason a retry cannot
// fix. Transient failures return false so JetStream redelivers.
func (c *Component) process(ctx context.Context, data []byte) bool {
	c.submissionsProcessed.Add(1)
	c.updateLastActivity()

	sub, err := parseSubmission(data)
	if err != nil {
		err = fmt.Errorf("%w: %v", dispatch.ErrInvalidSubmission, err)
		c.logger.Warn("Failed to parse submission", "error", err)
		return c.reject(ctx, nil, err)
	}

	receipt, err := c.dispatcher.Submit(ctx, sub)
	switch {
	case err == nil:
		c.tasksAccepted.Add(1)
		c.logger.Debug("Accepted submission",
			"request_id", sub.RequestID,
			"task_id", receipt.TaskID,
			"subject", receipt.Subject)
		return true
	case dispatch.IsRejection(err):
		return c.reject(ctx, sub, err)
	default:
		c.errorsCount.Add(1)
		c.logger.Error("Failed to dispatch submission",
			"request_id", sub.RequestID,
			"type", sub.TypeName,
			"type_id", sub.TypeID,
			"error", err)
		return false
	}
}

// reject publishes a Rejection. A failed publish is retried by redelivery;
// the rejection itself is deterministic.
func (c *Component) reject(ctx context.Context, sub *dispatch.Submission, cause error) bool {
	c.tasksRejected.Add(1)

	rejection := dispatch.NewRejection(sub, cause)
	baseMsg := message.NewBaseMessage(rejection.Schema(), rejection, componentName)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		c.errorsCount.Add(1)
		c.logger.Error("Failed to marshal rejection", "error", err)
		return true
	}

	subject := c.config.RejectPrefix + "." + rejection.Reason
	if err := c.publisher.Publish(ctx, subject, data); err != nil {
		c.errorsCount.Add(1)
		c.logger.Warn("Failed to publish rejection",
			"subject", subject,
			"error", err)
		return false
	}

	c.logger.Info("Rejected submission",
		"request_id", rejection.RequestID,
		"type", rejection.TypeName,
		"type_id", rejection.TypeID,
		"reason", rejection.Reason,
		"error", rejection.Error)
	return true
}

// parseSubmission accepts a Submission wrapped in a BaseMessage or as
// plain JSON. The task payload bytes are kept as sent.
func parseSubmission(data []byte) (*dispatch.Submission, error) {
	var envelope struct {
		Type    json.RawMessage `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal submission: %w", err)
	}

	body := data
	if t := bytes.TrimSpace(envelope.Type); len(t) > 0 && t[0] == '{' {
		var msgType message.Type
		if err := json.Unmarshal(t, &msgType); err != nil {
			return nil, fmt.Errorf("unmarshal message type: %w", err)
		}
		if msgType != dispatch.SubmissionType {
			return nil, fmt.Errorf("unexpected message type %s.%s.%s",
				msgType.Domain, msgType.Category, msgType.Version)
		}
		if len(envelope.Payload) == 0 {
			return nil, fmt.Errorf("empty payload in BaseMessage")
		}
		body = envelope.Payload
	}

	var sub dispatch.Submission
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal submission: %w", err)
	}
	return &sub, nil
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

	c.logger.Info("task-validator stopped",
		"submissions_processed", c.submissionsProcessed.Load(),
		"accepted", c.tasksAccepted.Load(),
		"rejected", c.tasksRejected.Load(),
		"errors", c.errorsCount.Load())

	return nil
}

// Registry returns the registry the component validates against, or nil
// before Start when none was supplied.
func (c *Component) Registry() *tasktype.Registry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry
}

func (c *Component) setRegistry(reg *tasktype.Registry) {
	c.mu.Lock()
	c.registry = reg
	c.mu.Unlock()
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
	return buildPorts(c.config.Ports.Inputs, component.DirectionInput)
}

// OutputPorts returns the configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}
	return buildPorts(c.config.Ports.Outputs, component.DirectionOutput)
}

func buildPorts(defs []component.PortDefinition, direction component.Direction) []component.Port {
	ports := make([]component.Port, len(defs))
	for i, def := range defs {
		ports[i] = component.Port{
			Name:        def.Name,
			Direction:   direction,
			Required:    def.Required,
			Description: def.Description,
			Config:      component.NATSPort{Subject: def.Subject},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return taskValidatorSchema
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
