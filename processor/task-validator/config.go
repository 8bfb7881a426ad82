package taskvalidator

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/c360studio/semstreams/component"
)

// taskValidatorSchema defines the configuration schema.
var taskValidatorSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the task-validator component.
type Config struct {
	// StreamName is the JetStream stream carrying submissions and dispatched tasks.
	StreamName string `json:"stream_name" schema:"type:string,description:JetStream stream for task submissions,category:basic,default:TASKS"`

	// ConsumerName is the durable consumer name for submission consumption.
	ConsumerName string `json:"consumer_name" schema:"type:string,description:Durable consumer name for submissions,category:basic,default:task-validator"`

	// CatalogPath is the catalog file, directory or glob used when no
	// registry is supplied by the host process.
	CatalogPath string `json:"catalog_path" schema:"type:string,description:Task type catalog path or glob,category:basic,default:catalog"`

	// SubjectPrefix is prepended to the task type id for dispatched tasks.
	SubjectPrefix string `json:"subject_prefix" schema:"type:string,description:Subject prefix for validated tasks,category:basic,default:task.validated"`

	// RejectPrefix is prepended to the rejection reason for rejected submissions.
	RejectPrefix string `json:"reject_prefix" schema:"type:string,description:Subject prefix for rejected submissions,category:basic,default:task.rejected"`

	// LedgerEnabled records accepted tasks in the TASKREG_TASKS bucket.
	LedgerEnabled bool `json:"ledger_enabled" schema:"type:bool,description:Record accepted tasks in the KV ledger,category:advanced,default:true"`

	// AckWait is how long JetStream waits for an ack before redelivery.
	AckWait string `json:"ack_wait" schema:"type:string,description:Ack wait for submissions (duration string),category:advanced,default:30s"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:    "TASKS",
		ConsumerName:  "task-validator",
		CatalogPath:   "catalog",
		SubjectPrefix: "task.validated",
		RejectPrefix:  "task.rejected",
		LedgerEnabled: true,
		AckWait:       "30s",
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "task-submissions",
					Type:        "jetstream",
					Subject:     "task.submit.>",
					StreamName:  "TASKS",
					Description: "Receive task submissions for validation",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "validated-tasks",
					Type:        "jetstream",
					Subject:     "task.validated.>",
					StreamName:  "TASKS",
					Description: "Publish tasks validated against a pinned schema version",
					Required:    true,
				},
				{
					Name:        "rejected-tasks",
					Type:        "jetstream",
					Subject:     "task.rejected.>",
					StreamName:  "TASKS",
					Description: "Publish rejected submissions by reason",
					Required:    false,
				},
			},
		},
	}
}

// GetAckWait parses the ack wait duration.
// Returns 30 seconds if the field is empty or unparseable.
func (c *Config) GetAckWait() time.Duration {
	if c.AckWait == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.AckWait)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// InputSubject returns the submission subject from the first input port.
func (c *Config) InputSubject() string {
	if c.Ports != nil && len(c.Ports.Inputs) > 0 && c.Ports.Inputs[0].Subject != "" {
		return c.Ports.Inputs[0].Subject
	}
	return "task.submit.>"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix is required")
	}
	if c.RejectPrefix == "" {
		return fmt.Errorf("reject_prefix is required")
	}
	for _, p := range []string{c.SubjectPrefix, c.RejectPrefix} {
		if strings.ContainsAny(p, "*> ") || strings.HasSuffix(p, ".") {
			return fmt.Errorf("invalid subject prefix %q", p)
		}
	}
	if c.AckWait != "" {
		if _, err := time.ParseDuration(c.AckWait); err != nil {
			return fmt.Errorf("invalid ack_wait: %w", err)
		}
	}
	return nil
}
