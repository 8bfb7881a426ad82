package taskledger

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/c360studio/semstreams/component"
)

// taskLedgerSchema defines the configuration schema.
var taskLedgerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the task-ledger component.
type Config struct {
	// StreamName is the JetStream stream carrying worker reports.
	StreamName string `json:"stream_name" schema:"type:string,description:JetStream stream for worker reports,category:basic,default:TASKS"`

	// ConsumerName is the durable consumer name for report consumption.
	ConsumerName string `json:"consumer_name" schema:"type:string,description:Durable consumer name for worker reports,category:basic,default:task-ledger"`

	// StatusPrefix is the subject prefix workers report progress on.
	StatusPrefix string `json:"status_prefix" schema:"type:string,description:Subject prefix for worker status reports,category:basic,default:task.status"`

	// ResultPrefix is the subject prefix workers report results on.
	ResultPrefix string `json:"result_prefix" schema:"type:string,description:Subject prefix for worker results,category:basic,default:task.result"`

	// AckWait is how long JetStream waits for an ack before redelivery.
	AckWait string `json:"ack_wait" schema:"type:string,description:Ack wait for worker reports (duration string),category:advanced,default:30s"`

	// Ports contains input port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:   "TASKS",
		ConsumerName: "task-ledger",
		StatusPrefix: "task.status",
		ResultPrefix: "task.result",
		AckWait:      "30s",
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "task-status",
					Type:        "jetstream",
					Subject:     "task.status.>",
					StreamName:  "TASKS",
					Description: "Receive worker progress reports",
					Required:    true,
				},
				{
					Name:        "task-results",
					Type:        "jetstream",
					Subject:     "task.result.>",
					StreamName:  "TASKS",
					Description: "Receive worker results",
					Required:    true,
				},
			},
		},
	}
}

// GetAckWait parses the ack wait duration.
// Returns 30 seconds if the field is empty or unparseable.
func (c *Config) GetAckWait() time.Duration {
	d, err := time.ParseDuration(c.AckWait)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// Subjects returns the subject filters for the durable consumer.
func (c *Config) Subjects() []string {
	return []string{c.StatusPrefix + ".>", c.ResultPrefix + ".>"}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.StatusPrefix == "" || c.ResultPrefix == "" {
		return fmt.Errorf("status_prefix and result_prefix are required")
	}
	for _, p := range []string{c.StatusPrefix, c.ResultPrefix} {
		if strings.ContainsAny(p, "*> ") || strings.HasSuffix(p, ".") {
			return fmt.Errorf("invalid subject prefix %q", p)
		}
	}
	if c.StatusPrefix == c.ResultPrefix {
		return fmt.Errorf("status_prefix and result_prefix must differ")
	}
	if c.AckWait != "" {
		if _, err := time.ParseDuration(c.AckWait); err != nil {
			return fmt.Errorf("invalid ack_wait: %w", err)
		}
	}
	return nil
}
