package taskledger

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ConsumerName != "task-ledger" {
		t.Errorf("expected ConsumerName 'task-ledger', got %s", cfg.ConsumerName)
	}
	if cfg.StatusPrefix != "task.status" {
		t.Errorf("expected StatusPrefix 'task.status', got %s", cfg.StatusPrefix)
	}
	if cfg.ResultPrefix != "task.result" {
		t.Errorf("expected ResultPrefix 'task.result', got %s", cfg.ResultPrefix)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"missing stream_name", func(c *Config) { c.StreamName = "" }, true},
		{"missing consumer_name", func(c *Config) { c.ConsumerName = "" }, true},
		{"missing status_prefix", func(c *Config) { c.StatusPrefix = "" }, true},
		{"wildcard prefix", func(c *Config) { c.ResultPrefix = "task.>" }, true},
		{"trailing dot", func(c *Config) { c.StatusPrefix = "task.status." }, true},
		{"same prefixes", func(c *Config) { c.ResultPrefix = c.StatusPrefix }, true},
		{"bad ack_wait", func(c *Config) { c.AckWait = "later" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetAckWait(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 30 * time.Second},
		{"10s", 10 * time.Second},
		{"bogus", 30 * time.Second},
		{"-1s", 30 * time.Second},
	}
	for _, tt := range tests {
		cfg := Config{AckWait: tt.value}
		if got := cfg.GetAckWait(); got != tt.want {
			t.Errorf("GetAckWait(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}
