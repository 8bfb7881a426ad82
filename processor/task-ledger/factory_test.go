package taskledger

import (
	"errors"
	"testing"

	"github.com/c360studio/semstreams/component"
)

// mockRegistry implements RegistryInterface for testing.
type mockRegistry struct {
	registered bool
	lastConfig component.RegistrationConfig
	returnErr  error
}

func (m *mockRegistry) RegisterWithConfig(cfg component.RegistrationConfig) error {
	m.registered = true
	m.lastConfig = cfg
	return m.returnErr
}

func TestRegister(t *testing.T) {
	t.Run("successful registration", func(t *testing.T) {
		registry := &mockRegistry{}
		if err := Register(registry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if !registry.registered {
			t.Error("expected registry.RegisterWithConfig to be called")
		}

		cfg := registry.lastConfig
		if cfg.Name != "task-ledger" {
			t.Errorf("expected Name 'task-ledger', got %s", cfg.Name)
		}
		if cfg.Type != "processor" {
			t.Errorf("expected Type 'processor', got %s", cfg.Type)
		}
		if cfg.Domain != "taskreg" {
			t.Errorf("expected Domain 'taskreg', got %s", cfg.Domain)
		}
		if cfg.Factory == nil {
			t.Error("expected Factory to be set")
		}
		if cfg.Schema.Properties == nil {
			t.Error("expected Schema to have Properties")
		}
	})

	t.Run("nil registry returns error", func(t *testing.T) {
		if err := Register(nil); err == nil {
			t.Error("expected error for nil registry")
		}
	})

	t.Run("registry error is returned", func(t *testing.T) {
		want := errors.New("already registered")
		if err := Register(&mockRegistry{returnErr: want}); !errors.Is(err, want) {
			t.Errorf("expected %v, got %v", want, err)
		}
	})
}
