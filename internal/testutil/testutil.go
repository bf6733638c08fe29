package testutil

import (
	"testing"
	"time"

	"cyberlab/internal/config"
	"cyberlab/internal/registry"
)

// TestConfig returns a Config with sensible test defaults.
func TestConfig() *config.Config {
	return &config.Config{
		Listen:           "127.0.0.1:0",
		APIKey:           "test-api-key",
		DBPath:           ":memory:",
		Simulate:         true,
		MaxInstanceAge:   2 * time.Hour,
		SweepInterval:    time.Minute,
		ProvisionTimeout: 5 * time.Second,
		Limits: config.Limits{
			CPULimit:    0.5,
			MemLimitMB:  256,
			PidsLimit:   256,
			NetworkMode: "bridge",
		},
		PortRange: config.PortRange{
			Min: 30000,
			Max: 40000,
		},
	}
}

// NewTestRegistry creates an in-memory SQLite registry for testing.
func NewTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}
