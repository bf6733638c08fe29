package provisioner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cyberlab/internal/config"
)

// Sentinel errors for the failure taxonomy. Callers branch on these with
// errors.Is; anything else is an unknown backend failure with detail.
var (
	ErrImageNotFound      = errors.New("image not found")
	ErrBackendUnavailable = errors.New("provisioning backend unavailable")
	ErrResourceExhausted  = errors.New("host resources exhausted")
	ErrNotFound           = errors.New("environment not found")
)

// Instance holds the connection coordinates of one running environment.
type Instance struct {
	Handle string `json:"handle"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// Status is the result of inspecting an environment.
type Status struct {
	Running bool          `json:"running"`
	Age     time.Duration `json:"age"`
}

// Provisioner creates, stops, and inspects isolated challenge environments.
// Implementations: DockerProvisioner (real) and SimProvisioner (degraded
// mode when no backend is reachable).
type Provisioner interface {
	// Create starts one environment from image and returns its coordinates.
	Create(ctx context.Context, challengeID, image string) (*Instance, error)

	// Stop tears an environment down. Stopping an already-gone handle is
	// not an error.
	Stop(ctx context.Context, handle string) error

	// Inspect reports whether the environment is running and how old it is.
	// Returns ErrNotFound for unknown handles.
	Inspect(ctx context.Context, handle string) (*Status, error)

	// Simulated reports whether this provisioner fabricates environments
	// instead of running real ones.
	Simulated() bool

	Close() error
}

// New selects a provisioner at service start. If Docker is unreachable (or
// simulation is forced by config) it falls back to the simulated
// implementation so the rest of the platform keeps working, and says so.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) Provisioner {
	if cfg.Simulate {
		logger.Warn("simulation forced by config, environments will be fabricated")
		return NewSim(cfg.PortRange)
	}

	dp, err := NewDocker(cfg.Limits, cfg.PortRange)
	if err == nil {
		if err = dp.Ping(ctx); err == nil {
			logger.Info("docker connection OK")
			return dp
		}
		dp.Close()
	}
	logger.Warn("docker not available, running in simulation mode", "error", err)
	return NewSim(cfg.PortRange)
}
