package provisioner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"cyberlab/internal/config"
)

// SimProvisioner fabricates environments so the platform stays usable when
// no container backend is reachable. Handles, coordinates, and lifecycle
// behave like the real thing; nothing actually runs. Callers see
// Simulated() == true and must surface that to users.
type SimProvisioner struct {
	ports config.PortRange

	mu        sync.Mutex
	instances map[string]time.Time // handle -> created at
	nextPort  int
}

func NewSim(ports config.PortRange) *SimProvisioner {
	return &SimProvisioner{
		ports:     ports,
		instances: make(map[string]time.Time),
		nextPort:  ports.Min,
	}
}

func (p *SimProvisioner) Simulated() bool {
	return true
}

func (p *SimProvisioner) Close() error {
	return nil
}

func (p *SimProvisioner) Create(ctx context.Context, challengeID, image string) (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	handle := "sim-" + uuid.New().String()[:12]
	port := p.nextPort
	p.nextPort++
	if p.nextPort > p.ports.Max {
		p.nextPort = p.ports.Min
	}

	p.instances[handle] = time.Now().UTC()

	return &Instance{
		Handle: handle,
		Host:   "localhost",
		Port:   port,
	}, nil
}

func (p *SimProvisioner) Stop(ctx context.Context, handle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Already-gone handles are fine, same contract as the real backend.
	delete(p.instances, handle)
	return nil
}

func (p *SimProvisioner) Inspect(ctx context.Context, handle string) (*Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	createdAt, ok := p.instances[handle]
	if !ok {
		return nil, ErrNotFound
	}
	return &Status{
		Running: true,
		Age:     time.Since(createdAt),
	}, nil
}
