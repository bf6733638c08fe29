package provisioner

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"cyberlab/internal/config"
)

const labelPrefix = "cyberlab."

// challengePort is the single inbound port every challenge image exposes.
const challengePort = "80/tcp"

// DockerProvisioner runs challenge environments as Docker containers.
// One shared client is constructed at service start and closed on shutdown.
type DockerProvisioner struct {
	docker *client.Client
	limits config.Limits
	ports  config.PortRange
}

func NewDocker(limits config.Limits, ports config.PortRange) (*DockerProvisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerProvisioner{docker: cli, limits: limits, ports: ports}, nil
}

func (p *DockerProvisioner) Close() error {
	return p.docker.Close()
}

func (p *DockerProvisioner) Simulated() bool {
	return false
}

// Ping verifies the Docker daemon is reachable.
func (p *DockerProvisioner) Ping(ctx context.Context) error {
	_, err := p.docker.Ping(ctx)
	return err
}

func (p *DockerProvisioner) Create(ctx context.Context, challengeID, image string) (*Instance, error) {
	hostPort := pickPort(p.ports)

	labels := map[string]string{
		labelPrefix + "challenge_id": challengeID,
		labelPrefix + "managed":      "true",
	}

	// Resource ceilings bound the blast radius of untrusted challenge code.
	resources := container.Resources{
		NanoCPUs:  int64(p.limits.CPULimit * 1e9),
		Memory:    int64(p.limits.MemLimitMB) * units.MiB,
		PidsLimit: int64Ptr(int64(p.limits.PidsLimit)),
	}

	hostCfg := &container.HostConfig{
		Resources:   resources,
		AutoRemove:  false,
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		PortBindings: nat.PortMap{
			challengePort: []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)},
			},
		},
	}
	if p.limits.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(p.limits.NetworkMode)
	}

	containerCfg := &container.Config{
		Image:  image,
		Labels: labels,
		ExposedPorts: nat.PortSet{
			challengePort: struct{}{},
		},
	}

	name := "cyberlab-" + challengeID + "-" + uuid.New().String()[:8]

	resp, err := p.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, mapCreateErr(err)
	}

	if err := p.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up on start failure.
		p.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, mapCreateErr(err)
	}

	return &Instance{
		Handle: resp.ID,
		Host:   "localhost",
		Port:   hostPort,
	}, nil
}

func (p *DockerProvisioner) Stop(ctx context.Context, handle string) error {
	timeout := 5
	err := p.docker.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container stop: %w", err)
	}

	err = p.docker.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

func (p *DockerProvisioner) Inspect(ctx context.Context, handle string) (*Status, error) {
	info, err := p.docker.ContainerInspect(ctx, handle)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("container inspect: %w", err)
	}

	var age time.Duration
	if started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
		age = time.Since(started)
	}

	return &Status{
		Running: info.State.Running,
		Age:     age,
	}, nil
}

// mapCreateErr translates Docker daemon failures into the provisioner's
// error taxonomy. Handles wrapped errors and raw daemon messages.
func mapCreateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%w: %v", ErrImageNotFound, err)
	}

	s := err.Error()
	switch {
	case strings.Contains(s, "No such image"):
		return fmt.Errorf("%w: %v", ErrImageNotFound, err)
	case strings.Contains(s, "Cannot connect to the Docker daemon"),
		strings.Contains(s, "connection refused"):
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	case strings.Contains(s, "cannot allocate memory"),
		strings.Contains(s, "no space left"),
		strings.Contains(s, "port is already allocated"):
		return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}
	return fmt.Errorf("create environment: %w", err)
}

// pickPort draws a host port from the configured range. Collisions surface
// as "port is already allocated" from the daemon and map to ResourceExhausted.
func pickPort(r config.PortRange) int {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rand.IntN(r.Max-r.Min+1)
}

func int64Ptr(v int64) *int64 {
	return &v
}
