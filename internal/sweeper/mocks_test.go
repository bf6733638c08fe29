package sweeper

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"cyberlab/internal/provisioner"
	"cyberlab/internal/registry"
)

// MockSweeperRegistry mocks the SweeperRegistry interface.
type MockSweeperRegistry struct {
	mock.Mock
}

func (m *MockSweeperRegistry) ListExpiredInstances(maxAge time.Duration) ([]*registry.Instance, error) {
	args := m.Called(maxAge)
	if instances := args.Get(0); instances != nil {
		return instances.([]*registry.Instance), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSweeperRegistry) ListInstances() ([]*registry.InstanceUsage, error) {
	args := m.Called()
	if usage := args.Get(0); usage != nil {
		return usage.([]*registry.InstanceUsage), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockSweeperProvisioner mocks the SweeperProvisioner interface.
type MockSweeperProvisioner struct {
	mock.Mock
}

func (m *MockSweeperProvisioner) Inspect(ctx context.Context, handle string) (*provisioner.Status, error) {
	args := m.Called(ctx, handle)
	if st := args.Get(0); st != nil {
		return st.(*provisioner.Status), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockReclaimer mocks the Reclaimer interface.
type MockReclaimer struct {
	mock.Mock
}

func (m *MockReclaimer) ForceStop(ctx context.Context, challengeID string) error {
	args := m.Called(ctx, challengeID)
	return args.Error(0)
}
