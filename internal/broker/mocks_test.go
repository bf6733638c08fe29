package broker

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"cyberlab/internal/provisioner"
	"cyberlab/internal/registry"
)

type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) GetInstance(challengeID string) (*registry.Instance, error) {
	args := m.Called(challengeID)
	if inst := args.Get(0); inst != nil {
		return inst.(*registry.Instance), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRegistry) InsertInstance(inst *registry.Instance) error {
	args := m.Called(inst)
	return args.Error(0)
}

func (m *MockRegistry) TouchInstance(challengeID string) error {
	args := m.Called(challengeID)
	return args.Error(0)
}

func (m *MockRegistry) DeleteInstance(challengeID string) error {
	args := m.Called(challengeID)
	return args.Error(0)
}

func (m *MockRegistry) GetSession(userID, challengeID string) (*registry.Session, error) {
	args := m.Called(userID, challengeID)
	if sess := args.Get(0); sess != nil {
		return sess.(*registry.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRegistry) UpsertSession(sess *registry.Session) error {
	args := m.Called(sess)
	return args.Error(0)
}

func (m *MockRegistry) DeleteSession(userID, challengeID string) (bool, error) {
	args := m.Called(userID, challengeID)
	return args.Bool(0), args.Error(1)
}

func (m *MockRegistry) CountSessions(challengeID string) (int, error) {
	args := m.Called(challengeID)
	return args.Int(0), args.Error(1)
}

func (m *MockRegistry) ListExpiredInstances(maxAge time.Duration) ([]*registry.Instance, error) {
	args := m.Called(maxAge)
	if instances := args.Get(0); instances != nil {
		return instances.([]*registry.Instance), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRegistry) ListInstances() ([]*registry.InstanceUsage, error) {
	args := m.Called()
	if usage := args.Get(0); usage != nil {
		return usage.([]*registry.InstanceUsage), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRegistry) ListInstanceSessions(challengeID string) ([]*registry.Session, error) {
	args := m.Called(challengeID)
	if sessions := args.Get(0); sessions != nil {
		return sessions.([]*registry.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockProvisioner struct {
	mock.Mock
}

func (m *MockProvisioner) Create(ctx context.Context, challengeID, image string) (*provisioner.Instance, error) {
	args := m.Called(ctx, challengeID, image)
	if inst := args.Get(0); inst != nil {
		return inst.(*provisioner.Instance), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProvisioner) Stop(ctx context.Context, handle string) error {
	args := m.Called(ctx, handle)
	return args.Error(0)
}

func (m *MockProvisioner) Inspect(ctx context.Context, handle string) (*provisioner.Status, error) {
	args := m.Called(ctx, handle)
	if st := args.Get(0); st != nil {
		return st.(*provisioner.Status), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProvisioner) Simulated() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockProvisioner) Close() error {
	args := m.Called()
	return args.Error(0)
}

// staticCatalog maps challenge ids to images for tests.
type staticCatalog map[string]string

func (c staticCatalog) Image(challengeID string) string {
	return c[challengeID]
}
