package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"cyberlab/internal/broker"
)

type MockBrokerService struct {
	mock.Mock
}

func (m *MockBrokerService) Attach(ctx context.Context, userID, challengeID string) (*broker.AttachResult, error) {
	args := m.Called(ctx, userID, challengeID)
	if res := args.Get(0); res != nil {
		return res.(*broker.AttachResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBrokerService) Detach(ctx context.Context, userID, challengeID string) (*broker.DetachResult, error) {
	args := m.Called(ctx, userID, challengeID)
	if res := args.Get(0); res != nil {
		return res.(*broker.DetachResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBrokerService) ForceStop(ctx context.Context, challengeID string) error {
	args := m.Called(ctx, challengeID)
	return args.Error(0)
}

func (m *MockBrokerService) Status(ctx context.Context, userID, challengeID string) (*broker.StatusResult, error) {
	args := m.Called(ctx, userID, challengeID)
	if res := args.Get(0); res != nil {
		return res.(*broker.StatusResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBrokerService) ListActive(ctx context.Context) ([]*broker.ActiveInstance, error) {
	args := m.Called(ctx)
	if res := args.Get(0); res != nil {
		return res.([]*broker.ActiveInstance), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBrokerService) Simulated() bool {
	args := m.Called()
	return args.Bool(0)
}
