package api

import (
	"context"

	"cyberlab/internal/broker"
)

// BrokerService abstracts the session broker operations the API exposes.
type BrokerService interface {
	Attach(ctx context.Context, userID, challengeID string) (*broker.AttachResult, error)
	Detach(ctx context.Context, userID, challengeID string) (*broker.DetachResult, error)
	ForceStop(ctx context.Context, challengeID string) error
	Status(ctx context.Context, userID, challengeID string) (*broker.StatusResult, error)
	ListActive(ctx context.Context) ([]*broker.ActiveInstance, error)
	Simulated() bool
}
