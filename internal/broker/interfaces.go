package broker

import (
	"time"

	"cyberlab/internal/registry"
)

// Registry abstracts the durable instance/session store the broker
// coordinates through. Implemented by *registry.Registry.
type Registry interface {
	GetInstance(challengeID string) (*registry.Instance, error)
	InsertInstance(inst *registry.Instance) error
	TouchInstance(challengeID string) error
	DeleteInstance(challengeID string) error

	GetSession(userID, challengeID string) (*registry.Session, error)
	UpsertSession(sess *registry.Session) error
	DeleteSession(userID, challengeID string) (deleted bool, err error)
	CountSessions(challengeID string) (int, error)

	ListExpiredInstances(maxAge time.Duration) ([]*registry.Instance, error)
	ListInstances() ([]*registry.InstanceUsage, error)
	ListInstanceSessions(challengeID string) ([]*registry.Session, error)
}

// Catalog resolves a challenge to its backing image. The empty string means
// the challenge has no live environment.
type Catalog interface {
	Image(challengeID string) string
}
