package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cyberlab/internal/provisioner"
	"cyberlab/internal/registry"
)

// Broker multiplexes users onto at most one live environment per challenge.
// It is the only component that mutates instances, and it serializes all
// decisions for a challenge behind a per-challenge mutex; the registry's
// unique constraint is the second line of defense against creation races.
type Broker struct {
	registry Registry
	prov     provisioner.Provisioner
	catalog  Catalog
	logger   *slog.Logger

	provisionTimeout time.Duration

	// Per-challenge mutexes to serialize attach/detach decisions.
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

func New(reg Registry, prov provisioner.Provisioner, cat Catalog, provisionTimeout time.Duration, logger *slog.Logger) *Broker {
	return &Broker{
		registry:         reg,
		prov:             prov,
		catalog:          cat,
		logger:           logger,
		provisionTimeout: provisionTimeout,
		locks:            make(map[string]*sync.Mutex),
	}
}

func (b *Broker) challengeLock(challengeID string) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	mu, ok := b.locks[challengeID]
	if !ok {
		mu = &sync.Mutex{}
		b.locks[challengeID] = mu
	}
	return mu
}

// AttachResult tells the request layer what the user got.
type AttachResult struct {
	ContainerAvailable bool   `json:"container_available"`
	Host               string `json:"host,omitempty"`
	Port               int    `json:"port,omitempty"`
	URL                string `json:"url,omitempty"`
	AutoDeployed       bool   `json:"auto_deployed"`
	Reconnected        bool   `json:"reconnected"`
	OtherUsers         int    `json:"other_users"`
	Simulated          bool   `json:"simulated,omitempty"`
	Warning            string `json:"warning,omitempty"`
	Message            string `json:"message,omitempty"`
}

// DetachResult tells the request layer whether the environment survived.
type DetachResult struct {
	Stopped    bool `json:"stopped"`
	OtherUsers int  `json:"other_users"`
}

// StatusResult is a per-user probe of a challenge environment.
type StatusResult struct {
	Attached  bool   `json:"attached"`
	Running   bool   `json:"running"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	Simulated bool   `json:"simulated,omitempty"`
}

// Attach joins a user to a challenge's shared environment, creating it when
// this user is the first tenant. Provisioning failure is never fatal: the
// challenge stays startable and the failure rides along as a warning.
func (b *Broker) Attach(ctx context.Context, userID, challengeID string) (*AttachResult, error) {
	image := b.catalog.Image(challengeID)
	if image == "" {
		return &AttachResult{ContainerAvailable: false}, nil
	}

	mu := b.challengeLock(challengeID)
	mu.Lock()
	defer mu.Unlock()

	// Idempotent reconnect: the user already holds a session.
	if sess, err := b.registry.GetSession(userID, challengeID); err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	} else if sess != nil {
		inst, err := b.registry.GetInstance(challengeID)
		if err != nil {
			return nil, fmt.Errorf("get instance: %w", err)
		}
		if inst != nil {
			switch err := b.registry.TouchInstance(challengeID); {
			case err == nil:
				return b.attached(inst, &AttachResult{Reconnected: true, Message: "reconnected"}, challengeID)
			case !errors.Is(err, registry.ErrNotFound):
				return nil, fmt.Errorf("touch instance: %w", err)
			}
			// Instance reclaimed between lookup and touch; the cascade took
			// the session with it, so fall through to a fresh attach.
		} else {
			// Session without an instance should not happen (cascade delete),
			// but recover by dropping the stale session and re-attaching.
			b.logger.Warn("stale session without instance", "user_id", userID, "challenge_id", challengeID)
			if _, err := b.registry.DeleteSession(userID, challengeID); err != nil {
				return nil, fmt.Errorf("delete stale session: %w", err)
			}
		}
	}

	inst, err := b.registry.GetInstance(challengeID)
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}

	if inst != nil {
		// Reuse the shared environment; no provisioner call. A NotFound from
		// the touch means the instance was reclaimed after the lookup, and a
		// session bound to it now would outlive it as an orphan.
		switch err := b.registry.TouchInstance(challengeID); {
		case err == nil:
			if err := b.upsertSession(userID, challengeID, inst.Handle); err != nil {
				return nil, err
			}
			return b.attached(inst, &AttachResult{Message: "joined shared environment"}, challengeID)
		case !errors.Is(err, registry.ErrNotFound):
			return nil, fmt.Errorf("touch instance: %w", err)
		}
		// Reclaimed; create a fresh environment below.
	}

	// First tenant: create the environment.
	created, err := b.create(ctx, challengeID, image)
	if err != nil {
		b.logger.Warn("environment unavailable",
			"user_id", userID, "challenge_id", challengeID, "image", image, "error", err)
		return &AttachResult{
			ContainerAvailable: false,
			Warning:            warningFor(err, image),
		}, nil
	}

	newInst := &registry.Instance{
		ChallengeID:  challengeID,
		Handle:       created.Handle,
		Host:         created.Host,
		Port:         created.Port,
		CreatedAt:    time.Now().UTC(),
		LastAccessed: time.Now().UTC(),
	}

	if err := b.registry.InsertInstance(newInst); err != nil {
		if errors.Is(err, registry.ErrConflict) {
			// Lost the creation race: discard our environment immediately
			// so it is never orphaned, then join the winner's.
			b.logger.Info("creation race lost, joining existing instance",
				"challenge_id", challengeID, "handle", created.Handle)
			if stopErr := b.prov.Stop(ctx, created.Handle); stopErr != nil {
				b.logger.Error("stop redundant environment",
					"challenge_id", challengeID, "handle", created.Handle, "error", stopErr)
			}
			winner, err := b.registry.GetInstance(challengeID)
			if err != nil {
				return nil, fmt.Errorf("get instance after conflict: %w", err)
			}
			if winner == nil {
				// Winner vanished between conflict and lookup (force-stop
				// race). Report unavailable; the user can simply retry.
				return &AttachResult{
					ContainerAvailable: false,
					Warning:            "environment was torn down while starting, try again",
				}, nil
			}
			if err := b.upsertSession(userID, challengeID, winner.Handle); err != nil {
				return nil, err
			}
			return b.attached(winner, &AttachResult{Message: "joined shared environment"}, challengeID)
		}
		// Registry write failed: stop the environment rather than leak it.
		if stopErr := b.prov.Stop(ctx, created.Handle); stopErr != nil {
			b.logger.Error("stop environment after registry failure",
				"challenge_id", challengeID, "handle", created.Handle, "error", stopErr)
		}
		return nil, fmt.Errorf("insert instance: %w", err)
	}

	if err := b.upsertSession(userID, challengeID, newInst.Handle); err != nil {
		// A registered environment with zero tenants would sit until the age
		// cap; take it down with the instance row, same as the insert failure.
		if tdErr := b.teardown(ctx, newInst); tdErr != nil {
			b.logger.Error("teardown after session failure",
				"challenge_id", challengeID, "handle", created.Handle, "error", tdErr)
		}
		return nil, err
	}

	b.logger.Info("environment created",
		"user_id", userID, "challenge_id", challengeID,
		"handle", created.Handle, "port", created.Port, "simulated", b.prov.Simulated())

	return b.attached(newInst, &AttachResult{AutoDeployed: true, Message: "environment created"}, challengeID)
}

// create calls the provisioner with an upper bound on wait time. A timed-out
// create is a BackendUnavailable failure, never left pending.
func (b *Broker) create(ctx context.Context, challengeID, image string) (*provisioner.Instance, error) {
	if b.provisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.provisionTimeout)
		defer cancel()
	}
	inst, err := b.prov.Create(ctx, challengeID, image)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", provisioner.ErrBackendUnavailable, err)
		}
		return nil, err
	}
	return inst, nil
}

func (b *Broker) upsertSession(userID, challengeID, handle string) error {
	now := time.Now().UTC()
	err := b.registry.UpsertSession(&registry.Session{
		UserID:       userID,
		ChallengeID:  challengeID,
		Handle:       handle,
		StartedAt:    now,
		LastAccessed: now,
	})
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (b *Broker) attached(inst *registry.Instance, res *AttachResult, challengeID string) (*AttachResult, error) {
	n, err := b.registry.CountSessions(challengeID)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	res.ContainerAvailable = true
	res.Host = inst.Host
	res.Port = inst.Port
	res.URL = fmt.Sprintf("http://%s:%d", inst.Host, inst.Port)
	res.OtherUsers = n - 1
	if res.OtherUsers < 0 {
		res.OtherUsers = 0
	}
	res.Simulated = b.prov.Simulated()
	return res, nil
}

// Detach removes the caller's session. The last tenant out stops the
// environment; otherwise it keeps running for the remaining users. Detaching
// without a session is a no-op, so stop-challenge and flag-submission paths
// can both call it safely.
func (b *Broker) Detach(ctx context.Context, userID, challengeID string) (*DetachResult, error) {
	mu := b.challengeLock(challengeID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := b.registry.DeleteSession(userID, challengeID); err != nil {
		return nil, fmt.Errorf("delete session: %w", err)
	}

	n, err := b.registry.CountSessions(challengeID)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	if n > 0 {
		return &DetachResult{Stopped: false, OtherUsers: n}, nil
	}

	inst, err := b.registry.GetInstance(challengeID)
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	if inst == nil {
		return &DetachResult{Stopped: false}, nil
	}

	if err := b.teardown(ctx, inst); err != nil {
		return nil, err
	}

	b.logger.Info("environment stopped by last detach",
		"user_id", userID, "challenge_id", challengeID, "handle", inst.Handle)

	return &DetachResult{Stopped: true}, nil
}

// ForceStop tears a challenge's environment down unconditionally, cascading
// all sessions. Shared by the admin endpoint and the expiry sweeper.
func (b *Broker) ForceStop(ctx context.Context, challengeID string) error {
	mu := b.challengeLock(challengeID)
	mu.Lock()
	defer mu.Unlock()

	inst, err := b.registry.GetInstance(challengeID)
	if err != nil {
		return fmt.Errorf("get instance: %w", err)
	}
	if inst == nil {
		// Already gone; a concurrent detach may have beaten us here.
		return nil
	}

	if err := b.teardown(ctx, inst); err != nil {
		return err
	}

	b.logger.Info("environment force-stopped", "challenge_id", challengeID, "handle", inst.Handle)
	return nil
}

// teardown stops the backing environment and removes the instance with its
// session cascade. Provisioner NotFound means the environment is already
// gone, which is the outcome we wanted.
func (b *Broker) teardown(ctx context.Context, inst *registry.Instance) error {
	if err := b.prov.Stop(ctx, inst.Handle); err != nil && !errors.Is(err, provisioner.ErrNotFound) {
		return fmt.Errorf("stop environment: %w", err)
	}
	if err := b.registry.DeleteInstance(inst.ChallengeID); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	return nil
}

// Status probes a user's view of a challenge environment.
func (b *Broker) Status(ctx context.Context, userID, challengeID string) (*StatusResult, error) {
	sess, err := b.registry.GetSession(userID, challengeID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return &StatusResult{}, nil
	}

	inst, err := b.registry.GetInstance(challengeID)
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	if inst == nil {
		return &StatusResult{Attached: true}, nil
	}

	st, err := b.prov.Inspect(ctx, inst.Handle)
	if err != nil {
		if errors.Is(err, provisioner.ErrNotFound) {
			return &StatusResult{Attached: true}, nil
		}
		return nil, fmt.Errorf("inspect environment: %w", err)
	}

	return &StatusResult{
		Attached:  true,
		Running:   st.Running,
		Host:      inst.Host,
		Port:      inst.Port,
		Simulated: b.prov.Simulated(),
	}, nil
}

// ListActive returns all live instances with their tenant counts and users,
// for the admin view.
func (b *Broker) ListActive(ctx context.Context) ([]*ActiveInstance, error) {
	usage, err := b.registry.ListInstances()
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	result := make([]*ActiveInstance, 0, len(usage))
	for _, u := range usage {
		sessions, err := b.registry.ListInstanceSessions(u.ChallengeID)
		if err != nil {
			return nil, fmt.Errorf("list instance sessions: %w", err)
		}
		users := make([]string, len(sessions))
		for i, s := range sessions {
			users[i] = s.UserID
		}
		result = append(result, &ActiveInstance{
			ChallengeID:  u.ChallengeID,
			Handle:       u.Handle,
			Host:         u.Host,
			Port:         u.Port,
			CreatedAt:    u.CreatedAt,
			LastAccessed: u.LastAccessed,
			Sessions:     u.Sessions,
			Users:        users,
		})
	}
	return result, nil
}

// Simulated reports whether environments are being fabricated.
func (b *Broker) Simulated() bool {
	return b.prov.Simulated()
}

// ActiveInstance is one row of the admin instance view.
type ActiveInstance struct {
	ChallengeID  string    `json:"challenge_id"`
	Handle       string    `json:"handle"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	Sessions     int       `json:"sessions"`
	Users        []string  `json:"users"`
}

// warningFor turns a provisioner failure into operator-friendly warning text.
func warningFor(err error, image string) string {
	switch {
	case errors.Is(err, provisioner.ErrImageNotFound):
		return fmt.Sprintf("challenge image %q not found, the challenge can still be solved without a live environment", image)
	case errors.Is(err, provisioner.ErrBackendUnavailable):
		return "environment backend unavailable, no live environment for this challenge right now"
	case errors.Is(err, provisioner.ErrResourceExhausted):
		return "host is at capacity, try starting the environment again later"
	default:
		return "failed to start environment: " + err.Error()
	}
}
