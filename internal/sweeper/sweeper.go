package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cyberlab/internal/provisioner"
	"cyberlab/internal/registry"
)

// SweeperRegistry abstracts registry operations needed by the sweeper.
type SweeperRegistry interface {
	ListExpiredInstances(maxAge time.Duration) ([]*registry.Instance, error)
	ListInstances() ([]*registry.InstanceUsage, error)
}

// SweeperProvisioner abstracts provisioner operations needed by the sweeper.
type SweeperProvisioner interface {
	Inspect(ctx context.Context, handle string) (*provisioner.Status, error)
}

// Reclaimer tears down a challenge's environment together with its session
// cascade. Implemented by the broker; routing reclamation through it keeps
// the teardown behind the same per-challenge lock attach and detach use, so
// the sweeper can never delete an instance out from under an attach in
// flight.
type Reclaimer interface {
	ForceStop(ctx context.Context, challengeID string) error
}

// Sweeper reclaims environments that exceed the maximum age, regardless of
// attached users, so abandoned environments cannot pin host resources
// forever. It is the only time-driven actor in the system.
type Sweeper struct {
	registry  SweeperRegistry
	prov      SweeperProvisioner
	reclaimer Reclaimer
	interval  time.Duration
	maxAge    time.Duration
	logger    *slog.Logger
}

func New(reg SweeperRegistry, prov SweeperProvisioner, reclaimer Reclaimer, interval, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		registry:  reg,
		prov:      prov,
		reclaimer: reclaimer,
		interval:  interval,
		maxAge:    maxAge,
		logger:    logger,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper started", "interval", s.interval, "max_age", s.maxAge)

	s.reconcile(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweepExpired(ctx)
		}
	}
}

// sweepExpired force-stops every instance past the age ceiling. Sessions
// cascade with the instance delete; the next attach recreates a fresh
// environment.
func (s *Sweeper) sweepExpired(ctx context.Context) {
	expired, err := s.registry.ListExpiredInstances(s.maxAge)
	if err != nil {
		s.logger.Error("sweeper: list expired", "error", err)
		return
	}

	for _, inst := range expired {
		s.logger.Info("sweeping expired environment",
			"challenge_id", inst.ChallengeID, "handle", inst.Handle, "created_at", inst.CreatedAt)

		if err := s.reclaimer.ForceStop(ctx, inst.ChallengeID); err != nil {
			s.logger.Error("sweeper: reclaim environment",
				"challenge_id", inst.ChallengeID, "handle", inst.Handle, "error", err)
		}
	}

	if len(expired) > 0 {
		s.logger.Info("sweeper: reclaimed environments", "count", len(expired))
	}
}

// reconcile runs once at startup: instances whose backing environment died
// while the service was down get cascaded away so no session references a
// dead environment.
func (s *Sweeper) reconcile(ctx context.Context) {
	s.logger.Info("reconciliation starting")

	instances, err := s.registry.ListInstances()
	if err != nil {
		s.logger.Error("reconcile: list instances", "error", err)
		return
	}

	for _, inst := range instances {
		st, err := s.prov.Inspect(ctx, inst.Handle)
		if err != nil && !errors.Is(err, provisioner.ErrNotFound) {
			s.logger.Warn("reconcile: error inspecting environment",
				"challenge_id", inst.ChallengeID, "handle", inst.Handle, "error", err)
			continue
		}

		if err == nil && st.Running {
			continue
		}

		s.logger.Warn("reconcile: environment not running, removing instance",
			"challenge_id", inst.ChallengeID, "handle", inst.Handle)
		if err := s.reclaimer.ForceStop(ctx, inst.ChallengeID); err != nil {
			s.logger.Error("reconcile: reclaim environment",
				"challenge_id", inst.ChallengeID, "error", err)
		}
	}

	s.logger.Info("reconciliation complete")
}
