package sweeper

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"cyberlab/internal/provisioner"
	"cyberlab/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSweeper() (*Sweeper, *MockSweeperRegistry, *MockSweeperProvisioner, *MockReclaimer) {
	reg := &MockSweeperRegistry{}
	prov := &MockSweeperProvisioner{}
	rec := &MockReclaimer{}
	s := New(reg, prov, rec, time.Minute, 2*time.Hour, testLogger())
	return s, reg, prov, rec
}

func TestSweepExpired_NoExpired(t *testing.T) {
	s, reg, _, rec := testSweeper()

	reg.On("ListExpiredInstances", 2*time.Hour).Return([]*registry.Instance{}, nil)

	s.sweepExpired(context.Background())

	reg.AssertExpectations(t)
	rec.AssertNotCalled(t, "ForceStop", mock.Anything, mock.Anything)
}

func TestSweepExpired_ReclaimsThroughForceStop(t *testing.T) {
	s, reg, _, rec := testSweeper()

	expired := []*registry.Instance{
		{ChallengeID: "web-sqli-101", Handle: "h1", CreatedAt: time.Now().Add(-3 * time.Hour)},
		{ChallengeID: "web-xss-201", Handle: "h2", CreatedAt: time.Now().Add(-4 * time.Hour)},
	}

	reg.On("ListExpiredInstances", 2*time.Hour).Return(expired, nil)
	// Reclamation goes through the broker entry point so it serializes with
	// any attach or detach on the same challenge.
	rec.On("ForceStop", mock.Anything, "web-sqli-101").Return(nil)
	rec.On("ForceStop", mock.Anything, "web-xss-201").Return(nil)

	s.sweepExpired(context.Background())

	reg.AssertExpectations(t)
	rec.AssertExpectations(t)
}

func TestSweepExpired_ReclaimErrorContinues(t *testing.T) {
	s, reg, _, rec := testSweeper()

	expired := []*registry.Instance{
		{ChallengeID: "web-bad", Handle: "h-bad", CreatedAt: time.Now().Add(-3 * time.Hour)},
		{ChallengeID: "web-ok", Handle: "h-ok", CreatedAt: time.Now().Add(-3 * time.Hour)},
	}

	reg.On("ListExpiredInstances", 2*time.Hour).Return(expired, nil)
	rec.On("ForceStop", mock.Anything, "web-bad").Return(assert.AnError)
	rec.On("ForceStop", mock.Anything, "web-ok").Return(nil)

	s.sweepExpired(context.Background())

	rec.AssertCalled(t, "ForceStop", mock.Anything, "web-ok")
}

func TestSweepExpired_ListError(t *testing.T) {
	s, reg, _, rec := testSweeper()

	reg.On("ListExpiredInstances", 2*time.Hour).Return(nil, assert.AnError)

	require.NotPanics(t, func() {
		s.sweepExpired(context.Background())
	})
	rec.AssertNotCalled(t, "ForceStop", mock.Anything, mock.Anything)
}

func TestReconcile_DeadEnvironmentRemoved(t *testing.T) {
	s, reg, prov, rec := testSweeper()

	reg.On("ListInstances").Return([]*registry.InstanceUsage{
		{Instance: registry.Instance{ChallengeID: "web-crashed", Handle: "h-crashed"}},
	}, nil)
	prov.On("Inspect", mock.Anything, "h-crashed").Return(nil, provisioner.ErrNotFound)
	rec.On("ForceStop", mock.Anything, "web-crashed").Return(nil)

	s.reconcile(context.Background())

	rec.AssertCalled(t, "ForceStop", mock.Anything, "web-crashed")
}

func TestReconcile_RunningEnvironmentKept(t *testing.T) {
	s, reg, prov, rec := testSweeper()

	reg.On("ListInstances").Return([]*registry.InstanceUsage{
		{Instance: registry.Instance{ChallengeID: "web-ok", Handle: "h-ok"}},
	}, nil)
	prov.On("Inspect", mock.Anything, "h-ok").Return(&provisioner.Status{Running: true}, nil)

	s.reconcile(context.Background())

	rec.AssertNotCalled(t, "ForceStop", mock.Anything, mock.Anything)
}

func TestReconcile_StoppedEnvironmentRemoved(t *testing.T) {
	s, reg, prov, rec := testSweeper()

	reg.On("ListInstances").Return([]*registry.InstanceUsage{
		{Instance: registry.Instance{ChallengeID: "web-stopped", Handle: "h-stopped"}},
	}, nil)
	prov.On("Inspect", mock.Anything, "h-stopped").Return(&provisioner.Status{Running: false}, nil)
	rec.On("ForceStop", mock.Anything, "web-stopped").Return(nil)

	s.reconcile(context.Background())

	rec.AssertCalled(t, "ForceStop", mock.Anything, "web-stopped")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	reg := &MockSweeperRegistry{}
	prov := &MockSweeperProvisioner{}
	rec := &MockReclaimer{}
	s := New(reg, prov, rec, 10*time.Millisecond, 2*time.Hour, testLogger())

	reg.On("ListInstances").Return([]*registry.InstanceUsage{}, nil)
	reg.On("ListExpiredInstances", 2*time.Hour).Return([]*registry.Instance{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}
