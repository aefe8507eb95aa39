package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"squadx/internal/core/domain"
	"squadx/pkg/retry"
)

func testSupervisorConfig(attempts int) SupervisorConfig {
	return SupervisorConfig{
		MaxAttempts: attempts,
		Backoff: retry.Config{
			Enabled:      true,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
		AttemptTimeout: 20 * time.Millisecond,
	}
}

type giveUps struct {
	mu  sync.Mutex
	ids []domain.ParticipantID
}

func (g *giveUps) record(id domain.ParticipantID) {
	g.mu.Lock()
	g.ids = append(g.ids, id)
	g.mu.Unlock()
}

func (g *giveUps) list() []domain.ParticipantID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.ParticipantID(nil), g.ids...)
}

func TestConnectionSupervisor_RecoversOnFirstAttempt(t *testing.T) {
	var gave giveUps
	sup := NewConnectionSupervisor(testSupervisorConfig(3), nil, gave.record, nil, zaptest.NewLogger(t).Sugar())
	defer sup.Stop()

	var restarts atomic.Int32
	sup.Supervise("v1", func(context.Context) error {
		restarts.Add(1)
		go sup.Recovered("v1")
		return nil
	})

	require.Eventually(t, func() bool { return !sup.Supervising("v1") }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), restarts.Load())
	assert.Empty(t, gave.list())
}

func TestConnectionSupervisor_GivesUpAfterBudget(t *testing.T) {
	var gave giveUps
	sup := NewConnectionSupervisor(testSupervisorConfig(3), nil, gave.record, nil, zaptest.NewLogger(t).Sugar())
	defer sup.Stop()

	var restarts atomic.Int32
	sup.Supervise("v1", func(context.Context) error {
		restarts.Add(1)
		return nil
	})
	// a second report while supervised does not start another run
	sup.Supervise("v1", func(context.Context) error {
		restarts.Add(100)
		return nil
	})

	require.Eventually(t, func() bool { return len(gave.list()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(3), restarts.Load())
	assert.Equal(t, []domain.ParticipantID{"v1"}, gave.list())
	assert.Eventually(t, func() bool { return !sup.Supervising("v1") }, time.Second, time.Millisecond)
}

func TestConnectionSupervisor_CancelStopsWithoutGivingUp(t *testing.T) {
	var gave giveUps
	cfg := testSupervisorConfig(5)
	cfg.AttemptTimeout = time.Hour
	sup := NewConnectionSupervisor(cfg, nil, gave.record, nil, zaptest.NewLogger(t).Sugar())
	defer sup.Stop()

	started := make(chan struct{}, 1)
	sup.Supervise("v1", func(context.Context) error {
		started <- struct{}{}
		return nil
	})
	<-started
	assert.Equal(t, 1, sup.Attempts("v1"))

	sup.Cancel("v1")
	assert.False(t, sup.Supervising("v1"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, gave.list())
}

func TestConnectionSupervisor_CancelDuringBackoff(t *testing.T) {
	var gave giveUps
	cfg := testSupervisorConfig(5)
	cfg.Backoff.InitialDelay = time.Hour
	cfg.Backoff.MaxDelay = time.Hour
	sup := NewConnectionSupervisor(cfg, nil, gave.record, nil, zaptest.NewLogger(t).Sugar())
	defer sup.Stop()

	var restarts atomic.Int32
	sup.Supervise("v1", func(context.Context) error {
		restarts.Add(1)
		return nil
	})
	require.True(t, sup.Supervising("v1"))

	sup.Cancel("v1")
	require.Eventually(t, func() bool { return !sup.Supervising("v1") }, time.Second, time.Millisecond)
	assert.Zero(t, restarts.Load())
	assert.Zero(t, sup.Attempts("v1"))
	assert.Empty(t, gave.list())
}

func TestConnectionSupervisor_DispatchesOnPeerQueue(t *testing.T) {
	var dispatched []domain.ParticipantID
	var mu sync.Mutex
	dispatch := func(id domain.ParticipantID, fn func(ctx context.Context)) {
		mu.Lock()
		dispatched = append(dispatched, id)
		mu.Unlock()
		fn(context.Background())
	}
	sup := NewConnectionSupervisor(testSupervisorConfig(1), dispatch, nil, nil, zaptest.NewLogger(t).Sugar())
	defer sup.Stop()

	sup.Supervise("v9", func(context.Context) error { return nil })
	require.Eventually(t, func() bool { return !sup.Supervising("v9") }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.ParticipantID{"v9"}, dispatched)
}

func TestConnectionSupervisor_StopRejectsNewRuns(t *testing.T) {
	sup := NewConnectionSupervisor(testSupervisorConfig(1), nil, nil, nil, zaptest.NewLogger(t).Sugar())
	sup.Stop()
	sup.Supervise("v1", func(context.Context) error { return nil })
	assert.False(t, sup.Supervising("v1"))
}
