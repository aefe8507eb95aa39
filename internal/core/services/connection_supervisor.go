package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
	"squadx/pkg/retry"
)

type SupervisorConfig struct {
	MaxAttempts    int
	Backoff        retry.Config
	AttemptTimeout time.Duration
}

func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxAttempts: 5,
		Backoff: retry.Config{
			Enabled:      true,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     8 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		},
		AttemptTimeout: 10 * time.Second,
	}
}

// ConnectionSupervisor runs bounded ICE-restart attempts for sessions that lost
// connectivity. It owns every timer it starts.
type ConnectionSupervisor struct {
	cfg      SupervisorConfig
	dispatch Dispatcher
	onGiveUp func(id domain.ParticipantID)
	metrics  ports.Metrics
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[domain.ParticipantID]*supervision
}

type supervision struct {
	cancel    context.CancelFunc
	recovered chan struct{}
	once      sync.Once
	attempts  int
}

// NewConnectionSupervisor builds a supervisor. Restarts are executed through
// dispatch so they run on the peer's own work queue; onGiveUp is called once the
// attempt budget is spent.
func NewConnectionSupervisor(cfg SupervisorConfig, dispatch Dispatcher, onGiveUp func(id domain.ParticipantID), metrics ports.Metrics, logger *zap.SugaredLogger) *ConnectionSupervisor {
	if dispatch == nil {
		dispatch = func(_ domain.ParticipantID, fn func(ctx context.Context)) { fn(context.Background()) }
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionSupervisor{
		cfg:      cfg,
		dispatch: dispatch,
		onGiveUp: onGiveUp,
		metrics:  metrics,
		logger:   logger.With("component", "connection_supervisor"),
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[domain.ParticipantID]*supervision),
	}
}

// Supervise starts restart attempts for id. It is a no-op while id is already
// supervised.
func (s *ConnectionSupervisor) Supervise(id domain.ParticipantID, restart func(ctx context.Context) error) {
	s.mu.Lock()
	if _, ok := s.runs[id]; ok || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	run := &supervision{cancel: cancel, recovered: make(chan struct{})}
	s.runs[id] = run
	s.mu.Unlock()

	s.logger.Infow("supervising peer", "participant_id", id, "max_attempts", s.cfg.MaxAttempts)
	go s.loop(ctx, id, run, restart)
}

func (s *ConnectionSupervisor) loop(ctx context.Context, id domain.ParticipantID, run *supervision, restart func(ctx context.Context) error) {
	defer s.finish(id, run)

	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		timer := time.NewTimer(retry.Backoff(s.cfg.Backoff, attempt))
		select {
		case <-run.recovered:
			timer.Stop()
			s.logger.Infow("peer recovered before restart", "participant_id", id)
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.mu.Lock()
		run.attempts = attempt + 1
		s.mu.Unlock()
		s.metrics.ICERestart("attempt")
		s.logger.Infow("restarting peer connection", "participant_id", id, "attempt", attempt+1)

		s.dispatch(id, func(peerCtx context.Context) {
			if ctx.Err() != nil {
				return
			}
			if err := restart(peerCtx); err != nil {
				s.logger.Warnw("restart attempt failed", "participant_id", id, "attempt", attempt+1, "error", err)
			}
		})

		timer = time.NewTimer(s.cfg.AttemptTimeout)
		select {
		case <-run.recovered:
			timer.Stop()
			s.metrics.ICERestart("recovered")
			s.logger.Infow("peer recovered", "participant_id", id, "attempts", attempt+1)
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	if ctx.Err() != nil {
		return
	}
	s.metrics.ICERestart("exhausted")
	s.logger.Warnw("restart budget exhausted", "participant_id", id, "attempts", s.cfg.MaxAttempts)
	if s.onGiveUp != nil {
		s.onGiveUp(id)
	}
}

func (s *ConnectionSupervisor) finish(id domain.ParticipantID, run *supervision) {
	run.cancel()
	s.mu.Lock()
	if s.runs[id] == run {
		delete(s.runs, id)
	}
	s.mu.Unlock()
}

// Recovered ends supervision of id after it reconnected.
func (s *ConnectionSupervisor) Recovered(id domain.ParticipantID) {
	s.mu.Lock()
	run, ok := s.runs[id]
	s.mu.Unlock()
	if ok {
		run.once.Do(func() { close(run.recovered) })
	}
}

// Cancel stops supervising id without giving up.
func (s *ConnectionSupervisor) Cancel(id domain.ParticipantID) {
	s.mu.Lock()
	run, ok := s.runs[id]
	delete(s.runs, id)
	s.mu.Unlock()
	if ok {
		run.cancel()
	}
}

// Attempts is the number of restarts issued in id's current supervision.
func (s *ConnectionSupervisor) Attempts(id domain.ParticipantID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[id]; ok {
		return run.attempts
	}
	return 0
}

func (s *ConnectionSupervisor) Supervising(id domain.ParticipantID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[id]
	return ok
}

// Stop cancels every supervision.
func (s *ConnectionSupervisor) Stop() {
	s.cancel()
	s.mu.Lock()
	s.runs = make(map[domain.ParticipantID]*supervision)
	s.mu.Unlock()
}
