package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
	"squadx/pkg/distributed"
	"squadx/pkg/utils"
	"squadx/pkg/validation"
)

const joinCodeAttempts = 5

// SessionLifecycle is the reference session service served by cmd/signal. The
// agent talks to it over HTTP; tests use it in-process.
type SessionLifecycle struct {
	repo     ports.SessionRepository
	locker   distributed.Locker
	newCode  func() string
	defaults domain.SessionSettings
	logger   *zap.SugaredLogger

	mu    sync.Mutex
	usage map[domain.SessionID]domain.UsageReport
}

func NewSessionLifecycle(repo ports.SessionRepository, defaults domain.SessionSettings, logger *zap.SugaredLogger) *SessionLifecycle {
	return &SessionLifecycle{
		repo:     repo,
		locker:   distributed.NewLocalLocker(),
		newCode:  utils.GenerateJoinCode,
		defaults: defaults,
		logger:   logger.With("component", "session_service"),
		usage:    make(map[domain.SessionID]domain.UsageReport),
	}
}

var _ ports.SessionService = (*SessionLifecycle)(nil)

// UseLocker replaces the in-process join lock, typically with a Redis lock
// shared by every signal server instance.
func (s *SessionLifecycle) UseLocker(l distributed.Locker) {
	s.locker = l
}

func (s *SessionLifecycle) CreateSession(ctx context.Context, topology domain.Topology, settings domain.SessionSettings, displayName string) (*domain.Membership, error) {
	if !topology.Valid() {
		return nil, fmt.Errorf("invalid topology %q", topology)
	}
	if err := validation.ValidateDisplayName(displayName); err != nil {
		return nil, err
	}
	if settings.MaxViewers <= 0 {
		settings.MaxViewers = s.defaults.MaxViewers
	}

	now := time.Now()
	session := &domain.Session{
		ID:        domain.SessionID(uuid.NewString()),
		HostID:    domain.ParticipantID(uuid.NewString()),
		Topology:  topology,
		Status:    domain.SessionActive,
		Settings:  settings,
		CreatedAt: now,
	}

	var err error
	for i := 0; i < joinCodeAttempts; i++ {
		session.JoinCode = s.newCode()
		if err = s.repo.Create(ctx, session); !errors.Is(err, domain.ErrJoinCodeTaken) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	host := domain.Participant{
		ID:          session.HostID,
		SessionID:   session.ID,
		Role:        domain.RoleHost,
		DisplayName: utils.SanitizeString(displayName),
		JoinedAt:    now,
	}
	if err := s.repo.AddParticipant(ctx, &host); err != nil {
		return nil, fmt.Errorf("failed to add host: %w", err)
	}

	s.logger.Infow("session created", "session_id", session.ID, "topology", topology, "max_viewers", settings.MaxViewers)
	return &domain.Membership{Session: *session, Participant: host}, nil
}

// EndSession marks the session ended and releases its join code.
func (s *SessionLifecycle) EndSession(ctx context.Context, id domain.SessionID) error {
	session, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if session.Ended() {
		return domain.ErrSessionEnded
	}
	now := time.Now()
	session.Status = domain.SessionEnded
	session.EndedAt = &now
	if err := s.repo.Update(ctx, session); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	s.logger.Infow("session ended", "session_id", id)
	return nil
}

func (s *SessionLifecycle) GetSession(ctx context.Context, id domain.SessionID) (*domain.Roster, error) {
	session, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	members, err := s.repo.ListParticipants(ctx, id)
	if err != nil {
		return nil, err
	}
	roster := &domain.Roster{Session: *session, Participants: make([]domain.Participant, 0, len(members))}
	for _, p := range members {
		roster.Participants = append(roster.Participants, *p)
	}
	return roster, nil
}

func (s *SessionLifecycle) LookupByJoinCode(ctx context.Context, code string) (*domain.Session, error) {
	code = utils.NormalizeJoinCode(code)
	if err := validation.ValidateJoinCode(code); err != nil {
		return nil, err
	}
	session, err := s.repo.GetByJoinCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if session.Ended() {
		return nil, domain.ErrSessionEnded
	}
	return session, nil
}

// JoinByCode adds a viewer. A session already at max_viewers rejects the join.
func (s *SessionLifecycle) JoinByCode(ctx context.Context, code, displayName string) (*domain.Membership, error) {
	if err := validation.ValidateDisplayName(displayName); err != nil {
		return nil, err
	}
	session, err := s.LookupByJoinCode(ctx, code)
	if err != nil {
		return nil, err
	}
	viewer := domain.Participant{
		ID:          domain.ParticipantID(uuid.NewString()),
		SessionID:   session.ID,
		Role:        domain.RoleViewer,
		DisplayName: utils.SanitizeString(displayName),
		JoinedAt:    time.Now(),
	}
	// capacity check and insert must not interleave with another join
	err = s.locker.WithLock(ctx, "join:"+string(session.ID), func(ctx context.Context) error {
		roster, err := s.GetSession(ctx, session.ID)
		if err != nil {
			return err
		}
		if max := session.Settings.MaxViewers; max > 0 && roster.Viewers() >= max {
			return domain.ErrSessionFull
		}
		if err := s.repo.AddParticipant(ctx, &viewer); err != nil {
			return fmt.Errorf("failed to add viewer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("viewer joined", "session_id", session.ID, "participant_id", viewer.ID)
	return &domain.Membership{Session: *session, Participant: viewer}, nil
}

// Leave removes a participant from the roster.
func (s *SessionLifecycle) Leave(ctx context.Context, session domain.SessionID, id domain.ParticipantID) error {
	if err := s.repo.RemoveParticipant(ctx, session, id); err != nil {
		return err
	}
	s.logger.Infow("participant left", "session_id", session, "participant_id", id)
	return nil
}

func (s *SessionLifecycle) ReportUsage(ctx context.Context, report domain.UsageReport) error {
	if _, err := s.repo.GetByID(ctx, report.SessionID); err != nil {
		return err
	}
	s.mu.Lock()
	s.usage[report.SessionID] = report
	s.mu.Unlock()
	s.logger.Debugw("usage received", "session_id", report.SessionID, "viewers", report.Viewers, "relays_live", report.RelaysLive)
	return nil
}

// LastUsage returns the most recent report for a session.
func (s *SessionLifecycle) LastUsage(id domain.SessionID) (domain.UsageReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.usage[id]
	return r, ok
}
