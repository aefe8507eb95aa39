package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
)

type MemorySessionRepository struct {
	sessions     map[domain.SessionID]domain.Session
	joinCodes    map[string]domain.SessionID
	participants map[domain.SessionID]map[domain.ParticipantID]domain.Participant
	mu           sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		sessions:     make(map[domain.SessionID]domain.Session),
		joinCodes:    make(map[string]domain.SessionID),
		participants: make(map[domain.SessionID]map[domain.ParticipantID]domain.Participant),
	}
}

func (r *MemorySessionRepository) Create(ctx context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return fmt.Errorf("session already exists: %s", session.ID)
	}
	if _, taken := r.joinCodes[session.JoinCode]; taken {
		return fmt.Errorf("%w: %s", domain.ErrJoinCodeTaken, session.JoinCode)
	}

	r.sessions[session.ID] = *session
	r.joinCodes[session.JoinCode] = session.ID
	r.participants[session.ID] = make(map[domain.ParticipantID]domain.Participant)
	return nil
}

func (r *MemorySessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}

	return &session, nil
}

func (r *MemorySessionRepository) GetByJoinCode(ctx context.Context, code string) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.joinCodes[code]
	if !exists {
		return nil, domain.ErrJoinCodeNotFound
	}
	session := r.sessions[id]
	return &session, nil
}

// Update stores session. An ended session releases its join code.
func (r *MemorySessionRepository) Update(ctx context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; !exists {
		return domain.ErrSessionNotFound
	}

	r.sessions[session.ID] = *session
	if session.Ended() {
		delete(r.joinCodes, session.JoinCode)
	}
	return nil
}

func (r *MemorySessionRepository) AddParticipant(ctx context.Context, p *domain.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.participants[p.SessionID]
	if !exists {
		return domain.ErrSessionNotFound
	}
	members[p.ID] = *p
	return nil
}

func (r *MemorySessionRepository) RemoveParticipant(ctx context.Context, session domain.SessionID, id domain.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.participants[session]
	if !exists {
		return domain.ErrSessionNotFound
	}
	if _, ok := members[id]; !ok {
		return domain.ErrParticipantNotFound
	}
	delete(members, id)
	return nil
}

// ListParticipants returns the roster in join order.
func (r *MemorySessionRepository) ListParticipants(ctx context.Context, session domain.SessionID) ([]*domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, exists := r.participants[session]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}

	result := make([]*domain.Participant, 0, len(members))
	for _, p := range members {
		p := p
		result = append(result, &p)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].JoinedAt.Equal(result[j].JoinedAt) {
			return result[i].JoinedAt.Before(result[j].JoinedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}
