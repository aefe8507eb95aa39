package ports

import (
	"context"

	"squadx/internal/core/domain"
)

type DestinationRepository interface {
	Create(ctx context.Context, dest *domain.RelayDestination) error
	GetByID(ctx context.Context, id domain.DestinationID) (*domain.RelayDestination, error)
	Update(ctx context.Context, dest *domain.RelayDestination) error
	Delete(ctx context.Context, id domain.DestinationID) error
	List(ctx context.Context) ([]*domain.RelayDestination, error)
}

// SessionRepository backs the reference session service.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	GetByID(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	GetByJoinCode(ctx context.Context, code string) (*domain.Session, error)
	Update(ctx context.Context, session *domain.Session) error
	AddParticipant(ctx context.Context, p *domain.Participant) error
	RemoveParticipant(ctx context.Context, session domain.SessionID, id domain.ParticipantID) error
	ListParticipants(ctx context.Context, session domain.SessionID) ([]*domain.Participant, error)
}
