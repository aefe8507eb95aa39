package ports

import (
	"context"

	"squadx/internal/core/domain"
)

// SessionService is the authoritative session lifecycle API.
type SessionService interface {
	CreateSession(ctx context.Context, topology domain.Topology, settings domain.SessionSettings, displayName string) (*domain.Membership, error)
	EndSession(ctx context.Context, id domain.SessionID) error
	GetSession(ctx context.Context, id domain.SessionID) (*domain.Roster, error)
	LookupByJoinCode(ctx context.Context, code string) (*domain.Session, error)
	JoinByCode(ctx context.Context, code, displayName string) (*domain.Membership, error)
	ReportUsage(ctx context.Context, report domain.UsageReport) error
}

type RelayTokenIssuer interface {
	IssueRelayToken(ctx context.Context, session domain.SessionID, participant domain.ParticipantID) (*domain.RelayGrant, error)
}

// PublishSink receives encoded chunks for one live destination.
type PublishSink interface {
	Write(chunk domain.MediaChunk) error
	Close() error
}

// Publisher opens connections to relay destinations of the schemes it supports.
type Publisher interface {
	Schemes() []string
	Open(ctx context.Context, dest domain.RelayDestination) (PublishSink, error)
}

// Metrics is what the core records; the monitoring collector implements it.
type Metrics interface {
	PeerStateChanged(topology domain.Topology, from, to domain.ConnectionState)
	ICERestart(outcome string)
	SignalProcessed(typ domain.SignalType, outcome string)
	ControlChanged(state domain.ControlState)
	PeerStats(participant domain.ParticipantID, stats domain.PeerStats)
	RelayStateChanged(id domain.DestinationID, state domain.RelayState)
	RelayChunk(id domain.DestinationID, bytes int, dropped bool)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) PeerStateChanged(domain.Topology, domain.ConnectionState, domain.ConnectionState) {}
func (NopMetrics) ICERestart(string)                                                                {}
func (NopMetrics) SignalProcessed(domain.SignalType, string)                                        {}
func (NopMetrics) ControlChanged(domain.ControlState)                                               {}
func (NopMetrics) PeerStats(domain.ParticipantID, domain.PeerStats)                                 {}
func (NopMetrics) RelayStateChanged(domain.DestinationID, domain.RelayState)                        {}
func (NopMetrics) RelayChunk(domain.DestinationID, int, bool)                                       {}
