package peer

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"squadx/internal/core/domain"
)

type RelayConfig struct {
	Self   domain.ParticipantID
	Remote domain.ParticipantID
	Link   *RelayLink
	// Signaler carries control messages over the session transport.
	Signaler *Signaler
	Hooks    Hooks
	Logger   *zap.SugaredLogger
}

// RelaySession is the logical session to one remote participant when media goes
// through the forwarding relay. Media state follows the shared link.
type RelaySession struct {
	base
	self     domain.ParticipantID
	link     *RelayLink
	signaler *Signaler
}

func NewRelaySession(cfg RelayConfig) *RelaySession {
	s := &RelaySession{self: cfg.Self, link: cfg.Link, signaler: cfg.Signaler}
	s.base.init(cfg.Remote, domain.TopologyRelay, false, cfg.Hooks, cfg.Logger)
	return s
}

// Start marks the control path ready and picks up the link state.
func (s *RelaySession) Start(ctx context.Context) error {
	s.emit(EventControlOpen)
	if s.link.Connected() {
		s.emit(EventMediaConnected)
	}
	return nil
}

// HandleSignal ignores negotiation messages: they belong to the link.
func (s *RelaySession) HandleSignal(ctx context.Context, msg domain.SignalMessage) error {
	s.log.Debugw("ignoring negotiation message for relay session", "type", msg.Type)
	return nil
}

func (s *RelaySession) SendCandidate(context.Context, *webrtc.ICECandidateInit) error {
	return nil
}

// AddTrack publishes a locally owned track once on the link. A track owned by
// someone else is already forwarded by the relay and is only recorded.
func (s *RelaySession) AddTrack(ctx context.Context, t Track) error {
	if s.sending(t.Key()) {
		return nil
	}
	if t.Info.Owner == s.self {
		if err := s.link.Publish(ctx, t); err != nil {
			return err
		}
	}
	s.putSent(t)
	return nil
}

func (s *RelaySession) RemoveTrack(ctx context.Context, key domain.TrackKey) error {
	t, ok := s.dropSent(key)
	if !ok {
		return nil
	}
	if t.Info.Owner == s.self {
		return s.link.Unpublish(ctx, key)
	}
	return nil
}

func (s *RelaySession) Renegotiate(ctx context.Context) error {
	if s.closed() {
		return domain.ErrPeerClosed
	}
	return s.link.Renegotiate(ctx)
}

func (s *RelaySession) Restart(ctx context.Context) error {
	if s.closed() {
		return domain.ErrPeerClosed
	}
	return s.link.Restart(ctx)
}

func (s *RelaySession) Stats() (domain.PeerStats, error) {
	return s.link.Stats()
}

func (s *RelaySession) SendControl(ctx context.Context, msg domain.SignalMessage) error {
	if msg.TargetID != s.participant {
		return fmt.Errorf("%w: control message targets %q", domain.ErrInvalidPayload, msg.TargetID)
	}
	return s.signaler.Submit(ctx, msg)
}

func (s *RelaySession) SendCursor(ctx context.Context, p domain.CursorPayload) error {
	return s.signaler.Send(ctx, domain.SignalCursor, s.participant, p)
}

// Close detaches the session. The link is owned by the orchestrator.
func (s *RelaySession) Close() error {
	return nil
}

// Link returns the shared relay link.
func (s *RelaySession) Link() *RelayLink { return s.link }
