package services

import (
	"context"
	"errors"
	"fmt"

	"squadx/internal/core/domain"
	"squadx/internal/core/peer"
)

var ErrRelayStreamingDisabled = errors.New("relay streaming is not configured")

// StartHosting creates a session with the session service and starts accepting
// viewers.
func (o *SessionOrchestrator) StartHosting(ctx context.Context, topology domain.Topology, settings domain.SessionSettings, displayName string) (*domain.Membership, error) {
	if err := o.reserve(); err != nil {
		return nil, err
	}
	m, err := o.deps.Sessions.CreateSession(ctx, topology, settings, displayName)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if _, err := o.start(*m); err != nil {
		if endErr := o.deps.Sessions.EndSession(ctx, m.Session.ID); endErr != nil {
			o.logger.Warnw("failed to end abandoned session", "session_id", m.Session.ID, "error", endErr)
		}
		return nil, err
	}
	o.logger.Infow("hosting session", "session_id", m.Session.ID, "topology", topology, "join_code", m.Session.JoinCode)
	return m, nil
}

// EndSession ends the hosted session for everyone and closes every peer.
func (o *SessionOrchestrator) EndSession(ctx context.Context) error {
	s, err := o.currentAs(domain.RoleHost)
	if err != nil {
		return err
	}
	endErr := o.deps.Sessions.EndSession(ctx, s.membership.Session.ID)
	if endErr != nil {
		s.log.Warnw("session service failed to end session", "error", endErr)
	}
	s.shutdown(ctx, "session ended by host")
	return endErr
}

func (o *SessionOrchestrator) GrantControl(ctx context.Context, target domain.ParticipantID) error {
	s, err := o.currentAs(domain.RoleHost)
	if err != nil {
		return err
	}
	if err := s.arbiter.GrantControl(ctx, s.self, target); err != nil {
		return err
	}
	s.emitControl(target, domain.ControlGranted)
	return nil
}

func (o *SessionOrchestrator) RevokeControl(ctx context.Context, target domain.ParticipantID) error {
	s, err := o.currentAs(domain.RoleHost)
	if err != nil {
		return err
	}
	if err := s.arbiter.RevokeControl(ctx, s.self, target); err != nil {
		return err
	}
	s.emitControl(target, domain.ControlViewOnly)
	return nil
}

// Kick removes a viewer from the session.
func (o *SessionOrchestrator) Kick(ctx context.Context, target domain.ParticipantID, reason string) error {
	s, err := o.currentAs(domain.RoleHost)
	if err != nil {
		return err
	}
	return s.arbiter.Kick(ctx, s.self, target, reason)
}

// SetControlEnabled toggles remote control for the session. Disabling takes
// control back from the current holder.
func (o *SessionOrchestrator) SetControlEnabled(ctx context.Context, enabled bool) error {
	s, err := o.currentAs(domain.RoleHost)
	if err != nil {
		return err
	}
	holder := s.arbiter.Holder()
	s.arbiter.SetEnabled(ctx, enabled)
	if !enabled && holder != "" {
		s.emitControl(holder, domain.ControlViewOnly)
	}
	return nil
}

// StartRelay starts one relay destination for the hosted session.
func (o *SessionOrchestrator) StartRelay(ctx context.Context, id domain.DestinationID) (domain.StartResult, error) {
	m, err := o.relays()
	if err != nil {
		return domain.StartResult{}, err
	}
	return m.Start(ctx, id), nil
}

func (o *SessionOrchestrator) StopRelay(ctx context.Context, id domain.DestinationID) (domain.StartResult, error) {
	m, err := o.relays()
	if err != nil {
		return domain.StartResult{}, err
	}
	return m.Stop(ctx, id), nil
}

func (o *SessionOrchestrator) StartAllRelays(ctx context.Context) (domain.BatchStartResult, error) {
	m, err := o.relays()
	if err != nil {
		return domain.BatchStartResult{}, err
	}
	return m.StartAll(ctx)
}

// WriteMedia feeds an encoded chunk to every live relay destination.
func (o *SessionOrchestrator) WriteMedia(chunk domain.MediaChunk) error {
	m, err := o.relays()
	if err != nil {
		return err
	}
	m.Write(chunk)
	return nil
}

func (o *SessionOrchestrator) relays() (*RelayStreamManager, error) {
	if o.deps.Relays == nil {
		return nil, ErrRelayStreamingDisabled
	}
	if _, err := o.currentAs(domain.RoleHost); err != nil {
		return nil, err
	}
	return o.deps.Relays, nil
}

// handleHostControl processes a control-plane message from a viewer. It runs on
// the viewer's mailbox.
func (s *liveSession) handleHostControl(ctx context.Context, sess peer.Session, msg domain.SignalMessage) {
	from := sess.Participant()
	switch msg.Type {
	case domain.SignalControlRequest:
		if err := s.arbiter.RequestControl(ctx, from); err != nil {
			s.log.Warnw("control request rejected", "remote_id", from, "error", err)
			return
		}
		if s.arbiter.Holder() != from {
			s.emit(domain.UIEvent{Type: domain.UIControlRequested, ParticipantID: from, State: string(domain.ControlRequested)})
		}

	case domain.SignalInput:
		if err := s.arbiter.AcceptInput(from); err != nil {
			s.o.metrics.SignalProcessed(msg.Type, "rejected")
			s.log.Debugw("input rejected", "remote_id", from, "error", err)
			return
		}
		var ev domain.InputEvent
		if err := msg.Decode(&ev); err != nil {
			s.log.Warnw("dropping malformed input", "remote_id", from, "error", err)
			return
		}
		if err := ev.Validate(); err != nil {
			s.log.Warnw("dropping invalid input", "remote_id", from, "error", err)
			return
		}
		if s.o.deps.Injector != nil {
			if err := s.o.deps.Injector.Inject(ctx, from, ev); err != nil {
				s.log.Warnw("failed to inject input", "remote_id", from, "error", err)
				return
			}
		}
		s.o.metrics.SignalProcessed(msg.Type, "ok")

	case domain.SignalMute:
		var p domain.MutePayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		// viewers may only mute themselves
		if p.ParticipantID != from {
			s.log.Warnw("ignoring mute for another participant", "remote_id", from, "target", p.ParticipantID)
			return
		}
		s.audio.SetMuted(from, p.Muted)
		s.emit(domain.UIEvent{Type: domain.UIMuteChanged, ParticipantID: from, Data: p})
		// the rest of the room only hears about it through the host
		if err := s.broadcastMute(ctx, p, from); err != nil {
			s.log.Warnw("failed to forward mute", "remote_id", from, "error", err)
		}

	default:
		s.log.Debugw("ignoring control message on host", "remote_id", from, "type", msg.Type)
	}
}

func (s *liveSession) emitControl(id domain.ParticipantID, state domain.ControlState) {
	s.emit(domain.UIEvent{Type: domain.UIControlChanged, ParticipantID: id, State: string(state)})
}
