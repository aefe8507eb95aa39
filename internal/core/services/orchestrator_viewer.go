package services

import (
	"context"
	"fmt"

	"squadx/internal/core/domain"
	"squadx/internal/core/peer"
	"squadx/pkg/tracing"
	"squadx/pkg/utils"
	"squadx/pkg/validation"
)

// JoinSession joins the session behind a join code as a viewer.
func (o *SessionOrchestrator) JoinSession(ctx context.Context, code, displayName string) (*domain.Membership, error) {
	code = utils.NormalizeJoinCode(code)
	if err := validation.ValidateJoinCode(code); err != nil {
		return nil, err
	}
	if err := o.reserve(); err != nil {
		return nil, err
	}
	m, err := o.deps.Sessions.JoinByCode(ctx, code, displayName)
	if err != nil {
		return nil, fmt.Errorf("failed to join session: %w", err)
	}
	if m.Session.Ended() {
		return nil, domain.ErrSessionEnded
	}
	if _, err := o.start(*m); err != nil {
		return nil, err
	}
	o.logger.Infow("joined session", "session_id", m.Session.ID, "participant_id", m.Participant.ID, "topology", m.Session.Topology)
	return m, nil
}

// Leave closes every peer of the joined session. The host keeps running.
func (o *SessionOrchestrator) Leave(ctx context.Context) error {
	s, err := o.currentAs(domain.RoleViewer)
	if err != nil {
		return err
	}
	s.shutdown(ctx, "left session")
	if l, ok := o.deps.Sessions.(rosterLeaver); ok {
		if err := l.Leave(ctx, s.membership.Session.ID); err != nil {
			o.logger.Warnw("failed to leave roster", "session_id", s.membership.Session.ID, "error", err)
		}
	}
	return nil
}

// rosterLeaver is implemented by session services that track departures.
type rosterLeaver interface {
	Leave(ctx context.Context, session domain.SessionID) error
}

// RequestControl asks the host for the control token.
func (o *SessionOrchestrator) RequestControl(ctx context.Context) error {
	s, err := o.currentAs(domain.RoleViewer)
	if err != nil {
		return err
	}
	host, err := s.hostSession()
	if err != nil {
		return err
	}
	if host.ControlState() == domain.ControlGranted {
		return nil
	}
	msg, err := s.signaler.Build(domain.SignalControlRequest, host.Participant(), nil)
	if err != nil {
		return err
	}
	if err := host.SendControl(ctx, msg); err != nil {
		return fmt.Errorf("failed to request control: %w", err)
	}
	host.SetControlState(domain.ControlRequested)
	s.emitControl(s.self, domain.ControlRequested)
	return nil
}

// SendInput sends one input frame to the host. It fails unless this viewer
// currently holds control.
func (o *SessionOrchestrator) SendInput(ctx context.Context, ev domain.InputEvent) error {
	s, err := o.currentAs(domain.RoleViewer)
	if err != nil {
		return err
	}
	host, err := s.hostSession()
	if err != nil {
		return err
	}
	if host.ControlState() != domain.ControlGranted {
		return domain.ErrControlNotGranted
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	msg, err := s.signaler.Build(domain.SignalInput, host.Participant(), ev)
	if err != nil {
		return err
	}
	return host.SendControl(ctx, msg)
}

// ControlState is this viewer's view of its control token.
func (o *SessionOrchestrator) ControlState() domain.ControlState {
	s, err := o.currentAs(domain.RoleViewer)
	if err != nil {
		return domain.ControlViewOnly
	}
	host, err := s.hostSession()
	if err != nil {
		return domain.ControlViewOnly
	}
	return host.ControlState()
}

func (s *liveSession) hostSession() (peer.Session, error) {
	sess, ok := s.registry.Get(s.membership.Session.HostID)
	if !ok {
		return nil, domain.ErrPeerNotFound
	}
	return sess, nil
}

// handleViewerControl processes a control-plane message from the host. It runs
// on the host session's mailbox.
func (s *liveSession) handleViewerControl(ctx context.Context, sess peer.Session, msg domain.SignalMessage) {
	from := sess.Participant()
	if from != s.membership.Session.HostID {
		if msg.Type == domain.SignalMute {
			s.applyRemoteMute(msg)
			return
		}
		s.log.Warnw("ignoring control message from non-host", "sender_id", from, "type", msg.Type)
		return
	}

	switch msg.Type {
	case domain.SignalControlGrant:
		sess.SetControlState(domain.ControlGranted)
		s.emitControl(s.self, domain.ControlGranted)

	case domain.SignalControlRevoke:
		sess.SetControlState(domain.ControlViewOnly)
		s.emitControl(s.self, domain.ControlViewOnly)

	case domain.SignalKick:
		var p domain.KickPayload
		_ = msg.Decode(&p)
		s.log.Warnw("kicked by host", "reason", p.Reason)
		s.emit(domain.UIEvent{Type: domain.UIKicked, ParticipantID: s.self, Message: p.Reason, Terminal: true})
		// shutdown waits on peer mailboxes, so it cannot run on this one
		go s.shutdown(context.Background(), "kicked: "+p.Reason)

	case domain.SignalMute:
		s.applyRemoteMute(msg)

	case domain.SignalBitrate:
		var p domain.BitratePayload
		if err := msg.Decode(&p); err != nil || !p.Preset.Valid() {
			return
		}
		sess.SetPreset(p.Preset)

	case domain.SignalCursor:
		var p domain.CursorPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		s.emit(domain.UIEvent{Type: domain.UICursor, ParticipantID: from, Data: p})

	default:
		s.log.Debugw("ignoring control message on viewer", "type", msg.Type)
	}
}

func (s *liveSession) applyRemoteMute(msg domain.SignalMessage) {
	var p domain.MutePayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	s.audio.SetMuted(p.ParticipantID, p.Muted)
	s.emit(domain.UIEvent{Type: domain.UIMuteChanged, ParticipantID: p.ParticipantID, Data: p})
}

// handleControl routes a control-plane message by role.
func (s *liveSession) handleControl(ctx context.Context, sess peer.Session, msg domain.SignalMessage) {
	ctx, span := tracing.TraceControl(ctx, string(msg.Type), string(sess.Participant()))
	defer span.End()

	if msg.Type == domain.SignalCursor && s.role == domain.RoleHost {
		var p domain.CursorPayload
		if msg.Decode(&p) == nil {
			s.emit(domain.UIEvent{Type: domain.UICursor, ParticipantID: sess.Participant(), Data: p})
		}
		return
	}
	if s.role == domain.RoleHost {
		s.handleHostControl(ctx, sess, msg)
		return
	}
	s.handleViewerControl(ctx, sess, msg)
}
