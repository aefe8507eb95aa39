package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
)

const (
	ControlChannelLabel = "control"
	CursorChannelLabel  = "cursor"
)

type MeshConfig struct {
	Remote domain.ParticipantID
	// Initiator is the host side: it creates the data channels and sends offers.
	Initiator bool
	PC        ports.PeerConnection
	Signaler  *Signaler
	Hooks     Hooks
	Logger    *zap.SugaredLogger
}

// MeshSession is a direct connection between host and one viewer. Negotiation
// travels as targeted signals; control and cursor use data channels.
type MeshSession struct {
	base
	pc  ports.PeerConnection
	neg *Negotiator

	chMu    sync.Mutex
	control ports.DataChannel
	cursor  ports.DataChannel
}

func NewMeshSession(cfg MeshConfig) *MeshSession {
	s := &MeshSession{pc: cfg.PC}
	s.base.init(cfg.Remote, domain.TopologyMesh, cfg.Initiator, cfg.Hooks, cfg.Logger)
	s.neg = NewNegotiator(cfg.PC, !cfg.Initiator, cfg.Signaler.To(cfg.Remote), s.log)

	cfg.PC.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if ev, ok := mediaEvent(state); ok {
			s.emit(ev)
		}
	})
	cfg.PC.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c != nil && s.hooks.OnCandidate != nil {
			s.hooks.OnCandidate(c)
		}
	})
	cfg.PC.OnTrack(func(t ports.InboundTrack) {
		s.RecordInbound(InboundInfo(t.Info(), cfg.Remote))
		if s.hooks.OnTrack != nil {
			s.hooks.OnTrack(t)
		}
	})
	cfg.PC.OnDataChannel(func(dc ports.DataChannel) {
		s.attach(dc)
	})
	return s
}

// Start creates the data channels on the initiating side.
func (s *MeshSession) Start(ctx context.Context) error {
	if !s.Status().Initiator {
		return nil
	}
	control, err := s.pc.CreateDataChannel(ControlChannelLabel, true, nil)
	if err != nil {
		return fmt.Errorf("failed to create control channel: %w", err)
	}
	s.attach(control)

	zero := uint16(0)
	cursor, err := s.pc.CreateDataChannel(CursorChannelLabel, false, &zero)
	if err != nil {
		return fmt.Errorf("failed to create cursor channel: %w", err)
	}
	s.attach(cursor)
	return nil
}

func (s *MeshSession) attach(dc ports.DataChannel) {
	switch dc.Label() {
	case ControlChannelLabel:
		s.chMu.Lock()
		s.control = dc
		s.chMu.Unlock()

		dc.OnOpen(func() { s.emit(EventControlOpen) })
		dc.OnClose(func() { s.emit(EventControlClosed) })
		dc.OnMessage(func(m webrtc.DataChannelMessage) {
			var msg domain.SignalMessage
			if err := json.Unmarshal(m.Data, &msg); err != nil {
				s.log.Warnw("dropping malformed control message", "error", err)
				return
			}
			if err := msg.Validate(); err != nil {
				s.log.Warnw("dropping invalid control message", "type", msg.Type, "error", err)
				return
			}
			if s.hooks.OnControl != nil {
				s.hooks.OnControl(msg)
			}
		})
		if dc.ReadyState() == webrtc.DataChannelStateOpen {
			s.emit(EventControlOpen)
		}

	case CursorChannelLabel:
		s.chMu.Lock()
		s.cursor = dc
		s.chMu.Unlock()

		dc.OnMessage(func(m webrtc.DataChannelMessage) {
			var p domain.CursorPayload
			if err := json.Unmarshal(m.Data, &p); err != nil {
				return
			}
			if s.hooks.OnCursor != nil {
				s.hooks.OnCursor(p)
			}
		})

	default:
		s.log.Warnw("closing unexpected data channel", "label", dc.Label())
		_ = dc.Close()
	}
}

func (s *MeshSession) HandleSignal(ctx context.Context, msg domain.SignalMessage) error {
	if s.closed() {
		return domain.ErrPeerClosed
	}
	defer func() { s.setPending(s.neg.Pending()) }()

	switch msg.Type {
	case domain.SignalOffer:
		p, err := decodeSDP(msg)
		if err != nil {
			return err
		}
		return s.neg.HandleOffer(ctx, p)
	case domain.SignalAnswer:
		p, err := decodeSDP(msg)
		if err != nil {
			return err
		}
		_, err = s.neg.HandleAnswer(ctx, p)
		return err
	case domain.SignalICECandidate:
		var p domain.CandidatePayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		s.neg.HandleCandidate(p)
		return nil
	}
	return fmt.Errorf("%w: %s is not a negotiation message", domain.ErrInvalidPayload, msg.Type)
}

func (s *MeshSession) SendCandidate(ctx context.Context, c *webrtc.ICECandidateInit) error {
	return s.neg.SendCandidate(ctx, c)
}

// AddTrack attaches t and renegotiates. A track already sent with the same
// owner and id is a no-op.
func (s *MeshSession) AddTrack(ctx context.Context, t Track) error {
	if s.sending(t.Key()) {
		return nil
	}
	if err := s.pc.AddTrack(t.Local); err != nil {
		return fmt.Errorf("failed to add track %s: %w", t.Key(), err)
	}
	s.putSent(t)
	return s.Renegotiate(ctx)
}

func (s *MeshSession) RemoveTrack(ctx context.Context, key domain.TrackKey) error {
	t, ok := s.dropSent(key)
	if !ok {
		return nil
	}
	if err := s.pc.RemoveTrack(t.Local); err != nil {
		return fmt.Errorf("failed to remove track %s: %w", key, err)
	}
	return s.Renegotiate(ctx)
}

func (s *MeshSession) Renegotiate(ctx context.Context) error {
	if s.closed() {
		return domain.ErrPeerClosed
	}
	return s.neg.Offer(ctx, false)
}

// Restart sends an ICE-restart offer on the same connection. Only the initiator
// offers; the other side answers the host's restart when it arrives.
func (s *MeshSession) Restart(ctx context.Context) error {
	if s.closed() {
		return domain.ErrPeerClosed
	}
	if !s.Status().Initiator {
		return nil
	}
	return s.neg.Offer(ctx, true)
}

func (s *MeshSession) Stats() (domain.PeerStats, error) {
	return s.pc.Stats()
}

func (s *MeshSession) SendControl(_ context.Context, msg domain.SignalMessage) error {
	s.chMu.Lock()
	dc := s.control
	s.chMu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return domain.ErrChannelNotReady
	}
	text, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	return dc.SendText(text)
}

// SendCursor is lossy; it is dropped silently while the channel is not open.
func (s *MeshSession) SendCursor(_ context.Context, p domain.CursorPayload) error {
	s.chMu.Lock()
	dc := s.cursor
	s.chMu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return dc.SendText(string(raw))
}

func (s *MeshSession) Close() error {
	s.chMu.Lock()
	channels := []ports.DataChannel{s.control, s.cursor}
	s.chMu.Unlock()
	for _, dc := range channels {
		if dc != nil {
			_ = dc.Close()
		}
	}
	return s.pc.Close()
}

// Negotiator exposes the negotiation state for inspection.
func (s *MeshSession) Negotiator() *Negotiator { return s.neg }
