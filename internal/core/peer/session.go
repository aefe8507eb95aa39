package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
	"squadx/pkg/utils"
)

// Track is a sending track together with its identity. Gain is optional.
type Track struct {
	Info  domain.TrackInfo
	Local webrtc.TrackLocal
	Gain  ports.GainControl
}

func (t Track) Key() domain.TrackKey { return t.Info.Key() }

// OwnedBy returns t as sent by owner. The wire track carries Info.ID and the
// owner as its stream id so receivers can tell same-named tracks apart.
func (t Track) OwnedBy(owner domain.ParticipantID) Track {
	t.Info.Owner = owner
	t.Info.StreamID = string(owner)
	if t.Local != nil && (t.Local.ID() != string(t.Info.ID) || t.Local.StreamID() != t.Info.StreamID) {
		t.Local = &labeledTrack{TrackLocal: t.Local, id: string(t.Info.ID), stream: t.Info.StreamID}
	}
	return t
}

// labeledTrack sends an existing local track under another id and stream id.
type labeledTrack struct {
	webrtc.TrackLocal
	id     string
	stream string
}

func (l *labeledTrack) ID() string       { return l.id }
func (l *labeledTrack) StreamID() string { return l.stream }

func (l *labeledTrack) RequestKeyframe() {
	if k, ok := l.TrackLocal.(interface{ RequestKeyframe() }); ok {
		k.RequestKeyframe()
	}
}

// Hooks receive engine callbacks. They are called on engine goroutines and must
// only hand the work off, never block.
type Hooks struct {
	OnEvent     func(ev Event)
	OnCandidate func(c *webrtc.ICECandidateInit)
	OnTrack     func(track ports.InboundTrack)
	OnControl   func(msg domain.SignalMessage)
	OnCursor    func(p domain.CursorPayload)
}

// Session is one logical connection to a remote participant. Mesh and relay
// topologies implement it; everything above this package works only against it.
type Session interface {
	ID() string
	Participant() domain.ParticipantID
	Topology() domain.Topology
	Info() domain.PeerInfo
	Status() Status
	State() domain.ConnectionState
	// Apply runs Transition on the current status and stores the result.
	Apply(ev Event) []Command

	Start(ctx context.Context) error
	HandleSignal(ctx context.Context, msg domain.SignalMessage) error
	SendCandidate(ctx context.Context, c *webrtc.ICECandidateInit) error
	AddTrack(ctx context.Context, t Track) error
	RemoveTrack(ctx context.Context, key domain.TrackKey) error
	RecordInbound(info domain.TrackInfo)
	Renegotiate(ctx context.Context) error
	Restart(ctx context.Context) error
	Stats() (domain.PeerStats, error)

	ControlState() domain.ControlState
	SetControlState(state domain.ControlState)
	SendControl(ctx context.Context, msg domain.SignalMessage) error
	SendCursor(ctx context.Context, p domain.CursorPayload) error

	Preset() domain.BitratePreset
	SetPreset(p domain.BitratePreset)

	Close() error
}

// Signaler builds and submits messages from one participant.
type Signaler struct {
	Self   domain.ParticipantID
	Clock  *utils.MonotonicClock
	Submit func(ctx context.Context, msg domain.SignalMessage) error
}

func (s *Signaler) Build(typ domain.SignalType, target domain.ParticipantID, payload any) (domain.SignalMessage, error) {
	return domain.NewSignalMessage(typ, s.Self, target, s.Clock.Next(), payload)
}

func (s *Signaler) Send(ctx context.Context, typ domain.SignalType, target domain.ParticipantID, payload any) error {
	msg, err := s.Build(typ, target, payload)
	if err != nil {
		return err
	}
	return s.Submit(ctx, msg)
}

// To returns a SendFunc bound to target.
func (s *Signaler) To(target domain.ParticipantID) SendFunc {
	return func(ctx context.Context, typ domain.SignalType, payload any) error {
		return s.Send(ctx, typ, target, payload)
	}
}

// base carries the state common to both topologies.
type base struct {
	id          string
	participant domain.ParticipantID
	topology    domain.Topology
	hooks       Hooks
	log         *zap.SugaredLogger

	mu       sync.Mutex
	status   Status
	control  domain.ControlState
	preset   domain.BitratePreset
	sent     map[domain.TrackKey]Track
	received map[domain.TrackKey]domain.TrackInfo
	pending  int
	updated  time.Time
}

func (b *base) init(participant domain.ParticipantID, topology domain.Topology, initiator bool, hooks Hooks, log *zap.SugaredLogger) {
	b.id = uuid.NewString()
	b.participant = participant
	b.topology = topology
	b.hooks = hooks
	b.log = log.With("participant_id", participant, "topology", topology)
	b.status = Status{State: domain.StateIdle, Initiator: initiator}
	b.control = domain.ControlViewOnly
	b.preset = domain.PresetMedium
	b.sent = make(map[domain.TrackKey]Track)
	b.received = make(map[domain.TrackKey]domain.TrackInfo)
	b.updated = time.Now()
}

func (b *base) ID() string                        { return b.id }
func (b *base) Participant() domain.ParticipantID { return b.participant }
func (b *base) Topology() domain.Topology         { return b.topology }

func (b *base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *base) State() domain.ConnectionState {
	return b.Status().State
}

func (b *base) Apply(ev Event) []Command {
	b.mu.Lock()
	prev := b.status.State
	next, cmds := Transition(b.status, ev)
	b.status = next
	if next.State != prev {
		b.updated = time.Now()
	}
	b.mu.Unlock()

	if next.State != prev {
		b.log.Infow("peer state changed", "from", prev, "to", next.State, "event", ev.String())
	}
	return cmds
}

func (b *base) ControlState() domain.ControlState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.control
}

func (b *base) SetControlState(state domain.ControlState) {
	b.mu.Lock()
	b.control = state
	b.mu.Unlock()
}

func (b *base) Preset() domain.BitratePreset {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.preset
}

func (b *base) SetPreset(p domain.BitratePreset) {
	b.mu.Lock()
	b.preset = p
	b.mu.Unlock()
}

func (b *base) sending(key domain.TrackKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sent[key]
	return ok
}

func (b *base) putSent(t Track) {
	b.mu.Lock()
	b.sent[t.Key()] = t
	b.mu.Unlock()
}

func (b *base) dropSent(key domain.TrackKey) (Track, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.sent[key]
	delete(b.sent, key)
	return t, ok
}

// RecordInbound notes a track received from the remote side. Received tracks
// never count as sent, so a same-named local track still goes out.
func (b *base) RecordInbound(info domain.TrackInfo) {
	b.mu.Lock()
	b.received[info.Key()] = info
	b.mu.Unlock()
}

func (b *base) setPending(n int) {
	b.mu.Lock()
	b.pending = n
	b.mu.Unlock()
}

// Info snapshots the session.
func (b *base) Info() domain.PeerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	sent := make([]domain.TrackInfo, 0, len(b.sent))
	for _, t := range b.sent {
		sent = append(sent, t.Info)
	}
	received := make([]domain.TrackInfo, 0, len(b.received))
	for _, info := range b.received {
		received = append(received, info)
	}
	sortTracks(sent)
	sortTracks(received)
	return domain.PeerInfo{
		ConnectionID:      b.id,
		ParticipantID:     b.participant,
		Topology:          b.topology,
		State:             b.status.State,
		Control:           b.control,
		Tracks:            sent,
		Received:          received,
		PendingCandidates: b.pending,
		Preset:            b.preset,
		UpdatedAt:         b.updated,
	}
}

// InboundInfo fills in the owner of a received track: the stream id when the
// sender set one, else the remote participant.
func InboundInfo(info domain.TrackInfo, remote domain.ParticipantID) domain.TrackInfo {
	switch {
	case info.StreamID != "":
		info.Owner = domain.ParticipantID(info.StreamID)
	case info.Owner == "":
		info.Owner = remote
	}
	return info
}

func sortTracks(tracks []domain.TrackInfo) {
	sort.Slice(tracks, func(i, j int) bool {
		return tracks[i].Key().String() < tracks[j].Key().String()
	})
}

func (b *base) emit(ev Event) {
	if b.hooks.OnEvent != nil {
		b.hooks.OnEvent(ev)
	}
}

func (b *base) closed() bool {
	return b.State() == domain.StateClosed
}

func mediaEvent(state webrtc.PeerConnectionState) (Event, bool) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		return EventMediaConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return EventMediaDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return EventMediaFailed, true
	}
	return 0, false
}

func decodeSDP(msg domain.SignalMessage) (domain.SDPPayload, error) {
	var p domain.SDPPayload
	if err := msg.Decode(&p); err != nil {
		return p, err
	}
	if err := domain.ValidateSDP(p.SDP); err != nil {
		return p, err
	}
	return p, nil
}

func encodeMessage(msg domain.SignalMessage) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}
	return string(raw), nil
}
