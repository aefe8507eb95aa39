package peertest

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
)

// PeerConnection is a fake ports.PeerConnection that follows the signaling state
// rules of the real engine closely enough to catch ordering bugs.
type PeerConnection struct {
	id  string
	net *Network

	mu           sync.Mutex
	signaling    webrtc.SignalingState
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	prevLocal    *webrtc.SessionDescription
	prevRemote   *webrtc.SessionDescription
	remoteID     string
	prevRemoteID string
	roundRestart bool
	version      int

	sending   map[domain.TrackKey]webrtc.TrackLocal
	order     []domain.TrackKey
	receivers []domain.TrackKind
	channels  map[string]*DataChannel
	delivered map[domain.TrackKey]bool
	applied   []webrtc.ICECandidateInit
	state     webrtc.PeerConnectionState
	dropped   bool
	closed    bool
	stats     domain.PeerStats
	candSeq   int

	offers   int
	restarts int
	answers  int

	onState     func(webrtc.PeerConnectionState)
	onCandidate func(*webrtc.ICECandidateInit)
	onTrack     func(ports.InboundTrack)
	onDC        func(ports.DataChannel)
}

func (pc *PeerConnection) ID() string { return pc.id }

func (pc *PeerConnection) describe(restart bool) string {
	pc.version++
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\no=- %s %d IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n", pc.id, pc.version)
	if restart {
		b.WriteString("a=x-ice-restart\r\n")
	}
	for _, key := range pc.order {
		t := pc.sending[key]
		fmt.Fprintf(&b, "a=x-track:%s %s %s\r\n", t.ID(), kindOf(t), t.StreamID())
	}
	for _, label := range sortedKeys(pc.channels) {
		fmt.Fprintf(&b, "a=x-channel:%s\r\n", label)
	}
	return b.String()
}

func (pc *PeerConnection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return webrtc.SessionDescription{}, errors.New("peer connection closed")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: pc.describe(iceRestart)}, nil
}

func (pc *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("cannot create answer in %s", pc.signaling)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: pc.describe(false)}, nil
}

func (pc *PeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	var settle bool
	switch desc.Type {
	case webrtc.SDPTypeRollback:
		switch pc.signaling {
		case webrtc.SignalingStateHaveLocalOffer:
			pc.local = pc.prevLocal
		case webrtc.SignalingStateHaveRemoteOffer:
			pc.remote = pc.prevRemote
			pc.remoteID = pc.prevRemoteID
		default:
			pc.mu.Unlock()
			return fmt.Errorf("cannot roll back in %s", pc.signaling)
		}
		pc.roundRestart = false
		pc.signaling = webrtc.SignalingStateStable
		pc.mu.Unlock()
		return nil

	case webrtc.SDPTypeOffer:
		if pc.signaling != webrtc.SignalingStateStable && pc.signaling != webrtc.SignalingStateHaveLocalOffer {
			pc.mu.Unlock()
			return fmt.Errorf("cannot set local offer in %s", pc.signaling)
		}
		_, restart := parseRemote(desc.SDP)
		pc.prevLocal = pc.local
		pc.local = &desc
		pc.signaling = webrtc.SignalingStateHaveLocalOffer
		pc.roundRestart = restart
		pc.offers++
		if restart {
			pc.restarts++
		}

	case webrtc.SDPTypeAnswer:
		if pc.signaling != webrtc.SignalingStateHaveRemoteOffer {
			pc.mu.Unlock()
			return fmt.Errorf("cannot set local answer in %s", pc.signaling)
		}
		pc.local = &desc
		pc.signaling = webrtc.SignalingStateStable
		pc.answers++
		settle = true

	default:
		pc.mu.Unlock()
		return fmt.Errorf("unsupported local description type %s", desc.Type)
	}

	pc.candSeq++
	cand := &webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.1 %d typ host", pc.candSeq, 50000+pc.candSeq),
	}
	onCandidate := pc.onCandidate
	pc.mu.Unlock()

	if onCandidate != nil {
		onCandidate(cand)
	}
	if settle {
		pc.net.settle(pc)
	}
	return nil
}

func (pc *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	id, restart := parseRemote(desc.SDP)
	var settle bool
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if pc.signaling != webrtc.SignalingStateStable && pc.signaling != webrtc.SignalingStateHaveRemoteOffer {
			pc.mu.Unlock()
			return fmt.Errorf("cannot set remote offer in %s", pc.signaling)
		}
		pc.prevRemote = pc.remote
		pc.prevRemoteID = pc.remoteID
		pc.remote = &desc
		pc.remoteID = id
		pc.roundRestart = restart
		pc.signaling = webrtc.SignalingStateHaveRemoteOffer

	case webrtc.SDPTypeAnswer:
		if pc.signaling != webrtc.SignalingStateHaveLocalOffer {
			pc.mu.Unlock()
			return fmt.Errorf("cannot set remote answer in %s", pc.signaling)
		}
		pc.remote = &desc
		pc.remoteID = id
		pc.signaling = webrtc.SignalingStateStable
		settle = true

	default:
		pc.mu.Unlock()
		return fmt.Errorf("unsupported remote description type %s", desc.Type)
	}
	pc.mu.Unlock()

	if settle {
		pc.net.settle(pc)
	}
	return nil
}

func (pc *PeerConnection) HasRemoteDescription() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.remote != nil
}

func (pc *PeerConnection) SignalingState() webrtc.SignalingState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.signaling
}

func (pc *PeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.remote == nil {
		return errNoRemoteDescription
	}
	pc.applied = append(pc.applied, c)
	return nil
}

func keyOf(track webrtc.TrackLocal) domain.TrackKey {
	return domain.TrackKey{Owner: domain.ParticipantID(track.StreamID()), ID: domain.TrackID(track.ID())}
}

func (pc *PeerConnection) AddTrack(track webrtc.TrackLocal) error {
	key := keyOf(track)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if _, ok := pc.sending[key]; ok {
		return nil
	}
	pc.sending[key] = track
	pc.order = append(pc.order, key)
	return nil
}

func (pc *PeerConnection) RemoveTrack(track webrtc.TrackLocal) error {
	key := keyOf(track)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if _, ok := pc.sending[key]; !ok {
		return fmt.Errorf("track %s not found", key)
	}
	delete(pc.sending, key)
	for i, k := range pc.order {
		if k == key {
			pc.order = append(pc.order[:i], pc.order[i+1:]...)
			break
		}
	}
	return nil
}

func (pc *PeerConnection) AddReceiver(kind domain.TrackKind) error {
	pc.mu.Lock()
	pc.receivers = append(pc.receivers, kind)
	pc.mu.Unlock()
	return nil
}

func (pc *PeerConnection) CreateDataChannel(label string, ordered bool, maxRetransmits *uint16) (ports.DataChannel, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if _, ok := pc.channels[label]; ok {
		return nil, fmt.Errorf("data channel %q exists", label)
	}
	dc := newDataChannel(label)
	dc.Ordered = ordered
	dc.MaxRetransmits = maxRetransmits
	pc.channels[label] = dc
	return dc, nil
}

func (pc *PeerConnection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	pc.mu.Lock()
	pc.onCandidate = fn
	pc.mu.Unlock()
}

func (pc *PeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	pc.mu.Lock()
	pc.onState = fn
	pc.mu.Unlock()
}

func (pc *PeerConnection) OnTrack(fn func(ports.InboundTrack)) {
	pc.mu.Lock()
	pc.onTrack = fn
	pc.mu.Unlock()
}

func (pc *PeerConnection) OnDataChannel(fn func(ports.DataChannel)) {
	pc.mu.Lock()
	pc.onDC = fn
	pc.mu.Unlock()
}

func (pc *PeerConnection) Stats() (domain.PeerStats, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.stats, nil
}

// SetStats replaces what Stats reports.
func (pc *PeerConnection) SetStats(s domain.PeerStats) {
	pc.mu.Lock()
	pc.stats = s
	pc.mu.Unlock()
}

func (pc *PeerConnection) Close() error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil
	}
	pc.closed = true
	pc.state = webrtc.PeerConnectionStateClosed
	channels := make([]*DataChannel, 0, len(pc.channels))
	for _, dc := range pc.channels {
		channels = append(channels, dc)
	}
	cb := pc.onState
	pc.mu.Unlock()

	for _, dc := range channels {
		_ = dc.Close()
	}
	if cb != nil {
		cb(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

// Inspection helpers.

func (pc *PeerConnection) State() webrtc.PeerConnectionState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

func (pc *PeerConnection) Closed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

func (pc *PeerConnection) AppliedCandidates() []webrtc.ICECandidateInit {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), pc.applied...)
}

// SendingTracks lists the ids of the tracks being sent, in the order added.
func (pc *PeerConnection) SendingTracks() []string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	ids := make([]string, 0, len(pc.order))
	for _, key := range pc.order {
		ids = append(ids, string(key.ID))
	}
	return ids
}

// SendingKeys lists the owner and id of every track being sent.
func (pc *PeerConnection) SendingKeys() []domain.TrackKey {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]domain.TrackKey(nil), pc.order...)
}

func (pc *PeerConnection) Offers() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.offers
}

func (pc *PeerConnection) Restarts() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.restarts
}

func (pc *PeerConnection) Channel(label string) *DataChannel {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.channels[label]
}

func (pc *PeerConnection) Receivers() []domain.TrackKind {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]domain.TrackKind(nil), pc.receivers...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DataChannel is a fake ports.DataChannel linked to its mirror on the remote side.
type DataChannel struct {
	label          string
	Ordered        bool
	MaxRetransmits *uint16

	mu        sync.Mutex
	state     webrtc.DataChannelState
	peer      *DataChannel
	sent      []string
	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
}

func newDataChannel(label string) *DataChannel {
	return &DataChannel{label: label, state: webrtc.DataChannelStateConnecting}
}

func (dc *DataChannel) Label() string { return dc.label }

func (dc *DataChannel) SendText(s string) error {
	dc.mu.Lock()
	if dc.state != webrtc.DataChannelStateOpen {
		dc.mu.Unlock()
		return errors.New("data channel not open")
	}
	dc.sent = append(dc.sent, s)
	peer := dc.peer
	dc.mu.Unlock()

	if peer != nil {
		peer.deliver(webrtc.DataChannelMessage{IsString: true, Data: []byte(s)})
	}
	return nil
}

func (dc *DataChannel) deliver(msg webrtc.DataChannelMessage) {
	dc.mu.Lock()
	cb := dc.onMessage
	open := dc.state == webrtc.DataChannelStateOpen
	dc.mu.Unlock()
	if cb != nil && open {
		cb(msg)
	}
}

func (dc *DataChannel) OnOpen(fn func()) {
	dc.mu.Lock()
	dc.onOpen = fn
	dc.mu.Unlock()
}

func (dc *DataChannel) OnClose(fn func()) {
	dc.mu.Lock()
	dc.onClose = fn
	dc.mu.Unlock()
}

func (dc *DataChannel) OnMessage(fn func(webrtc.DataChannelMessage)) {
	dc.mu.Lock()
	dc.onMessage = fn
	dc.mu.Unlock()
}

func (dc *DataChannel) ReadyState() webrtc.DataChannelState {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.state
}

func (dc *DataChannel) Close() error {
	dc.mu.Lock()
	if dc.state == webrtc.DataChannelStateClosed {
		dc.mu.Unlock()
		return nil
	}
	dc.state = webrtc.DataChannelStateClosed
	cb := dc.onClose
	peer := dc.peer
	dc.mu.Unlock()

	if cb != nil {
		cb()
	}
	if peer != nil {
		_ = peer.Close()
	}
	return nil
}

// Sent returns the messages written to this end.
func (dc *DataChannel) Sent() []string {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return append([]string(nil), dc.sent...)
}

func (dc *DataChannel) linked() bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.peer != nil
}

func (dc *DataChannel) link(other *DataChannel) {
	dc.mu.Lock()
	dc.peer = other
	dc.mu.Unlock()
	other.mu.Lock()
	other.peer = dc
	other.mu.Unlock()
}

func (dc *DataChannel) open() {
	dc.mu.Lock()
	if dc.state != webrtc.DataChannelStateConnecting {
		dc.mu.Unlock()
		return
	}
	dc.state = webrtc.DataChannelStateOpen
	cb := dc.onOpen
	dc.mu.Unlock()
	if cb != nil {
		cb()
	}
}
