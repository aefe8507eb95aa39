// Package peertest provides in-process fakes of the media engine, the signaling
// transport and the forwarding relay for tests.
package peertest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
)

var errNoRemoteDescription = errors.New("InvalidStateError: remote description not set")

// Network pairs fake peer connections. Two connections become connected once each
// has applied the other's description and both are stable.
type Network struct {
	mu  sync.Mutex
	pcs map[string]*PeerConnection
	seq int
}

func NewNetwork() *Network {
	return &Network{pcs: make(map[string]*PeerConnection)}
}

func (n *Network) newPC() *PeerConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	pc := &PeerConnection{
		id:        fmt.Sprintf("pc%d", n.seq),
		net:       n,
		signaling: webrtc.SignalingStateStable,
		state:     webrtc.PeerConnectionStateNew,
		sending:   make(map[domain.TrackKey]webrtc.TrackLocal),
		channels:  make(map[string]*DataChannel),
		delivered: make(map[domain.TrackKey]bool),
		stats: domain.PeerStats{
			ConnectionType: "host",
			AvailableKbps:  2500,
		},
	}
	n.pcs[pc.id] = pc
	return pc
}

// NewEngine returns a media engine whose connections live on this network.
func (n *Network) NewEngine() *Engine {
	return &Engine{net: n}
}

// Drop simulates loss of connectivity between pc and its remote. The pair only
// reconnects after an ICE-restart round.
func (n *Network) Drop(pc *PeerConnection) {
	remote := n.remoteOf(pc)
	var fire []func()
	for _, p := range []*PeerConnection{pc, remote} {
		if p == nil {
			continue
		}
		p.mu.Lock()
		p.dropped = true
		p.state = webrtc.PeerConnectionStateDisconnected
		cb := p.onState
		p.mu.Unlock()
		if cb != nil {
			fire = append(fire, func() { cb(webrtc.PeerConnectionStateDisconnected) })
		}
	}
	for _, f := range fire {
		f()
	}
}

func (n *Network) remoteOf(pc *PeerConnection) *PeerConnection {
	pc.mu.Lock()
	rid := pc.remoteID
	pc.mu.Unlock()
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pcs[rid]
}

// settle connects pc with its remote when both sides agree, then delivers data
// channels and tracks that the other side has not seen yet.
func (n *Network) settle(a *PeerConnection) {
	b := n.remoteOf(a)
	if b == nil {
		return
	}
	first, second := a, b
	if b.id < a.id {
		first, second = b, a
	}
	first.mu.Lock()
	second.mu.Lock()

	var fire []func()
	ready := a.signaling == webrtc.SignalingStateStable && b.signaling == webrtc.SignalingStateStable &&
		a.remoteID == b.id && b.remoteID == a.id && !a.closed && !b.closed
	restart := a.roundRestart || b.roundRestart
	if ready {
		a.roundRestart, b.roundRestart = false, false
	}
	if ready && (a.dropped || b.dropped) && !restart {
		ready = false
	}

	if ready {
		for _, p := range []*PeerConnection{a, b} {
			if p.state != webrtc.PeerConnectionStateConnected {
				p.state = webrtc.PeerConnectionStateConnected
				p.dropped = false
				if cb := p.onState; cb != nil {
					fire = append(fire, func() { cb(webrtc.PeerConnectionStateConnected) })
				}
			}
		}
		fire = append(fire, linkChannels(a, b)...)
		fire = append(fire, linkChannels(b, a)...)
		fire = append(fire, deliverTracks(a, b)...)
		fire = append(fire, deliverTracks(b, a)...)
	}

	second.mu.Unlock()
	first.mu.Unlock()

	for _, f := range fire {
		f()
	}
}

// linkChannels mirrors channels created on from into to. Both locks are held.
func linkChannels(from, to *PeerConnection) []func() {
	var fire []func()
	for _, label := range sortedKeys(from.channels) {
		dc := from.channels[label]
		if dc.linked() {
			continue
		}
		mirror, exists := to.channels[label]
		if !exists {
			mirror = newDataChannel(label)
			to.channels[label] = mirror
			if cb := to.onDC; cb != nil {
				m := mirror
				fire = append(fire, func() { cb(m) })
			}
		}
		dc.link(mirror)
		local, remote := dc, mirror
		fire = append(fire, func() {
			local.open()
			remote.open()
		})
	}
	return fire
}

// deliverTracks surfaces from's sending tracks on to. Both locks are held.
func deliverTracks(from, to *PeerConnection) []func() {
	var fire []func()
	for _, key := range from.order {
		if to.delivered[key] {
			continue
		}
		to.delivered[key] = true
		inbound := NewInboundTrack(from.sending[key])
		if cb := to.onTrack; cb != nil {
			fire = append(fire, func() { cb(inbound) })
		}
	}
	return fire
}

// Engine implements ports.MediaEngine on a Network.
type Engine struct {
	net *Network

	mu      sync.Mutex
	configs []domain.NegotiationConfig
	pcs     []*PeerConnection
	err     error
}

func (e *Engine) NewPeerConnection(cfg domain.NegotiationConfig) (ports.PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	pc := e.net.newPC()
	e.configs = append(e.configs, cfg)
	e.pcs = append(e.pcs, pc)
	return pc, nil
}

// FailWith makes subsequent NewPeerConnection calls fail.
func (e *Engine) FailWith(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func (e *Engine) Configs() []domain.NegotiationConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.NegotiationConfig(nil), e.configs...)
}

func (e *Engine) PeerConnections() []*PeerConnection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*PeerConnection(nil), e.pcs...)
}

// Last returns the most recently created connection, or nil.
func (e *Engine) Last() *PeerConnection {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pcs) == 0 {
		return nil
	}
	return e.pcs[len(e.pcs)-1]
}

func kindOf(t webrtc.TrackLocal) domain.TrackKind {
	if t.Kind() == webrtc.RTPCodecTypeAudio {
		return domain.TrackAudio
	}
	return domain.TrackVideo
}

// NewInboundTrack re-exposes t as a remote track.
func NewInboundTrack(t webrtc.TrackLocal) *InboundTrack {
	mime := webrtc.MimeTypeVP8
	if kindOf(t) == domain.TrackAudio {
		mime = webrtc.MimeTypeOpus
	}
	local, _ := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, t.ID(), t.StreamID())
	return &InboundTrack{
		info: domain.TrackInfo{
			ID:       domain.TrackID(t.ID()),
			Kind:     kindOf(t),
			StreamID: t.StreamID(),
		},
		local: local,
		gain:  1,
	}
}

// InboundTrack implements ports.InboundTrack.
type InboundTrack struct {
	info  domain.TrackInfo
	local *webrtc.TrackLocalStaticRTP

	mu     sync.Mutex
	gain   float64
	closed bool
}

func (t *InboundTrack) Info() domain.TrackInfo   { return t.info }
func (t *InboundTrack) Local() webrtc.TrackLocal { return t.local }

func (t *InboundTrack) SetGain(g float64) {
	t.mu.Lock()
	t.gain = g
	t.mu.Unlock()
}

func (t *InboundTrack) Gain() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gain
}

func (t *InboundTrack) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *InboundTrack) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// NewTrack builds a local track for tests.
func NewTrack(kind domain.TrackKind, id string, owner domain.ParticipantID) *webrtc.TrackLocalStaticRTP {
	mime := webrtc.MimeTypeVP8
	if kind == domain.TrackAudio {
		mime = webrtc.MimeTypeOpus
	}
	t, _ := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, id, string(owner))
	return t
}

func parseRemote(sdp string) (id string, restart bool) {
	for _, line := range strings.Split(sdp, "\r\n") {
		switch {
		case strings.HasPrefix(line, "o=- "):
			fields := strings.Fields(line)
			if len(fields) > 1 {
				id = fields[1]
			}
		case line == "a=x-ice-restart":
			restart = true
		}
	}
	return id, restart
}
