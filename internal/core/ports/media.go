package ports

import (
	"squadx/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// MediaEngine builds peer connections. The negotiation config from the signaling
// stream is required; there is no way to build a connection without it.
type MediaEngine interface {
	NewPeerConnection(cfg domain.NegotiationConfig) (PeerConnection, error)
}

// PeerConnection is the subset of the platform media stack the core drives.
// Callbacks are invoked on engine goroutines.
type PeerConnection interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	SignalingState() webrtc.SignalingState
	AddICECandidate(c webrtc.ICECandidateInit) error

	// AddTrack attaches a sending track. Tracks are identified by stream id and
	// track id together; adding one already present is a no-op.
	AddTrack(track webrtc.TrackLocal) error
	RemoveTrack(track webrtc.TrackLocal) error
	// AddReceiver declares a receive-only transceiver of the given kind.
	AddReceiver(kind domain.TrackKind) error

	CreateDataChannel(label string, ordered bool, maxRetransmits *uint16) (DataChannel, error)

	OnICECandidate(fn func(c *webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))
	OnTrack(fn func(track InboundTrack))
	OnDataChannel(fn func(dc DataChannel))

	Stats() (domain.PeerStats, error)
	Close() error
}

// DataChannel matches *webrtc.DataChannel.
type DataChannel interface {
	Label() string
	SendText(s string) error
	OnOpen(fn func())
	OnMessage(fn func(msg webrtc.DataChannelMessage))
	OnClose(fn func())
	ReadyState() webrtc.DataChannelState
	Close() error
}

// GainControl scales or silences forwarded audio without renegotiation.
type GainControl interface {
	SetGain(gain float64)
}

// InboundTrack is a remote track already re-exposed as a local track so it can be
// forwarded to other peers.
type InboundTrack interface {
	GainControl
	Info() domain.TrackInfo
	Local() webrtc.TrackLocal
	Close() error
}

// PCMSource yields signed 16-bit interleaved samples for local mixing.
type PCMSource interface {
	ReadPCM(buf []int16) (int, error)
}
