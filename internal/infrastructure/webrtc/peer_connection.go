package webrtc

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
)

// keyframeSource is implemented by forwarded tracks that can ask their origin
// for a keyframe.
type keyframeSource interface {
	RequestKeyframe()
}

// PeerConnection adapts *webrtc.PeerConnection to ports.PeerConnection.
type PeerConnection struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	mu      sync.Mutex
	senders map[domain.TrackKey]*webrtc.RTPSender

	// fraction lost reported by the remote side, as float64 bits
	loss atomic.Uint64
}

func newPeerConnection(pc *webrtc.PeerConnection, logger *zap.SugaredLogger) *PeerConnection {
	return &PeerConnection{
		pc:      pc,
		logger:  logger,
		senders: make(map[domain.TrackKey]*webrtc.RTPSender),
	}
}

var _ ports.PeerConnection = (*PeerConnection)(nil)

func (p *PeerConnection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (p *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *PeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *PeerConnection) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *PeerConnection) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *PeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func senderKey(track webrtc.TrackLocal) domain.TrackKey {
	return domain.TrackKey{Owner: domain.ParticipantID(track.StreamID()), ID: domain.TrackID(track.ID())}
}

func (p *PeerConnection) AddTrack(track webrtc.TrackLocal) error {
	key := senderKey(track)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.senders[key]; ok {
		return nil
	}
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	p.senders[key] = sender

	source, _ := track.(keyframeSource)
	go p.readSenderRTCP(key.String(), sender, source)
	return nil
}

func (p *PeerConnection) RemoveTrack(track webrtc.TrackLocal) error {
	key := senderKey(track)
	p.mu.Lock()
	sender, ok := p.senders[key]
	delete(p.senders, key)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.pc.RemoveTrack(sender)
}

func (p *PeerConnection) AddReceiver(kind domain.TrackKind) error {
	codec := webrtc.RTPCodecTypeVideo
	if kind == domain.TrackAudio {
		codec = webrtc.RTPCodecTypeAudio
	}
	_, err := p.pc.AddTransceiverFromKind(codec, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
	if err != nil {
		return fmt.Errorf("failed to add %s receiver: %w", kind, err)
	}
	return nil
}

func (p *PeerConnection) CreateDataChannel(label string, ordered bool, maxRetransmits *uint16) (ports.DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: maxRetransmits,
	})
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (p *PeerConnection) OnICECandidate(fn func(c *webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&init)
	})
}

func (p *PeerConnection) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

// OnTrack re-exposes every remote track as a forwardable local track.
func (p *PeerConnection) OnTrack(fn func(track ports.InboundTrack)) {
	p.pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		in, err := newInboundTrack(p.pc, remote, receiver, p.logger)
		if err != nil {
			p.logger.Errorw("failed to create forwarding track", "track_id", remote.ID(), "error", err)
			return
		}
		p.logger.Infow("remote track started", "track_id", remote.ID(), "stream_id", remote.StreamID(), "codec", remote.Codec().MimeType)
		go in.run()
		fn(in)
	})
}

func (p *PeerConnection) OnDataChannel(fn func(dc ports.DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) { fn(dc) })
}

// Stats reads the nominated candidate pair and the loss last reported by the
// remote side.
func (p *PeerConnection) Stats() (domain.PeerStats, error) {
	report := p.pc.GetStats()
	out := domain.PeerStats{
		Timestamp:  time.Now(),
		PacketLoss: math.Float64frombits(p.loss.Load()),
	}

	var localID string
	for _, s := range report {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		out.RoundTripTime = time.Duration(pair.CurrentRoundTripTime * float64(time.Second))
		out.BytesSent = pair.BytesSent
		out.BytesReceived = pair.BytesReceived
		out.AvailableKbps = int(pair.AvailableOutgoingBitrate / 1000)
		localID = pair.LocalCandidateID
		break
	}
	if localID != "" {
		if c, ok := report[localID].(webrtc.ICECandidateStats); ok {
			out.ConnectionType = c.CandidateType.String()
		}
	}
	return out, nil
}

func (p *PeerConnection) Close() error {
	return p.pc.Close()
}

// readSenderRTCP drains RTCP for one outgoing track. Interceptors only run while
// RTCP is read.
func (p *PeerConnection) readSenderRTCP(trackID string, sender *webrtc.RTPSender, source keyframeSource) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		p.processRTCP(trackID, packets, source)
	}
}

func (p *PeerConnection) processRTCP(trackID string, packets []rtcp.Packet, source keyframeSource) {
	var lost float64
	reports := 0
	for _, packet := range packets {
		switch pkt := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, r := range pkt.Reports {
				lost += float64(r.FractionLost) / 256
				reports++
			}
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			if source != nil {
				source.RequestKeyframe()
			}
		case *rtcp.TransportLayerNack:
			p.logger.Debugw("received nack", "track_id", trackID, "nacks", len(pkt.Nacks))
		}
	}
	if reports > 0 {
		p.loss.Store(math.Float64bits(lost / float64(reports)))
	}
}
