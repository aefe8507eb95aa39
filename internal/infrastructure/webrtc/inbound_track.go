package webrtc

import (
	"errors"
	"io"
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

// minKeyframeGap rate-limits keyframe requests sent upstream.
const minKeyframeGap = 500 * time.Millisecond

// InboundTrack relays one remote track into a local track that other peers can
// send. Stream ids are kept so the owner survives forwarding.
type InboundTrack struct {
	pc       *webrtc.PeerConnection
	remote   *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
	local    *forwardedTrack
	info     domain.TrackInfo
	keyframe *KeyframeGate
	logger   *zap.SugaredLogger

	gain      atomic.Uint64
	closed    atomic.Bool
	lastPLI   atomic.Int64
	closeOnce sync.Once
	done      chan struct{}
}

func newInboundTrack(pc *webrtc.PeerConnection, remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, logger *zap.SugaredLogger) (*InboundTrack, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, remote.ID(), remote.StreamID())
	if err != nil {
		return nil, err
	}
	kind := domain.TrackVideo
	if remote.Kind() == webrtc.RTPCodecTypeAudio {
		kind = domain.TrackAudio
	}

	t := &InboundTrack{
		pc:       pc,
		remote:   remote,
		receiver: receiver,
		info: domain.TrackInfo{
			ID:       domain.TrackID(remote.ID()),
			Kind:     kind,
			Owner:    domain.ParticipantID(remote.StreamID()),
			StreamID: remote.StreamID(),
		},
		logger: logger.With("track_id", remote.ID()),
		done:   make(chan struct{}),
	}
	if kind == domain.TrackVideo {
		t.keyframe = NewKeyframeGate(remote.Codec().MimeType)
	}
	t.local = &forwardedTrack{TrackLocalStaticRTP: local, source: t}
	t.gain.Store(math.Float64bits(1))
	return t, nil
}

var _ ports.InboundTrack = (*InboundTrack)(nil)

func (t *InboundTrack) Info() domain.TrackInfo   { return t.info }
func (t *InboundTrack) Local() webrtc.TrackLocal { return t.local }

// SetGain scales forwarded audio. Opus frames cannot be rescaled without decoding,
// so any gain at or below zero mutes and anything else passes through.
func (t *InboundTrack) SetGain(g float64) {
	t.gain.Store(math.Float64bits(g))
}

func (t *InboundTrack) muted() bool {
	return math.Float64frombits(t.gain.Load()) <= 0
}

func (t *InboundTrack) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
	})
	return nil
}

// RequestKeyframe asks the sender for a keyframe, at most once per
// minKeyframeGap.
func (t *InboundTrack) RequestKeyframe() {
	if t.info.Kind != domain.TrackVideo || t.closed.Load() {
		return
	}
	now := time.Now().UnixNano()
	last := t.lastPLI.Load()
	if now-last < int64(minKeyframeGap) || !t.lastPLI.CompareAndSwap(last, now) {
		return
	}
	err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(t.remote.SSRC())}})
	if err != nil {
		t.logger.Debugw("failed to send keyframe request", "error", err)
	}
}

// run copies RTP from the remote track until it ends or the track is closed.
func (t *InboundTrack) run() {
	go t.drainRTCP()
	t.RequestKeyframe()

	for {
		pkt, _, err := t.remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debugw("remote track ended", "error", err)
			}
			_ = t.Close()
			return
		}
		if t.closed.Load() {
			return
		}
		if t.info.Kind == domain.TrackAudio && t.muted() {
			continue
		}
		if t.keyframe != nil && !t.keyframe.Pass(pkt.Payload) {
			continue
		}
		if err := t.local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			t.logger.Warnw("failed to forward rtp packet", "error", err)
		}
	}
}

// drainRTCP keeps the receiver's interceptors running.
func (t *InboundTrack) drainRTCP() {
	for {
		if _, _, err := t.receiver.ReadRTCP(); err != nil {
			return
		}
		select {
		case <-t.done:
			return
		default:
		}
	}
}

// forwardedTrack asks the origin for a keyframe each time a new peer binds it.
type forwardedTrack struct {
	*webrtc.TrackLocalStaticRTP
	source *InboundTrack
}

func (f *forwardedTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	params, err := f.TrackLocalStaticRTP.Bind(ctx)
	if err == nil {
		f.source.RequestKeyframe()
	}
	return params, err
}

func (f *forwardedTrack) RequestKeyframe() {
	f.source.RequestKeyframe()
}
