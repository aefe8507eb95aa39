package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/peer"
)

// maxDatagram covers any RTP packet a local encoder sends over loopback.
const maxDatagram = 1500

// Capability maps an ingest codec name to the RTP capability advertised for it.
func Capability(kind domain.TrackKind, codec string) (webrtc.RTPCodecCapability, error) {
	if kind == domain.TrackAudio {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, nil
	}
	switch codec {
	case "", "vp8":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	case "h264":
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		}, nil
	default:
		return webrtc.RTPCodecCapability{}, fmt.Errorf("unsupported video codec %q", codec)
	}
}

// RTPIngest receives RTP from a local encoder on a UDP socket and writes it to a
// static local track that the session publishes.
type RTPIngest struct {
	conn   *net.UDPConn
	track  *webrtc.TrackLocalStaticRTP
	info   domain.TrackInfo
	logger *zap.SugaredLogger

	gain    atomic.Uint64
	packets atomic.Uint64
	closed  atomic.Bool
	once    sync.Once
}

func NewRTPIngest(addr string, info domain.TrackInfo, codec string, logger *zap.SugaredLogger) (*RTPIngest, error) {
	capability, err := Capability(info.Kind, codec)
	if err != nil {
		return nil, err
	}
	stream := info.StreamID
	if stream == "" {
		stream = "local"
	}
	track, err := webrtc.NewTrackLocalStaticRTP(capability, string(info.ID), stream)
	if err != nil {
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("invalid ingest address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	i := &RTPIngest{
		conn:   conn,
		track:  track,
		info:   info,
		logger: logger.With("component", "rtp_ingest", "track_id", info.ID, "kind", info.Kind),
	}
	i.gain.Store(math.Float64bits(1))
	return i, nil
}

// Track is the publishable form of the ingest, ready for PublishTrack.
func (i *RTPIngest) Track() peer.Track {
	return peer.Track{Info: i.info, Local: i.track, Gain: i}
}

func (i *RTPIngest) Addr() net.Addr { return i.conn.LocalAddr() }

// Packets is the number of packets forwarded so far.
func (i *RTPIngest) Packets() uint64 { return i.packets.Load() }

// SetGain implements ports.GainControl. RTP payloads are forwarded untouched, so
// a gain at or below zero drops packets and anything else passes them through.
func (i *RTPIngest) SetGain(g float64) {
	i.gain.Store(math.Float64bits(g))
}

// Run forwards packets until ctx is done or the ingest is closed.
func (i *RTPIngest) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = i.Close() })
	defer stop()

	i.logger.Infow("rtp ingest listening", "address", i.conn.LocalAddr().String())
	buf := make([]byte, maxDatagram)
	for {
		n, err := i.conn.Read(buf)
		if err != nil {
			if i.closed.Load() {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read rtp: %w", err)
		}
		if math.Float64frombits(i.gain.Load()) <= 0 {
			continue
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			i.logger.Debugw("dropping malformed rtp packet", "bytes", n, "error", err)
			continue
		}
		if err := i.track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			i.logger.Warnw("failed to write rtp", "error", err)
			continue
		}
		i.packets.Add(1)
	}
}

func (i *RTPIngest) Close() error {
	var err error
	i.once.Do(func() {
		i.closed.Store(true)
		err = i.conn.Close()
	})
	return err
}
