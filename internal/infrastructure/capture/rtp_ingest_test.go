package capture

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"squadx/internal/core/domain"
)

func TestCapability(t *testing.T) {
	c, err := Capability(domain.TrackVideo, "h264")
	require.NoError(t, err)
	assert.Equal(t, webrtc.MimeTypeH264, c.MimeType)

	c, err = Capability(domain.TrackVideo, "")
	require.NoError(t, err)
	assert.Equal(t, webrtc.MimeTypeVP8, c.MimeType)

	c, err = Capability(domain.TrackAudio, "vp8")
	require.NoError(t, err)
	assert.Equal(t, webrtc.MimeTypeOpus, c.MimeType)

	_, err = Capability(domain.TrackVideo, "av1")
	assert.Error(t, err)
}

func sendRTP(t *testing.T, conn net.Conn, seq uint16) {
	raw, err := (&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: seq, Timestamp: uint32(seq) * 3000, SSRC: 1},
		Payload: []byte{0x10, 0x00, 0x00},
	}).Marshal()
	require.NoError(t, err)
	_, err = conn.Write(raw)
	require.NoError(t, err)
}

func TestRTPIngest_ForwardsPackets(t *testing.T) {
	info := domain.TrackInfo{ID: "screen", Kind: domain.TrackVideo}
	in, err := NewRTPIngest("127.0.0.1:0", info, "vp8", zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	track := in.Track()
	assert.Equal(t, info, track.Info)
	assert.Equal(t, "screen", track.Local.ID())
	assert.Equal(t, "local", track.Local.StreamID())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	conn, err := net.Dial("udp", in.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// malformed datagrams are dropped
	_, err = conn.Write([]byte{0x01})
	require.NoError(t, err)
	sendRTP(t, conn, 1)
	require.Eventually(t, func() bool { return in.Packets() == 1 }, 2*time.Second, 10*time.Millisecond)

	in.SetGain(0)
	sendRTP(t, conn, 2)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, uint64(1), in.Packets())

	in.SetGain(1)
	sendRTP(t, conn, 3)
	require.Eventually(t, func() bool { return in.Packets() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("ingest did not stop")
	}
	assert.NoError(t, in.Close())
}

func TestNewRTPIngest_BadAddress(t *testing.T) {
	_, err := NewRTPIngest("not an address", domain.TrackInfo{ID: "v", Kind: domain.TrackVideo}, "vp8", zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}
