package peer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/peer/peertest"
	"squadx/internal/core/ports"
	"squadx/pkg/actor"
	"squadx/pkg/utils"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// endpoint drives one MeshSession the way the orchestrator does: every callback
// and every inbound signal runs on the endpoint's mailbox.
type endpoint struct {
	id   domain.ParticipantID
	sess *MeshSession
	pc   *peertest.PeerConnection
	box  *actor.Mailbox
	peer *endpoint

	mu       sync.Mutex
	controls []domain.SignalMessage
	cursors  []domain.CursorPayload
	inbound  []ports.InboundTrack
	restarts int
}

func (e *endpoint) apply(ctx context.Context, ev Event) {
	for _, cmd := range e.sess.Apply(ev) {
		switch cmd {
		case CmdCreateOffer:
			_ = e.sess.Renegotiate(ctx)
		case CmdSupervise:
			e.mu.Lock()
			e.restarts++
			e.mu.Unlock()
			_ = e.sess.Restart(ctx)
		}
	}
}

func (e *endpoint) receive(msg domain.SignalMessage) {
	_ = e.box.Post(func(ctx context.Context) {
		if msg.Type == domain.SignalOffer {
			e.apply(ctx, EventRemoteOffer)
		}
		_ = e.sess.HandleSignal(ctx, msg)
	})
}

func (e *endpoint) Controls() []domain.SignalMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.SignalMessage(nil), e.controls...)
}

func (e *endpoint) Inbound() []ports.InboundTrack {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ports.InboundTrack(nil), e.inbound...)
}

func newEndpoint(t *testing.T, engine *peertest.Engine, id, remote domain.ParticipantID, initiator bool) *endpoint {
	t.Helper()
	raw, err := engine.NewPeerConnection(domain.NegotiationConfig{})
	require.NoError(t, err)

	log := zap.NewNop().Sugar()
	e := &endpoint{id: id, pc: raw.(*peertest.PeerConnection)}
	e.box = actor.NewMailbox(context.Background(), string(id), log)
	t.Cleanup(e.box.Close)

	signaler := &Signaler{
		Self:  id,
		Clock: utils.NewMonotonicClock(time.Now),
		Submit: func(_ context.Context, msg domain.SignalMessage) error {
			e.peer.receive(msg)
			return nil
		},
	}
	e.sess = NewMeshSession(MeshConfig{
		Remote:    remote,
		Initiator: initiator,
		PC:        e.pc,
		Signaler:  signaler,
		Logger:    log,
		Hooks: Hooks{
			OnEvent: func(ev Event) {
				_ = e.box.Post(func(ctx context.Context) { e.apply(ctx, ev) })
			},
			OnCandidate: func(c *webrtc.ICECandidateInit) {
				_ = e.box.Post(func(ctx context.Context) { _ = e.sess.SendCandidate(ctx, c) })
			},
			OnTrack: func(track ports.InboundTrack) {
				e.mu.Lock()
				e.inbound = append(e.inbound, track)
				e.mu.Unlock()
			},
			OnControl: func(msg domain.SignalMessage) {
				e.mu.Lock()
				e.controls = append(e.controls, msg)
				e.mu.Unlock()
			},
			OnCursor: func(p domain.CursorPayload) {
				e.mu.Lock()
				e.cursors = append(e.cursors, p)
				e.mu.Unlock()
			},
		},
	})
	return e
}

func newMeshPair(t *testing.T) (*peertest.Network, *endpoint, *endpoint) {
	net := peertest.NewNetwork()
	engine := net.NewEngine()
	host := newEndpoint(t, engine, "host", "viewer", true)
	viewer := newEndpoint(t, engine, "viewer", "host", false)
	host.peer, viewer.peer = viewer, host
	return net, host, viewer
}

func start(t *testing.T, e *endpoint) {
	t.Helper()
	require.NoError(t, e.box.Call(context.Background(), func(ctx context.Context) error {
		if err := e.sess.Start(ctx); err != nil {
			return err
		}
		e.apply(ctx, EventStart)
		return nil
	}))
}

func connected(e *endpoint) func() bool {
	return func() bool { return e.sess.State() == domain.StateConnected }
}

func TestMeshSession_ConnectsWithMediaAndControl(t *testing.T) {
	_, host, viewer := newMeshPair(t)

	video := peertest.NewTrack(domain.TrackVideo, "screen", "host")
	require.NoError(t, host.box.Call(context.Background(), func(ctx context.Context) error {
		return host.pc.AddTrack(video)
	}))
	start(t, viewer)
	start(t, host)

	require.Eventually(t, connected(host), waitFor, tick)
	require.Eventually(t, connected(viewer), waitFor, tick)
	require.Eventually(t, func() bool { return len(viewer.Inbound()) == 1 }, waitFor, tick)

	info := viewer.sess.Info()
	assert.Empty(t, info.Tracks)
	require.Len(t, info.Received, 1)
	assert.Equal(t, domain.ParticipantID("host"), info.Received[0].Owner)
	assert.Equal(t, domain.TrackVideo, info.Received[0].Kind)
	assert.Equal(t, 1, host.pc.Offers())
}

func TestMeshSession_SameTrackIDBothWays(t *testing.T) {
	_, host, viewer := newMeshPair(t)
	start(t, viewer)
	start(t, host)
	require.Eventually(t, connected(host), waitFor, tick)
	require.Eventually(t, connected(viewer), waitFor, tick)

	send := func(r *endpoint, owner domain.ParticipantID) {
		t.Helper()
		track := Track{
			Info:  domain.TrackInfo{ID: "voice", Kind: domain.TrackAudio, Owner: owner},
			Local: peertest.NewTrack(domain.TrackAudio, "voice", owner),
		}
		require.NoError(t, r.box.Call(context.Background(), func(ctx context.Context) error {
			return r.sess.AddTrack(ctx, track)
		}))
	}

	send(host, "host")
	require.Eventually(t, func() bool { return len(viewer.Inbound()) == 1 }, waitFor, tick)
	send(viewer, "viewer")

	assert.Equal(t, []domain.TrackKey{{Owner: "viewer", ID: "voice"}}, viewer.pc.SendingKeys())
	require.Eventually(t, func() bool { return len(host.Inbound()) == 1 }, waitFor, tick)
	assert.Equal(t, "viewer", host.Inbound()[0].Info().StreamID)

	info := viewer.sess.Info()
	require.Len(t, info.Tracks, 1)
	require.Len(t, info.Received, 1)
	assert.Equal(t, domain.TrackKey{Owner: "viewer", ID: "voice"}, info.Tracks[0].Key())
	assert.Equal(t, domain.TrackKey{Owner: "host", ID: "voice"}, info.Received[0].Key())
}

func TestMeshSession_ControlMessagesTravelOverDataChannel(t *testing.T) {
	_, host, viewer := newMeshPair(t)
	start(t, viewer)
	start(t, host)
	require.Eventually(t, connected(viewer), waitFor, tick)

	req, err := domain.NewSignalMessage(domain.SignalControlRequest, "viewer", "host", 0, nil)
	require.NoError(t, err)
	require.NoError(t, viewer.sess.SendControl(context.Background(), req))

	require.Eventually(t, func() bool { return len(host.Controls()) == 1 }, waitFor, tick)
	got := host.Controls()[0]
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, domain.SignalControlRequest, got.Type)
}

func TestMeshSession_SendControlBeforeOpen(t *testing.T) {
	_, host, _ := newMeshPair(t)
	msg, err := domain.NewSignalMessage(domain.SignalKick, "host", "viewer", 0, domain.KickPayload{Reason: "bye"})
	require.NoError(t, err)

	assert.ErrorIs(t, host.sess.SendControl(context.Background(), msg), domain.ErrChannelNotReady)
	assert.NoError(t, host.sess.SendCursor(context.Background(), domain.CursorPayload{X: 0.5, Y: 0.5, Visible: true}))
}

func TestMeshSession_AddTrackIsIdempotent(t *testing.T) {
	_, host, viewer := newMeshPair(t)
	start(t, viewer)
	start(t, host)
	require.Eventually(t, connected(host), waitFor, tick)

	track := Track{
		Info:  domain.TrackInfo{ID: "mic", Kind: domain.TrackAudio, Owner: "host"},
		Local: peertest.NewTrack(domain.TrackAudio, "mic", "host"),
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, host.box.Call(context.Background(), func(ctx context.Context) error {
			return host.sess.AddTrack(ctx, track)
		}))
	}

	assert.Equal(t, []string{"mic"}, host.pc.SendingTracks())
	require.Eventually(t, func() bool { return len(viewer.Inbound()) == 1 }, waitFor, tick)
}

func TestMeshSession_RecoversAfterDropWithSingleRestart(t *testing.T) {
	net, host, viewer := newMeshPair(t)
	start(t, viewer)
	start(t, host)
	require.Eventually(t, connected(host), waitFor, tick)
	require.Eventually(t, connected(viewer), waitFor, tick)

	net.Drop(host.pc)

	require.Eventually(t, func() bool {
		return host.pc.Restarts() == 1 && host.sess.State() == domain.StateConnected &&
			viewer.sess.State() == domain.StateConnected
	}, waitFor, tick)
	assert.Equal(t, 0, viewer.pc.Restarts(), "viewer answers the host restart")
}

func TestMeshSession_ClosedRejectsSignals(t *testing.T) {
	_, host, _ := newMeshPair(t)
	start(t, host)
	require.NoError(t, host.box.Call(context.Background(), func(ctx context.Context) error {
		host.apply(ctx, EventClose)
		return host.sess.Close()
	}))

	msg, err := domain.NewSignalMessage(domain.SignalAnswer, "viewer", "host", 0, domain.SDPPayload{SDP: "v=0\r\no=- x 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"})
	require.NoError(t, err)
	assert.ErrorIs(t, host.sess.HandleSignal(context.Background(), msg), domain.ErrPeerClosed)
	assert.True(t, host.pc.Closed())
}
