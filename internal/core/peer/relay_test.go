package peer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/peer/peertest"
	"squadx/internal/core/ports"
	"squadx/pkg/utils"
)

type linkRig struct {
	link *RelayLink
	pc   *peertest.PeerConnection

	mu     sync.Mutex
	media  []Event
	tracks []ports.InboundTrack
}

func (r *linkRig) Tracks() []ports.InboundTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ports.InboundTrack(nil), r.tracks...)
}

func newLinkRig(t *testing.T, net *peertest.Network, relay *peertest.Relay, self domain.ParticipantID, window time.Duration) *linkRig {
	t.Helper()
	ctx := context.Background()

	grant, err := relay.IssueRelayToken(ctx, "s1", self)
	require.NoError(t, err)
	transport, err := relay.DialRelay(*grant, self)
	require.NoError(t, err)
	raw, err := net.NewEngine().NewPeerConnection(grant.Config)
	require.NoError(t, err)

	r := &linkRig{pc: raw.(*peertest.PeerConnection)}
	r.link = NewRelayLink(RelayLinkConfig{
		Self:          self,
		PC:            r.pc,
		Transport:     transport,
		Clock:         utils.NewMonotonicClock(time.Now),
		RestartWindow: window,
		OnMedia: func(ev Event) {
			r.mu.Lock()
			r.media = append(r.media, ev)
			r.mu.Unlock()
		},
		OnTrack: func(track ports.InboundTrack) {
			r.mu.Lock()
			r.tracks = append(r.tracks, track)
			r.mu.Unlock()
		},
		Logger: zap.NewNop().Sugar(),
	})
	require.NoError(t, r.link.Connect(ctx))
	t.Cleanup(func() { _ = r.link.Close() })
	require.Eventually(t, r.link.Connected, waitFor, tick)
	return r
}

func newRelaySession(link *RelayLink, self, remote domain.ParticipantID, submit func(context.Context, domain.SignalMessage) error, events *[]Event) *RelaySession {
	var mu sync.Mutex
	return NewRelaySession(RelayConfig{
		Self:   self,
		Remote: remote,
		Link:   link,
		Signaler: &Signaler{
			Self:   self,
			Clock:  utils.NewMonotonicClock(time.Now),
			Submit: submit,
		},
		Hooks: Hooks{OnEvent: func(ev Event) {
			if events != nil {
				mu.Lock()
				*events = append(*events, ev)
				mu.Unlock()
			}
		}},
		Logger: zap.NewNop().Sugar(),
	})
}

func discard(context.Context, domain.SignalMessage) error { return nil }

func TestRelayLink_ConnectDeclaresReceivers(t *testing.T) {
	net := peertest.NewNetwork()
	relay := peertest.NewRelay(net, domain.NegotiationConfig{})
	host := newLinkRig(t, net, relay, "host", 0)

	assert.Equal(t, []domain.TrackKind{domain.TrackVideo, domain.TrackAudio}, host.pc.Receivers())
	assert.Equal(t, 1, relay.Grants())
	assert.NotNil(t, relay.ServerPC("host"))
}

func TestRelaySession_SelfTrackPublishedOnceAcrossSessions(t *testing.T) {
	net := peertest.NewNetwork()
	relay := peertest.NewRelay(net, domain.NegotiationConfig{})
	host := newLinkRig(t, net, relay, "host", 0)
	viewer := newLinkRig(t, net, relay, "viewer-1", 0)

	track := Track{
		Info:  domain.TrackInfo{ID: "screen", Kind: domain.TrackVideo, Owner: "host"},
		Local: peertest.NewTrack(domain.TrackVideo, "screen", "host"),
	}
	ctx := context.Background()
	for _, remote := range []domain.ParticipantID{"viewer-1", "viewer-2"} {
		s := newRelaySession(host.link, "host", remote, discard, nil)
		require.NoError(t, s.AddTrack(ctx, track))
		require.NoError(t, s.AddTrack(ctx, track))
		assert.Len(t, s.Info().Tracks, 1)
	}

	assert.Equal(t, 1, host.link.Published())
	assert.Equal(t, []string{"screen"}, host.pc.SendingTracks())

	require.Eventually(t, func() bool { return len(viewer.Tracks()) == 1 }, waitFor, tick)
	got := viewer.Tracks()[0].Info()
	assert.Equal(t, domain.TrackID("screen"), got.ID)
	assert.Equal(t, "host", got.StreamID)
	assert.Equal(t, 1, relay.Forwarded())
}

func TestRelaySession_ForeignTrackOnlyRecorded(t *testing.T) {
	net := peertest.NewNetwork()
	relay := peertest.NewRelay(net, domain.NegotiationConfig{})
	host := newLinkRig(t, net, relay, "host", 0)

	s := newRelaySession(host.link, "host", "viewer-2", discard, nil)
	foreign := Track{
		Info:  domain.TrackInfo{ID: "mic-v1", Kind: domain.TrackAudio, Owner: "viewer-1"},
		Local: peertest.NewTrack(domain.TrackAudio, "mic-v1", "viewer-1"),
	}
	require.NoError(t, s.AddTrack(context.Background(), foreign))

	assert.Equal(t, 0, host.link.Published())
	assert.Empty(t, host.pc.SendingTracks())
	require.Len(t, s.Info().Tracks, 1)

	require.NoError(t, s.RemoveTrack(context.Background(), foreign.Key()))
	assert.Empty(t, s.Info().Tracks)
}

func TestRelayLink_RestartRequestsShareOneOffer(t *testing.T) {
	net := peertest.NewNetwork()
	relay := peertest.NewRelay(net, domain.NegotiationConfig{})
	window := 50 * time.Millisecond
	host := newLinkRig(t, net, relay, "host", window)

	ctx := context.Background()
	a := newRelaySession(host.link, "host", "viewer-1", discard, nil)
	b := newRelaySession(host.link, "host", "viewer-2", discard, nil)
	require.NoError(t, a.Restart(ctx))
	require.NoError(t, b.Restart(ctx))
	assert.Equal(t, 1, host.pc.Restarts())

	time.Sleep(2 * window)
	require.NoError(t, b.Restart(ctx))
	assert.Equal(t, 2, host.pc.Restarts())
}

func TestRelaySession_StartFollowsLink(t *testing.T) {
	net := peertest.NewNetwork()
	relay := peertest.NewRelay(net, domain.NegotiationConfig{})
	host := newLinkRig(t, net, relay, "host", 0)

	var events []Event
	s := newRelaySession(host.link, "host", "viewer-1", discard, &events)
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []Event{EventControlOpen, EventMediaConnected}, events)
}

func TestRelaySession_SendControlRequiresRemoteTarget(t *testing.T) {
	net := peertest.NewNetwork()
	relay := peertest.NewRelay(net, domain.NegotiationConfig{})
	host := newLinkRig(t, net, relay, "host", 0)

	var sent []domain.SignalMessage
	s := newRelaySession(host.link, "host", "viewer-1", func(_ context.Context, msg domain.SignalMessage) error {
		sent = append(sent, msg)
		return nil
	}, nil)

	wrong, err := domain.NewSignalMessage(domain.SignalKick, "host", "viewer-2", 0, domain.KickPayload{})
	require.NoError(t, err)
	assert.ErrorIs(t, s.SendControl(context.Background(), wrong), domain.ErrInvalidPayload)

	right, err := domain.NewSignalMessage(domain.SignalKick, "host", "viewer-1", 0, domain.KickPayload{Reason: "done"})
	require.NoError(t, err)
	require.NoError(t, s.SendControl(context.Background(), right))
	require.NoError(t, s.SendCursor(context.Background(), domain.CursorPayload{X: 0.1, Y: 0.2, Visible: true}))

	require.Len(t, sent, 2)
	assert.Equal(t, right.ID, sent[0].ID)
	assert.Equal(t, domain.SignalCursor, sent[1].Type)
	assert.Equal(t, domain.ParticipantID("viewer-1"), sent[1].TargetID)
}
