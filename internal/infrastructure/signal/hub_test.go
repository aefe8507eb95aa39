package signal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"squadx/internal/core/domain"
	"squadx/internal/infrastructure/distributed"
)

type staticConfigs struct{}

func (staticConfigs) NegotiationConfig(domain.Participant) domain.NegotiationConfig {
	return domain.NegotiationConfig{ICEServers: []domain.ICEServer{{URLs: []string{"stun:stun.example.com"}}}}
}

type recordingFanout struct {
	mu   sync.Mutex
	envs []distributed.Envelope
}

func (f *recordingFanout) Publish(_ context.Context, env distributed.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
	return nil
}

func (f *recordingFanout) all() []distributed.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]distributed.Envelope(nil), f.envs...)
}

func newTestHub(t *testing.T, cfg HubConfig) *Hub {
	h := NewHub(cfg, staticConfigs{}, nil, zaptest.NewLogger(t).Sugar())
	t.Cleanup(h.Close)
	return h
}

func member(id string) domain.Participant {
	role := domain.RoleViewer
	if id == "host" {
		role = domain.RoleHost
	}
	return domain.Participant{ID: domain.ParticipantID(id), SessionID: "s1", Role: role}
}

func subscribe(t *testing.T, h *Hub, id string) *Subscription {
	sub, err := h.Subscribe(context.Background(), member(id))
	require.NoError(t, err)
	return sub
}

func next(t *testing.T, sub *Subscription) domain.StreamEvent {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no event for %s", sub.Member().ID)
		return domain.StreamEvent{}
	}
}

func assertQuiet(t *testing.T, sub *Subscription, d time.Duration) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected %s event for %s", ev.Type, sub.Member().ID)
	case <-time.After(d):
	}
}

func controlRequest(t *testing.T, from, to string) domain.SignalMessage {
	msg, err := domain.NewSignalMessage(domain.SignalControlRequest, domain.ParticipantID(from), domain.ParticipantID(to), 0, nil)
	require.NoError(t, err)
	return msg
}

func TestHub_SubscribeAnnouncesPresence(t *testing.T) {
	h := newTestHub(t, HubConfig{})

	host := subscribe(t, h, "host")
	ev := next(t, host)
	assert.Equal(t, domain.EventConnected, ev.Type)
	require.NotNil(t, ev.Config)
	assert.Len(t, ev.Config.ICEServers, 1)

	viewer := subscribe(t, h, "v1")
	assert.Equal(t, domain.EventConnected, next(t, viewer).Type)
	ev = next(t, viewer)
	assert.Equal(t, domain.EventPresenceJoin, ev.Type)
	assert.Equal(t, domain.ParticipantID("host"), ev.Participant.ID)

	ev = next(t, host)
	assert.Equal(t, domain.EventPresenceJoin, ev.Type)
	assert.Equal(t, domain.ParticipantID("v1"), ev.Participant.ID)

	assert.Equal(t, 2, h.Connections())
	assert.Len(t, h.Members("s1"), 2)
}

func TestHub_RouteTargetedAndBroadcast(t *testing.T) {
	h := newTestHub(t, HubConfig{})
	host, v1, v2 := subscribe(t, h, "host"), subscribe(t, h, "v1"), subscribe(t, h, "v2")
	// Drain connected and presence events.
	for i := 0; i < 3; i++ {
		next(t, host)
	}
	for i := 0; i < 3; i++ {
		next(t, v1)
	}
	for i := 0; i < 3; i++ {
		next(t, v2)
	}

	targeted := controlRequest(t, "v1", "host")
	require.NoError(t, h.Route(context.Background(), "s1", targeted))
	ev := next(t, host)
	assert.Equal(t, domain.EventSignal, ev.Type)
	assert.Equal(t, targeted.ID, ev.Signal.ID)
	assertQuiet(t, v2, 50*time.Millisecond)
	assertQuiet(t, v1, 0)

	broadcast := controlRequest(t, "host", "")
	require.NoError(t, h.Route(context.Background(), "s1", broadcast))
	assert.Equal(t, broadcast.ID, next(t, v1).Signal.ID)
	assert.Equal(t, broadcast.ID, next(t, v2).Signal.ID)
	assertQuiet(t, host, 50*time.Millisecond)
}

func TestHub_RouteRejectsNonMembersAndInvalid(t *testing.T) {
	h := newTestHub(t, HubConfig{})
	subscribe(t, h, "host")

	err := h.Route(context.Background(), "s1", controlRequest(t, "stranger", "host"))
	assert.ErrorIs(t, err, ErrNotMember)

	bad := controlRequest(t, "host", "")
	bad.Type = "teleport"
	assert.ErrorIs(t, h.Route(context.Background(), "s1", bad), domain.ErrUnknownMessageType)
}

func TestHub_RejoinWithinGraceIsSilent(t *testing.T) {
	h := newTestHub(t, HubConfig{LeaveGrace: 150 * time.Millisecond})
	host := subscribe(t, h, "host")
	next(t, host)
	v1 := subscribe(t, h, "v1")
	next(t, host)

	v1.Close()
	again := subscribe(t, h, "v1")
	assert.Equal(t, domain.EventConnected, next(t, again).Type)
	assert.Equal(t, domain.EventPresenceJoin, next(t, again).Type)
	assertQuiet(t, host, 250*time.Millisecond)

	again.Close()
	ev := next(t, host)
	assert.Equal(t, domain.EventPresenceLeave, ev.Type)
	assert.Equal(t, domain.ParticipantID("v1"), ev.Participant.ID)
}

func TestHub_ReplacedSubscriptionIsClosed(t *testing.T) {
	h := newTestHub(t, HubConfig{})
	host := subscribe(t, h, "host")
	next(t, host)
	first := subscribe(t, h, "v1")
	next(t, host)

	second := subscribe(t, h, "v1")
	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("first subscription was not closed")
	}
	assert.Equal(t, ReasonReplaced, first.Reason())
	assertQuiet(t, host, 50*time.Millisecond)

	// Closing the stale subscription must not remove the live one.
	first.Close()
	assert.Len(t, h.Members("s1"), 2)
	second.Close()
	assert.Equal(t, domain.EventPresenceLeave, next(t, host).Type)
}

func TestHub_SlowConsumerIsDropped(t *testing.T) {
	h := newTestHub(t, HubConfig{SubscriberBuffer: 2})
	host := subscribe(t, h, "host") // connected
	v1 := subscribe(t, h, "v1")     // host: presence-join v1, buffer full
	next(t, v1)
	next(t, v1)

	require.NoError(t, h.Route(context.Background(), "s1", controlRequest(t, "v1", "")))
	select {
	case <-host.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
	assert.Equal(t, ReasonSlowConsumer, host.Reason())

	ev := next(t, v1)
	assert.Equal(t, domain.EventPresenceLeave, ev.Type)
	assert.Equal(t, domain.ParticipantID("host"), ev.Participant.ID)
	assert.Len(t, h.Members("s1"), 1)
}

func TestHub_EndClosesRoomEverywhere(t *testing.T) {
	h := newTestHub(t, HubConfig{LeaveGrace: time.Minute})
	fanout := &recordingFanout{}
	h.UseFanout(fanout, nil)

	host, v1 := subscribe(t, h, "host"), subscribe(t, h, "v1")
	h.End(context.Background(), "s1")

	for _, sub := range []*Subscription{host, v1} {
		select {
		case <-sub.Done():
		case <-time.After(time.Second):
			t.Fatal("subscription not closed on end")
		}
		assert.Equal(t, ReasonEnded, sub.Reason())
	}
	assert.Empty(t, h.Members("s1"))

	envs := fanout.all()
	require.NotEmpty(t, envs)
	assert.True(t, envs[len(envs)-1].End)
}

func TestHub_DeliverFromOtherInstance(t *testing.T) {
	h := newTestHub(t, HubConfig{})
	host := subscribe(t, h, "host")
	next(t, host)

	msg := controlRequest(t, "remote-viewer", "host")
	h.Deliver(distributed.Envelope{SessionID: "s1", Event: domain.StreamEvent{Type: domain.EventSignal, Signal: &msg}})
	assert.Equal(t, msg.ID, next(t, host).Signal.ID)

	h.Deliver(distributed.Envelope{SessionID: "s1", End: true})
	select {
	case <-host.Done():
	case <-time.After(time.Second):
		t.Fatal("remote end did not close the room")
	}
}
