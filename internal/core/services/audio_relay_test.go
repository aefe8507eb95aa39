package services

import (
	"context"
	"io"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"squadx/internal/core/domain"
	"squadx/internal/core/peer"
	"squadx/internal/core/peer/peertest"
)

type fakeAudioPeer struct {
	id    domain.ParticipantID
	state domain.ConnectionState

	mu      sync.Mutex
	added   []domain.TrackID
	keys    []domain.TrackKey
	removed []domain.TrackID
}

func (p *fakeAudioPeer) Participant() domain.ParticipantID { return p.id }
func (p *fakeAudioPeer) State() domain.ConnectionState     { return p.state }

func (p *fakeAudioPeer) AddTrack(_ context.Context, t peer.Track) error {
	p.mu.Lock()
	p.added = append(p.added, t.Info.ID)
	p.keys = append(p.keys, t.Key())
	p.mu.Unlock()
	return nil
}

func (p *fakeAudioPeer) RemoveTrack(_ context.Context, key domain.TrackKey) error {
	p.mu.Lock()
	p.removed = append(p.removed, key.ID)
	p.mu.Unlock()
	return nil
}

func voice(owner domain.ParticipantID, id domain.TrackID) (peer.Track, *peertest.InboundTrack) {
	local := peertest.NewTrack(domain.TrackAudio, string(id), owner)
	in := peertest.NewInboundTrack(local)
	return peer.Track{
		Info:  domain.TrackInfo{ID: id, Kind: domain.TrackAudio, Owner: owner, StreamID: string(owner)},
		Local: in.Local(),
		Gain:  in,
	}, in
}

func newRelayRig(t *testing.T, peers ...*fakeAudioPeer) *AudioRelay {
	list := func() []AudioPeer {
		out := make([]AudioPeer, 0, len(peers))
		for _, p := range peers {
			out = append(out, p)
		}
		return out
	}
	return NewAudioRelay(list, nil, NewMixer(), zaptest.NewLogger(t).Sugar())
}

func TestAudioRelay_ForwardsOncePerSession(t *testing.T) {
	host := &fakeAudioPeer{id: "host", state: domain.StateConnected}
	a := &fakeAudioPeer{id: "a", state: domain.StateConnected}
	b := &fakeAudioPeer{id: "b", state: domain.StateConnected}
	relay := newRelayRig(t, host, a, b)

	mic, _ := voice("a", "mic-a")
	relay.AddVoice(mic)
	relay.AddVoice(mic)
	relay.OnConnected(b)
	relay.OnConnected(b)

	assert.Empty(t, a.added, "own voice is never looped back")
	assert.Equal(t, []domain.TrackID{"mic-a"}, b.added)
	assert.Equal(t, []domain.TrackID{"mic-a"}, host.added)
	assert.Equal(t, 1, relay.Attached("b"))
}

func TestAudioRelay_SameTrackIDFromEveryParticipant(t *testing.T) {
	host := &fakeAudioPeer{id: "host", state: domain.StateConnected}
	a := &fakeAudioPeer{id: "a", state: domain.StateConnected}
	b := &fakeAudioPeer{id: "b", state: domain.StateConnected}
	relay := newRelayRig(t, host, a, b)

	for _, owner := range []domain.ParticipantID{"host", "a", "b"} {
		mic, _ := voice(owner, "voice")
		relay.AddVoice(mic)
	}

	assert.ElementsMatch(t, []domain.TrackKey{{Owner: "a", ID: "voice"}, {Owner: "b", ID: "voice"}}, host.keys)
	assert.ElementsMatch(t, []domain.TrackKey{{Owner: "host", ID: "voice"}, {Owner: "b", ID: "voice"}}, a.keys)
	assert.ElementsMatch(t, []domain.TrackKey{{Owner: "host", ID: "voice"}, {Owner: "a", ID: "voice"}}, b.keys)
	assert.Equal(t, 2, relay.Attached("b"))

	relay.RemoveParticipant("a")
	assert.Equal(t, []domain.TrackID{"voice"}, b.removed)
	assert.Equal(t, 1, relay.Attached("b"))
}

func TestAudioRelay_LateSessionGetsExistingVoices(t *testing.T) {
	a := &fakeAudioPeer{id: "a", state: domain.StateConnected}
	late := &fakeAudioPeer{id: "late", state: domain.StateConnecting}
	relay := newRelayRig(t, a, late)

	mic, _ := voice("a", "mic-a")
	relay.AddVoice(mic)
	assert.Empty(t, late.added)

	late.state = domain.StateConnected
	relay.OnConnected(late)
	assert.Equal(t, []domain.TrackID{"mic-a"}, late.added)
}

func TestAudioRelay_ReplacementRetiresOldTrack(t *testing.T) {
	a := &fakeAudioPeer{id: "a", state: domain.StateConnected}
	b := &fakeAudioPeer{id: "b", state: domain.StateConnected}
	relay := newRelayRig(t, a, b)

	first, _ := voice("a", "mic-a-1")
	second, _ := voice("a", "mic-a-2")
	relay.AddVoice(first)
	relay.AddVoice(second)

	assert.Equal(t, []domain.TrackID{"mic-a-1", "mic-a-2"}, b.added)
	assert.Equal(t, []domain.TrackID{"mic-a-1"}, b.removed)
	assert.Equal(t, 1, relay.Attached("b"))
	require.Len(t, relay.Voices(), 1)
	assert.Equal(t, domain.TrackID("mic-a-2"), relay.Voices()[0].ID)
}

func TestAudioRelay_MuteIsGainOnlyAndSurvivesReplacement(t *testing.T) {
	a := &fakeAudioPeer{id: "a", state: domain.StateConnected}
	b := &fakeAudioPeer{id: "b", state: domain.StateConnected}
	relay := newRelayRig(t, a, b)

	first, firstGain := voice("a", "mic-a-1")
	relay.AddVoice(first)
	relay.SetMuted("a", true)

	assert.Equal(t, 0.0, firstGain.Gain())
	assert.Len(t, b.added, 1, "mute does not renegotiate")
	assert.Empty(t, b.removed)

	second, secondGain := voice("a", "mic-a-2")
	relay.AddVoice(second)
	assert.Equal(t, 0.0, secondGain.Gain())

	relay.RemoveParticipant("a")
	assert.True(t, relay.Muted("a"))
	third, thirdGain := voice("a", "mic-a-3")
	relay.AddVoice(third)
	assert.Equal(t, 0.0, thirdGain.Gain())

	relay.SetMuted("a", false)
	assert.Equal(t, 1.0, thirdGain.Gain())
}

func TestAudioRelay_RemoveParticipantDetaches(t *testing.T) {
	a := &fakeAudioPeer{id: "a", state: domain.StateConnected}
	b := &fakeAudioPeer{id: "b", state: domain.StateConnected}
	relay := newRelayRig(t, a, b)

	mic, _ := voice("a", "mic-a")
	relay.AddVoice(mic)
	relay.RemoveParticipant("a")

	assert.Equal(t, []domain.TrackID{"mic-a"}, b.removed)
	assert.Empty(t, relay.Voices())
	assert.Equal(t, 0, relay.Attached("b"))
}

type constSource struct {
	value int16
	left  int
}

func (s *constSource) ReadPCM(buf []int16) (int, error) {
	n := len(buf)
	if s.left >= 0 && n > s.left {
		n = s.left
	}
	for i := 0; i < n; i++ {
		buf[i] = s.value
	}
	if s.left >= 0 {
		s.left -= n
		if s.left == 0 {
			return n, io.EOF
		}
	}
	return n, nil
}

func TestMixer_SumsWithGainAndClamps(t *testing.T) {
	m := NewMixer()
	m.AddSource("a", &constSource{value: 1000, left: -1}, 1)
	m.AddSource("b", &constSource{value: 500, left: -1}, 0.5)

	buf := make([]int16, 4)
	n, err := m.ReadPCM(buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []int16{1250, 1250, 1250, 1250}, buf)

	m.SetGain("b", 0)
	_, _ = m.ReadPCM(buf)
	assert.Equal(t, int16(1000), buf[0])

	m.AddSource("loud", &constSource{value: math.MaxInt16, left: -1}, 1)
	_, _ = m.ReadPCM(buf)
	assert.Equal(t, int16(math.MaxInt16), buf[0])
}

func TestMixer_DropsExhaustedSources(t *testing.T) {
	m := NewMixer()
	m.AddSource("short", &constSource{value: 10, left: 2}, 1)

	buf := make([]int16, 4)
	_, _ = m.ReadPCM(buf)
	assert.Equal(t, []int16{10, 10, 0, 0}, buf)
	assert.Equal(t, 0, m.Len())
}

func TestMixer_SourcesChangeWhileReading(t *testing.T) {
	m := NewMixer()
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]int16, 160)
		for i := 0; i < 500; i++ {
			_, _ = m.ReadPCM(buf)
		}
	}()
	for i := 0; i < 500; i++ {
		m.AddSource("a", &constSource{value: 1, left: -1}, 1)
		m.RemoveSource("a")
	}
	<-done
}
