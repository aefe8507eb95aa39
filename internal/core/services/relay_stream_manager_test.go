package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
	"squadx/internal/infrastructure/repositories/memory"
)

var errIngestDown = errors.New("ingest unreachable")

type fakeSink struct {
	mu       sync.Mutex
	chunks   []domain.MediaChunk
	failNext bool
	block    chan struct{}
	closed   chan struct{}
	once     sync.Once
}

func newFakeSink() *fakeSink {
	return &fakeSink{closed: make(chan struct{})}
}

func (s *fakeSink) Write(c domain.MediaChunk) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-s.closed:
			return errors.New("sink closed")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("broken pipe")
	}
	s.chunks = append(s.chunks, c)
	return nil
}

func (s *fakeSink) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSink) received() []domain.MediaChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.MediaChunk(nil), s.chunks...)
}

func (s *fakeSink) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakePublisher hands out sinks from next; a nil sink fails the open.
type fakePublisher struct {
	schemes []string

	mu    sync.Mutex
	next  func(attempt int) *fakeSink
	sinks []*fakeSink
	opens int
}

func (p *fakePublisher) Schemes() []string { return p.schemes }

func (p *fakePublisher) Open(_ context.Context, _ domain.RelayDestination) (ports.PublishSink, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++
	sink := newFakeSink()
	if p.next != nil {
		sink = p.next(p.opens)
	}
	if sink == nil {
		return nil, errIngestDown
	}
	p.sinks = append(p.sinks, sink)
	return sink, nil
}

func (p *fakePublisher) sink(i int) *fakeSink {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.sinks) {
		return nil
	}
	return p.sinks[i]
}

func (p *fakePublisher) openCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

func testRelayConfig() RelayManagerConfig {
	return RelayManagerConfig{
		DialTimeout:           time.Second,
		ReconnectAttempts:     3,
		ReconnectInitialDelay: time.Millisecond,
		ReconnectMaxDelay:     5 * time.Millisecond,
		QueueBytes:            1 << 20,
		StatsWindow:           10 * time.Millisecond,
	}
}

type relayRig struct {
	manager *RelayStreamManager
	rtmp    *fakePublisher
	srt     *fakePublisher
}

func newRelayManagerRig(t *testing.T, cfg RelayManagerConfig) *relayRig {
	rig := &relayRig{
		rtmp: &fakePublisher{schemes: []string{"rtmp", "rtmps"}},
		srt:  &fakePublisher{schemes: []string{"srt"}},
	}
	rig.manager = NewRelayStreamManager(memory.NewMemoryDestinationRepository(), []ports.Publisher{rig.rtmp, rig.srt}, cfg, nil, nil, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { rig.manager.Close(context.Background()) })
	return rig
}

func (r *relayRig) add(t *testing.T, name, url string) domain.DestinationID {
	dest := &domain.RelayDestination{Name: name, URL: url, Enabled: true}
	require.NoError(t, r.manager.AddDestination(context.Background(), dest))
	require.NotEmpty(t, dest.ID)
	return dest.ID
}

func keyframe(n int) domain.MediaChunk {
	return domain.MediaChunk{Kind: domain.TrackVideo, Keyframe: true, Data: make([]byte, n)}
}

func delta(n int) domain.MediaChunk {
	return domain.MediaChunk{Kind: domain.TrackVideo, Data: make([]byte, n)}
}

func stateOf(m *RelayStreamManager, id domain.DestinationID) domain.RelayState {
	st, _ := m.Status(id)
	return st.State
}

func TestRelayStreamManager_DestinationsAreIsolated(t *testing.T) {
	rig := newRelayManagerRig(t, testRelayConfig())
	rig.srt.next = func(int) *fakeSink { return nil }

	a := rig.add(t, "twitch", "rtmp://live.example.com/app/key-a")
	b := rig.add(t, "srt-box", "srt://ingest.example.com:9000")

	batch, err := rig.manager.StartAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Started)
	require.Len(t, batch.Errors, 1)
	assert.Equal(t, b, batch.Errors[0].DestinationID)
	assert.Contains(t, batch.Errors[0].Error, errIngestDown.Error())

	assert.Equal(t, domain.RelayLive, stateOf(rig.manager, a))
	statusB, _ := rig.manager.Status(b)
	assert.Equal(t, domain.RelayError, statusB.State)
	assert.NotEmpty(t, statusB.LastError)

	rig.manager.Write(keyframe(100))
	rig.manager.Write(delta(50))
	require.Eventually(t, func() bool { return len(rig.rtmp.sink(0).received()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, rig.manager.LiveCount())
}

func TestRelayStreamManager_SlowDestinationDropsOnlyItsOwnChunks(t *testing.T) {
	cfg := testRelayConfig()
	cfg.QueueBytes = 1000
	rig := newRelayManagerRig(t, cfg)

	stuck := newFakeSink()
	stuck.block = make(chan struct{})
	rig.rtmp.next = func(int) *fakeSink { return stuck }

	slow := rig.add(t, "slow", "rtmp://slow.example.com/app/key")
	fast := rig.add(t, "fast", "srt://fast.example.com:9000")
	require.True(t, rig.manager.Start(context.Background(), slow).Success)
	require.True(t, rig.manager.Start(context.Background(), fast).Success)

	for i := 0; i < 30; i++ {
		rig.manager.Write(keyframe(100))
		want := i + 1
		require.Eventually(t, func() bool { return len(rig.srt.sink(0).received()) == want }, time.Second, time.Millisecond)
	}

	slowStatus, _ := rig.manager.Status(slow)
	fastStatus, _ := rig.manager.Status(fast)
	assert.Greater(t, slowStatus.DroppedChunks, uint64(0))
	assert.Zero(t, fastStatus.DroppedChunks)
	assert.Equal(t, domain.RelayLive, slowStatus.State)

	close(stuck.block)
}

func TestRelayStreamManager_VideoWaitsForKeyframe(t *testing.T) {
	rig := newRelayManagerRig(t, testRelayConfig())
	id := rig.add(t, "main", "rtmp://live.example.com/app/key")
	require.True(t, rig.manager.Start(context.Background(), id).Success)

	audio := domain.MediaChunk{Kind: domain.TrackAudio, Data: []byte{1}}
	rig.manager.Write(delta(10))
	rig.manager.Write(audio)
	rig.manager.Write(keyframe(10))
	rig.manager.Write(delta(10))

	sink := rig.rtmp.sink(0)
	require.Eventually(t, func() bool { return len(sink.received()) == 3 }, time.Second, time.Millisecond)
	got := sink.received()
	assert.Equal(t, domain.TrackAudio, got[0].Kind)
	assert.True(t, got[1].Keyframe)
	assert.False(t, got[2].Keyframe)
}

func TestRelayStreamManager_ContainerChunksSkipKeyframeGate(t *testing.T) {
	rig := newRelayManagerRig(t, testRelayConfig())
	id := rig.add(t, "main", "rtmp://live.example.com/app/key")
	require.True(t, rig.manager.Start(context.Background(), id).Success)

	for i := 0; i < 3; i++ {
		rig.manager.Write(domain.MediaChunk{Kind: domain.TrackContainer, Data: []byte{0x47, byte(i)}})
	}
	sink := rig.rtmp.sink(0)
	require.Eventually(t, func() bool { return len(sink.received()) == 3 }, time.Second, time.Millisecond)

	// framed video still waits for a keyframe
	rig.manager.Write(delta(10))
	rig.manager.Write(domain.MediaChunk{Kind: domain.TrackContainer, Data: []byte{0x47}})
	require.Eventually(t, func() bool { return len(sink.received()) == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, domain.TrackContainer, sink.received()[3].Kind)
}

// gatedPublisher holds every dial until release delivers its outcome.
type gatedPublisher struct {
	dialing chan struct{}
	release chan error
	once    sync.Once
}

func newGatedPublisher() *gatedPublisher {
	return &gatedPublisher{dialing: make(chan struct{}), release: make(chan error, 1)}
}

func (p *gatedPublisher) Schemes() []string { return []string{"rtmp"} }

func (p *gatedPublisher) Open(ctx context.Context, _ domain.RelayDestination) (ports.PublishSink, error) {
	p.once.Do(func() { close(p.dialing) })
	select {
	case err := <-p.release:
		if err != nil {
			return nil, err
		}
		return newFakeSink(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newGatedManager(t *testing.T, pub *gatedPublisher) (*RelayStreamManager, domain.DestinationID) {
	cfg := testRelayConfig()
	cfg.DialTimeout = time.Hour
	m := NewRelayStreamManager(memory.NewMemoryDestinationRepository(), []ports.Publisher{pub}, cfg, nil, nil, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { m.Close(context.Background()) })
	dest := &domain.RelayDestination{Name: "main", URL: "rtmp://live.example.com/app/key", Enabled: true}
	require.NoError(t, m.AddDestination(context.Background(), dest))
	return m, dest.ID
}

func TestRelayStreamManager_StopAbortsDial(t *testing.T) {
	pub := newGatedPublisher()
	m, id := newGatedManager(t, pub)

	started := make(chan domain.StartResult, 1)
	go func() { started <- m.Start(context.Background(), id) }()
	<-pub.dialing

	m.Stop(context.Background(), id)
	select {
	case res := <-started:
		assert.False(t, res.Success)
	case <-time.After(time.Second):
		t.Fatal("start still dialing after stop")
	}
	assert.Equal(t, domain.RelayStopped, stateOf(m, id))
}

func TestRelayStreamManager_ConcurrentStartWaitsForOutcome(t *testing.T) {
	tests := []struct {
		name    string
		outcome error
		want    domain.RelayState
	}{
		{name: "connected", want: domain.RelayLive},
		{name: "refused", outcome: errIngestDown, want: domain.RelayError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := newGatedPublisher()
			m, id := newGatedManager(t, pub)

			first := make(chan domain.StartResult, 1)
			go func() { first <- m.Start(context.Background(), id) }()
			<-pub.dialing

			second := make(chan domain.StartResult, 1)
			go func() { second <- m.Start(context.Background(), id) }()
			assert.Never(t, func() bool { return len(second) > 0 }, 50*time.Millisecond, time.Millisecond)

			pub.release <- tt.outcome
			for _, ch := range []chan domain.StartResult{first, second} {
				select {
				case res := <-ch:
					assert.Equal(t, tt.outcome == nil, res.Success)
				case <-time.After(time.Second):
					t.Fatal("start did not return")
				}
			}
			assert.Equal(t, tt.want, stateOf(m, id))
		})
	}
}

func TestRelayStreamManager_ReconnectsAfterWriteFailure(t *testing.T) {
	rig := newRelayManagerRig(t, testRelayConfig())
	rig.rtmp.next = func(attempt int) *fakeSink {
		s := newFakeSink()
		s.failNext = attempt == 1
		return s
	}

	id := rig.add(t, "main", "rtmp://live.example.com/app/key")
	require.True(t, rig.manager.Start(context.Background(), id).Success)

	rig.manager.Write(keyframe(10))
	require.Eventually(t, func() bool { return rig.rtmp.openCount() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return stateOf(rig.manager, id) == domain.RelayLive }, time.Second, time.Millisecond)
	assert.True(t, rig.rtmp.sink(0).isClosed())

	// the new connection resumes on a keyframe
	rig.manager.Write(delta(10))
	rig.manager.Write(keyframe(20))
	require.Eventually(t, func() bool { return len(rig.rtmp.sink(1).received()) == 1 }, time.Second, time.Millisecond)
	assert.True(t, rig.rtmp.sink(1).received()[0].Keyframe)

	status, _ := rig.manager.Status(id)
	assert.Equal(t, 1, status.ReconnectAttempts)
}

func TestRelayStreamManager_ReconnectBudgetEndsInError(t *testing.T) {
	rig := newRelayManagerRig(t, testRelayConfig())
	rig.rtmp.next = func(attempt int) *fakeSink {
		if attempt > 1 {
			return nil
		}
		s := newFakeSink()
		s.failNext = true
		return s
	}
	other := rig.add(t, "other", "srt://ok.example.com:9000")
	id := rig.add(t, "main", "rtmp://live.example.com/app/key")
	require.True(t, rig.manager.Start(context.Background(), id).Success)
	require.True(t, rig.manager.Start(context.Background(), other).Success)

	rig.manager.Write(keyframe(10))
	require.Eventually(t, func() bool { return stateOf(rig.manager, id) == domain.RelayError }, time.Second, time.Millisecond)

	status, _ := rig.manager.Status(id)
	assert.Equal(t, 3, status.ReconnectAttempts)
	assert.Contains(t, status.LastError, "exhausted")
	assert.Equal(t, domain.RelayLive, stateOf(rig.manager, other))

	// a destination in error can be started again
	rig.rtmp.mu.Lock()
	rig.rtmp.next = nil
	rig.rtmp.mu.Unlock()
	assert.True(t, rig.manager.Start(context.Background(), id).Success)
	assert.Equal(t, domain.RelayLive, stateOf(rig.manager, id))
}

func TestRelayStreamManager_StartAndStop(t *testing.T) {
	rig := newRelayManagerRig(t, testRelayConfig())
	ctx := context.Background()
	id := rig.add(t, "main", "rtmp://live.example.com/app/key")

	assert.True(t, rig.manager.Start(ctx, id).Success)
	assert.True(t, rig.manager.Start(ctx, id).Success, "starting a live destination succeeds")
	assert.Equal(t, 1, rig.rtmp.openCount())

	res := rig.manager.Stop(ctx, id)
	assert.True(t, res.Success)
	assert.Equal(t, domain.RelayStopped, stateOf(rig.manager, id))
	assert.True(t, rig.rtmp.sink(0).isClosed())
	assert.True(t, rig.manager.Stop(ctx, "unknown").Success)

	missing := rig.manager.Start(ctx, "unknown")
	assert.False(t, missing.Success)
	assert.Equal(t, domain.ErrDestinationNotFound.Error(), missing.Error)

	dest, err := rig.manager.GetDestination(ctx, id)
	require.NoError(t, err)
	dest.Enabled = false
	require.NoError(t, rig.manager.UpdateDestination(ctx, dest))
	disabled := rig.manager.Start(ctx, id)
	assert.False(t, disabled.Success)
	assert.Equal(t, domain.ErrDestinationDisabled.Error(), disabled.Error)
}

func TestRelayStreamManager_DestinationCRUD(t *testing.T) {
	rig := newRelayManagerRig(t, testRelayConfig())
	ctx := context.Background()

	err := rig.manager.AddDestination(ctx, &domain.RelayDestination{Name: "web", URL: "https://example.com/live"})
	assert.Error(t, err)
	err = rig.manager.AddDestination(ctx, &domain.RelayDestination{Name: "", URL: "rtmp://example.com/live"})
	assert.Error(t, err)

	noSRT := NewRelayStreamManager(memory.NewMemoryDestinationRepository(), []ports.Publisher{rig.rtmp}, testRelayConfig(), nil, nil, zaptest.NewLogger(t).Sugar())
	err = noSRT.AddDestination(ctx, &domain.RelayDestination{Name: "srt", URL: "srt://example.com:9000"})
	assert.ErrorIs(t, err, domain.ErrUnsupportedScheme)

	id := rig.add(t, "main", "rtmp://live.example.com/app/key")
	dest, err := rig.manager.GetDestination(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultEncoderProfile(), dest.Profile)

	require.True(t, rig.manager.Start(ctx, id).Success)
	dest.Name = "renamed"
	assert.ErrorIs(t, rig.manager.UpdateDestination(ctx, dest), domain.ErrDestinationRunning)

	require.NoError(t, rig.manager.RemoveDestination(ctx, id))
	assert.True(t, rig.rtmp.sink(0).isClosed(), "removal stops the destination")
	list, err := rig.manager.ListDestinations(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, rig.manager.Statuses())
}

func TestRelayStreamManager_StatusCallbackSeesEveryTransition(t *testing.T) {
	var mu sync.Mutex
	var states []domain.RelayState
	onStatus := func(st domain.RelayStreamStatus) {
		mu.Lock()
		states = append(states, st.State)
		mu.Unlock()
	}
	pub := &fakePublisher{schemes: []string{"rtmp"}}
	m := NewRelayStreamManager(memory.NewMemoryDestinationRepository(), []ports.Publisher{pub}, testRelayConfig(), onStatus, nil, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	dest := &domain.RelayDestination{Name: "main", URL: "rtmp://live.example.com/app/key", Enabled: true}
	require.NoError(t, m.AddDestination(ctx, dest))
	require.True(t, m.Start(ctx, dest.ID).Success)
	m.Close(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.RelayState{domain.RelayConnecting, domain.RelayLive, domain.RelayStopped}, states)
	assert.False(t, m.Start(ctx, dest.ID).Success, "closed manager rejects starts")
}

func TestStreamStats_WindowedRates(t *testing.T) {
	w := streamStats{window: time.Second}
	start := time.Now()
	for i := 0; i < 30; i++ {
		w.record(delta(1000), start.Add(time.Duration(i)*time.Second/30))
	}
	w.record(domain.MediaChunk{Kind: domain.TrackAudio, Data: make([]byte, 1000)}, start.Add(time.Second))

	assert.InDelta(t, 31*1000*8/1000.0, w.bitrateKbps, 0.01)
	assert.InDelta(t, 30.0, w.fps, 0.01)
}
