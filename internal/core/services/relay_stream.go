package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
	"squadx/pkg/queue"
	"squadx/pkg/retry"
)

var errRelayStreamStopped = errors.New("relay stream stopped")

// relayStream pushes chunks to one destination. It has its own queue, publisher
// connection and reconnect budget, so its failures stay local.
type relayStream struct {
	dest      domain.RelayDestination
	publisher ports.Publisher
	cfg       RelayManagerConfig
	queue     *queue.Queue[domain.MediaChunk]
	onStatus  func(domain.RelayStreamStatus)
	metrics   ports.Metrics
	logger    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	// ready is closed once the first connection attempt has an outcome
	ready    chan struct{}
	startErr error

	mu         sync.Mutex
	state      domain.RelayState
	sink       ports.PublishSink
	startedAt  time.Time
	lastErr    string
	reconnects int
	resync     bool
	stats      streamStats
}

func newRelayStream(dest domain.RelayDestination, publisher ports.Publisher, cfg RelayManagerConfig, onStatus func(domain.RelayStreamStatus), metrics ports.Metrics, logger *zap.SugaredLogger) *relayStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &relayStream{
		dest:      dest,
		publisher: publisher,
		cfg:       cfg,
		queue: queue.New[domain.MediaChunk](cfg.QueueBytes, func(c domain.MediaChunk) int {
			return len(c.Data)
		}),
		onStatus: onStatus,
		metrics:  metrics,
		logger:   logger.With("destination_id", dest.ID),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		state:    domain.RelayIdle,
		resync:   true,
		stats:    streamStats{window: cfg.StatsWindow},
	}
}

// start dials the destination. A failed first connection leaves the stream in
// the error state with no reconnect. The dial ends early on stop or when ctx
// is cancelled.
func (s *relayStream) start(ctx context.Context) error {
	s.setState(domain.RelayConnecting, "")

	dialCtx, cancel := context.WithCancel(s.ctx)
	release := context.AfterFunc(ctx, cancel)
	sink, err := s.open(dialCtx)
	release()
	cancel()
	if s.ctx.Err() != nil {
		// stopped while dialing; stop records the final state
		if err == nil {
			_ = sink.Close()
		}
		err = errRelayStreamStopped
	} else if err != nil {
		s.setState(domain.RelayError, err.Error())
	}
	if err != nil {
		s.queue.Close(true)
		close(s.done)
		s.resolve(err)
		return err
	}

	s.mu.Lock()
	s.sink = sink
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.setState(domain.RelayLive, "")

	go s.run()
	s.resolve(nil)
	return nil
}

func (s *relayStream) resolve(err error) {
	s.mu.Lock()
	s.startErr = err
	s.mu.Unlock()
	close(s.ready)
}

// awaitStart blocks until the first connection attempt finishes and returns
// its error.
func (s *relayStream) awaitStart(ctx context.Context) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startErr
}

func (s *relayStream) open(ctx context.Context) (ports.PublishSink, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	sink, err := s.publisher.Open(dialCtx, s.dest)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to destination: %w", err)
	}
	return sink, nil
}

func (s *relayStream) run() {
	defer close(s.done)
	for {
		chunk, ok := s.queue.Dequeue()
		if !ok {
			return
		}

		s.mu.Lock()
		sink := s.sink
		s.mu.Unlock()
		if sink == nil {
			return
		}

		if err := sink.Write(chunk); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warnw("relay destination dropped", "error", err)
			if !s.reconnect(err) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.stats.record(chunk, time.Now())
		s.mu.Unlock()
		s.metrics.RelayChunk(s.dest.ID, len(chunk.Data), false)
	}
}

// reconnect replaces the sink with bounded backoff. It returns false when the
// budget is spent or the stream was stopped.
func (s *relayStream) reconnect(cause error) bool {
	s.mu.Lock()
	old := s.sink
	s.sink = nil
	s.resync = true
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	s.setState(domain.RelayReconnecting, cause.Error())

	backoff := retry.Config{
		Enabled:      true,
		InitialDelay: s.cfg.ReconnectInitialDelay,
		MaxDelay:     s.cfg.ReconnectMaxDelay,
		Multiplier:   2,
		Jitter:       true,
	}
	for attempt := 0; attempt < s.cfg.ReconnectAttempts; attempt++ {
		if err := retry.Sleep(s.ctx, retry.Backoff(backoff, attempt)); err != nil {
			return false
		}
		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()

		sink, err := s.open(s.ctx)
		if err != nil {
			s.logger.Warnw("relay reconnect failed", "attempt", attempt+1, "error", err)
			continue
		}
		s.mu.Lock()
		s.sink = sink
		s.mu.Unlock()
		s.setState(domain.RelayLive, "")
		s.logger.Infow("relay destination reconnected", "attempt", attempt+1)
		return true
	}

	s.setState(domain.RelayError, fmt.Sprintf("reconnect attempts exhausted: %v", cause))
	s.queue.Close(true)
	return false
}

// enqueue offers chunk to the stream without blocking. After any drop, video is
// skipped until the next keyframe so the destination never sees a broken GOP.
func (s *relayStream) enqueue(chunk domain.MediaChunk) bool {
	s.mu.Lock()
	if s.state != domain.RelayLive && s.state != domain.RelayReconnecting {
		s.mu.Unlock()
		return false
	}
	if chunk.Kind == domain.TrackVideo {
		if s.resync && !chunk.Keyframe {
			s.mu.Unlock()
			return false
		}
		s.resync = false
	}
	s.mu.Unlock()

	if s.queue.Enqueue(chunk) {
		return true
	}
	s.mu.Lock()
	s.resync = true
	s.mu.Unlock()
	s.metrics.RelayChunk(s.dest.ID, len(chunk.Data), true)
	return false
}

func (s *relayStream) stop() {
	s.cancel()
	s.queue.Close(true)
	// closing the sink unblocks a Write in flight
	s.closeSink()
	<-s.done
	s.closeSink()

	s.mu.Lock()
	running := s.state.Running()
	s.mu.Unlock()
	if running {
		s.setState(domain.RelayStopped, "")
	}
}

func (s *relayStream) closeSink() {
	s.mu.Lock()
	sink := s.sink
	s.sink = nil
	s.mu.Unlock()
	if sink != nil {
		_ = sink.Close()
	}
}

func (s *relayStream) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Running()
}

func (s *relayStream) status() domain.RelayStreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *relayStream) statusLocked() domain.RelayStreamStatus {
	st := domain.RelayStreamStatus{
		DestinationID:     s.dest.ID,
		State:             s.state,
		BitrateKbps:       s.stats.bitrateKbps,
		FPS:               s.stats.fps,
		ReconnectAttempts: s.reconnects,
		DroppedChunks:     s.queue.Drops(),
		LastError:         s.lastErr,
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt
		st.StartedAt = &started
		if s.state.Running() {
			st.Duration = time.Since(started)
		}
	}
	return st
}

func (s *relayStream) setState(state domain.RelayState, errMsg string) {
	s.mu.Lock()
	if s.state == domain.RelayStopped {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = state
	if errMsg != "" {
		s.lastErr = errMsg
	}
	st := s.statusLocked()
	s.mu.Unlock()

	if prev == state {
		return
	}
	s.logger.Infow("relay state changed", "from", prev, "to", state)
	s.metrics.RelayStateChanged(s.dest.ID, state)
	if s.onStatus != nil {
		s.onStatus(st)
	}
}

// streamStats measures bitrate and frame rate over a fixed window.
type streamStats struct {
	window      time.Duration
	windowStart time.Time
	bytes       int
	frames      int
	bitrateKbps float64
	fps         float64
}

func (w *streamStats) record(c domain.MediaChunk, now time.Time) {
	if w.windowStart.IsZero() {
		w.windowStart = now
	}
	w.bytes += len(c.Data)
	if c.Kind == domain.TrackVideo {
		w.frames++
	}

	elapsed := now.Sub(w.windowStart)
	if w.window <= 0 || elapsed < w.window {
		return
	}
	secs := elapsed.Seconds()
	w.bitrateKbps = float64(w.bytes*8) / secs / 1000
	w.fps = float64(w.frames) / secs
	w.windowStart = now
	w.bytes = 0
	w.frames = 0
}
