package uievents

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
)

// Broadcaster fans UI events out to every attached UI stream. A subscriber
// that falls behind loses events rather than stalling the session.
type Broadcaster struct {
	buffer int
	logger *zap.SugaredLogger

	mu      sync.Mutex
	subs    map[*Subscriber]struct{}
	status  *domain.UIEvent
	dropped atomic.Uint64
}

var _ ports.EventSink = (*Broadcaster)(nil)

func NewBroadcaster(buffer int, logger *zap.SugaredLogger) *Broadcaster {
	if buffer <= 0 {
		buffer = 128
	}
	return &Broadcaster{
		buffer: buffer,
		logger: logger.With("component", "ui_events"),
		subs:   make(map[*Subscriber]struct{}),
	}
}

type Subscriber struct {
	b      *Broadcaster
	events chan domain.UIEvent
	once   sync.Once
	done   chan struct{}
}

func (s *Subscriber) Events() <-chan domain.UIEvent { return s.events }
func (s *Subscriber) Done() <-chan struct{}         { return s.done }

func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		s.b.mu.Unlock()
		close(s.done)
	})
}

// Subscribe attaches a stream. The latest session status, if any, is delivered
// first so a late UI starts in the right state.
func (b *Broadcaster) Subscribe() *Subscriber {
	s := &Subscriber{
		b:      b,
		events: make(chan domain.UIEvent, b.buffer),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	if b.status != nil {
		s.events <- *b.status
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Broadcaster) Emit(ev domain.UIEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev.Type == domain.UISessionStatus {
		b.status = &ev
	}
	for s := range b.subs {
		select {
		case s.events <- ev:
		default:
			if n := b.dropped.Add(1); n%100 == 1 {
				b.logger.Warnw("ui subscriber too slow, dropping events", "type", ev.Type, "dropped_total", n)
			}
		}
	}
}

// Subscribers is the number of attached streams.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// Input hands accepted remote input to the UI layer, which owns the platform
// input synthesis. Pointer events carry absolute coordinates on the shared
// surface.
type Input struct {
	Sink   ports.EventSink
	Width  int
	Height int
}

var _ ports.InputInjector = Input{}

// InjectedInput is the data of a UIInput event.
type InjectedInput struct {
	Event domain.InputEvent `json:"event"`
	X     int               `json:"x"`
	Y     int               `json:"y"`
}

func (in Input) Inject(ctx context.Context, from domain.ParticipantID, ev domain.InputEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	data := InjectedInput{Event: ev}
	switch ev.Type {
	case domain.InputMouseMove, domain.InputMouseDown, domain.InputMouseUp, domain.InputMouseClick:
		data.X, data.Y = ev.ToAbsolute(in.Width, in.Height)
	}
	in.Sink.Emit(domain.UIEvent{Type: domain.UIInput, ParticipantID: from, Data: data})
	return nil
}
