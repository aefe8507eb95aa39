package peertest

import (
	"context"
	"errors"
	"sync"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
	"squadx/pkg/queue"
)

// ErrTransportClosed is returned by a closed fake transport.
var ErrTransportClosed = errors.New("transport closed")

// Hub is an in-process session relay. It implements ports.TransportDialer.
type Hub struct {
	config domain.NegotiationConfig

	mu        sync.Mutex
	members   map[domain.ParticipantID]*Transport
	messages  []domain.SignalMessage
	duplicate bool
	dials     int
}

func NewHub(cfg domain.NegotiationConfig) *Hub {
	return &Hub{config: cfg, members: make(map[domain.ParticipantID]*Transport)}
}

// Duplicate makes the hub deliver every routed message twice, as an
// at-least-once relay may.
func (h *Hub) Duplicate(on bool) {
	h.mu.Lock()
	h.duplicate = on
	h.mu.Unlock()
}

func (h *Hub) Dial(m domain.Membership) (ports.SignalTransport, error) {
	h.mu.Lock()
	h.dials++
	h.mu.Unlock()
	return &Transport{
		hub:    h,
		member: m.Participant,
		events: queue.New[domain.StreamEvent](0, nil),
	}, nil
}

// Messages returns every message submitted so far.
func (h *Hub) Messages() []domain.SignalMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.SignalMessage(nil), h.messages...)
}

// MessagesOf returns submitted messages of one type.
func (h *Hub) MessagesOf(typ domain.SignalType) []domain.SignalMessage {
	var out []domain.SignalMessage
	for _, m := range h.Messages() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// Members lists participants with an open transport.
func (h *Hub) Members() []domain.ParticipantID {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]domain.ParticipantID, 0, len(h.members))
	for id := range h.members {
		ids = append(ids, id)
	}
	return ids
}

// Interrupt drops id's stream and immediately resumes it.
func (h *Hub) Interrupt(id domain.ParticipantID) {
	h.mu.Lock()
	t := h.members[id]
	cfg := h.config
	h.mu.Unlock()
	if t == nil {
		return
	}
	t.push(domain.StreamEvent{Type: domain.EventInterrupted, Error: "stream interrupted"})
	t.push(domain.StreamEvent{Type: domain.EventConnected, Config: &cfg})
}

// Inject delivers msg to its target as if another member had sent it.
func (h *Hub) Inject(msg domain.SignalMessage) {
	h.route(msg)
}

func (h *Hub) join(t *Transport) {
	h.mu.Lock()
	cfg := h.config
	existing := make([]*Transport, 0, len(h.members))
	for _, m := range h.members {
		existing = append(existing, m)
	}
	h.members[t.member.ID] = t
	h.mu.Unlock()

	t.push(domain.StreamEvent{Type: domain.EventConnected, Config: &cfg})
	for _, m := range existing {
		joined, other := t.member, m.member
		t.push(domain.StreamEvent{Type: domain.EventPresenceJoin, Participant: &other})
		m.push(domain.StreamEvent{Type: domain.EventPresenceJoin, Participant: &joined})
	}
}

func (h *Hub) leave(t *Transport) {
	h.mu.Lock()
	if h.members[t.member.ID] != t {
		h.mu.Unlock()
		return
	}
	delete(h.members, t.member.ID)
	rest := make([]*Transport, 0, len(h.members))
	for _, m := range h.members {
		rest = append(rest, m)
	}
	h.mu.Unlock()

	left := t.member
	for _, m := range rest {
		m.push(domain.StreamEvent{Type: domain.EventPresenceLeave, Participant: &left})
	}
}

func (h *Hub) route(msg domain.SignalMessage) {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	times := 1
	if h.duplicate {
		times = 2
	}
	var targets []*Transport
	if msg.TargetID != "" {
		if t, ok := h.members[msg.TargetID]; ok {
			targets = append(targets, t)
		}
	} else {
		for id, t := range h.members {
			if id != msg.SenderID {
				targets = append(targets, t)
			}
		}
	}
	h.mu.Unlock()

	for _, t := range targets {
		for i := 0; i < times; i++ {
			m := msg
			t.push(domain.StreamEvent{Type: domain.EventSignal, Signal: &m})
		}
	}
}

// Transport is one member's fake ports.SignalTransport.
type Transport struct {
	hub    *Hub
	member domain.Participant
	events *queue.Queue[domain.StreamEvent]

	mu     sync.Mutex
	opened bool
	closed bool
}

func (t *Transport) Open(ctx context.Context) (<-chan domain.StreamEvent, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if t.opened {
		t.mu.Unlock()
		return nil, errors.New("transport already open")
	}
	t.opened = true
	t.mu.Unlock()

	out := make(chan domain.StreamEvent)
	go func() {
		defer close(out)
		for {
			ev, ok := t.events.Dequeue()
			if !ok {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				_ = t.Close()
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		_ = t.Close()
	}()

	t.hub.join(t)
	return out, nil
}

func (t *Transport) Submit(ctx context.Context, msg domain.SignalMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	t.hub.route(msg)
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	opened := t.opened
	t.mu.Unlock()

	if opened {
		t.hub.leave(t)
	}
	t.events.Close(true)
	return nil
}

func (t *Transport) push(ev domain.StreamEvent) {
	t.events.Enqueue(ev)
}
