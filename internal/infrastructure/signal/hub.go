package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
	"squadx/internal/infrastructure/distributed"
)

var (
	ErrNotMember      = errors.New("sender is not subscribed to the session")
	ErrSenderMismatch = errors.New("sender does not match the authenticated participant")
)

// Close reasons reported to subscribers.
const (
	ReasonReplaced     = "replaced by a newer connection"
	ReasonSlowConsumer = "subscriber too slow"
	ReasonEnded        = "session ended"
	ReasonShutdown     = "server shutting down"
)

// ConfigProvider supplies the negotiation config for the connected event.
type ConfigProvider interface {
	NegotiationConfig(p domain.Participant) domain.NegotiationConfig
}

// Fanout forwards events to other signal server instances.
type Fanout interface {
	Publish(ctx context.Context, env distributed.Envelope) error
}

// Presence tracks members across instances.
type Presence interface {
	Add(ctx context.Context, p domain.Participant) error
	Remove(ctx context.Context, p domain.Participant) error
	List(ctx context.Context, session domain.SessionID) ([]domain.Participant, error)
}

type HubConfig struct {
	SubscriberBuffer int
	// LeaveGrace delays presence-leave so a reconnecting member keeps its peers.
	LeaveGrace time.Duration
}

// Hub is the session relay: one room per session, one subscription per member.
type Hub struct {
	cfg      HubConfig
	configs  ConfigProvider
	fanout   Fanout
	presence Presence
	metrics  ports.Metrics
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	rooms   map[domain.SessionID]map[domain.ParticipantID]*Subscription
	leaving map[memberKey]*pendingLeave
}

type pendingLeave struct {
	timer *time.Timer
}

type memberKey struct {
	session domain.SessionID
	id      domain.ParticipantID
}

func NewHub(cfg HubConfig, configs ConfigProvider, metrics ports.Metrics, logger *zap.SugaredLogger) *Hub {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Hub{
		cfg:     cfg,
		configs: configs,
		metrics: metrics,
		logger:  logger.With("component", "signal_hub"),
		rooms:   make(map[domain.SessionID]map[domain.ParticipantID]*Subscription),
		leaving: make(map[memberKey]*pendingLeave),
	}
}

// UseFanout enables cross-instance routing. Call before serving.
func (h *Hub) UseFanout(f Fanout, p Presence) {
	h.fanout = f
	h.presence = p
}

// Subscription is one member's live stream.
type Subscription struct {
	hub    *Hub
	member domain.Participant
	events chan domain.StreamEvent

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
	reason    string
}

func (s *Subscription) Member() domain.Participant       { return s.member }
func (s *Subscription) Events() <-chan domain.StreamEvent { return s.events }
func (s *Subscription) Done() <-chan struct{}             { return s.done }

// Reason is why the hub closed the subscription, empty if the client left.
func (s *Subscription) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Close ends the subscription. Presence-leave follows after the grace period.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
	s.close("")
}

func (s *Subscription) close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) push(ev domain.StreamEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	default:
		s.hub.logger.Warnw("dropping slow subscriber", "session_id", s.member.SessionID, "participant_id", s.member.ID)
		s.hub.unsubscribe(s)
		s.close(ReasonSlowConsumer)
		return false
	}
}

// Subscribe opens member's stream. The first events are connected and one
// presence-join per member already in the room. A member that reconnects
// within the grace period replaces its previous subscription silently.
func (h *Hub) Subscribe(ctx context.Context, member domain.Participant) (*Subscription, error) {
	sub := &Subscription{
		hub:    h,
		member: member,
		events: make(chan domain.StreamEvent, h.cfg.SubscriberBuffer),
		done:   make(chan struct{}),
	}
	key := memberKey{member.SessionID, member.ID}

	h.mu.Lock()
	room, ok := h.rooms[member.SessionID]
	if !ok {
		room = make(map[domain.ParticipantID]*Subscription)
		h.rooms[member.SessionID] = room
	}
	old := room[member.ID]
	room[member.ID] = sub
	pl, pending := h.leaving[key]
	if pending {
		pl.timer.Stop()
		delete(h.leaving, key)
	}
	local := make([]domain.Participant, 0, len(room))
	for id, other := range room {
		if id != member.ID {
			local = append(local, other.member)
		}
	}
	h.mu.Unlock()

	if old != nil {
		old.close(ReasonReplaced)
	}
	rejoin := old != nil || pending

	cfg := h.configs.NegotiationConfig(member)
	sub.push(domain.StreamEvent{Type: domain.EventConnected, Config: &cfg})
	for _, p := range h.members(ctx, member, local) {
		p := p
		sub.push(domain.StreamEvent{Type: domain.EventPresenceJoin, Participant: &p})
	}

	if h.presence != nil {
		if err := h.presence.Add(ctx, member); err != nil {
			h.logger.Warnw("failed to record presence", "session_id", member.SessionID, "participant_id", member.ID, "error", err)
		}
	}
	if !rejoin {
		joined := member
		h.dispatch(ctx, member.SessionID, domain.StreamEvent{Type: domain.EventPresenceJoin, Participant: &joined})
	}

	h.logger.Infow("member subscribed", "session_id", member.SessionID, "participant_id", member.ID, "rejoin", rejoin)
	return sub, nil
}

// members lists everyone but self, preferring the shared registry when set.
func (h *Hub) members(ctx context.Context, self domain.Participant, local []domain.Participant) []domain.Participant {
	if h.presence == nil {
		return local
	}
	all, err := h.presence.List(ctx, self.SessionID)
	if err != nil {
		h.logger.Warnw("failed to list presence, using local members", "session_id", self.SessionID, "error", err)
		return local
	}
	out := make([]domain.Participant, 0, len(all))
	for _, p := range all {
		if p.ID != self.ID {
			out = append(out, p)
		}
	}
	return out
}

func (h *Hub) unsubscribe(sub *Subscription) {
	key := memberKey{sub.member.SessionID, sub.member.ID}

	h.mu.Lock()
	room := h.rooms[key.session]
	if room == nil || room[key.id] != sub {
		h.mu.Unlock()
		return
	}
	delete(room, key.id)
	if len(room) == 0 {
		delete(h.rooms, key.session)
	}
	if h.cfg.LeaveGrace > 0 {
		pl := &pendingLeave{}
		pl.timer = time.AfterFunc(h.cfg.LeaveGrace, func() { h.leave(key, sub.member, pl) })
		h.leaving[key] = pl
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.announceLeave(sub.member)
}

func (h *Hub) leave(key memberKey, member domain.Participant, pl *pendingLeave) {
	h.mu.Lock()
	if h.leaving[key] != pl {
		h.mu.Unlock()
		return
	}
	delete(h.leaving, key)
	h.mu.Unlock()
	h.announceLeave(member)
}

func (h *Hub) announceLeave(member domain.Participant) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if h.presence != nil {
		if err := h.presence.Remove(ctx, member); err != nil {
			h.logger.Warnw("failed to remove presence", "session_id", member.SessionID, "participant_id", member.ID, "error", err)
		}
	}
	left := member
	h.dispatch(ctx, member.SessionID, domain.StreamEvent{Type: domain.EventPresenceLeave, Participant: &left})
	h.logger.Infow("member left", "session_id", member.SessionID, "participant_id", member.ID)
}

// Route delivers msg to its target, or to every other member when untargeted.
// The sender must hold a subscription on some instance.
func (h *Hub) Route(ctx context.Context, session domain.SessionID, msg domain.SignalMessage) error {
	if err := msg.Validate(); err != nil {
		h.metrics.SignalProcessed(msg.Type, "invalid")
		return err
	}
	if !h.isMember(ctx, session, msg.SenderID) {
		h.metrics.SignalProcessed(msg.Type, "rejected")
		return ErrNotMember
	}

	m := msg
	h.dispatch(ctx, session, domain.StreamEvent{Type: domain.EventSignal, Signal: &m})
	h.metrics.SignalProcessed(msg.Type, "routed")
	return nil
}

// isMember checks local rooms first, then the shared registry.
func (h *Hub) isMember(ctx context.Context, session domain.SessionID, id domain.ParticipantID) bool {
	h.mu.Lock()
	_, ok := h.rooms[session][id]
	h.mu.Unlock()
	if ok || h.presence == nil {
		return ok
	}
	all, err := h.presence.List(ctx, session)
	if err != nil {
		h.logger.Warnw("failed to list presence", "session_id", session, "error", err)
		return false
	}
	for _, p := range all {
		if p.ID == id {
			return true
		}
	}
	return false
}

// End closes every subscription of session on all instances.
func (h *Hub) End(ctx context.Context, session domain.SessionID) {
	h.closeRoom(session, ReasonEnded)
	if h.fanout != nil {
		if err := h.fanout.Publish(ctx, distributed.Envelope{SessionID: session, End: true}); err != nil {
			h.logger.Warnw("failed to fan out session end", "session_id", session, "error", err)
		}
	}
}

// Deliver handles an envelope from another instance.
func (h *Hub) Deliver(env distributed.Envelope) {
	if env.End {
		h.closeRoom(env.SessionID, ReasonEnded)
		return
	}
	h.deliverLocal(env.SessionID, env.Event)
}

// Members returns the participants subscribed on this instance.
func (h *Hub) Members(session domain.SessionID) []domain.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.Participant, 0, len(h.rooms[session]))
	for _, sub := range h.rooms[session] {
		out = append(out, sub.member)
	}
	return out
}

// Connections is the number of live subscriptions on this instance.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	return n
}

// Close ends every subscription without announcing leaves.
func (h *Hub) Close() {
	h.mu.Lock()
	var subs []*Subscription
	for _, room := range h.rooms {
		for _, sub := range room {
			subs = append(subs, sub)
		}
	}
	h.rooms = make(map[domain.SessionID]map[domain.ParticipantID]*Subscription)
	for key, pl := range h.leaving {
		pl.timer.Stop()
		delete(h.leaving, key)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close(ReasonShutdown)
	}
}

func (h *Hub) closeRoom(session domain.SessionID, reason string) {
	h.mu.Lock()
	room := h.rooms[session]
	delete(h.rooms, session)
	for key, pl := range h.leaving {
		if key.session == session {
			pl.timer.Stop()
			delete(h.leaving, key)
		}
	}
	h.mu.Unlock()

	for _, sub := range room {
		sub.close(reason)
	}
	if len(room) > 0 {
		h.logger.Infow("session room closed", "session_id", session, "reason", reason, "members", len(room))
	}
}

func (h *Hub) dispatch(ctx context.Context, session domain.SessionID, ev domain.StreamEvent) {
	h.deliverLocal(session, ev)
	if h.fanout == nil {
		return
	}
	if err := h.fanout.Publish(ctx, distributed.Envelope{SessionID: session, Event: ev}); err != nil {
		h.logger.Warnw("failed to fan out event", "session_id", session, "type", ev.Type, "error", err)
	}
}

// deliverLocal applies the routing rules to local members: signals go to the
// target or to everyone but the sender, presence to everyone but its subject.
func (h *Hub) deliverLocal(session domain.SessionID, ev domain.StreamEvent) {
	var exclude, target domain.ParticipantID
	switch {
	case ev.Signal != nil:
		exclude, target = ev.Signal.SenderID, ev.Signal.TargetID
	case ev.Participant != nil:
		exclude = ev.Participant.ID
	}

	h.mu.Lock()
	room := h.rooms[session]
	targets := make([]*Subscription, 0, len(room))
	if target != "" {
		if sub, ok := room[target]; ok {
			targets = append(targets, sub)
		}
	} else {
		for id, sub := range room {
			if id != exclude {
				targets = append(targets, sub)
			}
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.push(ev)
	}
}
