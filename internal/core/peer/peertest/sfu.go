package peertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
	"squadx/pkg/actor"
	"squadx/pkg/queue"
)

// RelayID is the sender id used by the fake forwarding relay.
const RelayID domain.ParticipantID = "relay"

// Relay is an in-process forwarding relay. Every client gets a server-side
// connection that answers client offers; tracks received from one client are
// forwarded to every other client with a relay-initiated offer.
type Relay struct {
	net *Network
	cfg domain.NegotiationConfig
	log *zap.SugaredLogger

	mu      sync.Mutex
	clients map[domain.ParticipantID]*relayClient
	tracks  []webrtc.TrackLocal
	grants  int
	denied  map[domain.ParticipantID]bool
}

type relayClient struct {
	id        domain.ParticipantID
	pc        *PeerConnection
	transport *RelayTransport
	mailbox   *actor.Mailbox
	pending   bool
}

func NewRelay(net *Network, cfg domain.NegotiationConfig) *Relay {
	return &Relay{
		net:     net,
		cfg:     cfg,
		log:     zap.NewNop().Sugar(),
		clients: make(map[domain.ParticipantID]*relayClient),
		denied:  make(map[domain.ParticipantID]bool),
	}
}

// Deny makes token requests for id fail.
func (r *Relay) Deny(id domain.ParticipantID) {
	r.mu.Lock()
	r.denied[id] = true
	r.mu.Unlock()
}

func (r *Relay) IssueRelayToken(_ context.Context, session domain.SessionID, participant domain.ParticipantID) (*domain.RelayGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.denied[participant] {
		return nil, fmt.Errorf("relay token denied for %s", participant)
	}
	r.grants++
	return &domain.RelayGrant{
		URL:       "https://relay.test/" + string(session),
		Token:     "relay-" + string(participant),
		ExpiresAt: time.Now().Add(time.Hour),
		Config:    r.cfg,
	}, nil
}

func (r *Relay) DialRelay(grant domain.RelayGrant, self domain.ParticipantID) (ports.SignalTransport, error) {
	if grant.Token != "relay-"+string(self) {
		return nil, errors.New("invalid relay token")
	}
	return &RelayTransport{relay: r, self: self, events: queue.New[domain.StreamEvent](0, nil)}, nil
}

// Grants is the number of tokens issued.
func (r *Relay) Grants() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.grants
}

// ServerPC returns the relay side of id's connection.
func (r *Relay) ServerPC(id domain.ParticipantID) *PeerConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		return c.pc
	}
	return nil
}

// Forwarded is the number of distinct tracks the relay received.
func (r *Relay) Forwarded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracks)
}

func (r *Relay) connect(t *RelayTransport) *relayClient {
	c := &relayClient{
		id:        t.self,
		pc:        r.net.newPC(),
		transport: t,
		mailbox:   actor.NewMailbox(context.Background(), "relay-"+string(t.self), r.log),
	}
	c.pc.OnICECandidate(func(init *webrtc.ICECandidateInit) {
		if init != nil {
			r.send(c, domain.SignalICECandidate, domain.CandidatePayload{Candidate: init.Candidate})
		}
	})
	c.pc.OnTrack(func(in ports.InboundTrack) {
		r.forward(c.id, in.Local())
	})

	r.mu.Lock()
	if old, ok := r.clients[c.id]; ok {
		old.mailbox.Close()
		_ = old.pc.Close()
	}
	r.clients[c.id] = c
	existing := append([]webrtc.TrackLocal(nil), r.tracks...)
	r.mu.Unlock()

	for _, track := range existing {
		_ = c.pc.AddTrack(track)
	}
	return c
}

func (r *Relay) disconnect(t *RelayTransport) {
	r.mu.Lock()
	c, ok := r.clients[t.self]
	if ok && c.transport == t {
		delete(r.clients, t.self)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		c.mailbox.Close()
		_ = c.pc.Close()
	}
}

func (r *Relay) forward(from domain.ParticipantID, track webrtc.TrackLocal) {
	r.mu.Lock()
	for _, t := range r.tracks {
		if keyOf(t) == keyOf(track) {
			r.mu.Unlock()
			return
		}
	}
	r.tracks = append(r.tracks, track)
	var targets []*relayClient
	for id, c := range r.clients {
		if id != from {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	for _, c := range targets {
		c := c
		_ = c.mailbox.Post(func(ctx context.Context) {
			_ = c.pc.AddTrack(track)
			r.offer(c)
		})
	}
}

func (r *Relay) offer(c *relayClient) {
	if c.pc.SignalingState() != webrtc.SignalingStateStable {
		c.pending = true
		return
	}
	offer, err := c.pc.CreateOffer(false)
	if err != nil {
		return
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return
	}
	r.send(c, domain.SignalOffer, domain.SDPPayload{SDP: offer.SDP})
}

func (r *Relay) handle(c *relayClient, msg domain.SignalMessage) {
	switch msg.Type {
	case domain.SignalOffer:
		var p domain.SDPPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		// the relay never yields; the client rolls back and re-offers
		if c.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
			return
		}
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}); err != nil {
			return
		}
		answer, err := c.pc.CreateAnswer()
		if err != nil {
			return
		}
		if err := c.pc.SetLocalDescription(answer); err != nil {
			return
		}
		r.send(c, domain.SignalAnswer, domain.SDPPayload{SDP: answer.SDP})
	case domain.SignalAnswer:
		var p domain.SDPPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		if c.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
			return
		}
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}); err != nil {
			return
		}
	case domain.SignalICECandidate:
		var p domain.CandidatePayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		_ = c.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: p.Candidate})
		return
	default:
		return
	}
	if c.pending {
		c.pending = false
		r.offer(c)
	}
}

func (r *Relay) send(c *relayClient, typ domain.SignalType, payload any) {
	msg, err := domain.NewSignalMessage(typ, RelayID, c.id, 0, payload)
	if err != nil {
		return
	}
	c.transport.push(domain.StreamEvent{Type: domain.EventSignal, Signal: &msg})
}

// RelayTransport is the client end of a relay negotiation channel.
type RelayTransport struct {
	relay  *Relay
	self   domain.ParticipantID
	events *queue.Queue[domain.StreamEvent]

	mu     sync.Mutex
	client *relayClient
	closed bool
}

func (t *RelayTransport) Open(ctx context.Context) (<-chan domain.StreamEvent, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if t.client != nil {
		t.mu.Unlock()
		return nil, errors.New("relay transport already open")
	}
	t.mu.Unlock()

	c := t.relay.connect(t)
	t.mu.Lock()
	t.client = c
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
	return out, nil
}

func (t *RelayTransport) Submit(ctx context.Context, msg domain.SignalMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	c, closed := t.client, t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	if c == nil {
		return errors.New("relay transport not open")
	}
	return c.mailbox.Post(func(ctx context.Context) {
		t.relay.handle(c, msg)
	})
}

func (t *RelayTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.relay.disconnect(t)
	t.events.Close(true)
	return nil
}

func (t *RelayTransport) push(ev domain.StreamEvent) {
	t.events.Enqueue(ev)
}
