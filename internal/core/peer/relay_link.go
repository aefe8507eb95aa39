package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
	"squadx/pkg/actor"
	"squadx/pkg/utils"
)

type RelayLinkConfig struct {
	Self      domain.ParticipantID
	PC        ports.PeerConnection
	Transport ports.SignalTransport
	Clock     *utils.MonotonicClock
	// RestartWindow folds restart requests arriving within it into one offer.
	RestartWindow time.Duration
	// OnMedia receives media state events for every session riding on the link.
	OnMedia func(ev Event)
	OnTrack func(track ports.InboundTrack)
	Logger  *zap.SugaredLogger
}

// RelayLink is the single connection from one participant to the forwarding relay
// service. Every RelaySession of that participant shares it.
type RelayLink struct {
	cfg     RelayLinkConfig
	neg     *Negotiator
	mailbox *actor.Mailbox
	log     *zap.SugaredLogger

	mu          sync.Mutex
	published   map[domain.TrackKey]Track
	state       webrtc.PeerConnectionState
	lastRestart time.Time
	cancel      context.CancelFunc
}

func NewRelayLink(cfg RelayLinkConfig) *RelayLink {
	l := &RelayLink{
		cfg:       cfg,
		log:       cfg.Logger.With("component", "relay_link", "participant_id", cfg.Self),
		published: make(map[domain.TrackKey]Track),
		state:     webrtc.PeerConnectionStateNew,
	}
	if l.cfg.RestartWindow <= 0 {
		l.cfg.RestartWindow = 2 * time.Second
	}
	signaler := &Signaler{Self: cfg.Self, Clock: cfg.Clock, Submit: cfg.Transport.Submit}
	// the relay service answers; the client always yields on collisions
	l.neg = NewNegotiator(cfg.PC, true, signaler.To(""), l.log)

	cfg.PC.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.mu.Lock()
		l.state = state
		if state == webrtc.PeerConnectionStateConnected {
			l.lastRestart = time.Time{}
		}
		l.mu.Unlock()

		if ev, ok := mediaEvent(state); ok && cfg.OnMedia != nil {
			cfg.OnMedia(ev)
		}
	})
	cfg.PC.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil {
			return
		}
		l.post(func(ctx context.Context) {
			if err := l.neg.SendCandidate(ctx, c); err != nil {
				l.log.Debugw("failed to send candidate", "error", err)
			}
		})
	})
	cfg.PC.OnTrack(func(t ports.InboundTrack) {
		if cfg.OnTrack != nil {
			cfg.OnTrack(t)
		}
	})
	return l
}

// Connect opens the relay transport and sends the first offer. Receive-only
// transceivers are declared so the relay can forward media before anything is
// published locally.
func (l *RelayLink) Connect(ctx context.Context) error {
	for _, kind := range []domain.TrackKind{domain.TrackVideo, domain.TrackAudio} {
		if err := l.cfg.PC.AddReceiver(kind); err != nil {
			return fmt.Errorf("failed to add %s receiver: %w", kind, err)
		}
	}

	linkCtx, cancel := context.WithCancel(context.Background())
	events, err := l.cfg.Transport.Open(linkCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open relay transport: %w", err)
	}

	l.mu.Lock()
	l.cancel = cancel
	l.mailbox = actor.NewMailbox(linkCtx, "relay-link", l.log)
	l.mu.Unlock()

	go l.readLoop(events)

	return l.mailbox.Call(ctx, func(ctx context.Context) error {
		return l.neg.Offer(ctx, false)
	})
}

func (l *RelayLink) readLoop(events <-chan domain.StreamEvent) {
	for ev := range events {
		if ev.Type != domain.EventSignal || ev.Signal == nil {
			continue
		}
		msg := *ev.Signal
		l.post(func(ctx context.Context) {
			if err := l.handle(ctx, msg); err != nil {
				l.log.Warnw("relay negotiation error", "type", msg.Type, "error", err)
			}
		})
	}
}

func (l *RelayLink) handle(ctx context.Context, msg domain.SignalMessage) error {
	switch msg.Type {
	case domain.SignalOffer:
		p, err := decodeSDP(msg)
		if err != nil {
			return err
		}
		return l.neg.HandleOffer(ctx, p)
	case domain.SignalAnswer:
		p, err := decodeSDP(msg)
		if err != nil {
			return err
		}
		_, err = l.neg.HandleAnswer(ctx, p)
		return err
	case domain.SignalICECandidate:
		var p domain.CandidatePayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		l.neg.HandleCandidate(p)
		return nil
	}
	l.log.Debugw("ignoring non-negotiation message on relay link", "type", msg.Type)
	return nil
}

// Publish sends a locally owned track through the relay. Publishing the same
// track twice is a no-op.
func (l *RelayLink) Publish(ctx context.Context, t Track) error {
	return l.call(ctx, func(ctx context.Context) error {
		l.mu.Lock()
		_, ok := l.published[t.Key()]
		l.mu.Unlock()
		if ok {
			return nil
		}
		if err := l.cfg.PC.AddTrack(t.Local); err != nil {
			return fmt.Errorf("failed to publish track %s: %w", t.Key(), err)
		}
		l.mu.Lock()
		l.published[t.Key()] = t
		l.mu.Unlock()
		return l.neg.Offer(ctx, false)
	})
}

func (l *RelayLink) Unpublish(ctx context.Context, key domain.TrackKey) error {
	return l.call(ctx, func(ctx context.Context) error {
		l.mu.Lock()
		t, ok := l.published[key]
		delete(l.published, key)
		l.mu.Unlock()
		if !ok {
			return nil
		}
		if err := l.cfg.PC.RemoveTrack(t.Local); err != nil {
			return fmt.Errorf("failed to unpublish track %s: %w", key, err)
		}
		return l.neg.Offer(ctx, false)
	})
}

func (l *RelayLink) Renegotiate(ctx context.Context) error {
	return l.call(ctx, func(ctx context.Context) error {
		return l.neg.Offer(ctx, false)
	})
}

// Restart issues an ICE restart for the link. Requests from several sessions
// within RestartWindow of each other share one restart offer.
func (l *RelayLink) Restart(ctx context.Context) error {
	l.mu.Lock()
	if !l.lastRestart.IsZero() && time.Since(l.lastRestart) < l.cfg.RestartWindow {
		l.mu.Unlock()
		return nil
	}
	l.lastRestart = time.Now()
	l.mu.Unlock()

	err := l.call(ctx, func(ctx context.Context) error {
		return l.neg.Offer(ctx, true)
	})
	if err != nil {
		l.mu.Lock()
		l.lastRestart = time.Time{}
		l.mu.Unlock()
	}
	return err
}

// Connected reports whether the link's media transport is up.
func (l *RelayLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == webrtc.PeerConnectionStateConnected
}

func (l *RelayLink) Published() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.published)
}

func (l *RelayLink) Stats() (domain.PeerStats, error) {
	return l.cfg.PC.Stats()
}

func (l *RelayLink) Close() error {
	l.mu.Lock()
	cancel := l.cancel
	mailbox := l.mailbox
	l.mu.Unlock()

	if mailbox != nil {
		mailbox.Close()
	}
	if cancel != nil {
		cancel()
	}
	err := l.cfg.PC.Close()
	if terr := l.cfg.Transport.Close(); err == nil {
		err = terr
	}
	return err
}

func (l *RelayLink) call(ctx context.Context, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	mailbox := l.mailbox
	l.mu.Unlock()
	if mailbox == nil {
		return fmt.Errorf("relay link not connected")
	}
	return mailbox.Call(ctx, fn)
}

func (l *RelayLink) post(task actor.Task) {
	l.mu.Lock()
	mailbox := l.mailbox
	l.mu.Unlock()
	if mailbox != nil {
		_ = mailbox.Post(task)
	}
}
