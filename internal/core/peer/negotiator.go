package peer

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
)

// SendFunc transmits one negotiation message to the remote side.
type SendFunc func(ctx context.Context, typ domain.SignalType, payload any) error

// Negotiator runs offer/answer exchange on one peer connection. Every remote
// message for the connection must be fed to it from a single goroutine.
type Negotiator struct {
	pc   ports.PeerConnection
	send SendFunc
	log  *zap.SugaredLogger

	// polite sides roll back on colliding offers, impolite sides ignore them
	polite     bool
	candidates CandidateBuffer
	// set when a renegotiation was requested while an offer was still unanswered
	pending bool
	applied int
	ignored int
}

func NewNegotiator(pc ports.PeerConnection, polite bool, send SendFunc, log *zap.SugaredLogger) *Negotiator {
	return &Negotiator{pc: pc, polite: polite, send: send, log: log}
}

// Offer creates an offer, applies it locally and transmits it. A non-restart
// offer requested while another is outstanding is deferred until the answer.
func (n *Negotiator) Offer(ctx context.Context, restart bool) error {
	switch n.pc.SignalingState() {
	case webrtc.SignalingStateStable:
	case webrtc.SignalingStateHaveLocalOffer:
		if !restart {
			n.pending = true
			return nil
		}
		if err := n.rollback(); err != nil {
			return err
		}
	default:
		n.pending = true
		return nil
	}

	offer, err := n.pc.CreateOffer(restart)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local offer: %w", err)
	}
	if err := n.send(ctx, domain.SignalOffer, domain.SDPPayload{SDP: offer.SDP, Restart: restart}); err != nil {
		// the remote never saw this offer, so no answer will ever settle it
		n.pending = true
		if rerr := n.rollback(); rerr != nil {
			n.log.Warnw("failed to roll back unsent offer", "error", rerr)
		}
		return fmt.Errorf("failed to send offer: %w", err)
	}
	// this offer carries every change made so far
	n.pending = false
	n.log.Debugw("offer sent", "restart", restart)
	return nil
}

// HandleOffer answers a remote offer, rolling back a local offer first if one is
// outstanding. An impolite side keeps its own offer and drops the colliding one;
// the polite peer re-offers after answering.
func (n *Negotiator) HandleOffer(ctx context.Context, p domain.SDPPayload) error {
	state := n.pc.SignalingState()
	if state == webrtc.SignalingStateHaveLocalOffer && !n.polite {
		n.log.Infow("ignoring colliding remote offer")
		return nil
	}
	if state != webrtc.SignalingStateStable {
		n.log.Debugw("rolling back before remote offer", "signaling_state", state.String())
		if state == webrtc.SignalingStateHaveLocalOffer {
			// our change still has to go out once this round settles
			n.pending = true
		}
		if err := n.rollback(); err != nil {
			return err
		}
	}

	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}); err != nil {
		return fmt.Errorf("failed to set remote offer: %w", err)
	}
	n.drain()

	answer, err := n.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local answer: %w", err)
	}
	if err := n.send(ctx, domain.SignalAnswer, domain.SDPPayload{SDP: answer.SDP}); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}
	return n.flushPending(ctx)
}

// HandleAnswer applies an answer. It returns false without error when no local
// offer is awaiting an answer, e.g. for a duplicate.
func (n *Negotiator) HandleAnswer(ctx context.Context, p domain.SDPPayload) (bool, error) {
	if state := n.pc.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		n.ignored++
		n.log.Infow("ignoring answer outside have-local-offer", "signaling_state", state.String())
		return false, nil
	}
	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}); err != nil {
		return false, fmt.Errorf("failed to set remote answer: %w", err)
	}
	n.drain()
	return true, n.flushPending(ctx)
}

// HandleCandidate applies a remote candidate, or buffers it until the remote
// description exists.
func (n *Negotiator) HandleCandidate(p domain.CandidatePayload) {
	c := webrtc.ICECandidateInit{
		Candidate:        p.Candidate,
		SDPMid:           p.SDPMid,
		SDPMLineIndex:    p.SDPMLineIndex,
		UsernameFragment: p.UsernameFragment,
	}
	if !n.pc.HasRemoteDescription() {
		n.candidates.Push(c)
		n.log.Debugw("candidate buffered", "pending", n.candidates.Len())
		return
	}
	n.apply(c)
}

// SendCandidate trickles a local candidate. nil marks the end of gathering.
func (n *Negotiator) SendCandidate(ctx context.Context, c *webrtc.ICECandidateInit) error {
	if c == nil {
		return nil
	}
	return n.send(ctx, domain.SignalICECandidate, domain.CandidatePayload{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// Pending is the number of buffered candidates.
func (n *Negotiator) Pending() int { return n.candidates.Len() }

// Applied is the number of remote candidates handed to the connection.
func (n *Negotiator) Applied() int { return n.applied }

// IgnoredAnswers counts answers dropped as stale.
func (n *Negotiator) IgnoredAnswers() int { return n.ignored }

// Stable reports whether no offer/answer round is in flight.
func (n *Negotiator) Stable() bool {
	return n.pc.SignalingState() == webrtc.SignalingStateStable && !n.pending
}

func (n *Negotiator) rollback() error {
	if err := n.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		return fmt.Errorf("failed to roll back local description: %w", err)
	}
	return nil
}

func (n *Negotiator) drain() {
	for _, c := range n.candidates.Drain() {
		n.apply(c)
	}
}

func (n *Negotiator) apply(c webrtc.ICECandidateInit) {
	if err := n.pc.AddICECandidate(c); err != nil {
		n.log.Warnw("failed to add remote candidate", "error", err)
		return
	}
	n.applied++
}

func (n *Negotiator) flushPending(ctx context.Context) error {
	if !n.pending {
		return nil
	}
	n.pending = false
	return n.Offer(ctx, false)
}
