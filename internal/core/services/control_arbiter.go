package services

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
	"squadx/pkg/tracing"
	"squadx/pkg/utils"
)

// ControlPeer is the part of a peer session the arbiter needs.
type ControlPeer interface {
	Participant() domain.ParticipantID
	ControlState() domain.ControlState
	SetControlState(state domain.ControlState)
	SendControl(ctx context.Context, msg domain.SignalMessage) error
}

// PeerLookup resolves a participant to its live session.
type PeerLookup func(id domain.ParticipantID) (ControlPeer, bool)

// ControlSnapshot is the arbiter state at one instant.
type ControlSnapshot struct {
	Holder  domain.ParticipantID `json:"holder,omitempty"`
	Enabled bool                 `json:"enabled"`
}

// ControlArbiter owns the remote-control token on the host. At most one viewer
// holds it; a new grant revokes the current holder first.
type ControlArbiter struct {
	host      domain.ParticipantID
	lookup    PeerLookup
	closePeer func(ctx context.Context, id domain.ParticipantID) error
	clock     *utils.MonotonicClock
	metrics   ports.Metrics
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	holder  domain.ParticipantID
	enabled bool
}

func NewControlArbiter(
	host domain.ParticipantID,
	enabled bool,
	lookup PeerLookup,
	closePeer func(ctx context.Context, id domain.ParticipantID) error,
	clock *utils.MonotonicClock,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *ControlArbiter {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &ControlArbiter{
		host:      host,
		lookup:    lookup,
		closePeer: closePeer,
		clock:     clock,
		metrics:   metrics,
		logger:    logger.With("component", "control_arbiter"),
		enabled:   enabled,
	}
}

// RequestControl records a viewer's request. It never changes the holder.
func (a *ControlArbiter) RequestControl(ctx context.Context, from domain.ParticipantID) error {
	peer, ok := a.lookup(from)
	if !ok {
		return domain.ErrPeerNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holder == from {
		return nil
	}
	peer.SetControlState(domain.ControlRequested)
	a.logger.Infow("control requested", "participant_id", from)
	return nil
}

// GrantControl hands the token to target, revoking any current holder before the
// grant is sent.
func (a *ControlArbiter) GrantControl(ctx context.Context, by, target domain.ParticipantID) (err error) {
	ctx, span := tracing.TraceControl(ctx, "grant", string(target))
	defer tracing.End(span, &err)

	if by != a.host {
		return domain.ErrNotHost
	}
	if target == a.host {
		return domain.ErrSelfGrant
	}
	peer, ok := a.lookup(target)
	if !ok {
		return domain.ErrPeerNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		return domain.ErrControlDisabled
	}
	if a.holder == target {
		return nil
	}
	if a.holder != "" {
		a.revokeLocked(ctx, a.holder)
	}

	if err := a.send(ctx, peer, domain.SignalControlGrant, nil); err != nil {
		peer.SetControlState(domain.ControlViewOnly)
		return fmt.Errorf("failed to send control grant: %w", err)
	}
	peer.SetControlState(domain.ControlGranted)
	a.holder = target
	a.metrics.ControlChanged(domain.ControlGranted)
	a.logger.Infow("control granted", "participant_id", target)
	return nil
}

// RevokeControl takes the token back from target. Revoking a viewer that does
// not hold it clears any pending request.
func (a *ControlArbiter) RevokeControl(ctx context.Context, by, target domain.ParticipantID) (err error) {
	ctx, span := tracing.TraceControl(ctx, "revoke", string(target))
	defer tracing.End(span, &err)

	if by != a.host {
		return domain.ErrNotHost
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holder == target {
		a.revokeLocked(ctx, target)
		return nil
	}
	if peer, ok := a.lookup(target); ok {
		peer.SetControlState(domain.ControlViewOnly)
	}
	return nil
}

// Kick revokes control if target holds it, tells target why, and closes its
// session.
func (a *ControlArbiter) Kick(ctx context.Context, by, target domain.ParticipantID, reason string) (err error) {
	ctx, span := tracing.TraceControl(ctx, "kick", string(target))
	defer tracing.End(span, &err)

	if by != a.host {
		return domain.ErrNotHost
	}
	peer, ok := a.lookup(target)
	if !ok {
		return domain.ErrPeerNotFound
	}

	a.mu.Lock()
	if a.holder == target {
		a.revokeLocked(ctx, target)
	}
	if err := a.send(ctx, peer, domain.SignalKick, domain.KickPayload{Reason: reason}); err != nil {
		a.logger.Warnw("failed to deliver kick", "participant_id", target, "error", err)
	}
	a.mu.Unlock()

	a.logger.Infow("participant kicked", "participant_id", target, "reason", reason)
	if a.closePeer == nil {
		return nil
	}
	return a.closePeer(ctx, target)
}

// SetEnabled toggles whether control may be granted. Disabling revokes the holder.
func (a *ControlArbiter) SetEnabled(ctx context.Context, enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = enabled
	if !enabled && a.holder != "" {
		a.revokeLocked(ctx, a.holder)
	}
}

// AcceptInput reports whether an input frame from sender may be injected.
func (a *ControlArbiter) AcceptInput(sender domain.ParticipantID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holder == "" || a.holder != sender {
		return domain.ErrControlNotGranted
	}
	return nil
}

// Release forgets id after its session closed. No message is sent.
func (a *ControlArbiter) Release(id domain.ParticipantID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holder == id {
		a.holder = ""
		a.metrics.ControlChanged(domain.ControlViewOnly)
		a.logger.Infow("control released", "participant_id", id)
	}
}

func (a *ControlArbiter) Holder() domain.ParticipantID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holder
}

func (a *ControlArbiter) Snapshot() ControlSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ControlSnapshot{Holder: a.holder, Enabled: a.enabled}
}

// revokeLocked clears the holder even when the revoke cannot be delivered.
func (a *ControlArbiter) revokeLocked(ctx context.Context, id domain.ParticipantID) {
	a.holder = ""
	a.metrics.ControlChanged(domain.ControlViewOnly)
	peer, ok := a.lookup(id)
	if !ok {
		return
	}
	peer.SetControlState(domain.ControlViewOnly)
	if err := a.send(ctx, peer, domain.SignalControlRevoke, nil); err != nil {
		a.logger.Warnw("failed to deliver control revoke", "participant_id", id, "error", err)
	}
	a.logger.Infow("control revoked", "participant_id", id)
}

func (a *ControlArbiter) send(ctx context.Context, peer ControlPeer, typ domain.SignalType, payload any) error {
	msg, err := domain.NewSignalMessage(typ, a.host, peer.Participant(), a.clock.Next(), payload)
	if err != nil {
		return err
	}
	return peer.SendControl(ctx, msg)
}
