package ports

import (
	"context"

	"squadx/internal/core/domain"
)

// SignalTransport is an at-least-once channel between one participant and the
// session relay. Open returns a stream that stays open across reconnects and is
// closed only by Close or ctx.
type SignalTransport interface {
	Open(ctx context.Context) (<-chan domain.StreamEvent, error)
	Submit(ctx context.Context, msg domain.SignalMessage) error
	Close() error
}

// TransportDialer builds the session transport for a membership.
type TransportDialer interface {
	Dial(m domain.Membership) (SignalTransport, error)
}

// RelayDialer builds the negotiation transport to the forwarding relay service.
type RelayDialer interface {
	DialRelay(grant domain.RelayGrant, self domain.ParticipantID) (SignalTransport, error)
}

// TokenSource supplies bearer credentials for outbound requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer credential.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// EventSink receives UI-facing events. Emit must not block.
type EventSink interface {
	Emit(ev domain.UIEvent)
}

// InputInjector synthesizes input on the host.
type InputInjector interface {
	Inject(ctx context.Context, from domain.ParticipantID, ev domain.InputEvent) error
}
