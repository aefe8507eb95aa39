package signal

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
)

// Dialer builds session and relay link transports for the agent.
type Dialer struct {
	baseURL   string
	transport string
	cfg       ClientConfig
	logger    *zap.SugaredLogger
}

var (
	_ ports.TransportDialer = (*Dialer)(nil)
	_ ports.RelayDialer     = (*Dialer)(nil)
)

// NewDialer picks the session transport by kind, "sse" or "ws".
func NewDialer(baseURL, kind string, cfg ClientConfig, logger *zap.SugaredLogger) (*Dialer, error) {
	switch kind {
	case "sse", "ws":
	default:
		return nil, fmt.Errorf("unknown signal transport %q", kind)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid signal url: %w", err)
	}
	return &Dialer{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		transport: kind,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Dial prefers the membership token over the configured token source.
func (d *Dialer) Dial(m domain.Membership) (ports.SignalTransport, error) {
	cfg := d.cfg
	if m.Token != "" {
		cfg.Tokens = ports.StaticToken(m.Token)
	}
	logger := d.logger.With("session_id", m.Session.ID, "participant_id", m.Participant.ID)

	if d.transport == "sse" {
		return NewSSETransport(d.baseURL, m.Session.ID, cfg, logger), nil
	}
	wsURL, err := websocketURL(d.baseURL + "/v1/sessions/" + string(m.Session.ID) + "/ws")
	if err != nil {
		return nil, err
	}
	fallback := d.baseURL + "/v1/sessions/" + string(m.Session.ID) + "/signal"
	return NewWSTransport(wsURL, fallback, cfg, logger), nil
}

// DialRelay opens the negotiation link to the forwarding relay. The grant
// token is the only credential it accepts.
func (d *Dialer) DialRelay(grant domain.RelayGrant, self domain.ParticipantID) (ports.SignalTransport, error) {
	wsURL, err := websocketURL(grant.URL)
	if err != nil {
		return nil, err
	}
	cfg := d.cfg
	cfg.Tokens = ports.StaticToken(grant.Token)
	return NewWSTransport(wsURL, "", cfg, d.logger.With("participant_id", self, "link", "relay")), nil
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	return u.String(), nil
}
