package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SignalType string

const (
	SignalOffer          SignalType = "offer"
	SignalAnswer         SignalType = "answer"
	SignalICECandidate   SignalType = "ice-candidate"
	SignalControlRequest SignalType = "control-request"
	SignalControlGrant   SignalType = "control-grant"
	SignalControlRevoke  SignalType = "control-revoke"
	SignalKick           SignalType = "kick"
	SignalMute           SignalType = "mute"
	SignalCursor         SignalType = "cursor"
	SignalInput          SignalType = "input"
	SignalBitrate        SignalType = "bitrate"
)

func (t SignalType) Known() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate,
		SignalControlRequest, SignalControlGrant, SignalControlRevoke,
		SignalKick, SignalMute, SignalCursor, SignalInput, SignalBitrate:
		return true
	}
	return false
}

// Negotiation reports whether messages of this type drive offer/answer exchange.
func (t SignalType) Negotiation() bool {
	return t == SignalOffer || t == SignalAnswer || t == SignalICECandidate
}

// SignalMessage is an immutable negotiation or control unit. Build it with
// NewSignalMessage and pass it by value.
type SignalMessage struct {
	ID        string          `json:"id"`
	Type      SignalType      `json:"type"`
	SenderID  ParticipantID   `json:"sender_id"`
	TargetID  ParticipantID   `json:"target_id,omitempty"`
	Timestamp int64           `json:"timestamp"` // ms, strictly increasing per sender
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type SDPPayload struct {
	SDP     string `json:"sdp"`
	Restart bool   `json:"restart,omitempty"`
}

type CandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdp_mline_index,omitempty"`
	UsernameFragment *string `json:"username_fragment,omitempty"`
}

type KickPayload struct {
	Reason string `json:"reason,omitempty"`
}

type MutePayload struct {
	ParticipantID ParticipantID `json:"participant_id"`
	Muted         bool          `json:"muted"`
}

type CursorPayload struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Visible bool    `json:"visible"`
}

type BitratePayload struct {
	Preset BitratePreset `json:"preset"`
}

// NewSignalMessage assigns a fresh id and serializes payload. payload may be nil.
func NewSignalMessage(typ SignalType, sender, target ParticipantID, timestamp int64, payload any) (SignalMessage, error) {
	if !typ.Known() {
		return SignalMessage{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, typ)
	}
	msg := SignalMessage{
		ID:        uuid.NewString(),
		Type:      typ,
		SenderID:  sender,
		TargetID:  target,
		Timestamp: timestamp,
	}
	if timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return SignalMessage{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m SignalMessage) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidPayload, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, m.Type, err)
	}
	return nil
}

// Validate checks the envelope and the payload shape for the message type.
func (m SignalMessage) Validate() error {
	if !m.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPayload)
	}
	if m.SenderID == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidPayload)
	}

	switch m.Type {
	case SignalOffer, SignalAnswer:
		var p SDPPayload
		if err := m.Decode(&p); err != nil {
			return err
		}
		return ValidateSDP(p.SDP)
	case SignalICECandidate:
		var p CandidatePayload
		if err := m.Decode(&p); err != nil {
			return err
		}
		if strings.TrimSpace(p.Candidate) == "" {
			return fmt.Errorf("%w: empty candidate", ErrInvalidPayload)
		}
	case SignalMute:
		var p MutePayload
		if err := m.Decode(&p); err != nil {
			return err
		}
		if p.ParticipantID == "" {
			return fmt.Errorf("%w: mute without participant", ErrInvalidPayload)
		}
	case SignalCursor:
		var p CursorPayload
		if err := m.Decode(&p); err != nil {
			return err
		}
		if p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 {
			return fmt.Errorf("%w: cursor out of range", ErrInvalidPayload)
		}
	case SignalInput:
		var ev InputEvent
		if err := m.Decode(&ev); err != nil {
			return err
		}
		return ev.Validate()
	case SignalBitrate:
		var p BitratePayload
		if err := m.Decode(&p); err != nil {
			return err
		}
		if !p.Preset.Valid() {
			return fmt.Errorf("%w: unknown preset %q", ErrInvalidPayload, p.Preset)
		}
	}
	return nil
}

// ValidateSDP performs a structural check only: version, origin, session name and
// timing lines must be present.
func ValidateSDP(sdp string) error {
	if !strings.HasPrefix(strings.TrimSpace(sdp), "v=") {
		return fmt.Errorf("%w: missing version line", ErrInvalidSDP)
	}
	for _, prefix := range []string{"\no=", "\ns=", "\nt="} {
		if !strings.Contains(sdp, prefix) {
			return fmt.Errorf("%w: missing %s line", ErrInvalidSDP, strings.TrimPrefix(prefix, "\n"))
		}
	}
	return nil
}

type StreamEventType string

const (
	EventConnected     StreamEventType = "connected"
	EventPresenceJoin  StreamEventType = "presence-join"
	EventPresenceLeave StreamEventType = "presence-leave"
	EventSignal        StreamEventType = "signal"
	// EventInterrupted is produced locally by a transport when its stream drops.
	EventInterrupted StreamEventType = "interrupted"
)

type StreamEvent struct {
	Type        StreamEventType    `json:"type"`
	Config      *NegotiationConfig `json:"config,omitempty"`
	Participant *Participant       `json:"participant,omitempty"`
	Signal      *SignalMessage     `json:"signal,omitempty"`
	Error       string             `json:"error,omitempty"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// NegotiationConfig is delivered with the connected event and must be applied
// before any peer connection is built.
type NegotiationConfig struct {
	ICEServers         []ICEServer `json:"ice_servers"`
	ICETransportPolicy string      `json:"ice_transport_policy,omitempty"` // all | relay
	ExpiresAt          *time.Time  `json:"expires_at,omitempty"`
}

// RelayGrant authorizes one participant on the forwarding relay service.
type RelayGrant struct {
	URL       string            `json:"url"`
	Token     string            `json:"token"`
	ExpiresAt time.Time         `json:"expires_at"`
	Config    NegotiationConfig `json:"config"`
}
