package domain

import "time"

type UIEventType string

const (
	UISessionStatus    UIEventType = "session-status"
	UIPeerState        UIEventType = "peer-state"
	UIPeerFailed       UIEventType = "peer-failed"
	UIControlRequested UIEventType = "control-requested"
	UIControlChanged   UIEventType = "control-changed"
	UIKicked           UIEventType = "kicked"
	UITrackAdded       UIEventType = "track-added"
	UITrackRemoved     UIEventType = "track-removed"
	UIMuteChanged      UIEventType = "mute-changed"
	UICursor           UIEventType = "cursor"
	UIInput            UIEventType = "input"
	UIRelayStatus      UIEventType = "relay-status"
	UIError            UIEventType = "error"
)

// UIEvent is pushed from the orchestrator to the UI layer.
type UIEvent struct {
	Type          UIEventType   `json:"type"`
	SessionID     SessionID     `json:"session_id,omitempty"`
	ParticipantID ParticipantID `json:"participant_id,omitempty"`
	State         string        `json:"state,omitempty"`
	Message       string        `json:"message,omitempty"`
	Terminal      bool          `json:"terminal,omitempty"`
	Data          any           `json:"data,omitempty"`
	At            time.Time     `json:"at"`
}
