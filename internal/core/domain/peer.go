package domain

import "time"

type TrackID string

type ConnectionState string

const (
	StateIdle         ConnectionState = "idle"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

type ControlState string

const (
	ControlViewOnly  ControlState = "view-only"
	ControlRequested ControlState = "requested"
	ControlGranted   ControlState = "granted"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"

	// TrackContainer chunks are slices of an already muxed stream such as
	// MPEG-TS. They carry no frame boundaries.
	TrackContainer TrackKind = "mpegts"
)

// TrackInfo describes a media track. Owner is the participant producing the
// media; ids are only unique per owner.
type TrackInfo struct {
	ID       TrackID       `json:"id"`
	Kind     TrackKind     `json:"kind"`
	Owner    ParticipantID `json:"owner"`
	StreamID string        `json:"stream_id"`
}

// TrackKey is what track idempotency is keyed on. On the wire the owner travels
// as the stream id.
type TrackKey struct {
	Owner ParticipantID
	ID    TrackID
}

func (t TrackInfo) Key() TrackKey { return TrackKey{Owner: t.Owner, ID: t.ID} }

func (k TrackKey) String() string { return string(k.Owner) + "/" + string(k.ID) }

type BitratePreset string

const (
	PresetLow    BitratePreset = "low"
	PresetMedium BitratePreset = "medium"
	PresetHigh   BitratePreset = "high"
)

func (p BitratePreset) Valid() bool {
	switch p {
	case PresetLow, PresetMedium, PresetHigh:
		return true
	}
	return false
}

// MaxBitrateKbps is the video ceiling for the preset.
func (p BitratePreset) MaxBitrateKbps() int {
	switch p {
	case PresetLow:
		return 500
	case PresetHigh:
		return 4000
	default:
		return 1500
	}
}

// PeerInfo is a read-only snapshot of one peer session.
type PeerInfo struct {
	ConnectionID      string          `json:"connection_id"`
	ParticipantID     ParticipantID   `json:"participant_id"`
	Topology          Topology        `json:"topology"`
	State             ConnectionState `json:"state"`
	Control           ControlState    `json:"control"`
	Tracks            []TrackInfo     `json:"tracks"`
	Received          []TrackInfo     `json:"received"`
	PendingCandidates int             `json:"pending_candidates"`
	Preset            BitratePreset   `json:"preset"`
	RestartAttempts   int             `json:"restart_attempts"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
