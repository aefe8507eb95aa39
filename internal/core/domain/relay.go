package domain

import (
	"time"
)

type DestinationID string

type EncoderProfile struct {
	VideoBitrateKbps    int `json:"video_bitrate_kbps"`
	Width               int `json:"width"`
	Height              int `json:"height"`
	Framerate           int `json:"framerate"`
	KeyframeIntervalSec int `json:"keyframe_interval_sec"`
	AudioBitrateKbps    int `json:"audio_bitrate_kbps"`
}

func DefaultEncoderProfile() EncoderProfile {
	return EncoderProfile{
		VideoBitrateKbps:    4500,
		Width:               1920,
		Height:              1080,
		Framerate:           30,
		KeyframeIntervalSec: 2,
		AudioBitrateKbps:    160,
	}
}

// RelayDestination is an outbound live-streaming target. CredentialsRef names a
// secret held outside the core; it is never the secret itself.
type RelayDestination struct {
	ID             DestinationID  `json:"id"`
	Name           string         `json:"name"`
	URL            string         `json:"url"`
	CredentialsRef string         `json:"credentials_ref,omitempty"`
	Enabled        bool           `json:"enabled"`
	Profile        EncoderProfile `json:"profile"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type RelayState string

const (
	RelayIdle         RelayState = "idle"
	RelayConnecting   RelayState = "connecting"
	RelayLive         RelayState = "live"
	RelayReconnecting RelayState = "reconnecting"
	RelayError        RelayState = "error"
	RelayStopped      RelayState = "stopped"
)

// Running reports whether the destination currently owns a publisher.
func (s RelayState) Running() bool {
	return s == RelayConnecting || s == RelayLive || s == RelayReconnecting
}

type RelayStreamStatus struct {
	DestinationID     DestinationID `json:"destination_id"`
	State             RelayState    `json:"state"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	Duration          time.Duration `json:"duration"`
	BitrateKbps       float64       `json:"bitrate_kbps"`
	FPS               float64       `json:"fps"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	DroppedChunks     uint64        `json:"dropped_chunks"`
	LastError         string        `json:"last_error,omitempty"`
}

type StartResult struct {
	DestinationID DestinationID `json:"destination_id"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
}

type DestinationError struct {
	DestinationID DestinationID `json:"destination_id"`
	Error         string        `json:"error"`
}

type BatchStartResult struct {
	Started int                `json:"started"`
	Errors  []DestinationError `json:"errors"`
}

// MediaChunk is one encoded unit handed to the relay ingestion point. Video chunks
// carry exactly one frame.
type MediaChunk struct {
	Kind      TrackKind     `json:"kind"`
	Keyframe  bool          `json:"keyframe"`
	Timestamp time.Duration `json:"timestamp"`
	Data      []byte        `json:"-"`
}
