package domain

import "time"

type SessionID string
type ParticipantID string

type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

type Topology string

const (
	TopologyMesh  Topology = "mesh"
	TopologyRelay Topology = "relay"
)

func (t Topology) Valid() bool {
	return t == TopologyMesh || t == TopologyRelay
}

type SessionStatus string

const (
	SessionCreated SessionStatus = "created"
	SessionActive  SessionStatus = "active"
	SessionPaused  SessionStatus = "paused"
	SessionEnded   SessionStatus = "ended"
)

type SessionSettings struct {
	MaxViewers   int  `json:"max_viewers"`
	AllowControl bool `json:"allow_control"`
}

// Session is owned by the session service; the core only references it.
type Session struct {
	ID        SessionID       `json:"id"`
	JoinCode  string          `json:"join_code"`
	HostID    ParticipantID   `json:"host_id"`
	Topology  Topology        `json:"topology"`
	Status    SessionStatus   `json:"status"`
	Settings  SessionSettings `json:"settings"`
	CreatedAt time.Time       `json:"created_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
}

func (s *Session) Ended() bool {
	return s.Status == SessionEnded
}

type Participant struct {
	ID          ParticipantID `json:"id"`
	SessionID   SessionID     `json:"session_id"`
	Role        Role          `json:"role"`
	DisplayName string        `json:"display_name"`
	JoinedAt    time.Time     `json:"joined_at"`
}

// Roster is a session together with its current participants.
type Roster struct {
	Session      Session       `json:"session"`
	Participants []Participant `json:"participants"`
}

func (r *Roster) Viewers() int {
	n := 0
	for _, p := range r.Participants {
		if p.Role == RoleViewer {
			n++
		}
	}
	return n
}

// Membership is what joining or creating a session hands back to the caller.
type Membership struct {
	Session     Session     `json:"session"`
	Participant Participant `json:"participant"`
	// Token authenticates the participant on the session relay.
	Token string `json:"token,omitempty"`
}
