// Package peer implements the per-participant connection state machine and the
// offer/answer negotiation shared by mesh and relay topologies.
package peer

import "squadx/internal/core/domain"

type Event int

const (
	EventStart Event = iota
	EventRemoteOffer
	EventMediaConnected
	EventMediaDisconnected
	EventMediaFailed
	EventControlOpen
	EventControlClosed
	EventNegotiationFailed
	EventGiveUp
	EventClose
)

var eventNames = [...]string{
	"start", "remote-offer", "media-connected", "media-disconnected", "media-failed",
	"control-open", "control-closed", "negotiation-failed", "give-up", "close",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

// Command is a side effect requested by Transition. The owner of the session
// executes commands in the order returned.
type Command int

const (
	CmdCreateOffer Command = iota
	CmdStartStats
	CmdStopStats
	CmdSupervise
	CmdRecovered
	CmdNotifyConnected
	CmdNotifyFailed
	CmdRelease
)

var commandNames = [...]string{
	"create-offer", "start-stats", "stop-stats", "supervise", "recovered",
	"notify-connected", "notify-failed", "release",
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return "unknown"
}

// Status is the state-machine part of a peer session.
type Status struct {
	State        domain.ConnectionState
	MediaReady   bool
	ControlReady bool
	Initiator    bool
	StatsRunning bool
}

// Transition returns the status after ev and the commands it implies. It has no
// side effects.
func Transition(s Status, ev Event) (Status, []Command) {
	if s.State == domain.StateClosed {
		return s, nil
	}
	if s.State == "" {
		s.State = domain.StateIdle
	}

	switch ev {
	case EventStart:
		if s.State != domain.StateIdle {
			return s, nil
		}
		s.State = domain.StateConnecting
		if s.Initiator {
			return s, []Command{CmdCreateOffer}
		}
		return s, nil

	case EventRemoteOffer:
		if s.State == domain.StateIdle {
			s.State = domain.StateConnecting
		}
		return s, nil

	case EventMediaConnected:
		s.MediaReady = true
		return promote(s)

	case EventControlOpen:
		s.ControlReady = true
		return promote(s)

	case EventControlClosed:
		s.ControlReady = false
		return s, nil

	case EventMediaDisconnected, EventMediaFailed:
		s.MediaReady = false
		switch s.State {
		case domain.StateConnecting, domain.StateConnected:
			s.State = domain.StateReconnecting
			return s, []Command{CmdSupervise}
		}
		return s, nil

	case EventNegotiationFailed:
		if s.State == domain.StateConnecting || s.State == domain.StateIdle {
			s.State = domain.StateFailed
			return stopStats(s, CmdNotifyFailed)
		}
		return s, nil

	case EventGiveUp:
		if s.State != domain.StateReconnecting {
			return s, nil
		}
		s.State = domain.StateFailed
		return stopStats(s, CmdNotifyFailed)

	case EventClose:
		s.State = domain.StateClosed
		s.MediaReady = false
		s.ControlReady = false
		return stopStats(s, CmdRelease)
	}
	return s, nil
}

func promote(s Status) (Status, []Command) {
	if !s.MediaReady || !s.ControlReady {
		return s, nil
	}
	switch s.State {
	case domain.StateConnecting:
		s.State = domain.StateConnected
		s.StatsRunning = true
		return s, []Command{CmdStartStats, CmdNotifyConnected}
	case domain.StateReconnecting:
		s.State = domain.StateConnected
		cmds := []Command{CmdRecovered, CmdNotifyConnected}
		if !s.StatsRunning {
			s.StatsRunning = true
			cmds = append(cmds, CmdStartStats)
		}
		return s, cmds
	}
	return s, nil
}

func stopStats(s Status, then Command) (Status, []Command) {
	if s.StatsRunning {
		s.StatsRunning = false
		return s, []Command{CmdStopStats, then}
	}
	return s, []Command{then}
}
