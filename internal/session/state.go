package session

import "fmt"

// State of the tracking session.
//
// Idle -> Starting -> Active -> Stopping -> Idle
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = StateIdle
	case "starting":
		*s = StateStarting
	case "active":
		*s = StateActive
	case "stopping":
		*s = StateStopping
	default:
		return fmt.Errorf("unknown session state %q", b)
	}
	return nil
}
