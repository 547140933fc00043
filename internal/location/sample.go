package location

import (
	"fmt"
	"strings"
	"time"
)

// Sample is a single position fix produced by the device provider. It is never mutated after
// the provider hands it over.
type Sample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
}

// AuthorizationState mirrors the device permission state.
type AuthorizationState int32

const (
	AuthorizationUndetermined AuthorizationState = iota
	AuthorizationRestricted
	AuthorizationDenied
	AuthorizationAlways
	AuthorizationWhenInUse
)

func (s AuthorizationState) String() string {
	switch s {
	case AuthorizationUndetermined:
		return "undetermined"
	case AuthorizationRestricted:
		return "restricted"
	case AuthorizationDenied:
		return "denied"
	case AuthorizationAlways:
		return "always"
	case AuthorizationWhenInUse:
		return "when_in_use"
	default:
		return "unknown"
	}
}

// ParseAuthorizationState accepts the String form of a state.
func ParseAuthorizationState(s string) (AuthorizationState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "undetermined":
		return AuthorizationUndetermined, nil
	case "restricted":
		return AuthorizationRestricted, nil
	case "denied":
		return AuthorizationDenied, nil
	case "always", "authorized_always":
		return AuthorizationAlways, nil
	case "when_in_use", "authorized_when_in_use":
		return AuthorizationWhenInUse, nil
	default:
		return AuthorizationUndetermined, fmt.Errorf("unknown authorization state %q", s)
	}
}

// Refused reports whether the user (or a policy) has refused location access.
func (s AuthorizationState) Refused() bool {
	return s == AuthorizationDenied || s == AuthorizationRestricted
}

// Satisfies reports whether the state grants at least the requested level.
func (s AuthorizationState) Satisfies(level PermissionLevel) bool {
	switch s {
	case AuthorizationAlways:
		return true
	case AuthorizationWhenInUse:
		return level == PermissionWhenInUse
	default:
		return false
	}
}

// PermissionLevel is the access level asked of the user.
type PermissionLevel int

const (
	PermissionWhenInUse PermissionLevel = iota
	PermissionAlways
)

func (l PermissionLevel) String() string {
	if l == PermissionAlways {
		return "always"
	}
	return "when_in_use"
}
