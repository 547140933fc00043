package client

import (
	"fmt"
	"time"
)

// Sample is a position fix as reported by the daemon.
type Sample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
}

// Handle identifies a started session.
type Handle struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// Summary describes a stopped session. SessionID is empty when no session was running.
type Summary struct {
	SessionID   string    `json:"session_id,omitempty"`
	Samples     uint64    `json:"samples"`
	FirstSample *Sample   `json:"first_sample,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	StoppedAt   time.Time `json:"stopped_at,omitempty"`
}

// Status is the daemon's session state.
type Status struct {
	State         string    `json:"state"`
	SessionID     string    `json:"session_id,omitempty"`
	Sequence      uint64    `json:"sequence"`
	FirstSample   *Sample   `json:"first_sample,omitempty"`
	LastSample    *Sample   `json:"last_sample,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Emergency     bool      `json:"emergency"`
	Authorization string    `json:"authorization"`
}

// Accepted is one sample recorded by the active session, as pushed by Watch.
type Accepted struct {
	SessionID  string    `json:"session_id"`
	Sequence   uint64    `json:"sequence"`
	Sample     Sample    `json:"sample"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// EmergencyState is the result of an emergency toggle. Acknowledged is false when the
// collector did not confirm the change; Active then keeps its previous value.
type EmergencyState struct {
	Acknowledged bool `json:"acknowledged"`
	Active       bool `json:"active"`
}

type emergencyRequest struct {
	Active bool `json:"active"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}
