package session

import (
	"context"
	"time"

	"github.com/loykin/trackr/internal/location"
)

// Recorder receives every accepted sample with its session and sequence. Record must not
// block on delivery.
type Recorder interface {
	Record(sample location.Sample, sessionID string, sequence uint64)
}

// Remote is the part of the collector the session writes to directly.
type Remote interface {
	SubmitPosition(ctx context.Context, userID string, lat, lon float64) error
	TerminateTracking(ctx context.Context, userID string) error
}

// Emergency is the emergency flag cleared at every session start.
type Emergency interface {
	Reset()
	Active() bool
}

// Handle identifies a started session.
type Handle struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// Accepted is a sample accepted by an active session.
type Accepted struct {
	SessionID  string          `json:"session_id"`
	Sequence   uint64          `json:"sequence"`
	Sample     location.Sample `json:"sample"`
	AcceptedAt time.Time       `json:"accepted_at"`
}

// Summary describes a stopped session. It is the zero value when stop found no session.
type Summary struct {
	SessionID   string           `json:"session_id,omitempty"`
	Samples     uint64           `json:"samples"`
	FirstSample *location.Sample `json:"first_sample,omitempty"`
	StartedAt   time.Time        `json:"started_at,omitempty"`
	StoppedAt   time.Time        `json:"stopped_at,omitempty"`
}

// Status is a point-in-time view of the tracker.
type Status struct {
	State         State            `json:"state"`
	SessionID     string           `json:"session_id,omitempty"`
	Sequence      uint64           `json:"sequence"`
	FirstSample   *location.Sample `json:"first_sample,omitempty"`
	LastSample    *location.Sample `json:"last_sample,omitempty"`
	StartedAt     time.Time        `json:"started_at,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
	Emergency     bool             `json:"emergency"`
	Authorization string           `json:"authorization"`
}
