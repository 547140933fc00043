// Package collector talks to the remote collector that receives live positions, the
// historic route, the emergency flag and tracking termination.
package collector

import (
	"context"
	"fmt"

	"github.com/loykin/trackr/internal/history"
)

// Operation names used in errors, logs and metrics.
const (
	OpPosition  = "position"
	OpHistory   = "history"
	OpEmergency = "emergency"
	OpTerminate = "terminate"
)

// Collector is the remote write contract. Only SubmitEmergency reports an acknowledgment;
// the other operations are fire-and-forget for callers.
type Collector interface {
	SubmitPosition(ctx context.Context, userID string, lat, lon float64) error
	SubmitHistoricPoint(ctx context.Context, p history.Point) error
	// SubmitEmergency returns true only when the collector acknowledged the new value.
	SubmitEmergency(ctx context.Context, userID string, active bool) (bool, error)
	TerminateTracking(ctx context.Context, userID string) error
}

// DeliveryError reports a failed remote submission. StatusCode is 0 when no response was
// received.
type DeliveryError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("collector %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("collector %s: %v", e.Op, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Status() int { return e.StatusCode }

// Wire payloads.

type PositionRequest struct {
	UserID    string  `json:"user_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type EmergencyRequest struct {
	UserID string `json:"user_id"`
	Active bool   `json:"active"`
}

// EmergencyResponse is the optional body of an emergency reply. A missing body or a body
// without "ok" counts as an acknowledgment when the status is 2xx.
type EmergencyResponse struct {
	OK     *bool `json:"ok,omitempty"`
	Active bool  `json:"active"`
}

type TerminateRequest struct {
	UserID string `json:"user_id"`
}

// Paths relative to the collector base URL.
const (
	PathPositions = "/positions"
	PathHistory   = "/history"
	PathEmergency = "/emergency"
	PathTerminate = "/tracking/terminate"
)
