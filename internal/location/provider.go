package location

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied is returned when location access is denied or restricted.
// Providers report a revoked permission by passing an error wrapping it to OnError.
var ErrPermissionDenied = errors.New("location permission denied")

// ProviderError wraps a non-permission failure reported by the provider.
type ProviderError struct {
	Cause error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("location provider error: %v", e.Cause)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Handler receives provider callbacks. Callbacks may arrive on any goroutine.
type Handler interface {
	OnSample(s Sample)
	OnAuthorizationChanged(state AuthorizationState)
	OnError(err error)
}

// Provider is the device location capability.
//
// Only the session tracker toggles continuous updates and background delivery; one-shot
// reads must leave them untouched.
type Provider interface {
	SetHandler(h Handler)
	RequestPermission(level PermissionLevel)
	AuthorizationState() AuthorizationState
	StartContinuousUpdates()
	StopContinuousUpdates()
	SetBackgroundDelivery(enabled bool)
	RequestOneShotSample()
}
