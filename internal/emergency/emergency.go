// Package emergency holds the emergency flag. The flag only changes after the remote
// collector acknowledges the requested value.
package emergency

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loykin/trackr/internal/metrics"
)

// Submitter sends the requested value and reports whether it was acknowledged.
type Submitter interface {
	SubmitEmergency(ctx context.Context, userID string, active bool) (bool, error)
}

type Toggle struct {
	userID string
	remote Submitter
	logger *slog.Logger

	// set serializes Set calls; mu guards active.
	set    sync.Mutex
	mu     sync.RWMutex
	active bool
}

func New(userID string, remote Submitter, logger *slog.Logger) *Toggle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Toggle{userID: userID, remote: remote, logger: logger.With("component", "emergency")}
}

// Set requests the flag value and returns whether the remote acknowledged it. The local
// value is left unchanged when it did not.
func (t *Toggle) Set(ctx context.Context, active bool) bool {
	t.set.Lock()
	defer t.set.Unlock()

	ack, err := t.remote.SubmitEmergency(ctx, t.userID, active)
	if err != nil {
		t.logger.Warn("emergency delivery failed", "active", active, "error", err)
		return false
	}
	if !ack {
		t.logger.Warn("emergency not acknowledged", "active", active)
		return false
	}
	t.mu.Lock()
	t.active = active
	t.mu.Unlock()
	metrics.SetEmergencyActive(active)
	t.logger.Info("emergency updated", "active", active)
	return true
}

func (t *Toggle) Active() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// Reset clears the local flag without contacting the remote. A new tracking session
// starts with the flag inactive.
func (t *Toggle) Reset() {
	t.mu.Lock()
	t.active = false
	t.mu.Unlock()
	metrics.SetEmergencyActive(false)
}
