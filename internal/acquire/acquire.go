// Package acquire produces exactly one location sample on demand.
//
// A request subscribes to the update stream, asks the provider for a one-shot read and
// waits for the first of: a sample, a provider error, a refused authorization, the
// timeout, or caller cancellation. Whichever arrives first settles the request; every
// later outcome is discarded.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/trackr/internal/location"
	"github.com/loykin/trackr/internal/metrics"
)

var (
	ErrTimeout           = errors.New("location acquisition timed out")
	ErrCancelled         = errors.New("location acquisition cancelled")
	ErrAlreadyInProgress = errors.New("location acquisition already in progress")
)

// Coordinator serves single-shot requests. At most one request is pending at a time.
type Coordinator struct {
	provider location.Provider
	stream   *location.Stream
	logger   *slog.Logger

	mu      sync.Mutex
	pending *request
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(p location.Provider, s *location.Stream, opts ...Option) *Coordinator {
	c := &Coordinator{provider: p, stream: s, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "acquire")
	return c
}

// Pending reports whether a request is waiting for its outcome.
func (c *Coordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// AcquireOnce returns the first sample delivered after the request, or an error:
// location.ErrPermissionDenied, ErrTimeout, ErrCancelled, ErrAlreadyInProgress or a
// *location.ProviderError.
func (c *Coordinator) AcquireOnce(ctx context.Context, timeout time.Duration) (location.Sample, error) {
	if timeout <= 0 {
		return location.Sample{}, fmt.Errorf("acquire: timeout must be positive, got %s", timeout)
	}
	// refusal is reported ahead of a busy coordinator
	auth := c.stream.Authorization()
	if auth.State().Refused() {
		metrics.IncAcquisition("permission")
		return location.Sample{}, location.ErrPermissionDenied
	}

	req := &request{done: make(chan struct{})}
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		metrics.IncAcquisition("busy")
		return location.Sample{}, ErrAlreadyInProgress
	}
	c.pending = req
	c.mu.Unlock()

	sub := c.stream.Subscribe(4)
	changes, stopWatch := auth.Watch()
	waitCtx, cancel := context.WithCancel(context.Background())
	req.release = func() {
		cancel()
		sub.Cancel()
		stopWatch()
		c.mu.Lock()
		if c.pending == req {
			c.pending = nil
		}
		c.mu.Unlock()
	}

	// Recheck after the watch is in place so a refusal between the first check and here
	// is not lost.
	switch st := auth.State(); {
	case st.Refused():
		req.settle(location.Sample{}, location.ErrPermissionDenied)
	case st == location.AuthorizationUndetermined:
		auth.RequestPermission(location.PermissionWhenInUse)
	}
	if !req.isSettled() {
		c.provider.RequestOneShotSample()
		go c.awaitSample(waitCtx, req, sub, changes)
		go awaitTimeout(waitCtx, req, timeout)
	}

	select {
	case <-req.done:
	case <-ctx.Done():
		req.settle(location.Sample{}, ErrCancelled)
		<-req.done
	}

	c.record(req.err)
	return req.sample, req.err
}

func (c *Coordinator) awaitSample(ctx context.Context, req *request, sub *location.Subscription, changes <-chan location.AuthorizationState) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.Err != nil {
				if errors.Is(ev.Err, location.ErrPermissionDenied) {
					req.settle(location.Sample{}, location.ErrPermissionDenied)
				} else {
					req.settle(location.Sample{}, &location.ProviderError{Cause: ev.Err})
				}
				return
			}
			req.settle(ev.Sample, nil)
			return
		case st := <-changes:
			if st.Refused() {
				req.settle(location.Sample{}, location.ErrPermissionDenied)
				return
			}
		}
	}
}

func awaitTimeout(ctx context.Context, req *request, timeout time.Duration) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
		req.settle(location.Sample{}, ErrTimeout)
	}
}

func (c *Coordinator) record(err error) {
	var pe *location.ProviderError
	outcome := "location"
	switch {
	case err == nil:
	case errors.Is(err, location.ErrPermissionDenied):
		outcome = "permission"
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrCancelled):
		outcome = "cancelled"
	case errors.As(err, &pe):
		outcome = "provider"
	default:
		outcome = "error"
	}
	metrics.IncAcquisition(outcome)
	if err != nil {
		c.logger.Debug("acquisition finished", "outcome", outcome, "error", err)
	}
}

// request is a result cell that can be claimed once.
type request struct {
	claimed atomic.Bool
	done    chan struct{}
	release func()

	sample location.Sample
	err    error
}

// settle stores the outcome if no other outcome has been stored yet and reports whether
// it won. The winner releases the pending slot before done is closed.
func (r *request) settle(s location.Sample, err error) bool {
	if !r.claimed.CompareAndSwap(false, true) {
		return false
	}
	r.sample, r.err = s, err
	if r.release != nil {
		r.release()
	}
	close(r.done)
	return true
}

func (r *request) isSettled() bool { return r.claimed.Load() }
