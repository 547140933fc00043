package location

import (
	"log/slog"
	"sync"
)

// Event is one item of the update stream: either a sample or a provider error.
type Event struct {
	Sample Sample
	Err    error
}

// Stream wraps the provider callbacks and republishes them as the last known location,
// the last error and a fan-out of subscriptions.
type Stream struct {
	auth   *Authorization
	logger *slog.Logger

	mu      sync.RWMutex
	last    Sample
	hasLast bool
	lastErr error
	subs    map[*Subscription]struct{}
}

// NewStream installs itself as the provider's callback handler.
func NewStream(p Provider, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stream{
		auth:   newAuthorization(p),
		logger: logger.With("component", "location"),
		subs:   make(map[*Subscription]struct{}),
	}
	p.SetHandler(s)
	return s
}

// Authorization returns the permission tracker fed by this stream.
func (s *Stream) Authorization() *Authorization { return s.auth }

// Last returns the most recent sample, if any was received.
func (s *Stream) Last() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasLast
}

// LastError returns the most recent provider error.
func (s *Stream) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *Stream) OnSample(sample Sample) {
	s.mu.Lock()
	s.last = sample
	s.hasLast = true
	s.mu.Unlock()
	s.publish(Event{Sample: sample})
}

func (s *Stream) OnAuthorizationChanged(state AuthorizationState) {
	s.logger.Debug("authorization changed", "state", state.String())
	s.auth.update(state)
}

func (s *Stream) OnError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.publish(Event{Err: err})
}

// Subscribe registers a new receiver of stream events. Events are dropped for a
// subscriber whose buffer is full.
func (s *Stream) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	c := make(chan Event, buffer)
	sub := &Subscription{C: c, c: c, stream: s}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

func (s *Stream) publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subs {
		select {
		case sub.c <- ev:
		default:
			s.logger.Warn("subscriber buffer full, event dropped", "error", ev.Err)
		}
	}
}

// Subscription is a registered receiver of stream events.
type Subscription struct {
	C <-chan Event

	c      chan Event
	stream *Stream
	once   sync.Once
}

// Cancel unregisters the subscription and closes C. It is safe to call more than once.
func (sub *Subscription) Cancel() {
	sub.once.Do(func() {
		sub.stream.mu.Lock()
		delete(sub.stream.subs, sub)
		close(sub.c)
		sub.stream.mu.Unlock()
	})
}
