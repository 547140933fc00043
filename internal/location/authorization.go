package location

import "sync"

// Authorization tracks the device permission state. The state only changes through the
// provider's authorization callback.
type Authorization struct {
	provider Provider

	mu       sync.RWMutex
	state    AuthorizationState
	watchers map[chan AuthorizationState]struct{}
}

func newAuthorization(p Provider) *Authorization {
	return &Authorization{
		provider: p,
		state:    p.AuthorizationState(),
		watchers: make(map[chan AuthorizationState]struct{}),
	}
}

// State returns the last state reported by the provider.
func (a *Authorization) State() AuthorizationState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// RequestPermission asks the provider for the given level unless the current state already
// grants it. The outcome is observed asynchronously through Watch.
func (a *Authorization) RequestPermission(level PermissionLevel) {
	if a.State().Satisfies(level) {
		return
	}
	a.provider.RequestPermission(level)
}

// Watch returns a channel receiving every subsequent state change and a function that
// stops the watch. Only the latest unread state is kept for slow readers.
func (a *Authorization) Watch() (<-chan AuthorizationState, func()) {
	ch := make(chan AuthorizationState, 1)
	a.mu.Lock()
	a.watchers[ch] = struct{}{}
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.watchers, ch)
			a.mu.Unlock()
		})
	}
}

func (a *Authorization) update(state AuthorizationState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == state {
		return
	}
	a.state = state
	for ch := range a.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- state
	}
}
