// Package locationtest provides a deterministic location.Provider for tests.
package locationtest

import (
	"sync"

	"github.com/loykin/trackr/internal/location"
)

// Provider is a manually driven location.Provider. Tests push samples, errors and
// authorization changes; the provider records every call made on it.
type Provider struct {
	mu          sync.Mutex
	handler     location.Handler
	state       location.AuthorizationState
	grant       location.AuthorizationState
	continuous  bool
	background  bool
	starts      int
	stops       int
	oneShots    int
	permissions []location.PermissionLevel
	onOneShot   func()
	onStart     func()
}

// New returns a provider reporting the given initial authorization state.
func New(state location.AuthorizationState) *Provider {
	return &Provider{state: state}
}

// GrantOnRequest makes permission requests move the authorization to state. The default
// leaves the state unchanged, as if the prompt was never answered.
func (p *Provider) GrantOnRequest(state location.AuthorizationState) {
	p.mu.Lock()
	p.grant = state
	p.mu.Unlock()
}

// OnOneShot sets a function run (on its own goroutine) for every one-shot request.
func (p *Provider) OnOneShot(fn func()) {
	p.mu.Lock()
	p.onOneShot = fn
	p.mu.Unlock()
}

// OnStart sets a function run synchronously inside StartContinuousUpdates, as a platform
// that delivers a cached fix right away would.
func (p *Provider) OnStart(fn func()) {
	p.mu.Lock()
	p.onStart = fn
	p.mu.Unlock()
}

func (p *Provider) SetHandler(h location.Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *Provider) RequestPermission(level location.PermissionLevel) {
	p.mu.Lock()
	p.permissions = append(p.permissions, level)
	grant := p.grant
	p.mu.Unlock()
	if grant != location.AuthorizationUndetermined {
		p.SetAuthorization(grant)
	}
}

func (p *Provider) AuthorizationState() location.AuthorizationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Provider) StartContinuousUpdates() {
	p.mu.Lock()
	p.continuous = true
	p.starts++
	fn := p.onStart
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *Provider) StopContinuousUpdates() {
	p.mu.Lock()
	p.continuous = false
	p.stops++
	p.mu.Unlock()
}

func (p *Provider) SetBackgroundDelivery(enabled bool) {
	p.mu.Lock()
	p.background = enabled
	p.mu.Unlock()
}

func (p *Provider) RequestOneShotSample() {
	p.mu.Lock()
	p.oneShots++
	fn := p.onOneShot
	p.mu.Unlock()
	if fn != nil {
		go fn()
	}
}

// Emit delivers a sample through the handler.
func (p *Provider) Emit(s location.Sample) {
	p.current().OnSample(s)
}

// Fail delivers a provider error through the handler.
func (p *Provider) Fail(err error) {
	p.current().OnError(err)
}

// SetAuthorization changes the state and notifies the handler.
func (p *Provider) SetAuthorization(state location.AuthorizationState) {
	p.mu.Lock()
	p.state = state
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h.OnAuthorizationChanged(state)
	}
}

func (p *Provider) current() location.Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

func (p *Provider) Continuous() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.continuous
}

func (p *Provider) Background() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.background
}

func (p *Provider) StartCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

func (p *Provider) StopCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

func (p *Provider) OneShotCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.oneShots
}

// PermissionRequests returns the levels requested so far.
func (p *Provider) PermissionRequests() []location.PermissionLevel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]location.PermissionLevel(nil), p.permissions...)
}
