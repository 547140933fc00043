// Package sim implements a simulated device location provider. It walks a straight line
// from an origin at a fixed speed and emits a sample per interval while continuous updates
// are enabled.
package sim

import (
	"math"
	"sync"
	"time"

	"github.com/loykin/trackr/internal/location"
)

const earthRadiusMeters = 6371000.0

// Config describes the simulated device.
type Config struct {
	Interval      time.Duration // continuous update period (default 1s)
	OriginLat     float64
	OriginLon     float64
	StepMeters    float64 // distance walked per sample (default 5m)
	HeadingDeg    float64 // 0 = north, 90 = east
	Authorization location.AuthorizationState
	// Grant is the state reported after a permission prompt. Undetermined leaves the
	// prompt unanswered.
	Grant        location.AuthorizationState
	OneShotDelay time.Duration // latency of a one-shot read (default 200ms)
}

// Provider is a goroutine backed location.Provider.
type Provider struct {
	cfg Config

	mu         sync.Mutex
	handler    location.Handler
	state      location.AuthorizationState
	background bool
	stop       chan struct{}
	lat, lon   float64
	now        func() time.Time
}

func New(cfg Config) *Provider {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.StepMeters <= 0 {
		cfg.StepMeters = 5
	}
	if cfg.OneShotDelay <= 0 {
		cfg.OneShotDelay = 200 * time.Millisecond
	}
	return &Provider{
		cfg:   cfg,
		state: cfg.Authorization,
		lat:   cfg.OriginLat,
		lon:   cfg.OriginLon,
		now:   time.Now,
	}
}

func (p *Provider) SetHandler(h location.Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *Provider) RequestPermission(level location.PermissionLevel) {
	p.mu.Lock()
	grant := p.cfg.Grant
	current := p.state
	p.mu.Unlock()
	if grant == location.AuthorizationUndetermined || current.Refused() {
		return
	}
	// A when-in-use prompt never yields always.
	if level == location.PermissionWhenInUse && grant == location.AuthorizationAlways {
		grant = location.AuthorizationWhenInUse
	}
	if current == location.AuthorizationAlways {
		return
	}
	go p.setAuthorization(grant)
}

func (p *Provider) AuthorizationState() location.AuthorizationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Provider) StartContinuousUpdates() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	go p.loop(p.stop)
}

func (p *Provider) StopContinuousUpdates() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

func (p *Provider) SetBackgroundDelivery(enabled bool) {
	p.mu.Lock()
	p.background = enabled
	p.mu.Unlock()
}

// BackgroundDelivery reports whether background delivery is enabled.
func (p *Provider) BackgroundDelivery() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.background
}

func (p *Provider) RequestOneShotSample() {
	go func() {
		time.Sleep(p.cfg.OneShotDelay)
		p.emit(false)
	}()
}

func (p *Provider) loop(stop chan struct{}) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.emit(true)
		}
	}
}

func (p *Provider) emit(advance bool) {
	p.mu.Lock()
	h := p.handler
	state := p.state
	if advance {
		p.lat, p.lon = offset(p.lat, p.lon, p.cfg.StepMeters, p.cfg.HeadingDeg)
	}
	s := location.Sample{Latitude: p.lat, Longitude: p.lon, CapturedAt: p.now()}
	p.mu.Unlock()
	if h == nil {
		return
	}
	if state.Refused() {
		h.OnError(location.ErrPermissionDenied)
		return
	}
	h.OnSample(s)
}

func (p *Provider) setAuthorization(state location.AuthorizationState) {
	p.mu.Lock()
	p.state = state
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h.OnAuthorizationChanged(state)
	}
}

// offset moves a coordinate by dist meters along heading degrees on a spherical earth.
func offset(lat, lon, dist, heading float64) (float64, float64) {
	rad := math.Pi / 180
	d := dist / earthRadiusMeters
	h := heading * rad
	lat1 := lat * rad
	lon1 := lon * rad
	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(h))
	lon2 := lon1 + math.Atan2(math.Sin(h)*math.Sin(d)*math.Cos(lat1), math.Cos(d)-math.Sin(lat1)*math.Sin(lat2))
	return lat2 / rad, lon2 / rad
}
