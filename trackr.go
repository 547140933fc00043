package trackr

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/trackr/internal/acquire"
	"github.com/loykin/trackr/internal/collector"
	cfg "github.com/loykin/trackr/internal/config"
	"github.com/loykin/trackr/internal/emergency"
	"github.com/loykin/trackr/internal/history"
	"github.com/loykin/trackr/internal/history/factory"
	"github.com/loykin/trackr/internal/location"
	"github.com/loykin/trackr/internal/location/sim"
	"github.com/loykin/trackr/internal/metrics"
	"github.com/loykin/trackr/internal/recorder"
	iapi "github.com/loykin/trackr/internal/server"
	"github.com/loykin/trackr/internal/session"
	srvtls "github.com/loykin/trackr/internal/tls"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Sample = location.Sample

type Provider = location.Provider

type Handle = session.Handle

type Summary = session.Summary

type Status = session.Status

type Accepted = session.Accepted

var (
	ErrPermissionDenied  = location.ErrPermissionDenied
	ErrTimeout           = acquire.ErrTimeout
	ErrCancelled         = acquire.ErrCancelled
	ErrAlreadyInProgress = acquire.ErrAlreadyInProgress
)

// Remote is the collector contract used by the coordinator.
type Remote interface {
	session.Remote
	emergency.Submitter
	history.Sink
}

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// DefaultConfig returns the built-in settings for userID.
func DefaultConfig(userID string) (*Config, error) { return cfg.Default(userID) }

// Coordinator wires the location stream, tracking session, one-shot acquisition, historic
// route recorder and emergency toggle for one user.
type Coordinator struct {
	cfg      *Config
	logger   *slog.Logger
	provider Provider
	stream   *location.Stream
	remote   Remote
	sinks    []history.Sink
	recorder *recorder.Recorder
	toggle   *emergency.Toggle
	tracker  *session.Tracker
	acquirer *acquire.Coordinator
	tls      *tls.Config
}

type Option func(*options)

type options struct {
	provider Provider
	remote   Remote
	logger   *slog.Logger
	onReturn func(Summary)
}

// WithProvider replaces the simulated provider built from [provider] settings.
func WithProvider(p Provider) Option { return func(o *options) { o.provider = p } }

// WithRemote replaces the collector built from [collector] settings.
func WithRemote(r Remote) Option { return func(o *options) { o.remote = r } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithReturnHandler runs fn after every stop, including a stop while idle.
func WithReturnHandler(fn func(Summary)) Option { return func(o *options) { o.onReturn = fn } }

// New builds a Coordinator. Mirror sinks are opened from [history].sinks; a sink that
// cannot be opened fails construction.
func New(c *Config, opts ...Option) (*Coordinator, error) {
	if c == nil {
		return nil, errors.New("config required")
	}
	if err := cfg.Validate(c); err != nil {
		return nil, err
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	loc, err := c.Session.Location()
	if err != nil {
		return nil, err
	}

	co := &Coordinator{cfg: c, logger: o.logger}
	if co.tls, err = srvtls.Setup(c.Server.TLS); err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}
	if o.provider != nil {
		co.provider = o.provider
	} else if co.provider, err = newSimProvider(c.Provider); err != nil {
		return nil, err
	}

	if o.remote != nil {
		co.remote = o.remote
	} else if c.Collector.URL == "" {
		o.logger.Warn("no collector url configured, submissions are only logged")
		co.remote = collector.NewLog(o.logger)
	} else {
		hc, err := collector.NewHTTP(collector.Config{
			BaseURL:  c.Collector.URL,
			Token:    c.Collector.Token,
			Timeout:  c.Collector.Timeout,
			Insecure: c.Collector.Insecure,
			Logger:   o.logger,
		})
		if err != nil {
			return nil, err
		}
		co.remote = hc
	}

	co.sinks = append(co.sinks, co.remote)
	for _, dsn := range c.History.Sinks {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			_ = co.closeSinks()
			return nil, fmt.Errorf("history sink %q: %w", dsn, err)
		}
		co.sinks = append(co.sinks, s)
	}

	co.stream = location.NewStream(co.provider, o.logger)
	co.recorder = recorder.New(recorder.Config{
		UserID:   c.UserID,
		Location: loc,
		Timeout:  c.Session.DeliveryTimeout,
		Logger:   o.logger,
	}, co.sinks...)
	co.toggle = emergency.New(c.UserID, co.remote, o.logger)
	co.tracker = session.New(co.provider, co.stream, session.Config{
		UserID:          c.UserID,
		Recorder:        co.recorder,
		Remote:          co.remote,
		Emergency:       co.toggle,
		PermissionGrace: c.Session.PermissionGrace,
		DeliveryTimeout: c.Session.DeliveryTimeout,
		OnReturn:        o.onReturn,
		Logger:          o.logger,
	})
	co.acquirer = acquire.New(co.provider, co.stream, acquire.WithLogger(o.logger))
	return co, nil
}

func newSimProvider(pc cfg.ProviderConfig) (*sim.Provider, error) {
	auth, err := location.ParseAuthorizationState(pc.Authorization)
	if err != nil {
		return nil, err
	}
	grant, err := location.ParseAuthorizationState(pc.GrantOnRequest)
	if err != nil {
		return nil, err
	}
	return sim.New(sim.Config{
		Interval:      pc.Interval,
		OriginLat:     pc.OriginLat,
		OriginLon:     pc.OriginLon,
		StepMeters:    pc.StepMeters,
		HeadingDeg:    pc.Heading,
		Authorization: auth,
		Grant:         grant,
		OneShotDelay:  pc.OneShotDelay,
	}), nil
}

func (c *Coordinator) Start(ctx context.Context) (Handle, error) { return c.tracker.Start(ctx) }
func (c *Coordinator) Stop(ctx context.Context) (Summary, error) { return c.tracker.Stop(ctx) }
func (c *Coordinator) Status() Status                            { return c.tracker.Status() }

// Subscribe streams samples accepted by the active session.
func (c *Coordinator) Subscribe(buffer int) *session.Observer { return c.tracker.Subscribe(buffer) }

// AcquireOnce returns a single position independently of the tracking session.
func (c *Coordinator) AcquireOnce(ctx context.Context, timeout time.Duration) (Sample, error) {
	return c.acquirer.AcquireOnce(ctx, timeout)
}

// SetEmergency asks the collector to change the emergency flag and reports whether it
// acknowledged the change.
func (c *Coordinator) SetEmergency(ctx context.Context, active bool) bool {
	return c.toggle.Set(ctx, active)
}

func (c *Coordinator) EmergencyActive() bool { return c.toggle.Active() }

// Authorization returns the current device permission state.
func (c *Coordinator) Authorization() location.AuthorizationState {
	return c.stream.Authorization().State()
}

// Router returns the HTTP API for this coordinator.
func (c *Coordinator) Router() *iapi.Router {
	return iapi.NewRouter(c.tracker, c.acquirer, c.toggle, iapi.Options{
		BasePath:       c.cfg.Server.BasePath,
		DefaultTimeout: c.cfg.Acquire.DefaultTimeout,
		MaxTimeout:     c.cfg.Acquire.MaxTimeout,
		StreamBuffer:   c.cfg.Session.ObserverBuffer,
		Metrics:        c.cfg.Metrics.Enabled && c.cfg.Metrics.Listen == "",
		TLS:            c.tls,
		Logger:         c.logger,
	})
}

// Close stops any active session, waits for in-flight deliveries until ctx is done and
// closes the mirror sinks.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.tracker.Shutdown(ctx)
	if werr := c.recorder.Wait(ctx); werr != nil && err == nil {
		err = werr
	}
	if cerr := c.closeSinks(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (c *Coordinator) closeSinks() error {
	var errs []error
	for _, s := range c.sinks {
		if cl, ok := s.(io.Closer); ok {
			if err := cl.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", history.NameOf(s), err))
			}
		}
	}
	return errors.Join(errs...)
}

// NewHTTPServer serves the coordinator's API on addr in the background.
func NewHTTPServer(addr string, c *Coordinator) (*http.Server, error) {
	return iapi.NewServer(addr, c.Router())
}

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewSelfMetrics registers daemon resource gauges on r and samples them until ctx is done.
func NewSelfMetrics(ctx context.Context, r prometheus.Registerer, interval time.Duration, logger *slog.Logger) error {
	sc, err := metrics.NewSelfCollector(interval, logger)
	if err != nil {
		return err
	}
	if err := sc.Register(r); err != nil {
		return err
	}
	go sc.Run(ctx)
	return nil
}

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
