package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/trackr/internal/location"
	"github.com/loykin/trackr/internal/metrics"
)

// ErrShutdown is returned by calls made after Shutdown.
var ErrShutdown = errors.New("session tracker shut down")

// Config wires a Tracker to its collaborators.
type Config struct {
	UserID    string
	Recorder  Recorder
	Remote    Remote
	Emergency Emergency

	// PermissionGrace bounds the wait for an authorization answer during start.
	PermissionGrace time.Duration
	// DeliveryTimeout bounds each position and terminate submission.
	DeliveryTimeout time.Duration
	// StreamBuffer is the capacity of the tracker's subscription to the update stream.
	StreamBuffer int
	// OnReturn runs after every stop, including a stop while idle. It is called on the
	// goroutine that requested the stop, so it may call back into the Tracker.
	OnReturn func(Summary)
	// NewID generates session identifiers. Defaults to random UUIDs.
	NewID  func() string
	Logger *slog.Logger
}

// Tracker owns the tracking session. A single goroutine applies start, stop and every
// accepted sample, so sequence numbers follow acceptance order.
//
// State Machine:
// Idle -> Starting -> Active -> Stopping -> Idle
type Tracker struct {
	cfg      Config
	provider location.Provider
	stream   *location.Stream
	logger   *slog.Logger
	now      func() time.Time

	// owned by the actor goroutine
	sub *location.Subscription

	// mu guards the fields read by Status.
	mu          sync.RWMutex
	state       State
	sessionID   string
	sequence    uint64
	firstSample *location.Sample
	lastSample  *location.Sample
	startedAt   time.Time
	lastErr     error

	obsMu     sync.RWMutex
	observers map[*Observer]struct{}

	cmdChan  chan command
	doneChan chan struct{}
	inflight sync.WaitGroup
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionShutdown
)

type command struct {
	ctx    context.Context
	action commandAction
	reply  chan result
}

type result struct {
	handle  Handle
	summary Summary
	stopped bool
	err     error
}

// New creates a tracker in the Idle state and starts its goroutine.
func New(p location.Provider, s *location.Stream, cfg Config) *Tracker {
	if cfg.PermissionGrace <= 0 {
		cfg.PermissionGrace = 800 * time.Millisecond
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 256
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t := &Tracker{
		cfg:       cfg,
		provider:  p,
		stream:    s,
		logger:    cfg.Logger.With("component", "session"),
		now:       time.Now,
		state:     StateIdle,
		observers: make(map[*Observer]struct{}),
		cmdChan:   make(chan command, 16),
		doneChan:  make(chan struct{}),
	}
	metrics.SetCurrentState(StateIdle.String(), true)
	go t.run()
	return t
}

// Start begins a session. It returns location.ErrPermissionDenied when authorization is
// denied or restricted. Calling Start while a session is active returns that session.
func (t *Tracker) Start(ctx context.Context) (Handle, error) {
	r, err := t.send(ctx, actionStart)
	if err != nil {
		return Handle{}, err
	}
	return r.handle, r.err
}

// Stop ends the session and returns its summary. Stop while idle returns a zero Summary.
func (t *Tracker) Stop(ctx context.Context) (Summary, error) {
	r, err := t.send(ctx, actionStop)
	if err != nil {
		return Summary{}, err
	}
	t.invokeReturn(r)
	return r.summary, r.err
}

// Shutdown stops any active session, ends the tracker goroutine and waits for in-flight
// submissions until ctx is done.
func (t *Tracker) Shutdown(ctx context.Context) error {
	r, err := t.send(ctx, actionShutdown)
	if err != nil && !errors.Is(err, ErrShutdown) {
		return err
	}
	t.invokeReturn(r)
	done := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send queues a command and waits for its reply. Once queued the command runs to
// completion, so ctx only bounds the wait for a queue slot; the tracker goroutine
// watches ctx itself where a command can block.
func (t *Tracker) send(ctx context.Context, action commandAction) (result, error) {
	reply := make(chan result, 1)
	select {
	case t.cmdChan <- command{ctx: ctx, action: action, reply: reply}:
	case <-t.doneChan:
		return result{}, ErrShutdown
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-t.doneChan:
		select {
		case r := <-reply:
			return r, nil
		default:
			return result{}, ErrShutdown
		}
	}
}

// Status returns the current state without waiting for the tracker goroutine.
func (t *Tracker) Status() Status {
	t.mu.RLock()
	st := Status{
		State:       t.state,
		SessionID:   t.sessionID,
		Sequence:    t.sequence,
		FirstSample: t.firstSample,
		LastSample:  t.lastSample,
		StartedAt:   t.startedAt,
	}
	if t.lastErr != nil {
		st.LastError = t.lastErr.Error()
	}
	t.mu.RUnlock()
	if t.cfg.Emergency != nil {
		st.Emergency = t.cfg.Emergency.Active()
	}
	st.Authorization = t.stream.Authorization().State().String()
	return st
}

func (t *Tracker) run() {
	defer close(t.doneChan)
	for {
		// a nil channel blocks, so no samples are read while idle
		var events <-chan location.Event
		if t.sub != nil {
			events = t.sub.C
		}
		select {
		case cmd := <-t.cmdChan:
			if t.handleCommand(cmd) {
				return
			}
		case ev, ok := <-events:
			if !ok {
				t.sub = nil
				continue
			}
			t.handleEvent(ev)
		}
	}
}

// handleCommand applies one command and reports whether the goroutine should exit.
func (t *Tracker) handleCommand(cmd command) bool {
	var r result
	switch cmd.action {
	case actionStart:
		r.handle, r.err = t.handleStart(cmd.ctx)
	case actionStop:
		r.summary = t.handleStop()
		r.stopped = true
	case actionShutdown:
		if t.currentState() == StateActive {
			r.summary = t.handleStop()
			r.stopped = true
		}
		cmd.reply <- r
		return true
	}
	cmd.reply <- r
	return false
}

func (t *Tracker) handleStart(ctx context.Context) (Handle, error) {
	if st := t.currentState(); st != StateIdle {
		t.mu.RLock()
		h := Handle{SessionID: t.sessionID, StartedAt: t.startedAt}
		t.mu.RUnlock()
		t.logger.Debug("start ignored", "state", st.String(), "session_id", h.SessionID)
		return h, nil
	}
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	t.setState(StateStarting)
	id := t.cfg.NewID()
	t.mu.Lock()
	t.sessionID = id
	t.sequence = 0
	t.firstSample = nil
	t.lastSample = nil
	t.lastErr = nil
	t.startedAt = time.Time{}
	t.mu.Unlock()
	metrics.ResetSequence()
	if t.cfg.Emergency != nil {
		t.cfg.Emergency.Reset()
	}

	auth := t.stream.Authorization()
	if auth.State().Refused() {
		return Handle{}, t.refuseStart(id, auth.State())
	}
	auth.RequestPermission(location.PermissionAlways)
	if st := auth.State(); st.Refused() {
		return Handle{}, t.refuseStart(id, st)
	} else if st == location.AuthorizationUndetermined {
		t.awaitAuthorization(ctx, auth)
		if st := auth.State(); st.Refused() {
			return Handle{}, t.refuseStart(id, st)
		}
	}
	if err := ctx.Err(); err != nil {
		t.abortStart(id)
		t.logger.Info("session start cancelled", "session_id", id, "error", err)
		return Handle{}, err
	}

	// subscribed before updates begin so a sample delivered from inside
	// StartContinuousUpdates is not lost
	t.sub = t.stream.Subscribe(t.cfg.StreamBuffer)
	t.provider.SetBackgroundDelivery(true)
	t.provider.StartContinuousUpdates()

	started := t.now()
	t.mu.Lock()
	t.startedAt = started
	t.mu.Unlock()
	t.setState(StateActive)
	metrics.IncSessionStart()
	t.logger.Info("session started", "session_id", id, "authorization", auth.State().String())
	return Handle{SessionID: id, StartedAt: started}, nil
}

// awaitAuthorization asks for when-in-use and waits up to the grace period for any
// authorization change. Proceeding without an answer is allowed.
func (t *Tracker) awaitAuthorization(ctx context.Context, auth *location.Authorization) {
	changes, stop := auth.Watch()
	defer stop()
	auth.RequestPermission(location.PermissionWhenInUse)
	if auth.State() != location.AuthorizationUndetermined {
		return
	}
	timer := time.NewTimer(t.cfg.PermissionGrace)
	defer timer.Stop()
	select {
	case <-changes:
	case <-ctx.Done():
	case <-timer.C:
		t.logger.Debug("authorization still undetermined after grace period", "grace", t.cfg.PermissionGrace)
	}
}

func (t *Tracker) refuseStart(id string, st location.AuthorizationState) error {
	t.abortStart(id)
	t.logger.Warn("session start refused", "session_id", id, "authorization", st.String())
	return location.ErrPermissionDenied
}

// abortStart returns a half-started session to Idle.
func (t *Tracker) abortStart(id string) {
	t.mu.Lock()
	if t.sessionID == id {
		t.sessionID = ""
	}
	t.mu.Unlock()
	t.setState(StateIdle)
}

func (t *Tracker) handleStop() Summary {
	if t.currentState() != StateActive {
		return Summary{}
	}

	t.setState(StateStopping)
	if t.sub != nil {
		t.sub.Cancel()
		t.sub = nil
	}
	t.provider.StopContinuousUpdates()
	t.provider.SetBackgroundDelivery(false)

	t.mu.Lock()
	sum := Summary{
		SessionID:   t.sessionID,
		Samples:     t.sequence,
		FirstSample: t.firstSample,
		StartedAt:   t.startedAt,
		StoppedAt:   t.now(),
	}
	t.sessionID = ""
	t.sequence = 0
	t.firstSample = nil
	t.lastSample = nil
	t.startedAt = time.Time{}
	t.mu.Unlock()
	t.setState(StateIdle)
	metrics.IncSessionStop()
	metrics.ResetSequence()
	t.logger.Info("session stopped", "session_id", sum.SessionID, "samples", sum.Samples)

	if t.cfg.Remote != nil {
		t.deliver("terminate", sum.SessionID, 0, func(ctx context.Context) error {
			return t.cfg.Remote.TerminateTracking(ctx, t.cfg.UserID)
		})
	}
	return sum
}

func (t *Tracker) handleEvent(ev location.Event) {
	if ev.Err != nil {
		t.mu.Lock()
		t.lastErr = ev.Err
		t.mu.Unlock()
		t.logger.Warn("provider error during session", "error", ev.Err)
		return
	}
	if t.currentState() != StateActive {
		return
	}

	sample := ev.Sample
	t.mu.Lock()
	if t.firstSample == nil {
		first := sample
		t.firstSample = &first
	}
	t.sequence++
	seq := t.sequence
	id := t.sessionID
	t.lastSample = &sample
	t.mu.Unlock()
	metrics.ObserveSample(seq)

	if t.cfg.Recorder != nil {
		t.cfg.Recorder.Record(sample, id, seq)
	}
	if t.cfg.Remote != nil {
		t.deliver("position", id, seq, func(ctx context.Context) error {
			return t.cfg.Remote.SubmitPosition(ctx, t.cfg.UserID, sample.Latitude, sample.Longitude)
		})
	}
	t.publish(Accepted{SessionID: id, Sequence: seq, Sample: sample, AcceptedAt: t.now()})
}

// deliver runs a fire-and-forget submission. Failures are logged only.
func (t *Tracker) deliver(op, sessionID string, seq uint64, fn func(context.Context) error) {
	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DeliveryTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			attrs := []any{"op", op, "session_id", sessionID, "error", err}
			if seq > 0 {
				attrs = append(attrs, "sequence", seq)
			}
			var se interface{ Status() int }
			if errors.As(err, &se) && se.Status() != 0 {
				attrs = append(attrs, "status", se.Status())
			}
			t.logger.Warn("delivery failed", attrs...)
		}
	}()
}

func (t *Tracker) invokeReturn(r result) {
	if r.stopped && t.cfg.OnReturn != nil {
		t.cfg.OnReturn(r.summary)
	}
}

func (t *Tracker) currentState() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Tracker) setState(newState State) {
	t.mu.Lock()
	oldState := t.state
	t.state = newState
	t.mu.Unlock()

	metrics.RecordStateTransition(oldState.String(), newState.String())
	metrics.SetCurrentState(oldState.String(), false)
	metrics.SetCurrentState(newState.String(), true)
}
