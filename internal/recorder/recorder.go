// Package recorder turns accepted samples into historic route points and hands them to
// every configured sink without waiting for the result.
package recorder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/trackr/internal/history"
	"github.com/loykin/trackr/internal/location"
	"github.com/loykin/trackr/internal/metrics"
)

type Config struct {
	UserID string
	// Location renders the local date fields. Defaults to time.Local.
	Location *time.Location
	// Timeout bounds each delivery. Defaults to 10s.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Recorder delivers points fire-and-forget: one attempt per sink, failures are logged and
// never reported to the caller.
type Recorder struct {
	cfg   Config
	sinks []history.Sink
	now   func() time.Time
	wg    sync.WaitGroup
}

func New(cfg Config, sinks ...history.Sink) *Recorder {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "recorder")
	return &Recorder{cfg: cfg, sinks: sinks, now: time.Now}
}

// Build renders a sample as a historic point. The local date fields carry the wall clock
// at recording time, not the sample's capture time.
func (r *Recorder) Build(s location.Sample, sessionID string, seq uint64) history.Point {
	return history.NewPoint(r.cfg.UserID, sessionID, seq, s.Latitude, s.Longitude, r.now(), r.cfg.Location)
}

// Record dispatches the point and returns immediately.
func (r *Recorder) Record(s location.Sample, sessionID string, seq uint64) {
	p := r.Build(s, sessionID, seq)
	for _, sink := range r.sinks {
		r.wg.Add(1)
		go r.deliver(sink, p)
	}
}

func (r *Recorder) deliver(sink history.Sink, p history.Point) {
	defer r.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	name := history.NameOf(sink)
	start := time.Now()
	err := sink.Send(ctx, p)
	if name != "collector" {
		// the HTTP collector records its own deliveries
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.ObserveDelivery("history_"+name, result, time.Since(start).Seconds())
	}
	if err != nil {
		attrs := []any{"sink", name, "session_id", p.SessionID, "sequence", p.Sequence, "error", err}
		var se interface{ Status() int }
		if errors.As(err, &se) && se.Status() != 0 {
			attrs = append(attrs, "status", se.Status())
		}
		r.cfg.Logger.Warn("historic point delivery failed", attrs...)
	}
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (r *Recorder) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
