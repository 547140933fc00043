package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	sessionStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "trackr",
			Subsystem: "session",
			Name:      "starts_total",
			Help:      "Number of tracking sessions that reached the active state.",
		},
	)
	sessionStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "trackr",
			Subsystem: "session",
			Name:      "stops_total",
			Help:      "Number of tracking sessions stopped.",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trackr",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Number of transitions between session states.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "trackr",
			Subsystem: "session",
			Name:      "current_state",
			Help:      "Current session state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	samplesAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "trackr",
			Subsystem: "session",
			Name:      "samples_accepted_total",
			Help:      "Number of samples accepted by an active session.",
		},
	)
	sessionSequence = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "trackr",
			Subsystem: "session",
			Name:      "sequence",
			Help:      "Sequence number of the last accepted sample in the current session.",
		},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trackr",
			Subsystem: "collector",
			Name:      "deliveries_total",
			Help:      "Outbound deliveries by operation and result.",
		}, []string{"op", "result"},
	)
	deliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trackr",
			Subsystem: "collector",
			Name:      "delivery_duration_seconds",
			Help:      "Duration of outbound deliveries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"},
	)
	acquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trackr",
			Subsystem: "acquire",
			Name:      "acquisitions_total",
			Help:      "Single-shot acquisitions by outcome.",
		}, []string{"outcome"},
	)
	emergencyActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "trackr",
			Subsystem: "emergency",
			Name:      "active",
			Help:      "1 while the emergency flag is acknowledged as active.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		sessionStarts, sessionStops, stateTransitions, currentState, samplesAccepted,
		sessionSequence, deliveries, deliveryDuration, acquisitions, emergencyActive,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSessionStart() {
	if regOK.Load() {
		sessionStarts.Inc()
	}
}

func IncSessionStop() {
	if regOK.Load() {
		sessionStops.Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentState.WithLabelValues(state).Set(value)
	}
}

func ObserveSample(sequence uint64) {
	if regOK.Load() {
		samplesAccepted.Inc()
		sessionSequence.Set(float64(sequence))
	}
}

func ResetSequence() {
	if regOK.Load() {
		sessionSequence.Set(0)
	}
}

// ObserveDelivery records one outbound call. result is "ok" or "error".
func ObserveDelivery(op, result string, seconds float64) {
	if regOK.Load() {
		deliveries.WithLabelValues(op, result).Inc()
		deliveryDuration.WithLabelValues(op).Observe(seconds)
	}
}

func IncAcquisition(outcome string) {
	if regOK.Load() {
		acquisitions.WithLabelValues(outcome).Inc()
	}
}

func SetEmergencyActive(active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		emergencyActive.Set(value)
	}
}
