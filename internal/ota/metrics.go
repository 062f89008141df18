package ota

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Event metrics
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "z2m_ota",
			Subsystem: "orchestrator",
			Name:      "events_total",
			Help:      "Total number of events applied by type and result",
		},
		[]string{"type", "result"},
	)

	// Attempt metrics
	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "z2m_ota",
			Subsystem: "update",
			Name:      "attempts_total",
			Help:      "Total number of finished update attempts by outcome",
		},
		[]string{"outcome"},
	)

	attemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "z2m_ota",
			Subsystem: "update",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of finished update attempts in seconds",
			Buckets:   prometheus.ExponentialBuckets(60, 2, 8), // 1min to ~2h
		},
		[]string{"outcome"},
	)

	retriesExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "z2m_ota",
			Subsystem: "update",
			Name:      "retries_exhausted_total",
			Help:      "Total number of devices that failed after their last retry",
		},
	)

	// Command metrics
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "z2m_ota",
			Subsystem: "bridge",
			Name:      "commands_total",
			Help:      "Total number of commands published to the bridge by command and result",
		},
		[]string{"command", "result"},
	)

	// Fleet metrics
	devicesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "z2m_ota",
			Subsystem: "fleet",
			Name:      "devices",
			Help:      "Number of OTA-capable devices by lifecycle state",
		},
		[]string{"state"},
	)

	queueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "z2m_ota",
			Subsystem: "fleet",
			Name:      "queue_length",
			Help:      "Number of devices waiting for an update slot",
		},
	)

	updatingDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "z2m_ota",
			Subsystem: "fleet",
			Name:      "updating",
			Help:      "Number of devices currently transferring firmware",
		},
	)
)

func init() {
	prometheus.MustRegister(
		eventsTotal,
		attemptsTotal,
		attemptDuration,
		retriesExhaustedTotal,
		commandsTotal,
		devicesByState,
		queueLength,
		updatingDevices,
	)
}

// recordEventMetric records an applied event.
func recordEventMetric(eventType, result string) {
	eventsTotal.WithLabelValues(eventType, result).Inc()
}

// recordAttemptMetric records a finished attempt.
func recordAttemptMetric(outcome State, seconds float64) {
	attemptsTotal.WithLabelValues(string(outcome)).Inc()
	if seconds > 0 {
		attemptDuration.WithLabelValues(string(outcome)).Observe(seconds)
	}
}

// recordRetriesExhaustedMetric records a device reaching terminal failure.
func recordRetriesExhaustedMetric() {
	retriesExhaustedTotal.Inc()
}

// recordCommandMetric records a published command.
func recordCommandMetric(command string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	commandsTotal.WithLabelValues(command, result).Inc()
}

// recordFleetMetric records per-state device counts and slot usage.
func recordFleetMetric(counts map[State]int, queued, updating int) {
	for _, s := range AllStates {
		devicesByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	queueLength.Set(float64(queued))
	updatingDevices.Set(float64(updating))
}

// Metrics helper methods that check enableMetrics before recording.

func (o *Orchestrator) recordEvent(eventType string, err error) {
	if !o.enableMetrics {
		return
	}
	result := "ok"
	switch {
	case errors.Is(err, ErrUnknownDevice):
		result = "ignored"
	case err != nil:
		result = "error"
	}
	recordEventMetric(eventType, result)
}

func (o *Orchestrator) recordAttempt(dev *Device, outcome State) {
	if !o.enableMetrics {
		return
	}
	var seconds float64
	if !dev.AttemptStartedAt.IsZero() {
		seconds = o.clock.Since(dev.AttemptStartedAt).Seconds()
	}
	recordAttemptMetric(outcome, seconds)
}

func (o *Orchestrator) recordRetriesExhausted() {
	if o.enableMetrics {
		recordRetriesExhaustedMetric()
	}
}

func (o *Orchestrator) recordCommand(command string, err error) {
	if o.enableMetrics {
		recordCommandMetric(command, err)
	}
}

func (o *Orchestrator) recordFleet() {
	if o.enableMetrics {
		recordFleetMetric(o.registry.CountByState(), o.limiter.QueueLen(), o.limiter.UpdatingLen())
	}
}
