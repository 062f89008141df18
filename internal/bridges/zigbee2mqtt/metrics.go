package zigbee2mqtt

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "z2m_ota",
			Subsystem: "zigbee2mqtt",
			Name:      "messages_total",
			Help:      "Total number of bridge messages received by kind and result",
		},
		[]string{"kind", "result"},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "z2m_ota",
			Subsystem: "zigbee2mqtt",
			Name:      "requests_total",
			Help:      "Total number of requests published to the bridge by command and result",
		},
		[]string{"command", "result"},
	)
)

func init() {
	prometheus.MustRegister(messagesTotal, requestsTotal)
}

// recordMessageMetric records a received message.
func recordMessageMetric(kind string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrUnhandledTopic):
		result = "ignored"
	case errors.Is(err, ErrRequestFailed):
		result = "request_failed"
	case err != nil:
		result = "malformed"
	}
	messagesTotal.WithLabelValues(kind, result).Inc()
}

// recordRequestMetric records a published request.
func recordRequestMetric(command string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	requestsTotal.WithLabelValues(command, result).Inc()
}

func (b *Bridge) recordMessage(kind string, err error) {
	if b.enableMetrics {
		recordMessageMetric(kind, err)
	}
}

func (b *Bridge) recordCommand(command string, err error) {
	if b.enableMetrics {
		recordRequestMetric(command, err)
	}
}
