package zigbee2mqtt

import "errors"

// Domain errors for the Zigbee2MQTT bridge package.
var (
	// ErrUnhandledTopic is returned when a message arrives on a topic the
	// bridge does not interpret.
	ErrUnhandledTopic = errors.New("zigbee2mqtt: unhandled topic")

	// ErrMalformedPayload is returned when a payload cannot be parsed or
	// lacks the fields needed to identify a device.
	ErrMalformedPayload = errors.New("zigbee2mqtt: malformed payload")

	// ErrRequestFailed is returned for a check response that reports an
	// error the orchestrator has no event for.
	ErrRequestFailed = errors.New("zigbee2mqtt: request failed")

	// ErrNotStarted is returned when a command is issued before Start.
	ErrNotStarted = errors.New("zigbee2mqtt: bridge not started")
)
