package ota

import "errors"

// Domain errors for the ota package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, ota.ErrUnknownDevice) {
//	    // not an OTA-capable device we track
//	}
var (
	// ErrInvalidConfig is returned by New when the configuration is unusable.
	ErrInvalidConfig = errors.New("ota: invalid configuration")

	// ErrUnknownDevice is returned when an event or request names a device
	// that is not in the registry.
	ErrUnknownDevice = errors.New("ota: unknown device")

	// ErrInvalidTransition is returned when a lifecycle transition is not allowed.
	ErrInvalidTransition = errors.New("ota: invalid state transition")

	// ErrNotFailed is returned by Retry for a device that is not terminally failed.
	ErrNotFailed = errors.New("ota: device has not failed")

	// ErrDryRun is returned for operations that would start an update in dry-run mode.
	ErrDryRun = errors.New("ota: dry run, updates are not started")

	// ErrStopped is returned once the orchestrator has shut down.
	ErrStopped = errors.New("ota: orchestrator stopped")

	// ErrQueueFull is returned by TrySubmit when the event queue has no room.
	ErrQueueFull = errors.New("ota: event queue full")

	// ErrUnknownEvent is returned for event types the orchestrator does not handle.
	ErrUnknownEvent = errors.New("ota: unknown event")
)
