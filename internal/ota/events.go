package ota

import (
	"context"
	"time"
)

// Event is anything the orchestrator consumes. Events are applied one at a
// time; each application is atomic with respect to the registry.
type Event interface {
	eventType() string
}

// SnapshotEntry is one device from a full device list.
type SnapshotEntry struct {
	Key          string
	FriendlyName string
	OTACapable   bool
	UpdateState  ReportedState
}

// Snapshot is the bridge's complete device list. It is authoritative: devices
// missing from it are forgotten.
type Snapshot struct {
	Devices []SnapshotEntry
}

// Availability reports whether new firmware exists for a device.
// Device is a key or a friendly name.
type Availability struct {
	Device    string
	Available bool
}

// Status is a per-device update status report.
type Status struct {
	Device string
	State  ReportedState

	// Progress is the transfer percentage; only meaningful when HasProgress.
	Progress    float64
	HasProgress bool

	// Remaining is the bridge's estimate, zero when not reported.
	Remaining time.Duration
}

// Completion is the bridge's final answer for an update request.
type Completion struct {
	Device  string
	Success bool
	Reason  string
}

// stallEvent is synthesized by the watchdog. gen identifies the timer that
// fired so a stall raced by a reset or re-arm can be discarded.
type stallEvent struct {
	key string
	gen uint64
}

func (Snapshot) eventType() string     { return "snapshot" }
func (Availability) eventType() string { return "availability" }
func (Status) eventType() string       { return "status" }
func (Completion) eventType() string   { return "completion" }
func (stallEvent) eventType() string   { return "stall" }

// Commander publishes commands to the bridge. Implementations must not call
// back into the orchestrator synchronously.
type Commander interface {
	// StartUpdate asks the bridge to begin a firmware transfer.
	StartUpdate(ctx context.Context, key string) error

	// CheckUpdate asks the bridge whether newer firmware exists.
	CheckUpdate(ctx context.Context, key string) error
}

// Logger defines the logging interface used by the orchestrator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
