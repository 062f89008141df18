package ota

import "time"

// NoticeKind classifies orchestrator notices.
type NoticeKind string

// Notice kinds.
const (
	// NoticeTransition reports a lifecycle state change.
	NoticeTransition NoticeKind = "transition"
	// NoticeProgress reports transfer progress for an updating device.
	NoticeProgress NoticeKind = "progress"
	// NoticeCommand reports a start command, sent or (in dry run) withheld.
	NoticeCommand NoticeKind = "command"
	// NoticeCheck reports an update check request.
	NoticeCheck NoticeKind = "check"
	// NoticeRemoved reports a device dropped from the registry.
	NoticeRemoved NoticeKind = "removed"
)

// Notice describes something the orchestrator did. Notices produced while
// applying one event are delivered together, in order, after the event has
// been applied.
type Notice struct {
	Kind NoticeKind `json:"kind"`
	Time time.Time  `json:"time"`

	// Device is a copy of the record after the change.
	Device Device `json:"device"`

	From State `json:"from,omitempty"`
	To   State `json:"to,omitempty"`

	// Reason explains failures, removals and adoptions.
	Reason string `json:"reason,omitempty"`

	// Terminal marks the transition into a final failure.
	Terminal bool `json:"terminal,omitempty"`

	// DryRun marks a command that was not sent.
	DryRun bool `json:"dry_run,omitempty"`

	// Err is set when a command could not be published.
	Err string `json:"error,omitempty"`
}

// Observer receives notices. Observe is called from the goroutine that
// applied the event and must not call back into the orchestrator's
// mutating methods.
type Observer interface {
	Observe(Notice)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Notice)

// Observe calls f(n).
func (f ObserverFunc) Observe(n Notice) { f(n) }
