package ota

import (
	"fmt"
	"time"
)

// State is a device's position in the update lifecycle.
type State string

// Lifecycle states.
//
// Succeeded and Stalled are transient: they are reported to observers but
// a device never rests in them. Failed is transient when retries remain
// (the device moves on to Queued) and terminal otherwise.
const (
	StateIdle            State = "idle"
	StateUpdateAvailable State = "update_available"
	StateQueued          State = "queued"
	StateUpdating        State = "updating"
	StateSucceeded       State = "succeeded"
	StateFailed          State = "failed"
	StateStalled         State = "stalled"
)

// AllStates lists every lifecycle state in display order.
var AllStates = []State{
	StateIdle,
	StateUpdateAvailable,
	StateQueued,
	StateUpdating,
	StateSucceeded,
	StateFailed,
	StateStalled,
}

// transitions lists the allowed target states for each state.
var transitions = map[State][]State{
	StateIdle:            {StateUpdateAvailable, StateUpdating},
	StateUpdateAvailable: {StateQueued, StateIdle, StateUpdating},
	StateQueued:          {StateUpdating, StateIdle},
	StateUpdating:        {StateSucceeded, StateFailed, StateStalled},
	StateSucceeded:       {StateIdle},
	StateFailed:          {StateQueued, StateUpdateAvailable, StateUpdating},
	StateStalled:         {StateQueued, StateUpdateAvailable, StateFailed},
}

// CanTransition reports whether a device may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when from→to is not allowed.
func ValidateTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ReportedState is the update state as the bridge reports it.
type ReportedState string

// Bridge-reported update states. ReportedUnknown means the report carried
// no update information.
const (
	ReportedUnknown   ReportedState = ""
	ReportedIdle      ReportedState = "idle"
	ReportedAvailable ReportedState = "available"
	ReportedUpdating  ReportedState = "updating"
)

// Device is the orchestrator's record of one OTA-capable device.
type Device struct {
	// Key is the stable identifier (the IEEE address).
	Key string `json:"key"`

	// FriendlyName is the bridge's human-readable name. Events may refer
	// to a device by either.
	FriendlyName string `json:"friendly_name"`

	State State `json:"state"`

	// RetryCount is the number of failed attempts in the current cycle.
	// It never exceeds the configured maximum.
	RetryCount int `json:"retry_count"`

	// UpdateAvailable mirrors the bridge's availability flag.
	UpdateAvailable bool `json:"update_available"`

	// Attempt tracking, reset when a new attempt starts.
	AttemptStartedAt time.Time     `json:"attempt_started_at,omitzero"`
	LastProgressAt   time.Time     `json:"last_progress_at,omitzero"`
	LastPercent      float64       `json:"last_percent"`
	Remaining        time.Duration `json:"remaining,omitempty"`

	// Adopted is set when the current attempt was found in progress rather
	// than started by this service.
	Adopted bool `json:"adopted,omitempty"`

	// Transferring is set once the bridge has reported the current attempt
	// as running (a progress report, or an adopted transfer). Until then an
	// idle report may predate the start command.
	Transferring bool `json:"transferring,omitempty"`

	// LastError is the reason the most recent attempt failed.
	LastError string `json:"last_error,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Attempt returns the 1-based number of the current or most recent attempt.
func (d *Device) Attempt() int {
	return d.RetryCount + 1
}

// Name returns the friendly name, falling back to the key.
func (d *Device) Name() string {
	if d.FriendlyName != "" {
		return d.FriendlyName
	}
	return d.Key
}

// Config holds orchestration settings.
type Config struct {
	// MaxConcurrent bounds the number of devices in the updating set.
	MaxConcurrent int

	// Timeout is how long an updating device may stay silent before it is
	// treated as stalled.
	Timeout time.Duration

	// MaxRetries bounds RetryCount. A device gets at most MaxRetries+1 attempts.
	MaxRetries int

	// DryRun reports available updates but never starts one.
	DryRun bool

	// CheckOnStartup asks the bridge to check every device once the first
	// snapshot has been reconciled.
	CheckOnStartup bool

	// ExitWhenDone makes Run return once the first snapshot has been
	// reconciled and settled, every queued event has been applied, and
	// nothing is queued or updating.
	ExitWhenDone bool
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var problems []string
	if c.MaxConcurrent < 1 {
		problems = append(problems, "max concurrent must be at least 1")
	}
	if c.Timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}
	if c.MaxRetries < 0 {
		problems = append(problems, "max retries must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, problems)
	}
	return nil
}

// Stats summarises the orchestrator for status endpoints.
type Stats struct {
	Devices       int           `json:"devices"`
	ByState       map[State]int `json:"by_state"`
	Queued        []string      `json:"queued"`
	Updating      []string      `json:"updating"`
	MaxConcurrent int           `json:"max_concurrent"`
	MaxRetries    int           `json:"max_retries"`
	Timeout       string        `json:"timeout"`
	DryRun        bool          `json:"dry_run"`
	Synced        bool          `json:"synced"`

	// Outcomes counts finished attempts by how they ended (succeeded,
	// failed, stalled) since the orchestrator started. Devices never rest
	// in succeeded, so ByState cannot answer this.
	Outcomes map[State]int `json:"outcomes"`
}
