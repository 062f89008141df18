package history

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/z2m-ota/internal/ota"
)

// ErrDeviceRequired is returned when a query or record has no device key.
var ErrDeviceRequired = errors.New("history: device key is required")

// Attempt is one finished update attempt.
type Attempt struct {
	// ID is the auto-incremented primary key.
	ID int64 `json:"id"`

	DeviceKey    string `json:"device_key"`
	FriendlyName string `json:"friendly_name"`

	// Number is the 1-based attempt number within the device's retry cycle.
	Number int `json:"attempt"`

	// Outcome is StateSucceeded, StateFailed or StateStalled.
	Outcome ota.State `json:"outcome"`
	Reason  string    `json:"reason,omitempty"`

	// Terminal is set when the attempt exhausted the retry budget.
	Terminal bool `json:"terminal"`

	// Adopted is set when the attempt was found in progress at the bridge.
	Adopted bool `json:"adopted"`

	LastPercent float64       `json:"last_percent"`
	StartedAt   time.Time     `json:"started_at,omitzero"`
	FinishedAt  time.Time     `json:"finished_at"`
	Duration    time.Duration `json:"duration"`
}

// Repository stores and retrieves finished attempts.
//
// Implementations must be thread-safe and use UTC timestamps.
type Repository interface {
	// Record inserts a finished attempt and returns its ID.
	Record(ctx context.Context, a Attempt) (int64, error)

	// MarkTerminal flags the device's most recent attempt as terminal.
	// It is a no-op when the device has no recorded attempts.
	MarkTerminal(ctx context.Context, deviceKey string) error

	// ListByDevice returns the device's attempts, newest first.
	ListByDevice(ctx context.Context, deviceKey string, limit int) ([]Attempt, error)

	// Recent returns attempts across all devices, newest first.
	Recent(ctx context.Context, limit int) ([]Attempt, error)

	// Prune deletes attempts that finished before now-olderThan.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// FromNotice converts a transition out of the updating state into an
// Attempt. ok is false for every other notice.
func FromNotice(n ota.Notice) (a Attempt, ok bool) {
	if n.Kind != ota.NoticeTransition || n.From != ota.StateUpdating {
		return Attempt{}, false
	}
	switch n.To {
	case ota.StateSucceeded, ota.StateFailed, ota.StateStalled:
	default:
		return Attempt{}, false
	}

	d := n.Device
	a = Attempt{
		DeviceKey:    d.Key,
		FriendlyName: d.FriendlyName,
		Number:       d.Attempt(),
		Outcome:      n.To,
		Reason:       n.Reason,
		Terminal:     n.Terminal,
		Adopted:      d.Adopted,
		LastPercent:  d.LastPercent,
		StartedAt:    d.AttemptStartedAt,
		FinishedAt:   n.Time,
	}
	if !d.AttemptStartedAt.IsZero() && n.Time.After(d.AttemptStartedAt) {
		a.Duration = n.Time.Sub(d.AttemptStartedAt)
	}
	return a, true
}

// isLateTerminal reports a stalled attempt that turned out to be the last:
// its terminal flag arrives in a separate stalled→failed notice.
func isLateTerminal(n ota.Notice) bool {
	return n.Kind == ota.NoticeTransition &&
		n.Terminal &&
		n.From == ota.StateStalled &&
		n.To == ota.StateFailed
}
