package ota

import "time"

// RetryPolicy bounds how often a device's update is re-attempted. There is
// no backoff beyond going to the back of the queue.
type RetryPolicy struct {
	MaxRetries int
}

// ShouldRetry reports whether dev has retries left.
func (p RetryPolicy) ShouldRetry(dev *Device) bool {
	return dev.RetryCount < p.MaxRetries
}

// RecordAttemptFailure charges a failed attempt to dev and returns the
// state it should move to: StateQueued while retries remain, otherwise the
// terminal StateFailed. Progress is cleared for the next attempt.
func (p RetryPolicy) RecordAttemptFailure(dev *Device) State {
	if !p.ShouldRetry(dev) {
		return StateFailed
	}
	dev.RetryCount++
	dev.LastPercent = 0
	dev.Remaining = 0
	dev.LastProgressAt = time.Time{}
	return StateQueued
}
