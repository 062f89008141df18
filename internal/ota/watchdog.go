package ota

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Watchdog keeps one countdown per in-flight device. When a countdown runs
// out without being reset, the expiry callback receives the device key and
// the generation of the timer that fired.
//
// Re-arming a key replaces its timer; timers never stack. A fired timer
// keeps its entry until the key is re-armed or cancelled, so the callback's
// consumer can check Current before acting.
//
// All methods are safe for concurrent use.
type Watchdog struct {
	clock    clock.WithDelayedExecution
	onExpire func(key string, gen uint64)

	mu      sync.Mutex
	timers  map[string]*watch
	nextGen uint64
}

type watch struct {
	timer   clock.Timer
	gen     uint64
	timeout time.Duration
	fired   bool
}

// NewWatchdog creates a watchdog. onExpire runs on the clock's goroutine and
// must not block for long.
func NewWatchdog(clk clock.WithDelayedExecution, onExpire func(key string, gen uint64)) *Watchdog {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Watchdog{
		clock:    clk,
		onExpire: onExpire,
		timers:   make(map[string]*watch),
	}
}

// Arm starts or replaces the countdown for key and returns its generation.
func (w *Watchdog) Arm(key string, timeout time.Duration) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armLocked(key, timeout)
}

// Reset restarts key's countdown with its full timeout. It returns false
// when key has no timer.
func (w *Watchdog) Reset(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	existing, ok := w.timers[key]
	if !ok {
		return false
	}
	w.armLocked(key, existing.timeout)
	return true
}

// Cancel stops key's countdown. It reports whether one existed.
func (w *Watchdog) Cancel(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	existing, ok := w.timers[key]
	if !ok {
		return false
	}
	existing.timer.Stop()
	delete(w.timers, key)
	return true
}

// CancelAll stops every countdown.
func (w *Watchdog) CancelAll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for key, existing := range w.timers {
		existing.timer.Stop()
		delete(w.timers, key)
	}
}

// Current reports whether gen is the live timer for key.
func (w *Watchdog) Current(key string, gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	existing, ok := w.timers[key]
	return ok && existing.gen == gen
}

// Armed reports whether key has a timer, fired or not.
func (w *Watchdog) Armed(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.timers[key]
	return ok
}

// Len returns the number of timers.
func (w *Watchdog) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}

func (w *Watchdog) armLocked(key string, timeout time.Duration) uint64 {
	if existing, ok := w.timers[key]; ok {
		existing.timer.Stop()
	}

	w.nextGen++
	gen := w.nextGen
	entry := &watch{gen: gen, timeout: timeout}
	entry.timer = w.clock.AfterFunc(timeout, func() {
		w.fire(key, gen)
	})
	w.timers[key] = entry
	return gen
}

func (w *Watchdog) fire(key string, gen uint64) {
	w.mu.Lock()
	existing, ok := w.timers[key]
	if !ok || existing.gen != gen || existing.fired {
		w.mu.Unlock()
		return
	}
	existing.fired = true
	w.mu.Unlock()

	if w.onExpire != nil {
		w.onExpire(key, gen)
	}
}
