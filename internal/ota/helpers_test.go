package ota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recordingCommander records commands and can be told to fail starts.
type recordingCommander struct {
	mu       sync.Mutex
	starts   []string
	checks   []string
	startErr error
	checkErr error
	onStart  func(key string)
}

func (c *recordingCommander) StartUpdate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onStart != nil {
		c.onStart(key)
	}
	if c.startErr != nil {
		return c.startErr
	}
	c.starts = append(c.starts, key)
	return nil
}

func (c *recordingCommander) CheckUpdate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checkErr != nil {
		return c.checkErr
	}
	c.checks = append(c.checks, key)
	return nil
}

func (c *recordingCommander) Starts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.starts...)
}

func (c *recordingCommander) Checks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.checks...)
}

func (c *recordingCommander) FailStarts(err error) {
	c.mu.Lock()
	c.startErr = err
	c.mu.Unlock()
}

// noticeRecorder collects notices.
type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) Observe(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *noticeRecorder) All() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

func (r *noticeRecorder) Kind(kind NoticeKind) []Notice {
	var out []Notice
	for _, n := range r.All() {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// testLogger records error-level messages.
type testLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *testLogger) Debug(string, ...any) {}
func (l *testLogger) Info(string, ...any)  {}
func (l *testLogger) Warn(string, ...any)  {}

func (l *testLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *testLogger) count(msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.errors {
		if m == msg {
			n++
		}
	}
	return n
}

type harness struct {
	o      *Orchestrator
	cmd    *recordingCommander
	clock  *testingclock.FakeClock
	events *noticeRecorder
	log    *testLogger
}

func testConfig() Config {
	return Config{
		MaxConcurrent: 1,
		Timeout:       10 * time.Minute,
		MaxRetries:    1,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		cmd:    &recordingCommander{},
		clock:  testingclock.NewFakeClock(epoch),
		events: &noticeRecorder{},
		log:    &testLogger{},
	}
	o, err := New(cfg, h.cmd, Options{
		Logger:    h.log,
		Clock:     h.clock,
		Observers: []Observer{h.events},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.o = o
	t.Cleanup(o.Shutdown)
	return h
}

func (h *harness) handle(t *testing.T, ev Event) {
	t.Helper()
	if err := h.o.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle(%T) error = %v", ev, err)
	}
}

func (h *harness) state(t *testing.T, key string) State {
	t.Helper()
	d, ok := h.o.Device(key)
	if !ok {
		t.Fatalf("device %q not tracked", key)
	}
	return d.State
}

func (h *harness) device(t *testing.T, key string) Device {
	t.Helper()
	d, ok := h.o.Device(key)
	if !ok {
		t.Fatalf("device %q not tracked", key)
	}
	return d
}

// expire advances the clock and applies the stall event the watchdog
// submits. The fake clock runs expiry callbacks on their own goroutine.
func (h *harness) expire(t *testing.T, d time.Duration) {
	t.Helper()
	h.clock.Step(d)
	select {
	case ev := <-h.o.events:
		h.handle(t, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}
}

// noPendingEvents asserts nothing was submitted, allowing the fake clock's
// callback goroutines a moment to run.
func (h *harness) noPendingEvents(t *testing.T) {
	t.Helper()
	time.Sleep(20 * time.Millisecond)
	if n := len(h.o.events); n != 0 {
		t.Errorf("pending events = %d, want 0", n)
	}
}

func (h *harness) currentGen(key string) uint64 {
	h.o.watchdog.mu.Lock()
	defer h.o.watchdog.mu.Unlock()
	if w, ok := h.o.watchdog.timers[key]; ok {
		return w.gen
	}
	return 0
}

func entry(key string, reported ReportedState) SnapshotEntry {
	return SnapshotEntry{Key: key, FriendlyName: "name-" + key, OTACapable: true, UpdateState: reported}
}

func snapshot(entries ...SnapshotEntry) Snapshot {
	return Snapshot{Devices: entries}
}

// checkInvariants verifies the registry, limiter and watchdog agree.
func checkInvariants(t *testing.T, o *Orchestrator) {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()

	queue := o.limiter.Queue()
	updating := o.limiter.Updating()

	seen := make(map[string]bool, len(queue))
	for _, k := range queue {
		if seen[k] {
			t.Errorf("key %s queued twice", k)
		}
		seen[k] = true
		if o.limiter.IsUpdating(k) {
			t.Errorf("key %s both queued and updating", k)
		}
		if d := o.registry.Get(k); d == nil || d.State != StateQueued {
			t.Errorf("queued key %s has device %+v", k, d)
		}
	}

	for _, k := range updating {
		if d := o.registry.Get(k); d == nil || d.State != StateUpdating {
			t.Errorf("updating key %s has device %+v", k, d)
		}
		if !o.watchdog.Armed(k) {
			t.Errorf("updating key %s has no watchdog", k)
		}
	}
	if o.watchdog.Len() != len(updating) {
		t.Errorf("watchdogs = %d, updating = %d", o.watchdog.Len(), len(updating))
	}

	for _, d := range o.registry.List() {
		if d.RetryCount > o.cfg.MaxRetries {
			t.Errorf("%s RetryCount = %d exceeds %d", d.Key, d.RetryCount, o.cfg.MaxRetries)
		}
		switch d.State {
		case StateQueued:
			if !o.limiter.IsQueued(d.Key) {
				t.Errorf("%s is queued but not in the queue", d.Key)
			}
		case StateUpdating:
			if !o.limiter.IsUpdating(d.Key) {
				t.Errorf("%s is updating without a slot", d.Key)
			}
		case StateSucceeded, StateStalled:
			t.Errorf("%s rests in transient state %s", d.Key, d.State)
		default:
			if o.limiter.IsQueued(d.Key) || o.limiter.IsUpdating(d.Key) {
				t.Errorf("%s in state %s holds a queue entry or slot", d.Key, d.State)
			}
		}
	}
}

var errPublish = errors.New("publish failed")
