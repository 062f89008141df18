package ota

import (
	"context"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"
)

type expiry struct {
	key string
	gen uint64
}

func newTestWatchdog() (*Watchdog, *testingclock.FakeClock, chan expiry) {
	clk := testingclock.NewFakeClock(epoch)
	fired := make(chan expiry, 8)
	w := NewWatchdog(clk, func(key string, gen uint64) {
		fired <- expiry{key: key, gen: gen}
	})
	return w, clk, fired
}

func waitExpiry(t *testing.T, fired <-chan expiry) expiry {
	t.Helper()
	select {
	case e := <-fired:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
		return expiry{}
	}
}

func noExpiry(t *testing.T, fired <-chan expiry) {
	t.Helper()
	select {
	case e := <-fired:
		t.Errorf("unexpected expiry %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
}

// =============================================================================
// Watchdog Tests
// =============================================================================

func TestWatchdog_FiresAfterTimeout(t *testing.T) {
	w, clk, fired := newTestWatchdog()
	gen := w.Arm("A", time.Minute)

	clk.Step(59 * time.Second)
	noExpiry(t, fired)

	clk.Step(time.Second)
	e := waitExpiry(t, fired)
	if e.key != "A" || e.gen != gen {
		t.Errorf("expiry = %+v, want {A %d}", e, gen)
	}
	if !w.Current("A", gen) {
		t.Error("Current() = false after firing, want entry kept until cancelled")
	}
}

func TestWatchdog_ResetRestartsCountdown(t *testing.T) {
	w, clk, fired := newTestWatchdog()
	first := w.Arm("A", time.Minute)

	clk.Step(50 * time.Second)
	if !w.Reset("A") {
		t.Fatal("Reset() = false, want true")
	}
	if w.Current("A", first) {
		t.Error("Current(old gen) = true after reset")
	}

	clk.Step(50 * time.Second)
	noExpiry(t, fired)

	clk.Step(10 * time.Second)
	e := waitExpiry(t, fired)
	if e.gen == first {
		t.Errorf("expiry gen = %d, want the reset generation", e.gen)
	}
}

func TestWatchdog_CancelStops(t *testing.T) {
	w, clk, fired := newTestWatchdog()
	w.Arm("A", time.Minute)

	if !w.Cancel("A") {
		t.Error("Cancel() = false, want true")
	}
	if w.Cancel("A") {
		t.Error("second Cancel() = true, want false")
	}
	clk.Step(2 * time.Minute)
	noExpiry(t, fired)

	if w.Reset("A") {
		t.Error("Reset() after cancel = true, want false")
	}
}

func TestWatchdog_RearmReplaces(t *testing.T) {
	w, clk, fired := newTestWatchdog()
	w.Arm("A", time.Minute)
	gen := w.Arm("A", time.Minute)

	if w.Len() != 1 {
		t.Errorf("Len() = %d, want 1", w.Len())
	}
	clk.Step(time.Minute)
	e := waitExpiry(t, fired)
	if e.gen != gen {
		t.Errorf("expiry gen = %d, want %d", e.gen, gen)
	}
	noExpiry(t, fired)
}

func TestWatchdog_CancelAll(t *testing.T) {
	w, clk, fired := newTestWatchdog()
	w.Arm("A", time.Minute)
	w.Arm("B", 2*time.Minute)

	w.CancelAll()
	if w.Len() != 0 {
		t.Errorf("Len() = %d, want 0", w.Len())
	}
	clk.Step(3 * time.Minute)
	noExpiry(t, fired)
}

// =============================================================================
// Stall Handling Tests
// =============================================================================

func TestStall_RequeuesWithRetry(t *testing.T) {
	h := newHarness(t, testConfig())
	h.handle(t, snapshot(entry("A", ReportedAvailable), entry("B", ReportedAvailable)))

	h.expire(t, 10*time.Minute)
	checkInvariants(t, h.o)

	a := h.device(t, "A")
	if a.State != StateQueued || a.RetryCount != 1 {
		t.Errorf("A = %+v, want queued with RetryCount 1", a)
	}
	if got := h.cmd.Starts(); len(got) != 2 || got[1] != "B" {
		t.Errorf("starts = %v, want [A B]", got)
	}

	var stalled bool
	for _, n := range h.events.Kind(NoticeTransition) {
		if n.Device.Key == "A" && n.To == StateStalled {
			stalled = true
		}
	}
	if !stalled {
		t.Error("no stalled transition notice for A")
	}
}

func TestStall_TerminalAfterLastRetry(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	h := newHarness(t, cfg)
	h.handle(t, snapshot(entry("A", ReportedAvailable)))

	h.expire(t, 10*time.Minute)
	checkInvariants(t, h.o)

	if h.state(t, "A") != StateFailed {
		t.Errorf("A = %s, want failed", h.state(t, "A"))
	}
	if n := h.log.count("unexpected lifecycle transition"); n != 0 {
		t.Errorf("invalid transitions logged = %d", n)
	}
}

func TestStall_ProgressKeepsAlive(t *testing.T) {
	h := newHarness(t, testConfig())
	h.handle(t, snapshot(entry("A", ReportedAvailable)))

	for i := 0; i < 3; i++ {
		h.clock.Step(9 * time.Minute)
		h.handle(t, Status{Device: "A", State: ReportedUpdating, Progress: float64(i * 30), HasProgress: true})
	}
	h.noPendingEvents(t)

	if h.state(t, "A") != StateUpdating {
		t.Errorf("A = %s, want still updating", h.state(t, "A"))
	}
	checkInvariants(t, h.o)
}

func TestStall_StaleGenerationDiscarded(t *testing.T) {
	h := newHarness(t, testConfig())
	h.handle(t, snapshot(entry("A", ReportedAvailable)))

	stale := h.currentGen("A")
	h.handle(t, Status{Device: "A", State: ReportedUpdating, Progress: 1, HasProgress: true})
	if h.currentGen("A") == stale {
		t.Fatal("progress did not re-arm the watchdog")
	}

	h.handle(t, stallEvent{key: "A", gen: stale})
	if h.state(t, "A") != StateUpdating {
		t.Errorf("A = %s after stale stall, want updating", h.state(t, "A"))
	}

	// A stall for a device that already finished is ignored too.
	gen := h.currentGen("A")
	h.handle(t, Completion{Device: "A", Success: true})
	h.handle(t, stallEvent{key: "A", gen: gen})
	if d := h.device(t, "A"); d.State != StateIdle || d.RetryCount != 0 {
		t.Errorf("A = %+v, want idle and uncharged", d)
	}
	checkInvariants(t, h.o)
}

func TestStall_AdoptedDevice(t *testing.T) {
	h := newHarness(t, testConfig())
	h.handle(t, snapshot(entry("D", ReportedUpdating)))

	h.expire(t, 10*time.Minute)
	checkInvariants(t, h.o)

	d := h.device(t, "D")
	if d.RetryCount != 1 || d.Adopted {
		t.Errorf("D = %+v, want RetryCount 1 and no longer adopted", d)
	}
	// Re-queued and, with the slot free, started by this service.
	if got := h.cmd.Starts(); len(got) != 1 || got[0] != "D" {
		t.Errorf("starts = %v, want [D]", got)
	}
	if err := h.o.Handle(context.Background(), Completion{Device: "D", Success: true}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if h.state(t, "D") != StateIdle {
		t.Errorf("D = %s, want idle", h.state(t, "D"))
	}
}
