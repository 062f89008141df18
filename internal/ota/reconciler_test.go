package ota

import (
	"reflect"
	"testing"
)

// fleetView captures everything reconciliation may change.
type fleetView struct {
	devices  []Device
	queue    []string
	updating []string
	gens     map[string]uint64
}

func viewOf(h *harness) fleetView {
	v := fleetView{
		devices:  h.o.Devices(),
		queue:    h.o.limiter.Queue(),
		updating: h.o.limiter.Updating(),
		gens:     make(map[string]uint64),
	}
	for _, d := range v.devices {
		if gen := h.currentGen(d.Key); gen != 0 {
			v.gens[d.Key] = gen
		}
	}
	return v
}

// =============================================================================
// Reconciliation Tests
// =============================================================================

func TestReconcile_Idempotent(t *testing.T) {
	snaps := []Snapshot{
		snapshot(entry("A", ReportedAvailable), entry("B", ReportedAvailable), entry("C", ReportedIdle)),
		snapshot(entry("A", ReportedUpdating), entry("B", ReportedAvailable), entry("C", ReportedUnknown)),
		snapshot(entry("A", ReportedIdle), entry("B", ReportedUpdating), entry("C", ReportedAvailable)),
	}

	for i, snap := range snaps {
		h := newHarness(t, testConfig())
		h.handle(t, snap)
		first := viewOf(h)
		starts := len(h.cmd.Starts())

		h.handle(t, snap)
		second := viewOf(h)

		if !reflect.DeepEqual(first, second) {
			t.Errorf("snapshot %d: second application changed state\nfirst:  %+v\nsecond: %+v", i, first, second)
		}
		if got := len(h.cmd.Starts()); got != starts {
			t.Errorf("snapshot %d: starts = %d after reapply, want %d", i, got, starts)
		}
		checkInvariants(t, h.o)
	}
}

func TestReconcile_RemovesMissingDevices(t *testing.T) {
	h := newHarness(t, testConfig())
	h.handle(t, snapshot(entry("A", ReportedAvailable), entry("B", ReportedAvailable), entry("C", ReportedIdle)))

	h.handle(t, snapshot(entry("B", ReportedAvailable)))
	checkInvariants(t, h.o)

	if _, ok := h.o.Device("A"); ok {
		t.Error("A still tracked after removal")
	}
	if _, ok := h.o.Device("C"); ok {
		t.Error("C still tracked after removal")
	}
	// A's slot is freed, so B starts.
	if h.state(t, "B") != StateUpdating {
		t.Errorf("B = %s, want updating", h.state(t, "B"))
	}
	if n := len(h.events.Kind(NoticeRemoved)); n != 2 {
		t.Errorf("removed notices = %d, want 2", n)
	}
}

func TestReconcile_DropsNonCapable(t *testing.T) {
	h := newHarness(t, testConfig())
	h.handle(t, snapshot(entry("A", ReportedIdle)))

	notCapable := entry("A", ReportedAvailable)
	notCapable.OTACapable = false
	h.handle(t, snapshot(notCapable, SnapshotEntry{Key: "", OTACapable: true}))

	if h.o.registry.Len() != 0 {
		t.Errorf("registry size = %d, want 0", h.o.registry.Len())
	}
	if len(h.cmd.Starts()) != 0 {
		t.Errorf("starts = %v, want none", h.cmd.Starts())
	}
}

func TestReconcile_IdleReturnsWaitingDevices(t *testing.T) {
	h := newHarness(t, testConfig())
	h.handle(t, snapshot(entry("A", ReportedAvailable), entry("B", ReportedAvailable)))

	h.handle(t, snapshot(entry("A", ReportedIdle), entry("B", ReportedIdle)))
	checkInvariants(t, h.o)

	// A's transfer was never confirmed, so it waits for its completion;
	// queued B goes idle.
	if h.state(t, "A") != StateUpdating {
		t.Errorf("A = %s, want updating", h.state(t, "A"))
	}
	if h.state(t, "B") != StateIdle {
		t.Errorf("B = %s, want idle", h.state(t, "B"))
	}
}

func TestReconcile_KeepsFailedDevices(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	h := newHarness(t, cfg)
	h.handle(t, snapshot(entry("A", ReportedAvailable)))
	h.handle(t, Completion{Device: "A", Success: false})

	h.handle(t, snapshot(entry("A", ReportedAvailable)))
	if h.state(t, "A") != StateFailed {
		t.Errorf("A = %s, want failed", h.state(t, "A"))
	}
	if len(h.cmd.Starts()) != 1 {
		t.Errorf("starts = %v, want one", h.cmd.Starts())
	}
}

func TestReconcile_RenameKeepsState(t *testing.T) {
	h := newHarness(t, testConfig())
	h.handle(t, snapshot(entry("A", ReportedAvailable)))

	renamed := entry("A", ReportedUpdating)
	renamed.FriendlyName = "porch"
	h.handle(t, snapshot(renamed))

	d := h.device(t, "porch")
	if d.Key != "A" || d.State != StateUpdating || d.Adopted {
		t.Errorf("device = %+v, want the same in-flight attempt under the new name", d)
	}
}

func TestReconcile_DuplicateEntriesIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	h.handle(t, snapshot(entry("A", ReportedAvailable), entry("A", ReportedIdle)))

	if h.state(t, "A") != StateUpdating {
		t.Errorf("A = %s, want the first entry to win", h.state(t, "A"))
	}
	checkInvariants(t, h.o)
}

func TestReconcile_IdleEndsAdoptedTransfer(t *testing.T) {
	h := newHarness(t, testConfig())
	h.handle(t, snapshot(entry("A", ReportedUpdating), entry("B", ReportedAvailable)))
	if h.state(t, "B") != StateQueued {
		t.Fatalf("B = %s, want queued behind adopted A", h.state(t, "B"))
	}

	h.handle(t, snapshot(entry("A", ReportedIdle), entry("B", ReportedAvailable)))
	checkInvariants(t, h.o)

	if h.state(t, "A") != StateIdle {
		t.Errorf("A = %s, want idle", h.state(t, "A"))
	}
	if h.state(t, "B") != StateUpdating {
		t.Errorf("B = %s, want updating in the freed slot", h.state(t, "B"))
	}
}
