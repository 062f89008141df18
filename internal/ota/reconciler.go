package ota

import "context"

// reconcile rebuilds the registry from a full device list. It is
// idempotent: applying the same snapshot twice leaves the registry, the
// queue and the watchdogs as the first application left them.
//
// Rules, per reported device:
//   - not OTA-capable: forgotten
//   - updating: adopted unless already updating locally (no command sent)
//   - available: idle devices become update_available and, outside dry
//     run, queued; devices already further along are left alone
//   - idle: waiting devices return to idle; updating devices finish once
//     the bridge has confirmed their transfer, otherwise they are left to
//     their completion event or watchdog
//   - no update information: left alone; new devices start idle
//
// Tracked devices missing from the list are forgotten. Dispatch runs once,
// after every entry has been applied, so devices adopted later in the list
// still count against the limit.
func (o *Orchestrator) reconcile(ctx context.Context, snap Snapshot) {
	now := o.clock.Now()
	seen := make(map[string]struct{}, len(snap.Devices))
	var added int

	for _, entry := range snap.Devices {
		if entry.Key == "" {
			continue
		}
		if !entry.OTACapable {
			o.removeDevice(entry.Key, "device does not support OTA updates")
			continue
		}
		if _, dup := seen[entry.Key]; dup {
			continue
		}
		seen[entry.Key] = struct{}{}

		dev, created := o.registry.Upsert(entry.Key, entry.FriendlyName, now)
		if created {
			added++
		}
		o.reconcileEntry(dev, entry.UpdateState)
	}

	var removed int
	for _, key := range o.registry.Keys() {
		if _, ok := seen[key]; !ok {
			o.removeDevice(key, "device no longer reported by bridge")
			removed++
		}
	}

	first := !o.synced
	o.synced = true
	if first {
		o.syncedAt = now
		if o.cfg.CheckOnStartup {
			o.scanPending = true
		}
	}

	o.dispatch(ctx)

	o.log.Info("device list reconciled",
		"devices", o.registry.Len(),
		"added", added,
		"removed", removed,
		"queued", o.limiter.QueueLen(),
		"updating", o.limiter.UpdatingLen(),
	)
}

func (o *Orchestrator) reconcileEntry(dev *Device, reported ReportedState) {
	switch reported {
	case ReportedUpdating:
		dev.UpdateAvailable = true
		if dev.State != StateUpdating {
			o.adopt(dev, "transfer in progress at startup or reconnect")
		}
		dev.Transferring = true
	case ReportedAvailable:
		dev.UpdateAvailable = true
		o.markAvailable(dev)
	case ReportedIdle:
		if dev.State == StateUpdating {
			o.idleWhileUpdating(dev, "device list")
			return
		}
		dev.UpdateAvailable = false
		o.markNoUpdate(dev)
	}
}
