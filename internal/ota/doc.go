// Package ota coordinates firmware updates for Zigbee devices that are only
// reachable through an MQTT bridge.
//
// # Architecture
//
//	transport handlers ──Submit──▶ events ──Run──▶ Orchestrator.Handle
//	watchdog expiry ─────Submit──┘                       │
//	                                                     ▼
//	        Registry ◀── Limiter ◀── Watchdog ◀── RetryPolicy
//	                                                     │
//	                       Commander (start / check) ◀───┤
//	                       Observers (notices) ◀─────────┘
//
// Every device moves through:
//
//	idle → update_available → queued → updating → succeeded → idle
//	                              ▲         │
//	                              └─ failed / stalled (retries left)
//	                                        │
//	                                        └─ failed (terminal)
//
// # Guarantees
//
//   - No start command is sent while MaxConcurrent devices are updating.
//   - A device is never both queued and updating, and is queued at most once.
//   - RetryCount never exceeds MaxRetries; a device that exhausts its retries
//     stays failed until an operator calls Retry.
//   - Every updating device has exactly one watchdog; leaving the updating
//     set cancels it.
//
// Nothing is persisted for correctness. After a restart or reconnect the
// bridge's device list is reconciled and transfers it reports as running
// are adopted without a new command.
//
// # Usage
//
//	orch, err := ota.New(ota.Config{
//	    MaxConcurrent: 1,
//	    Timeout:       30 * time.Minute,
//	    MaxRetries:    3,
//	}, bridge, ota.Options{Logger: log})
//	if err != nil {
//	    return err
//	}
//	go orch.Run(ctx)
//	orch.Submit(ota.Snapshot{Devices: entries})
package ota
