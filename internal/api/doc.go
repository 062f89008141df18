// Package api implements the HTTP status API and WebSocket event stream for
// the OTA orchestrator.
//
// This package provides:
//   - REST endpoints to inspect devices, retry failed updates and trigger
//     an update check
//   - Attempt history from the SQLite journal
//   - WebSocket hub broadcasting orchestrator notices as they happen
//   - Prometheus metrics at /metrics
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Endpoints
//
//	GET  /api/v1/health                   liveness plus MQTT connectivity
//	GET  /api/v1/status                   fleet summary, bridge and runtime stats
//	GET  /api/v1/devices[?state=queued]   tracked devices
//	GET  /api/v1/devices/{key}            one device, by IEEE address or friendly name
//	POST /api/v1/devices/{key}/retry      re-queue a terminally failed device
//	GET  /api/v1/devices/{key}/history    finished attempts, newest first
//	GET  /api/v1/history[?limit=50]       finished attempts across all devices
//	POST /api/v1/scan                     ask the bridge to check every device
//	GET  /api/v1/ws                       WebSocket notices
//	GET  /metrics                         Prometheus exposition
//
// # WebSocket
//
// Clients subscribe to notice channels by kind:
//
//	{"type": "subscribe", "id": "1", "payload": {"channels": ["ota.transition", "ota.progress"]}}
//
// Channels are "ota." followed by the notice kind (transition, progress,
// command, check, removed), or "ota.device.<ieee>" for every notice about
// one device. "*" subscribes to all of them. A notice matching several of
// a client's channels is delivered once.
//
// # Security
//
// The API has no authentication. Bind it to a trusted interface or put it
// behind a reverse proxy.
package api
