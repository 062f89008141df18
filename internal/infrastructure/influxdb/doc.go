// Package influxdb writes OTA update telemetry to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes, and health checks.
//
// # Measurements
//
//   - ota_progress: percent and remaining_seconds per progress report,
//     tagged by device and friendly_name
//   - ota_attempt: one point per finished attempt, tagged by device,
//     friendly_name and result (succeeded, failed, stalled)
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	orch.AddObserver(influxdb.NewObserver(client))
//
// Telemetry is optional. Connect returns ErrDisabled when influxdb.enabled
// is false and the service runs without it.
//
// # Error Handling
//
// Writes are non-blocking. Batch errors are delivered to the SetOnError
// callback wrapped in ErrWriteFailed. Connection and health check errors are
// returned directly.
package influxdb
