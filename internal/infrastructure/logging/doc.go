// Package logging provides structured logging for z2m-ota.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same handler and default fields.
//
// # Features
//
//   - Text output for a terminal or container log (default)
//   - JSON output for log shippers
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "text"     # text, json
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	otaLog := logger.With("component", "ota")
//	otaLog.Info("update started", "device", name)
//
// Each subsystem gets its own component attribute (mqtt, zigbee2mqtt, ota,
// history, api). Device-scoped entries carry "device" with the friendly
// name when known, else the IEEE address.
//
// Never log the MQTT password or the InfluxDB token.
package logging
