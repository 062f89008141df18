package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementProgress = "ota_progress"
	measurementOutcome  = "ota_attempt"
)

// Outcome describes a finished update attempt.
type Outcome struct {
	DeviceKey    string
	FriendlyName string

	// Result is "succeeded", "failed" or "stalled".
	Result   string
	Attempt  int
	Duration time.Duration
	Percent  float64
	Terminal bool
	Adopted  bool
	Reason   string
}

// WriteOTAProgress records a transfer progress report.
//
// Example:
//
//	client.WriteOTAProgress("0x00158d0001a2b3c4", "hallway_sensor", 45, 10*time.Minute, time.Now())
func (c *Client) WriteOTAProgress(deviceKey, friendlyName string, percent float64, remaining time.Duration, ts time.Time) {
	fields := map[string]any{
		"percent": percent,
	}
	if remaining > 0 {
		fields["remaining_seconds"] = remaining.Seconds()
	}

	c.WritePointWithTime(measurementProgress,
		map[string]string{
			"device":        deviceKey,
			"friendly_name": friendlyName,
		},
		fields,
		ts,
	)
}

// WriteOTAOutcome records the end of an update attempt.
func (c *Client) WriteOTAOutcome(o Outcome, ts time.Time) {
	fields := map[string]any{
		"attempt":          o.Attempt,
		"duration_seconds": o.Duration.Seconds(),
		"percent":          o.Percent,
		"terminal":         o.Terminal,
		"adopted":          o.Adopted,
	}
	if o.Reason != "" {
		fields["reason"] = o.Reason
	}

	c.WritePointWithTime(measurementOutcome,
		map[string]string{
			"device":        o.DeviceKey,
			"friendly_name": o.FriendlyName,
			"result":        o.Result,
		},
		fields,
		ts,
	)
}

// WritePoint writes a custom point timestamped now.
//
// Example:
//
//	client.WritePoint("ota_fleet",
//	    map[string]string{"state": "queued"},
//	    map[string]any{"devices": 3})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
