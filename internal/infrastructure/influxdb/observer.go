package influxdb

import (
	"github.com/nerrad567/z2m-ota/internal/ota"
)

// Observer writes orchestrator notices to InfluxDB: every progress report
// and every attempt that leaves the updating state.
type Observer struct {
	client *Client
}

// NewObserver returns an ota.Observer backed by client.
func NewObserver(client *Client) *Observer {
	return &Observer{client: client}
}

// Observe implements ota.Observer. Writes are batched and never block.
func (o *Observer) Observe(n ota.Notice) {
	d := n.Device
	switch {
	case n.Kind == ota.NoticeProgress:
		o.client.WriteOTAProgress(d.Key, d.FriendlyName, d.LastPercent, d.Remaining, n.Time)

	case n.Kind == ota.NoticeTransition && n.From == ota.StateUpdating:
		dur := n.Time.Sub(d.AttemptStartedAt)
		if d.AttemptStartedAt.IsZero() || dur < 0 {
			dur = 0
		}
		o.client.WriteOTAOutcome(Outcome{
			DeviceKey:    d.Key,
			FriendlyName: d.FriendlyName,
			Result:       string(n.To),
			Attempt:      d.Attempt(),
			Duration:     dur,
			Percent:      d.LastPercent,
			Terminal:     n.Terminal,
			Adopted:      d.Adopted,
			Reason:       n.Reason,
		}, n.Time)
	}
}
