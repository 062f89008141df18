package zigbee2mqtt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/nerrad567/z2m-ota/internal/infrastructure/mqtt"
	"github.com/nerrad567/z2m-ota/internal/ota"
)

// Bridge update states as they appear on the wire.
const (
	updateStateIdle      = "idle"
	updateStateAvailable = "available"
	updateStateUpdating  = "updating"
)

// errorNameMarkers precede a quoted device name in bridge error texts, e.g.
// "Update or check for update already in progress for 'kitchen'".
var errorNameMarkers = []string{"already in progress for '", "available for '"}

// Codec turns bridge messages into orchestrator events.
//
// It is stateless apart from the topic layout and safe for concurrent use.
type Codec struct {
	topics mqtt.Topics

	// transactions resolves a response's transaction id to the device the
	// request was sent for. Optional.
	transactions func(id string) (string, bool)
}

// NewCodec creates a codec for the given topic layout.
func NewCodec(topics mqtt.Topics) *Codec {
	return &Codec{topics: topics}
}

// WithTransactions returns a copy of c that resolves responses lacking a
// device id through lookup.
func (c *Codec) WithTransactions(lookup func(id string) (string, bool)) *Codec {
	cp := *c
	cp.transactions = lookup
	return &cp
}

// Decode maps one message to zero or more events. Messages that carry no
// OTA information decode to no events and no error.
//
// Unknown topics yield ErrUnhandledTopic; unparseable payloads yield
// ErrMalformedPayload. Check responses reporting an error the orchestrator
// has no event for yield ErrRequestFailed.
func (c *Codec) Decode(topic string, payload []byte) ([]ota.Event, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		// Removed devices leave an empty retained message behind.
		return nil, nil
	}

	switch topic {
	case c.topics.Devices():
		ev, err := c.decodeDevices(payload)
		if err != nil {
			return nil, err
		}
		return []ota.Event{ev}, nil
	case c.topics.OTAUpdateResponse():
		return c.decodeUpdateResponse(payload)
	case c.topics.OTACheckResponse():
		return c.decodeCheckResponse(payload)
	}

	if name := c.topics.DeviceName(topic); name != "" {
		return c.decodeDeviceState(name, payload)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnhandledTopic, topic)
}

// decodeDevices converts the device list into a snapshot. Entries without
// a definition (the coordinator, devices still interviewing) are dropped.
func (c *Codec) decodeDevices(payload []byte) (ota.Snapshot, error) {
	var entries []DeviceEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return ota.Snapshot{}, fmt.Errorf("%w: device list: %w", ErrMalformedPayload, err)
	}

	snap := ota.Snapshot{Devices: make([]ota.SnapshotEntry, 0, len(entries))}
	for _, e := range entries {
		if e.Definition == nil || e.IEEEAddress == "" {
			continue
		}
		snap.Devices = append(snap.Devices, ota.SnapshotEntry{
			Key:          e.IEEEAddress,
			FriendlyName: e.FriendlyName,
			OTACapable:   e.Definition.SupportsOTA,
			UpdateState:  reportedState(e),
		})
	}
	return snap, nil
}

func reportedState(e DeviceEntry) ota.ReportedState {
	if u := e.Update; u != nil {
		switch {
		case u.State == updateStateUpdating:
			return ota.ReportedUpdating
		case u.State == updateStateAvailable || u.availableFlag():
			return ota.ReportedAvailable
		case u.State == updateStateIdle:
			return ota.ReportedIdle
		}
	}
	if e.UpdateAvailable != nil {
		if *e.UpdateAvailable {
			return ota.ReportedAvailable
		}
		return ota.ReportedIdle
	}
	return ota.ReportedUnknown
}

// decodeDeviceState extracts update progress from a device state message.
// Most state messages are sensor readings and carry nothing of interest.
func (c *Codec) decodeDeviceState(name string, payload []byte) ([]ota.Event, error) {
	if bytes.TrimSpace(payload)[0] != '{' {
		// Plain values published on device topics by some converters.
		return nil, nil
	}

	var st DeviceState
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, fmt.Errorf("%w: state of %s: %w", ErrMalformedPayload, name, err)
	}

	if u := st.Update; u != nil {
		switch {
		case u.State == updateStateUpdating || u.Progress != nil:
			status := ota.Status{Device: name, State: ota.ReportedUpdating}
			if u.Progress != nil {
				status.Progress = *u.Progress
				status.HasProgress = true
			}
			if u.Remaining != nil {
				status.Remaining = seconds(*u.Remaining)
			}
			return []ota.Event{status}, nil
		case u.State == updateStateAvailable || u.availableFlag():
			return []ota.Event{ota.Availability{Device: name, Available: true}}, nil
		case u.State == updateStateIdle:
			return []ota.Event{ota.Status{Device: name, State: ota.ReportedIdle}}, nil
		}
		return nil, nil
	}

	if st.UpdateAvailable != nil {
		return []ota.Event{ota.Availability{Device: name, Available: *st.UpdateAvailable}}, nil
	}
	return nil, nil
}

// decodeUpdateResponse maps the final answer to an update request.
func (c *Codec) decodeUpdateResponse(payload []byte) ([]ota.Event, error) {
	resp, ref, err := c.parseResponse(payload)
	if err != nil {
		return nil, err
	}

	if resp.Status == StatusOK {
		return []ota.Event{ota.Completion{Device: ref, Success: true}}, nil
	}
	if inProgress(resp.Error) {
		// The transfer we asked for is already running: a sign of life,
		// not a failure.
		return []ota.Event{ota.Status{Device: ref, State: ota.ReportedUpdating}}, nil
	}
	reason := resp.Error
	if reason == "" {
		reason = "update failed"
	}
	return []ota.Event{ota.Completion{Device: ref, Success: false, Reason: reason}}, nil
}

// decodeCheckResponse maps the answer to an update check.
func (c *Codec) decodeCheckResponse(payload []byte) ([]ota.Event, error) {
	resp, ref, err := c.parseResponse(payload)
	if err != nil {
		return nil, err
	}

	if resp.Status == StatusOK {
		available, _ := resp.Data.updateAvailable()
		return []ota.Event{ota.Availability{Device: ref, Available: available}}, nil
	}
	if inProgress(resp.Error) {
		return []ota.Event{ota.Status{Device: ref, State: ota.ReportedUpdating}}, nil
	}
	return nil, fmt.Errorf("%w: check for %s: %s", ErrRequestFailed, ref, resp.Error)
}

// parseResponse decodes a response and finds the device it refers to,
// falling back to the name quoted in the error text and then to the
// request's transaction.
func (c *Codec) parseResponse(payload []byte) (Response, string, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, "", fmt.Errorf("%w: response: %w", ErrMalformedPayload, err)
	}

	ref := resp.Data.ID
	if ref == "" && resp.Status == StatusError {
		ref = nameFromError(resp.Error)
	}
	if ref == "" && resp.Transaction != "" && c.transactions != nil {
		ref, _ = c.transactions(resp.Transaction)
	}
	if ref == "" {
		return resp, "", fmt.Errorf("%w: response without device id", ErrMalformedPayload)
	}
	return resp, ref, nil
}

// nameFromError extracts the quoted device name following a known marker.
func nameFromError(msg string) string {
	for _, marker := range errorNameMarkers {
		_, rest, ok := strings.Cut(msg, marker)
		if !ok {
			continue
		}
		if name, _, ok := strings.Cut(rest, "'"); ok && name != "" {
			return name
		}
	}
	return ""
}

func inProgress(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "in progress")
}

func seconds(s float64) time.Duration {
	if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return 0
	}
	return time.Duration(s * float64(time.Second)).Round(time.Second)
}
