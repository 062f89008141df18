package zigbee2mqtt

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Wire types for the Zigbee2MQTT bridge API. Only the fields this service
// reads are declared; everything else in the payloads is ignored.

// DeviceEntry is one element of the retained bridge/devices list.
// Topic: zigbee2mqtt/bridge/devices
type DeviceEntry struct {
	IEEEAddress  string `json:"ieee_address"`
	FriendlyName string `json:"friendly_name"`
	Type         string `json:"type,omitempty"`

	// Definition is absent for the coordinator and for devices that have
	// not finished interviewing.
	Definition *Definition `json:"definition"`

	// UpdateAvailable is the legacy top-level availability flag.
	UpdateAvailable *bool `json:"update_available,omitempty"`

	// Update is present when the bridge includes OTA state in the list.
	Update *UpdateInfo `json:"update,omitempty"`
}

// Definition describes a supported device model.
type Definition struct {
	Model       string `json:"model"`
	Vendor      string `json:"vendor"`
	Description string `json:"description,omitempty"`
	SupportsOTA bool   `json:"supports_ota"`
}

// UpdateInfo is the "update" object Zigbee2MQTT attaches to device state.
//
//	{"state": "updating", "progress": 45.2, "remaining": 612}
type UpdateInfo struct {
	State string `json:"state,omitempty"`

	// Progress is the transfer percentage while updating.
	Progress *float64 `json:"progress,omitempty"`

	// Remaining is the estimated seconds left while updating.
	Remaining *float64 `json:"remaining,omitempty"`

	InstalledVersion *int64 `json:"installed_version,omitempty"`
	LatestVersion    *int64 `json:"latest_version,omitempty"`

	// Older bridge versions flag availability instead of using state.
	UpdateAvailable *bool `json:"update_available,omitempty"`
	Available       *bool `json:"available,omitempty"`
}

// UnmarshalJSON accepts both the object form and the bare string form
// ("idle", "updating", "available") some bridge versions publish.
func (u *UpdateInfo) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var state string
		if err := json.Unmarshal(trimmed, &state); err != nil {
			return err
		}
		*u = UpdateInfo{State: state}
		return nil
	}

	type plain UpdateInfo
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	*u = UpdateInfo(p)
	return nil
}

// availableFlag reports the explicit availability flag, if any.
func (u *UpdateInfo) availableFlag() bool {
	return (u.UpdateAvailable != nil && *u.UpdateAvailable) ||
		(u.Available != nil && *u.Available)
}

// DeviceState is the subset of a device's state message that carries OTA
// information.
// Topic: zigbee2mqtt/{friendly_name}
type DeviceState struct {
	Update          *UpdateInfo `json:"update,omitempty"`
	UpdateAvailable *bool       `json:"update_available,omitempty"`
}

// Request is the payload of an OTA request.
// Topic: zigbee2mqtt/bridge/request/device/ota_update/{check,update}
type Request struct {
	// ID is the device's IEEE address or friendly name.
	ID string `json:"id"`

	// Transaction is echoed back in the response.
	Transaction string `json:"transaction,omitempty"`
}

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Response is the bridge's answer to an OTA request.
// Topic: zigbee2mqtt/bridge/response/device/ota_update/{check,update}
type Response struct {
	Status      string       `json:"status"`
	Data        ResponseData `json:"data"`
	Error       string       `json:"error,omitempty"`
	Transaction string       `json:"transaction,omitempty"`
}

// ResponseData carries the device reference and, for checks, whether an
// update exists. Bridge versions disagree on the availability field name
// and type, so all known variants are accepted.
type ResponseData struct {
	ID string `json:"id"`

	UpdateAvailable      *flexBool `json:"update_available,omitempty"`
	UpdateAvailableCamel *flexBool `json:"updateAvailable,omitempty"`
	Available            *flexBool `json:"available,omitempty"`

	From *FirmwareVersion `json:"from,omitempty"`
	To   *FirmwareVersion `json:"to,omitempty"`
}

// FirmwareVersion describes an image before or after an update.
type FirmwareVersion struct {
	SoftwareBuildID string `json:"software_build_id,omitempty"`
	DateCode        string `json:"date_code,omitempty"`
}

// updateAvailable returns the first availability field that is present.
func (d ResponseData) updateAvailable() (bool, bool) {
	for _, v := range []*flexBool{d.UpdateAvailable, d.UpdateAvailableCamel, d.Available} {
		if v != nil {
			return bool(*v), true
		}
	}
	return false, false
}

// flexBool decodes a JSON bool, a string ("available", "true") or a number.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case bool:
		*b = flexBool(x)
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		*b = flexBool(s == "available" || s == "true")
	case float64:
		*b = flexBool(x != 0)
	default:
		*b = false
	}
	return nil
}

// BridgeState is the bridge's own online/offline announcement, published
// either as a bare string or as {"state": "online"}.
// Topic: zigbee2mqtt/bridge/state
type BridgeState struct {
	State string `json:"state"`
}

// parseBridgeState returns the announced state, lower-cased.
func parseBridgeState(payload []byte) string {
	var st BridgeState
	if err := json.Unmarshal(payload, &st); err == nil && st.State != "" {
		return strings.ToLower(st.State)
	}
	return strings.ToLower(strings.Trim(strings.TrimSpace(string(payload)), `"`))
}
