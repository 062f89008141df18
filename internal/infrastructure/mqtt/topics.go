package mqtt

import (
	"fmt"
	"slices"
	"strings"
)

// DefaultBaseTopic is Zigbee2MQTT's default base_topic.
const DefaultBaseTopic = "zigbee2mqtt"

// Topics provides builders for Zigbee2MQTT topics under a base topic.
// Using these helpers keeps topic naming in one place:
//
//	topics := mqtt.Topics{Base: "zigbee2mqtt"}
//	topics.Devices()           // "zigbee2mqtt/bridge/devices"
//	topics.DeviceState("lamp") // "zigbee2mqtt/lamp"
type Topics struct {
	Base string
}

func (t Topics) base() string {
	if t.Base == "" {
		return DefaultBaseTopic
	}
	return strings.TrimSuffix(t.Base, "/")
}

// =============================================================================
// Bridge Topics
// =============================================================================

// Devices returns the retained device list topic.
//
// Example: zigbee2mqtt/bridge/devices
func (t Topics) Devices() string {
	return t.base() + "/bridge/devices"
}

// DevicesRequest asks the bridge to republish the device list.
//
// Example: zigbee2mqtt/bridge/request/devices
func (t Topics) DevicesRequest() string {
	return t.base() + "/bridge/request/devices"
}

// BridgeState returns the bridge's own online/offline topic.
//
// Example: zigbee2mqtt/bridge/state
func (t Topics) BridgeState() string {
	return t.base() + "/bridge/state"
}

// =============================================================================
// OTA Request/Response Topics
// =============================================================================

// OTAUpdateRequest starts a firmware transfer.
//
// Example: zigbee2mqtt/bridge/request/device/ota_update/update
func (t Topics) OTAUpdateRequest() string {
	return t.base() + "/bridge/request/device/ota_update/update"
}

// OTAUpdateResponse carries the final result of a transfer.
//
// Example: zigbee2mqtt/bridge/response/device/ota_update/update
func (t Topics) OTAUpdateResponse() string {
	return t.base() + "/bridge/response/device/ota_update/update"
}

// OTACheckRequest asks the bridge whether newer firmware exists.
//
// Example: zigbee2mqtt/bridge/request/device/ota_update/check
func (t Topics) OTACheckRequest() string {
	return t.base() + "/bridge/request/device/ota_update/check"
}

// OTACheckResponse carries the result of a check request.
//
// Example: zigbee2mqtt/bridge/response/device/ota_update/check
func (t Topics) OTACheckResponse() string {
	return t.base() + "/bridge/response/device/ota_update/check"
}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceState returns the state topic of one device.
//
// Example: zigbee2mqtt/kitchen-lamp
func (t Topics) DeviceState(friendlyName string) string {
	return fmt.Sprintf("%s/%s", t.base(), friendlyName)
}

// All matches every topic under the base, including device state topics
// whose friendly names contain "/".
//
// Pattern: zigbee2mqtt/#
func (t Topics) All() string {
	return t.base() + "/#"
}

// DeviceName extracts the friendly name from a device state topic, or
// returns "" for bridge topics and for the set, get and availability
// subtopics Zigbee2MQTT keeps beside every device.
//
// Example: zigbee2mqtt/kitchen/lamp yields "kitchen/lamp"
func (t Topics) DeviceName(topic string) string {
	prefix := t.base() + "/"
	if !strings.HasPrefix(topic, prefix) {
		return ""
	}
	name := topic[len(prefix):]
	if name == "" || name == "bridge" || strings.HasPrefix(name, "bridge/") {
		return ""
	}

	segments := strings.Split(name, "/")
	if slices.Contains(segments, "") {
		return ""
	}
	switch segments[len(segments)-1] {
	case "set", "get", "availability":
		return ""
	}
	// zigbee2mqtt/<name>/set/<attribute>
	if n := len(segments); n > 1 && (segments[n-2] == "set" || segments[n-2] == "get") {
		return ""
	}
	return name
}
