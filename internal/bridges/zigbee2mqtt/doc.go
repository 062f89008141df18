// Package zigbee2mqtt connects the OTA orchestrator to a Zigbee2MQTT bridge.
//
// The bridge is the only way to reach the Zigbee devices. This package
// speaks its MQTT API:
//
//	┌──────────────┐  events   ┌──────────────┐   MQTT    ┌──────────────┐
//	│ Orchestrator │ ◀──────── │    Bridge    │ ◀───────▶ │ Zigbee2MQTT  │
//	│              │ ────────▶ │   (Codec)    │           │              │
//	└──────────────┘ commands  └──────────────┘           └──────────────┘
//
// The bridge holds one subscription, <base>/#, and routes by topic
// (base topic "zigbee2mqtt" by default):
//   - bridge/devices: retained device list, decoded to ota.Snapshot
//   - bridge/response/device/ota_update/update: ota.Completion
//   - bridge/response/device/ota_update/check: ota.Availability
//   - <friendly_name>: device state; its "update" object yields ota.Status.
//     Names may contain "/"; the set, get and availability subtopics are
//     ignored
//   - bridge/state: bridge online/offline, triggers a device list refresh
//
// Events are offered to the orchestrator without blocking the MQTT router.
// While its queue is full they wait, in order, in a bounded backlog.
//
// Requests are published as {"id": "<ieee>", "transaction": "<uuid>"}.
// Responses that omit the device id are matched by transaction or by the
// name quoted in the error text.
//
// # Usage
//
//	b, err := zigbee2mqtt.NewBridge(zigbee2mqtt.Options{
//	    Topics:     mqtt.Topics{Base: cfg.Zigbee2MQTT.BaseTopic},
//	    MQTTClient: client,
//	    Logger:     log,
//	})
//	orch, err := ota.New(otaCfg, b, ota.Options{Logger: log})
//	err = b.Start(ctx, orch)
package zigbee2mqtt
