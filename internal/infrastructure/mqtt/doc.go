// Package mqtt provides MQTT client connectivity for z2m-ota.
//
// This package manages:
//   - Connection to the broker Zigbee2MQTT publishes on, with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored after reconnect
//   - Last Will and Testament (LWT) on the service status topic
//   - Zigbee2MQTT topic builders (Topics)
//
// # Architecture
//
// The broker is the only path to the Zigbee network:
//
//	z2m-ota ↔ MQTT Broker ↔ Zigbee2MQTT ↔ coordinator ↔ devices
//
// A reconnect triggers SetOnConnect callbacks; the Zigbee2MQTT bridge uses
// that to re-request the device list so in-flight state is rebuilt from
// what the bridge reports.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := mqtt.Topics{Base: cfg.Zigbee2MQTT.BaseTopic}
//	err = client.Subscribe(topics.Devices(), 1, handleDevices)
package mqtt
