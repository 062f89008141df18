package mqtt

import (
	"fmt"
)

// maxPayloadSize bounds outgoing payloads. Bridge requests are tiny; the
// limit only catches programming errors.
const maxPayloadSize = 64 << 10

// Publish sends payload to topic and waits for the broker acknowledgement
// (QoS 1 and 2) or the publish timeout.
//
// Unlike Subscribe, Publish is never deferred: an update request that
// cannot be sent now fails with ErrNotConnected so the caller can keep the
// device queued.
//
//	topic := mqtt.Topics{Base: "zigbee2mqtt"}.OTAUpdateRequest()
//	err := client.Publish(topic, []byte(`{"id":"0x00124b0001"}`), 1, false)
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrPublishFailed, topic, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}
