package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// maxPayloadSize bounds a single message (1MB). Discovery configs are the
// largest payloads the bridge sends.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic.
//
// The bridge publishes discovery configs, binding state and availability
// retained, and acknowledgements not retained. A nil retained payload
// clears the topic on the broker, which is how removed entities disappear
// from Home Assistant.
//
//	topic := client.Topics().BindingState("D1", "fan", "power")
//	err := client.Publish(topic, []byte(`{"state":"ON"}`), 1, true)
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return await(c.client.Publish(topic, qos, retained, payload), ErrPublishFailed)
}

// checkTopic rejects an empty topic or a QoS above 2.
func checkTopic(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}

// await blocks on a paho token for at most defaultPublishTimeout and wraps
// any failure in sentinel.
func await(token pahomqtt.Token, sentinel error) error {
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", sentinel, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return nil
}
