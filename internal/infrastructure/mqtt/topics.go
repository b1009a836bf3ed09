package mqtt

import (
	"fmt"
	"strings"
)

// Default topic roots.
const (
	// DefaultTopicPrefix is the root for all bridge-owned topics.
	DefaultTopicPrefix = "treeow"

	// DefaultDiscoveryPrefix is the root Home Assistant watches for
	// discovery configs.
	DefaultDiscoveryPrefix = "homeassistant"
)

// Payloads published on availability and status topics.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Topics provides builders for the bridge's MQTT topics.
// Using these helpers keeps topic naming consistent across the codebase.
//
// Binding topics follow {prefix}/{device}/{kind}/{key}/{leaf}:
//
//	topics := mqtt.NewTopics("treeow", "homeassistant")
//	topics.BindingState("D1", "fan", "power")
//	// Returns: "treeow/D1/fan/power/state"
type Topics struct {
	Prefix          string
	DiscoveryPrefix string
}

// NewTopics returns a builder, filling empty roots with the defaults.
func NewTopics(prefix, discoveryPrefix string) Topics {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	if discoveryPrefix == "" {
		discoveryPrefix = DefaultDiscoveryPrefix
	}
	return Topics{
		Prefix:          strings.TrimSuffix(prefix, "/"),
		DiscoveryPrefix: strings.TrimSuffix(discoveryPrefix, "/"),
	}
}

// Status returns the bridge status topic carrying the LWT.
//
// Example: treeow/status
func (t Topics) Status() string {
	return t.Prefix + "/status"
}

// Health returns the periodic health report topic.
//
// Example: treeow/health
func (t Topics) Health() string {
	return t.Prefix + "/health"
}

// DeviceAvailability returns the per-device availability topic.
//
// Example: treeow/D1/availability
func (t Topics) DeviceAvailability(deviceID string) string {
	return fmt.Sprintf("%s/%s/availability", t.Prefix, deviceID)
}

// BindingState returns the retained state topic of one binding.
//
// Example: treeow/D1/fan/power/state
func (t Topics) BindingState(deviceID, kind, key string) string {
	return fmt.Sprintf("%s/%s/%s/%s/state", t.Prefix, deviceID, kind, key)
}

// BindingCommand returns the command topic of one binding.
//
// Example: treeow/D1/fan/power/set
func (t Topics) BindingCommand(deviceID, kind, key string) string {
	return fmt.Sprintf("%s/%s/%s/%s/set", t.Prefix, deviceID, kind, key)
}

// Ack returns the topic command acknowledgements are published on.
//
// Example: treeow/D1/ack
func (t Topics) Ack(deviceID string) string {
	return fmt.Sprintf("%s/%s/ack", t.Prefix, deviceID)
}

// Discovery returns a Home Assistant discovery config topic.
//
// Example: homeassistant/fan/treeow_D1_power/config
func (t Topics) Discovery(component, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/config", t.DiscoveryPrefix, component, objectID)
}

// AllBindingCommands returns a pattern matching every binding command topic.
//
// Pattern: treeow/+/+/+/set
func (t Topics) AllBindingCommands() string {
	return t.Prefix + "/+/+/+/set"
}

// ParseBindingCommand splits a command topic into its device, kind and key.
// It reports false for topics outside the prefix or of the wrong shape.
func (t Topics) ParseBindingCommand(topic string) (deviceID, kind, key string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.Prefix+"/")
	if !found {
		return "", "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 4 || parts[3] != "set" {
		return "", "", "", false
	}
	for _, p := range parts[:3] {
		if p == "" {
			return "", "", "", false
		}
	}
	return parts[0], parts[1], parts[2], true
}
