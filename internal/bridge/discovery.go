package bridge

import (
	"strings"

	"github.com/nerrad567/treeow-bridge/internal/attribute"
	"github.com/nerrad567/treeow-bridge/internal/capability"
	"github.com/nerrad567/treeow-bridge/internal/command"
	"github.com/nerrad567/treeow-bridge/internal/device"
	"github.com/nerrad567/treeow-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/treeow-bridge/internal/quantize"
)

// Manufacturer is reported on every discovered device.
const Manufacturer = "Treeow"

// Home Assistant components.
const (
	componentFan          = "fan"
	componentSwitch       = "switch"
	componentNumber       = "number"
	componentSelect       = "select"
	componentSensor       = "sensor"
	componentBinarySensor = "binary_sensor"
)

// Templates reading the bridge's state payloads.
const (
	valueTemplate              = "{{ value_json.value }}"
	fanStateTemplate           = "{{ value_json.state }}"
	fanPercentageTemplate      = "{{ value_json.percentage }}"
	fanPresetTemplate          = "{{ value_json.preset_mode }}"
	fanPercentageCommandFormat = `{"percentage": {{ value }}}`
	fanPresetCommandFormat     = `{"preset_mode": "{{ value }}"}`
)

// DiscoveryConfig is a Home Assistant MQTT discovery payload. Fields not
// used by a component are omitted.
type DiscoveryConfig struct {
	// Name is null for the fan so the entity takes the device name.
	Name             *string        `json:"name"`
	UniqueID         string         `json:"unique_id"`
	Availability     []Availability `json:"availability"`
	AvailabilityMode string         `json:"availability_mode"`
	Device           DeviceInfo     `json:"device"`

	StateTopic    string `json:"state_topic"`
	ValueTemplate string `json:"value_template,omitempty"`
	CommandTopic  string `json:"command_topic,omitempty"`
	PayloadOn     string `json:"payload_on,omitempty"`
	PayloadOff    string `json:"payload_off,omitempty"`

	// number
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
	Step *float64 `json:"step,omitempty"`

	// select
	Options []string `json:"options,omitempty"`

	// sensor
	DeviceClass       string `json:"device_class,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`

	// fan
	StateValueTemplate        string   `json:"state_value_template,omitempty"`
	PercentageStateTopic      string   `json:"percentage_state_topic,omitempty"`
	PercentageValueTemplate   string   `json:"percentage_value_template,omitempty"`
	PercentageCommandTopic    string   `json:"percentage_command_topic,omitempty"`
	PercentageCommandTemplate string   `json:"percentage_command_template,omitempty"`
	PresetModeStateTopic      string   `json:"preset_mode_state_topic,omitempty"`
	PresetModeValueTemplate   string   `json:"preset_mode_value_template,omitempty"`
	PresetModeCommandTopic    string   `json:"preset_mode_command_topic,omitempty"`
	PresetModeCommandTemplate string   `json:"preset_mode_command_template,omitempty"`
	PresetModes               []string `json:"preset_modes,omitempty"`
}

// Availability is one availability source of an entity.
type Availability struct {
	Topic string `json:"topic"`
}

// DeviceInfo groups entities under one Home Assistant device.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
}

// entity is a published discovery config and the topics it occupies.
type entity struct {
	component      string
	objectID       string
	discoveryTopic string
	stateTopic     string
	config         DiscoveryConfig
}

// objectID returns a topic-safe identifier for a binding.
func objectID(b capability.Binding) string {
	return "treeow_" + sanitize(b.DeviceID) + "_" + string(b.Kind) + "_" + sanitize(b.Key)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}

// component returns the Home Assistant component of a binding.
func component(b capability.Binding, a attribute.Attribute) string {
	switch b.Kind {
	case capability.KindFan:
		return componentFan
	case capability.KindSwitch:
		return componentSwitch
	case capability.KindNumber:
		return componentNumber
	case capability.KindSelect:
		return componentSelect
	}
	if a.Kind == attribute.KindBoolean {
		return componentBinarySensor
	}
	return componentSensor
}

// buildEntity describes the discovery config of one binding. It reports
// false when the device no longer carries the binding's attribute.
func buildEntity(topics mqtt.Topics, d *device.Device, b capability.Binding) (entity, bool) {
	primary, ok := d.Attributes.Get(b.Key)
	if !ok {
		return entity{}, false
	}

	e := entity{
		component:  component(b, primary),
		objectID:   objectID(b),
		stateTopic: topics.BindingState(b.DeviceID, string(b.Kind), b.Key),
	}
	e.discoveryTopic = topics.Discovery(e.component, e.objectID)
	commandTopic := topics.BindingCommand(b.DeviceID, string(b.Kind), b.Key)

	cfg := DiscoveryConfig{
		UniqueID: e.objectID,
		Availability: []Availability{
			{Topic: topics.Status()},
			{Topic: topics.DeviceAvailability(b.DeviceID)},
		},
		AvailabilityMode: "all",
		Device: DeviceInfo{
			Identifiers:  []string{"treeow_" + sanitize(d.ID)},
			Name:         d.DisplayName(),
			Manufacturer: Manufacturer,
			Model:        d.Model,
			SWVersion:    d.Version,
			SerialNumber: d.Serial,
		},
		StateTopic: e.stateTopic,
	}

	if b.Kind != capability.KindFan {
		name := primary.Name
		if name == "" {
			name = primary.Key
		}
		cfg.Name = &name
		cfg.ValueTemplate = valueTemplate
	}

	switch e.component {
	case componentFan:
		cfg.StateValueTemplate = fanStateTemplate
		cfg.CommandTopic = commandTopic
		cfg.PayloadOn = payloadOn
		cfg.PayloadOff = payloadOff
		cfg.PercentageStateTopic = e.stateTopic
		cfg.PercentageValueTemplate = fanPercentageTemplate
		cfg.PercentageCommandTopic = commandTopic
		cfg.PercentageCommandTemplate = fanPercentageCommandFormat
		if b.Fan != nil && b.Fan.Mode != "" {
			if mode, ok := d.Attributes.Get(b.Fan.Mode); ok {
				cfg.PresetModeStateTopic = e.stateTopic
				cfg.PresetModeValueTemplate = fanPresetTemplate
				cfg.PresetModeCommandTopic = commandTopic
				cfg.PresetModeCommandTemplate = fanPresetCommandFormat
				cfg.PresetModes = quantize.NewPresetTable(mode.Options).Names()
			}
		}

	case componentSwitch:
		cfg.CommandTopic = commandTopic
		cfg.PayloadOn = payloadOn
		cfg.PayloadOff = payloadOff

	case componentNumber:
		cfg.CommandTopic = commandTopic
		lo, hi := primary.Min, primary.Max
		cfg.Min, cfg.Max = &lo, &hi
		if primary.Step > 0 {
			step := primary.Step
			cfg.Step = &step
		}
		cfg.UnitOfMeasurement = primary.Hints.Unit

	case componentSelect:
		cfg.CommandTopic = commandTopic
		cfg.Options = quantize.NewPresetTable(primary.Options).Names()

	case componentBinarySensor:
		cfg.PayloadOn = payloadOn
		cfg.PayloadOff = payloadOff

	case componentSensor:
		cfg.DeviceClass = primary.Hints.DeviceClass
		cfg.StateClass = primary.Hints.StateClass
		cfg.UnitOfMeasurement = primary.Hints.Unit
	}

	e.config = cfg
	return e, true
}

// buildState renders the state payload of one binding. It reports false
// while the binding's values are unknown.
func buildState(d *device.Device, b capability.Binding) (any, bool) {
	if b.Kind == capability.KindFan {
		return fanState(d, b)
	}
	a, ok := d.Attributes.Get(b.Key)
	if !ok {
		return nil, false
	}
	v, ok := stateValue(a)
	if !ok {
		return nil, false
	}
	return ValueState{Value: v}, true
}

func fanState(d *device.Device, b capability.Binding) (any, bool) {
	power, ok := d.Attributes.Get(b.Key)
	if !ok {
		return nil, false
	}
	on, ok := power.Value.(bool)
	if !ok {
		return nil, false
	}

	st := FanState{State: payloadOff}
	if on {
		st.State = payloadOn
	}
	if p, ok := command.FanPercentage(b, d.Attributes); ok {
		st.Percentage = &p
	}
	if name, ok := command.FanPreset(b, d.Attributes); ok {
		st.PresetMode = name
	}
	return st, true
}
