package command

import (
	"fmt"
	"sort"

	"github.com/nerrad567/treeow-bridge/internal/attribute"
	"github.com/nerrad567/treeow-bridge/internal/capability"
	"github.com/nerrad567/treeow-bridge/internal/quantize"
)

// Intent is one platform request against a composite fan. Nil fields are
// left unchanged.
type Intent struct {
	On         *bool    `json:"on,omitempty"`
	Percentage *float64 `json:"percentage,omitempty"`
	PresetMode *string  `json:"preset_mode,omitempty"`
}

// Empty reports whether the intent requests nothing.
func (in Intent) Empty() bool {
	return in.On == nil && in.Percentage == nil && in.PresetMode == nil
}

// TranslateFan converts a fan intent into ordered attribute changes.
//
// attrs is the device's current view (confirmed values with the optimistic
// overlay applied) and decides whether power must be asserted implicitly.
// A percentage of 0 clears power and leaves the speed level untouched; it
// is not mapped to the lowest level. The next power-on resumes the stored
// speed, and the fan reads back 0% while power is off. Any other percentage or a preset mode on a powered-off fan also writes
// power=true. An explicit On is always written.
func TranslateFan(fan capability.Binding, attrs *attribute.Set, in Intent) ([]Change, error) {
	if fan.Kind != capability.KindFan || fan.Fan == nil {
		return nil, fmt.Errorf("%w: binding %s is not a fan", attribute.ErrInvalidValue, fan.ID())
	}
	if in.Empty() {
		return nil, ErrNoChanges
	}
	keys := fan.Fan

	power, ok := attrs.Get(keys.Power)
	if !ok {
		return nil, fmt.Errorf("%w: %s", attribute.ErrUnknownAttribute, keys.Power)
	}
	speed, ok := attrs.Get(keys.Speed)
	if !ok {
		return nil, fmt.Errorf("%w: %s", attribute.ErrUnknownAttribute, keys.Speed)
	}

	var changes []Change
	wantOn := in.On
	turningOff := in.On != nil && !*in.On

	if in.Percentage != nil {
		idx, err := quantize.LevelOf(*in.Percentage, len(speed.Options))
		if err != nil {
			return nil, err
		}
		if *in.Percentage == 0 {
			off := false
			wantOn = &off
			turningOff = true
		} else if !turningOff {
			changes = append(changes, Change{Key: keys.Speed, Value: speed.Options[idx].Value})
		}
	}

	if in.PresetMode != nil && !turningOff {
		if keys.Mode == "" {
			return nil, fmt.Errorf("%w: fan %s has no preset modes", attribute.ErrInvalidValue, fan.ID())
		}
		mode, ok := attrs.Get(keys.Mode)
		if !ok {
			return nil, fmt.Errorf("%w: %s", attribute.ErrUnknownAttribute, keys.Mode)
		}
		v, err := quantize.NewPresetTable(mode.Options).Value(*in.PresetMode)
		if err != nil {
			return nil, err
		}
		changes = append(changes, Change{Key: keys.Mode, Value: v})
	}

	switch {
	case wantOn != nil:
		changes = append(changes, Change{Key: keys.Power, Value: *wantOn})
	case len(changes) > 0 && !isOn(power):
		changes = append(changes, Change{Key: keys.Power, Value: true})
	}

	if len(changes) == 0 {
		return nil, ErrNoChanges
	}
	return Order(changes, rolesOf(keys)), nil
}

// Translate validates a raw key/value request against the attribute domains
// and returns it in dispatch order.
func Translate(attrs *attribute.Set, roles capability.Roles, values map[string]any) ([]Change, error) {
	if len(values) == 0 {
		return nil, ErrNoChanges
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	changes := make([]Change, 0, len(values))
	for _, k := range keys {
		a, ok := attrs.Get(k)
		if !ok {
			return nil, fmt.Errorf("%w: %s: %w", attribute.ErrInvalidValue, k, attribute.ErrUnknownAttribute)
		}
		if !a.Writable() {
			return nil, fmt.Errorf("%w: %s is read-only", attribute.ErrInvalidValue, k)
		}
		v, err := a.Normalize(values[k])
		if err != nil {
			return nil, err
		}
		changes = append(changes, Change{Key: k, Value: v})
	}
	return Order(changes, roles), nil
}

// FanPercentage reports the fan's current speed as a percentage. ok is false
// when the speed level is unknown or the fan is off.
func FanPercentage(fan capability.Binding, attrs *attribute.Set) (int, bool) {
	if fan.Fan == nil {
		return 0, false
	}
	power, ok := attrs.Get(fan.Fan.Power)
	if !ok || power.Value == nil {
		return 0, false
	}
	if !isOn(power) {
		return 0, true
	}
	speed, ok := attrs.Get(fan.Fan.Speed)
	if !ok || speed.Value == nil {
		return 0, false
	}
	v, isInt := speed.Value.(int)
	if !isInt {
		return 0, false
	}
	idx := speed.Index(v)
	if idx < 0 {
		return 0, false
	}
	return quantize.Percentage(idx, len(speed.Options)), true
}

// FanPreset reports the fan's current preset-mode name.
func FanPreset(fan capability.Binding, attrs *attribute.Set) (string, bool) {
	if fan.Fan == nil || fan.Fan.Mode == "" {
		return "", false
	}
	mode, ok := attrs.Get(fan.Fan.Mode)
	if !ok || mode.Value == nil {
		return "", false
	}
	v, isInt := mode.Value.(int)
	if !isInt {
		return "", false
	}
	return quantize.NewPresetTable(mode.Options).Name(v)
}

func isOn(power attribute.Attribute) bool {
	b, ok := power.Value.(bool)
	return ok && b
}
