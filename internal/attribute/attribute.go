package attribute

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the value domain class of an attribute.
type Kind string

// Supported attribute kinds.
const (
	KindBoolean     Kind = "boolean"
	KindRange       Kind = "range"
	KindEnumeration Kind = "enumeration"
)

// stepTolerance absorbs float drift when checking range step alignment.
const stepTolerance = 1e-6

// Option is one discrete value of an enumeration attribute.
type Option struct {
	// Value is the vendor's integer code for this option.
	Value int `json:"value"`

	// Label is the human-readable name, used as the preset-mode name.
	Label string `json:"label,omitempty"`
}

// Name returns the option label, or the decimal value when unlabelled.
func (o Option) Name() string {
	if o.Label != "" {
		return o.Label
	}
	return strconv.Itoa(o.Value)
}

// SensorHints carries optional presentation metadata for read-only attributes.
type SensorHints struct {
	DeviceClass string `json:"device_class,omitempty"`
	StateClass  string `json:"state_class,omitempty"`
	Unit        string `json:"unit,omitempty"`
}

// Attribute is one vendor-reported device property and its current value.
//
// Value is nil until the first observation. Once set it is always a member
// of the domain: bool for KindBoolean, float64 for KindRange and int for
// KindEnumeration.
type Attribute struct {
	Key      string `json:"key"`
	Name     string `json:"name,omitempty"`
	Kind     Kind   `json:"kind"`
	ReadOnly bool   `json:"read_only,omitempty"`

	// Range metadata.
	Min  float64 `json:"min,omitempty"`
	Max  float64 `json:"max,omitempty"`
	Step float64 `json:"step,omitempty"`

	// Enumeration metadata, in vendor order.
	Options []Option `json:"options,omitempty"`

	Hints SensorHints `json:"hints,omitzero"`

	Value any `json:"value,omitempty"`
}

// Validate checks that the attribute metadata describes a usable domain.
func (a *Attribute) Validate() error {
	if a.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidSchema)
	}
	switch a.Kind {
	case KindBoolean:
	case KindRange:
		if a.Min > a.Max {
			return fmt.Errorf("%w: %s: min %v greater than max %v", ErrInvalidSchema, a.Key, a.Min, a.Max)
		}
		if a.Step < 0 {
			return fmt.Errorf("%w: %s: negative step", ErrInvalidSchema, a.Key)
		}
	case KindEnumeration:
		if len(a.Options) == 0 {
			return fmt.Errorf("%w: %s: enumeration without options", ErrInvalidSchema, a.Key)
		}
		seen := make(map[int]struct{}, len(a.Options))
		for _, o := range a.Options {
			if _, dup := seen[o.Value]; dup {
				return fmt.Errorf("%w: %s: duplicate option %d", ErrInvalidSchema, a.Key, o.Value)
			}
			seen[o.Value] = struct{}{}
		}
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidSchema, a.Key, a.Kind)
	}
	return nil
}

// Normalize converts v into the attribute's canonical value type and checks
// it against the domain.
//
// Booleans accept bool, 0/1 and the strings true/false/on/off. Ranges accept
// any number or numeric string. Enumerations accept an option value or an
// exact option label.
func (a *Attribute) Normalize(v any) (any, error) {
	switch a.Kind {
	case KindBoolean:
		b, err := ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidValue, a.Key, err)
		}
		return b, nil

	case KindRange:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("%w: %s: %v is not a number", ErrInvalidValue, a.Key, v)
		}
		if f < a.Min-stepTolerance || f > a.Max+stepTolerance {
			return nil, fmt.Errorf("%w: %s: %v outside [%v, %v]", ErrInvalidValue, a.Key, f, a.Min, a.Max)
		}
		if a.Step > 0 {
			steps := (f - a.Min) / a.Step
			if math.Abs(steps-math.Round(steps)) > stepTolerance {
				return nil, fmt.Errorf("%w: %s: %v not aligned to step %v", ErrInvalidValue, a.Key, f, a.Step)
			}
		}
		return f, nil

	case KindEnumeration:
		if s, ok := v.(string); ok {
			for _, o := range a.Options {
				if o.Label != "" && o.Label == s {
					return o.Value, nil
				}
			}
		}
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) {
			return nil, fmt.Errorf("%w: %s: %v is not an option", ErrInvalidValue, a.Key, v)
		}
		if a.Index(int(f)) < 0 {
			return nil, fmt.Errorf("%w: %s: %v is not an option", ErrInvalidValue, a.Key, v)
		}
		return int(f), nil
	}
	return nil, fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidValue, a.Key, a.Kind)
}

// Equal reports whether two values are the same member of the domain.
// Values that do not normalise are never equal.
func (a *Attribute) Equal(x, y any) bool {
	nx, err := a.Normalize(x)
	if err != nil {
		return false
	}
	ny, err := a.Normalize(y)
	if err != nil {
		return false
	}
	if a.Kind == KindRange {
		return math.Abs(nx.(float64)-ny.(float64)) <= stepTolerance
	}
	return nx == ny
}

// Index returns the position of an enumeration value, or -1.
func (a *Attribute) Index(value int) int {
	for i, o := range a.Options {
		if o.Value == value {
			return i
		}
	}
	return -1
}

// Writable reports whether the platform may write this attribute.
func (a *Attribute) Writable() bool {
	return !a.ReadOnly
}

// Clone returns a deep copy.
func (a Attribute) Clone() Attribute {
	if a.Options != nil {
		opts := make([]Option, len(a.Options))
		copy(opts, a.Options)
		a.Options = opts
	}
	return a
}

// SameDomain reports whether two attributes describe the same key and domain,
// ignoring current values.
func (a *Attribute) SameDomain(b *Attribute) bool {
	if a.Key != b.Key || a.Kind != b.Kind || a.ReadOnly != b.ReadOnly {
		return false
	}
	if a.Min != b.Min || a.Max != b.Max || a.Step != b.Step {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for i := range a.Options {
		if a.Options[i] != b.Options[i] {
			return false
		}
	}
	return true
}

// ParseBool reads vendor boolean encodings.
func ParseBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "on", "1":
			return true, nil
		case "false", "off", "0":
			return false, nil
		}
	default:
		if f, ok := toFloat(v); ok {
			switch f {
			case 1:
				return true, nil
			case 0:
				return false, nil
			}
		}
	}
	return false, fmt.Errorf("cannot read %v as bool", v)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t) && !math.IsInf(t, 0)
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	return 0, false
}
