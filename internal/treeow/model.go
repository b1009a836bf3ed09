package treeow

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/nerrad567/treeow-bridge/internal/attribute"
)

// Bounds used for read-only numeric properties that declare none.
const (
	unboundedMin = -1e9
	unboundedMax = 1e9
)

// ignoredProperties never become attributes.
var ignoredProperties = map[string]bool{
	"wifi_info": true,
	"timestamp": true,
}

// profile is one product's digital model, keyed in the list response by
// "PV(productId=X, version=V)".
type profile struct {
	Resources []struct {
		Domains []struct {
			Identifier string     `json:"identifier"`
			Props      []Property `json:"props"`
		} `json:"domains"`
	} `json:"resources"`
}

// props returns the properties of the domain matching category.
func (p profile) props(category string) []Property {
	var out []Property
	for _, r := range p.Resources {
		for _, d := range r.Domains {
			if d.Identifier == category {
				out = append(out, d.Props...)
			}
		}
	}
	return out
}

func profileKey(productID, version string) string {
	return "PV(productId=" + productID + ", version=" + version + ")"
}

// Property is one digital-model property definition.
type Property struct {
	Identifier string `json:"identifier"`

	// Title is a JSON document of localised names, e.g. {"zh":"开关"}.
	Title string `json:"title"`

	// Access is "r" or "rw".
	Access string `json:"access"`

	Schema Schema `json:"schema"`
}

// Schema is a property's value domain.
type Schema struct {
	Type     string       `json:"type"`
	Minimum  *flexNumber  `json:"minimum"`
	Maximum  *flexNumber  `json:"maximum"`
	Step     *flexNumber  `json:"step"`
	Enum     []flexNumber `json:"enum"`
	EnumDesc []string     `json:"enumDesc"`
}

// flexNumber accepts a JSON number or numeric string.
type flexNumber float64

func (f *flexNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexNumber(v)
	return nil
}

// DisplayName returns the Chinese title, falling back to the identifier.
func (p Property) DisplayName() string {
	var titles map[string]string
	if err := json.Unmarshal([]byte(p.Title), &titles); err == nil && titles["zh"] != "" {
		return titles["zh"]
	}
	return p.Identifier
}

// ParseProperty converts a digital-model property into an attribute.
// Properties missing from the snapshot, bookkeeping properties and shapes
// with no attribute equivalent report false.
//
//	r                         read-only (boolean, enumeration or range)
//	rw + step + Integer/Double range
//	rw + boolean              boolean
//	rw + integer + enum       enumeration labelled by enumDesc
func ParseProperty(p Property, snapshot map[string]any) (attribute.Attribute, bool) {
	if p.Identifier == "" || ignoredProperties[p.Identifier] {
		return attribute.Attribute{}, false
	}
	if _, ok := snapshot[p.Identifier]; !ok {
		return attribute.Attribute{}, false
	}

	a := attribute.Attribute{Key: p.Identifier, Name: p.DisplayName()}
	typ := strings.ToLower(p.Schema.Type)
	numeric := strings.Contains(typ, "integer") || strings.Contains(typ, "double")

	switch p.Access {
	case "r":
		a.ReadOnly = true
		switch {
		case typ == "boolean":
			a.Kind = attribute.KindBoolean
		case typ == "integer" && len(p.Schema.Enum) > 0:
			a.Kind = attribute.KindEnumeration
			a.Options = options(p.Schema)
		case numeric:
			a.Kind = attribute.KindRange
			a.Min, a.Max = unboundedMin, unboundedMax
			if p.Schema.Minimum != nil {
				a.Min = float64(*p.Schema.Minimum)
			}
			if p.Schema.Maximum != nil {
				a.Max = float64(*p.Schema.Maximum)
			}
			a.Hints = guessHints(p)
		default:
			return attribute.Attribute{}, false
		}

	case "rw":
		switch {
		case p.Schema.Step != nil && numeric:
			a.Kind = attribute.KindRange
			if p.Schema.Minimum != nil {
				a.Min = float64(*p.Schema.Minimum)
			}
			if p.Schema.Maximum != nil {
				a.Max = float64(*p.Schema.Maximum)
			}
			a.Step = float64(*p.Schema.Step)
			a.Hints.Unit = guessHints(p).Unit
		case typ == "boolean":
			a.Kind = attribute.KindBoolean
		case typ == "integer" && len(p.Schema.Enum) > 0:
			a.Kind = attribute.KindEnumeration
			a.Options = options(p.Schema)
		default:
			return attribute.Attribute{}, false
		}

	default:
		return attribute.Attribute{}, false
	}

	if err := a.Validate(); err != nil {
		return attribute.Attribute{}, false
	}
	return a, true
}

func options(s Schema) []attribute.Option {
	out := make([]attribute.Option, 0, len(s.Enum))
	for i, v := range s.Enum {
		o := attribute.Option{Value: int(v)}
		if i < len(s.EnumDesc) {
			o.Label = s.EnumDesc[i]
		}
		out = append(out, o)
	}
	return out
}

// guessHints derives sensor presentation from the title and identifier.
func guessHints(p Property) attribute.SensorHints {
	title := p.DisplayName()
	var h attribute.SensorHints

	if strings.Contains(title, "累计") {
		h.StateClass = "total"
	}
	switch {
	case strings.Contains(title, "天数"):
		return attribute.SensorHints{StateClass: "measurement", DeviceClass: "duration", Unit: "d"}
	case strings.Contains(title, "温度"):
		h.DeviceClass, h.Unit = "temperature", "°C"
	case strings.Contains(title, "湿度"):
		h.DeviceClass, h.Unit = "humidity", "%"
	case strings.Contains(title, "寿命"):
		h.DeviceClass, h.Unit = "battery", "%"
	case strings.Contains(p.Identifier, "pm25"):
		h.StateClass, h.DeviceClass, h.Unit = "measurement", "pm25", "µg/m³"
	case strings.Contains(p.Identifier, "aal"):
		h.StateClass, h.DeviceClass = "measurement", "aqi"
	}
	return h
}
