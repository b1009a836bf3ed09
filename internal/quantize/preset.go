package quantize

import (
	"fmt"

	"github.com/nerrad567/treeow-bridge/internal/attribute"
)

// PresetTable maps preset-mode names to enumeration values and back.
type PresetTable struct {
	names   []string
	byName  map[string]int
	byValue map[int]string
}

// NewPresetTable builds a table from enumeration options in vendor order.
// Each option is named by its label, or its decimal value when unlabelled.
func NewPresetTable(options []attribute.Option) PresetTable {
	t := PresetTable{
		names:   make([]string, 0, len(options)),
		byName:  make(map[string]int, len(options)),
		byValue: make(map[int]string, len(options)),
	}
	for _, o := range options {
		name := o.Name()
		if _, dup := t.byName[name]; dup {
			continue
		}
		t.names = append(t.names, name)
		t.byName[name] = o.Value
		t.byValue[o.Value] = name
	}
	return t
}

// Value returns the vendor value for an exact preset name.
func (t PresetTable) Value(name string) (int, error) {
	v, ok := t.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: unknown preset mode %q", attribute.ErrInvalidValue, name)
	}
	return v, nil
}

// Name returns the preset name for a vendor value.
func (t PresetTable) Name(value int) (string, bool) {
	n, ok := t.byValue[value]
	return n, ok
}

// Names returns preset names in vendor order.
func (t PresetTable) Names() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}
