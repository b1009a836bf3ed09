package capability

import "slices"

// Change is the difference between two binding sets.
type Change struct {
	Added   []Binding `json:"added,omitempty"`
	Removed []Binding `json:"removed,omitempty"`
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// Diff compares bindings by identity. A binding whose backing keys changed
// is reported as removed and re-added.
func Diff(prev, next []Binding) Change {
	var c Change
	for _, p := range prev {
		if !containsEqual(next, p) {
			c.Removed = append(c.Removed, p)
		}
	}
	for _, n := range next {
		if !containsEqual(prev, n) {
			c.Added = append(c.Added, n)
		}
	}
	return c
}

func containsEqual(list []Binding, b Binding) bool {
	return slices.ContainsFunc(list, b.Equal)
}

// Filter keeps bindings whose kind is in kinds. An empty kinds list keeps
// everything.
func Filter(bindings []Binding, kinds []Kind) []Binding {
	if len(kinds) == 0 {
		return bindings
	}
	out := make([]Binding, 0, len(bindings))
	for _, b := range bindings {
		if slices.Contains(kinds, b.Kind) {
			out = append(out, b)
		}
	}
	return out
}

// Fan returns the device's fan binding, if any.
func Fan(bindings []Binding) (Binding, bool) {
	for _, b := range bindings {
		if b.Kind == KindFan {
			return b, true
		}
	}
	return Binding{}, false
}

// Affected returns the bindings backed by any of keys, each once.
func Affected(bindings []Binding, keys []string) []Binding {
	var out []Binding
	for _, b := range bindings {
		for _, k := range keys {
			if b.Uses(k) {
				out = append(out, b)
				break
			}
		}
	}
	return out
}
