package state

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/nerrad567/treeow-bridge/internal/attribute"
	"github.com/nerrad567/treeow-bridge/internal/capability"
	"github.com/nerrad567/treeow-bridge/internal/device"
)

// lane is the synchronizer's per-device state.
//
// notifyMu is held across a reconciliation and its adapter callbacks so
// notifications for one device are delivered in order. mu guards the
// fields and is never held while calling out.
type lane struct {
	notifyMu sync.Mutex

	mu        sync.Mutex
	dev       *device.Device
	detected  []capability.Binding
	bindings  []capability.Binding
	published map[string]any
	cancelSub context.CancelFunc
}

func newLane(id string) *lane {
	return &lane{
		dev:       &device.Device{ID: id, Attributes: attribute.NewSet()},
		published: make(map[string]any),
	}
}

// setIdentity copies the descriptive fields of d.
func (l *lane) setIdentity(d *device.Device) {
	l.dev.Name = d.Name
	l.dev.Category = d.Category
	l.dev.Serial = d.Serial
	l.dev.Model = d.Model
	l.dev.Version = d.Version
	l.dev.Meta = nil
	if d.Meta != nil {
		l.dev.Meta = make(map[string]string, len(d.Meta))
		for k, v := range d.Meta {
			l.dev.Meta[k] = v
		}
	}
}

// setSchema replaces the attribute schema, keeping confirmed values that
// still fit their new domain, and re-runs detection. It returns the
// difference in exposed bindings.
func (l *lane) setSchema(schema *attribute.Set, roles capability.Roles, filter device.EntityFilter) capability.Change {
	next := attribute.NewSet()
	for _, a := range schema.All() {
		a.Value = nil
		next.Put(a)
	}
	for key, v := range l.dev.Attributes.Values() {
		_, _ = next.SetValue(key, v) //nolint:errcheck // out-of-domain values are dropped
	}
	l.dev.Attributes = next

	l.detected = capability.Detect(l.dev.ID, next, roles)
	exposed := filter.Apply(l.detected)
	change := capability.Diff(l.bindings, exposed)
	l.bindings = exposed
	return change
}

// visible returns the confirmed values overlaid with unresolved command
// values. An unavailable device has no visible values.
func (l *lane) visible(overlay map[string]any) map[string]any {
	if !l.dev.Available {
		return map[string]any{}
	}
	out := l.dev.Snapshot()
	for k, v := range overlay {
		if _, ok := l.dev.Attributes.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

// refresh recomputes the visible values and returns the keys that differ
// from the last announcement, in attribute order. all forces every known
// key into the result.
func (l *lane) refresh(overlay map[string]any, all bool) ([]string, device.State) {
	next := l.visible(overlay)
	prev := l.published

	var changed []string
	seen := make(map[string]bool)
	for _, k := range l.dev.Attributes.Keys() {
		seen[k] = true
		pv, hadPrev := prev[k]
		nv, hasNext := next[k]
		if all || hadPrev != hasNext || (hadPrev && pv != nv) {
			changed = append(changed, k)
		}
	}
	var dropped []string
	for k := range prev {
		if !seen[k] {
			dropped = append(dropped, k)
		}
	}
	sort.Strings(dropped)
	changed = append(changed, dropped...)

	l.published = next
	state := make(device.State, len(next))
	for k, v := range next {
		state[k] = v
	}
	return changed, state
}

// snapshot returns a copy of the device with visible values applied.
func (l *lane) snapshot(overlay map[string]any) *device.Device {
	cpy := l.dev.DeepCopy()
	if cpy.Available {
		for k, v := range overlay {
			_, _ = cpy.Attributes.SetValue(k, v) //nolint:errcheck // overlay values are normalised
		}
	}
	return cpy
}

func (l *lane) exposed() []capability.Binding {
	return slices.Clone(l.bindings)
}
