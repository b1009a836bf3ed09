package command

import (
	"sort"

	"github.com/nerrad567/treeow-bridge/internal/capability"
)

// Change is one desired attribute value.
type Change struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Order sorts changes into dispatch order: power, then mode, then speed,
// then every other key alphabetically. Power must be asserted before speed
// or mode mean anything, and some vendor modes reset speed as a side effect.
func Order(changes []Change, roles capability.Roles) []Change {
	rank := func(key string) int {
		switch key {
		case roles.Power:
			return 0
		case roles.Mode:
			return 1
		case roles.Speed:
			return 2
		}
		return 3
	}
	out := make([]Change, len(changes))
	copy(out, changes)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i].Key), rank(out[j].Key)
		if ri != rj {
			return ri < rj
		}
		if ri == 3 {
			return out[i].Key < out[j].Key
		}
		return false
	})
	return out
}

// Values flattens changes into a key/value map.
func Values(changes []Change) map[string]any {
	out := make(map[string]any, len(changes))
	for _, c := range changes {
		out[c.Key] = c.Value
	}
	return out
}

// Keys returns the change keys in order.
func Keys(changes []Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Key
	}
	return out
}

func rolesOf(fan *capability.FanKeys) capability.Roles {
	return capability.Roles{Power: fan.Power, Speed: fan.Speed, Mode: fan.Mode}
}
