package treeow

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"

	"github.com/nerrad567/treeow-bridge/internal/attribute"
	"github.com/nerrad567/treeow-bridge/internal/capability"
	"github.com/nerrad567/treeow-bridge/internal/command"
	"github.com/nerrad567/treeow-bridge/internal/device"
)

// WriteAttributes sets each property with its own PUT: power, then mode,
// then speed, then other keys by name. The first failure stops the
// sequence. With VerifyWrite the property is read back and a different value fails the
// write with ErrWriteRejected.
func (c *Client) WriteAttributes(ctx context.Context, deviceID string, values map[string]any) error {
	ref, ok := c.ref(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrDeviceNotFound, deviceID)
	}

	changes := make([]command.Change, 0, len(values))
	for k, v := range values {
		changes = append(changes, command.Change{Key: k, Value: v})
	}

	for _, ch := range command.Order(changes, capability.DefaultRoles) {
		if err := c.writeProp(ctx, ref, ch.Key, ch.Value); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) writeProp(ctx context.Context, ref deviceRef, key string, value any) error {
	wire := wireValue(value)
	headers := ref.headers(key)

	if _, err := c.do(ctx, http.MethodPut, pathDeviceProp, map[string]any{"value": wire}, headers); err != nil {
		return fmt.Errorf("writing %s on %s: %w", key, ref.ID, err)
	}
	c.logger.Debug("property written", "device_id", ref.ID, "key", key, "value", wire)

	if !c.verifyWrite {
		return nil
	}
	env, err := c.do(ctx, http.MethodGet, pathDeviceProp, nil, headers)
	if err != nil {
		return fmt.Errorf("reading back %s on %s: %w", key, ref.ID, err)
	}
	var got any
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &got); err != nil {
			return fmt.Errorf("%w: read-back of %s: %w", ErrMalformedResponse, key, err)
		}
	}
	if !sameWireValue(got, wire) {
		return fmt.Errorf("%w: %s on %s: vendor reported %v, wanted %v", ErrWriteRejected, key, ref.ID, got, wire)
	}
	return nil
}

// wireValue encodes a normalised attribute value for the API. Whole-number
// floats are sent as integers.
func wireValue(v any) any {
	if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return v
}

func sameWireValue(got, want any) bool {
	if wb, ok := want.(bool); ok {
		gb, err := attribute.ParseBool(got)
		return err == nil && gb == wb
	}
	gf, gok := number(got)
	wf, wok := number(want)
	if gok && wok {
		return math.Abs(gf-wf) < 1e-6
	}
	return fmt.Sprint(got) == fmt.Sprint(want)
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}
