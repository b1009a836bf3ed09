package treeow

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/treeow-bridge/internal/attribute"
	"github.com/nerrad567/treeow-bridge/internal/device"
)

// Meta keys carried on device.Device.
const (
	MetaGroupID          = "group_id"
	MetaResourceCategory = "resource_category"
	MetaLocalIndex       = "local_index"
)

// deviceRef is what the API needs to address a device.
type deviceRef struct {
	ID               string
	GroupID          string
	Category         string
	Serial           string
	ProductID        string
	Version          string
	ResourceCategory string
	LocalIndex       string
}

// headers addresses one property of the device on the prop endpoint.
func (r deviceRef) headers(prop string) http.Header {
	h := make(http.Header)
	h.Set("domainidentifier", r.Category)
	h.Set("propidentifier", prop)
	h.Set("localindex", r.LocalIndex)
	h.Set("deviceserial", r.Serial)
	h.Set("resourcecategory", r.ResourceCategory)
	return h
}

type modelEntry struct {
	props   []Property
	fetched time.Time
}

type listItem struct {
	ID           flexString `json:"id"`
	DeviceName   string     `json:"deviceName"`
	DeviceSerial string     `json:"deviceSerial"`
	Category     string     `json:"category"`
	Version      flexString `json:"version"`
	Props        []struct {
		ResourceCategory flexString `json:"resourceCategory"`
		LocalIndex       flexString `json:"localIndex"`
	} `json:"props"`
}

func (it listItem) ref(groupID string) deviceRef {
	r := deviceRef{
		ID:       string(it.ID),
		GroupID:  groupID,
		Category: it.Category,
		Serial:   it.DeviceSerial,
		Version:  string(it.Version),
	}
	if pid, _, ok := strings.Cut(it.DeviceSerial, ":"); ok {
		r.ProductID = pid
	}
	if len(it.Props) > 0 {
		r.ResourceCategory = string(it.Props[0].ResourceCategory)
		r.LocalIndex = string(it.Props[0].LocalIndex)
	}
	return r
}

type infoData struct {
	ID       flexString `json:"id"`
	Category string     `json:"category"`
	Props    []struct {
		Value string `json:"value"`
	} `json:"props"`
}

// values decodes the property snapshot. The first prop carries a JSON
// document keyed by domain category.
func (d infoData) values(category string) (map[string]any, error) {
	if len(d.Props) == 0 || d.Props[0].Value == "" {
		return map[string]any{}, nil
	}
	var domains map[string]map[string]any
	if err := json.Unmarshal([]byte(d.Props[0].Value), &domains); err != nil {
		return nil, fmt.Errorf("%w: snapshot value: %w", ErrMalformedResponse, err)
	}
	if d.Category != "" {
		category = d.Category
	}
	vals := domains[category]
	if vals == nil {
		vals = map[string]any{}
	}
	return vals, nil
}

// ListDevices returns every device across the account's home groups with
// its attribute schema and current values. A failure in any group fails the
// whole listing so a partial result is never mistaken for removals.
func (c *Client) ListDevices(ctx context.Context) ([]device.Device, error) {
	groups, err := c.homeGroups(ctx)
	if err != nil {
		return nil, err
	}

	refs := make(map[string]deviceRef)
	var out []device.Device
	for _, g := range groups {
		items, err := c.listGroup(ctx, g)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			ref := it.ref(g)
			if ref.ID == "" {
				continue
			}
			d, err := c.describe(ctx, ref, it.DeviceName)
			if err != nil {
				return nil, fmt.Errorf("describing device %s: %w", ref.ID, err)
			}
			refs[ref.ID] = ref
			out = append(out, d)
		}
	}

	c.mu.Lock()
	c.refs = refs
	for id := range c.models {
		if _, ok := refs[id]; !ok {
			delete(c.models, id)
		}
	}
	c.mu.Unlock()

	c.syncHeartbeats(refs)
	return out, nil
}

func (c *Client) describe(ctx context.Context, ref deviceRef, name string) (device.Device, error) {
	snapshot, err := c.snapshot(ctx, ref)
	if err != nil {
		return device.Device{}, err
	}
	props, err := c.model(ctx, ref)
	if err != nil {
		return device.Device{}, err
	}

	attrs := attribute.NewSet()
	for _, p := range props {
		a, ok := ParseProperty(p, snapshot)
		if !ok {
			continue
		}
		attrs.Put(a)
		if _, err := attrs.SetValue(a.Key, snapshot[a.Key]); err != nil {
			c.logger.Debug("snapshot value outside domain", "device_id", ref.ID, "key", a.Key, "error", err)
		}
	}

	if name == "" {
		name = ref.ID
	}
	return device.Device{
		ID:       ref.ID,
		Name:     name,
		Category: ref.Category,
		Serial:   ref.Serial,
		Model:    ref.ProductID,
		Version:  ref.Version,
		Meta: map[string]string{
			MetaGroupID:          ref.GroupID,
			MetaResourceCategory: ref.ResourceCategory,
			MetaLocalIndex:       ref.LocalIndex,
		},
		Attributes: attrs,
	}, nil
}

// ReadAttributes returns the device's current values for the properties of
// its digital model.
func (c *Client) ReadAttributes(ctx context.Context, deviceID string) (map[string]any, error) {
	ref, ok := c.ref(deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, deviceID)
	}
	snapshot, err := c.snapshot(ctx, ref)
	if err != nil {
		return nil, err
	}
	props, err := c.model(ctx, ref)
	if err != nil {
		return nil, err
	}
	return c.filterToModel(snapshot, props), nil
}

func (c *Client) filterToModel(snapshot map[string]any, props []Property) map[string]any {
	out := make(map[string]any, len(props))
	for _, p := range props {
		if ignoredProperties[p.Identifier] {
			continue
		}
		if v, ok := snapshot[p.Identifier]; ok {
			out[p.Identifier] = v
		}
	}
	return out
}

func (c *Client) ref(deviceID string) (deviceRef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.refs[deviceID]
	return r, ok
}

func (c *Client) snapshot(ctx context.Context, ref deviceRef) (map[string]any, error) {
	env, err := c.do(ctx, http.MethodPost, pathDeviceInfo, map[string]string{"id": ref.ID}, nil)
	if err != nil {
		return nil, fmt.Errorf("reading device %s: %w", ref.ID, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return map[string]any{}, nil
	}
	var data infoData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: device info: %w", ErrMalformedResponse, err)
	}
	return data.values(ref.Category)
}

// model returns the device's digital-model properties, refreshing the
// device's group listing once the cached copy is older than the model TTL.
func (c *Client) model(ctx context.Context, ref deviceRef) ([]Property, error) {
	c.mu.RLock()
	entry, ok := c.models[ref.ID]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.fetched) < c.modelTTL {
		return entry.props, nil
	}

	if _, err := c.listGroup(ctx, ref.GroupID); err != nil {
		return nil, fmt.Errorf("fetching digital model: %w", err)
	}
	c.mu.RLock()
	entry = c.models[ref.ID]
	c.mu.RUnlock()
	return entry.props, nil
}

// homeGroups returns the IDs of every home group, cached for the model TTL.
func (c *Client) homeGroups(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	if c.groups != nil && c.now().Sub(c.groupsAt) < c.modelTTL {
		groups := slices.Clone(c.groups)
		c.mu.RUnlock()
		return groups, nil
	}
	c.mu.RUnlock()

	env, err := c.do(ctx, http.MethodPost, pathHomeList, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("listing homes: %w", err)
	}
	var homes []struct {
		HomeGroups []struct {
			ID flexString `json:"id"`
		} `json:"homeGroups"`
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &homes); err != nil {
			return nil, fmt.Errorf("%w: home list: %w", ErrMalformedResponse, err)
		}
	}

	groups := []string{}
	for _, h := range homes {
		for _, g := range h.HomeGroups {
			groups = append(groups, string(g.ID))
		}
	}
	if len(groups) == 0 {
		c.logger.Warn("no home groups found on the account")
	}

	c.mu.Lock()
	c.groups = groups
	c.groupsAt = c.now()
	c.mu.Unlock()
	return slices.Clone(groups), nil
}

// listGroup reads every page of a group's device list and caches the
// digital model of each listed device.
func (c *Client) listGroup(ctx context.Context, groupID string) ([]listItem, error) {
	var items []listItem
	profiles := make(map[string]profile)
	for page := 1; page <= maxPages; page++ {
		env, err := c.do(ctx, http.MethodPost, pathDeviceList, map[string]string{
			"pageSize": strconv.Itoa(c.pageSize),
			"groupId":  groupID,
			"pageNo":   strconv.Itoa(page),
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("listing group %s: %w", groupID, err)
		}

		var batch []listItem
		if len(env.Data) > 0 && string(env.Data) != "null" {
			if err := json.Unmarshal(env.Data, &batch); err != nil {
				return nil, fmt.Errorf("%w: device list: %w", ErrMalformedResponse, err)
			}
		}
		items = append(items, batch...)
		maps.Copy(profiles, env.Profiles)
		if len(batch) < c.pageSize {
			break
		}
	}

	now := c.now()
	c.mu.Lock()
	for _, it := range items {
		ref := it.ref(groupID)
		if ref.ID == "" {
			continue
		}
		var props []Property
		if p, ok := profiles[profileKey(ref.ProductID, ref.Version)]; ok {
			props = p.props(ref.Category)
		} else {
			c.logger.Debug("no digital model for device", "device_id", ref.ID, "serial", ref.Serial)
		}
		c.models[ref.ID] = modelEntry{props: props, fetched: now}
	}
	c.mu.Unlock()
	return items, nil
}
