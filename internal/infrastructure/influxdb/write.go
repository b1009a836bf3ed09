package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	measurementAttribute = "appliance_attribute"
	measurementSync      = "bridge_sync"
)

// SyncStats is a snapshot of synchronizer counters.
type SyncStats struct {
	Devices       int
	Available     int
	Bindings      int
	PendingWrites int
}

// WriteDeviceMetric records one numeric attribute value. Booleans arrive
// as 0 or 1.
//
//	client.WriteDeviceMetric("dev-1", "pm25", 12)
func (c *Client) WriteDeviceMetric(deviceID, attribute string, value float64) {
	if c.IsConnected() {
		c.writeAPI.WritePoint(attributePoint(deviceID, attribute, value, c.now()))
	}
}

// WriteSyncStats records the synchronizer counters as one point.
func (c *Client) WriteSyncStats(stats SyncStats) {
	if c.IsConnected() {
		c.writeAPI.WritePoint(syncPoint(stats, c.now()))
	}
}

func attributePoint(deviceID, attribute string, value float64, ts time.Time) *write.Point {
	return write.NewPoint(measurementAttribute,
		map[string]string{"device_id": deviceID, "attribute": attribute},
		map[string]any{"value": value},
		ts,
	)
}

func syncPoint(s SyncStats, ts time.Time) *write.Point {
	return write.NewPoint(measurementSync, nil,
		map[string]any{
			"devices":        s.Devices,
			"available":      s.Available,
			"unavailable":    s.Devices - s.Available,
			"bindings":       s.Bindings,
			"pending_writes": s.PendingWrites,
		},
		ts,
	)
}
