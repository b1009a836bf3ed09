// Package influxdb writes appliance telemetry to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health checks.
//
// # Measurements
//
//   - appliance_attribute: one point per numeric attribute change,
//     tagged by device_id and attribute. Booleans are written as 0 or 1.
//   - bridge_sync: periodic synchronizer counters (devices, available,
//     bindings, pending writes).
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteDeviceMetric("dev-1", "pm25", 12)
//
// # Error Handling
//
// Writes are batched according to batch_size and flush_interval. Async
// write failures are delivered to the callback set with SetOnError.
// Connection and health check errors are returned directly.
package influxdb
