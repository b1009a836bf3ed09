// Package bridge exposes synchronised Treeow devices to Home Assistant over
// MQTT.
//
// The Bridge implements state.Adapter. Binding changes become retained
// discovery configs, state notifications become retained JSON state
// messages, and payloads arriving on command topics are translated into
// synchronizer commands whose outcome is published as an acknowledgement.
//
// # Entity Mapping
//
//	fan     power, speed percentage and preset mode on one entity
//	switch  writable boolean
//	number  writable range
//	select  writable enumeration, options named by label
//	sensor  read-only attribute (binary_sensor when boolean)
//
// # Command Payloads
//
// Command topics accept either a bare value ("ON", "42", "Sleep") or a JSON
// object:
//
//	{"request_id": "abc", "value": 42}
//	{"on": true, "percentage": 60, "preset_mode": "Sleep"}
//
// The request_id, when given, is echoed in the acknowledgement.
package bridge
