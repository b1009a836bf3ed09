// Package treeow is the client for the Treeow appliance cloud.
//
// It implements the synchronizer's vendor interface over the mobile app's
// REST API:
//
//	ListDevices     home groups -> paged device list -> digital model + info snapshot
//	ReadAttributes  resource/device/info, filtered to the device's digital model
//	WriteAttributes one PUT per attribute on v3/device/otap/prop, optionally read back
//	Subscribe       optional websocket push channel
//
// A per-device heartbeat keeps the cloud session of each appliance online
// while the client is started.
package treeow
