// Package api implements the operator HTTP API for the Treeow bridge.
//
// This package provides:
//   - Read endpoints for devices, attribute schemas, bindings and state
//   - Command endpoints for attribute changes and fan intents
//   - State history from the local SQLite store
//   - An audit log of commands and discovery requests
//   - Bearer-token authentication with role-based permissions
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Routes
//
//	GET  /api/v1/health                    no auth
//	GET  /api/v1/devices                   device:read
//	GET  /api/v1/devices/{id}              device:read
//	GET  /api/v1/devices/{id}/bindings     device:read
//	GET  /api/v1/devices/{id}/state        device:read
//	PUT  /api/v1/devices/{id}/state        device:operate
//	POST /api/v1/devices/{id}/fan          device:operate
//	GET  /api/v1/devices/{id}/history      history:read
//	POST /api/v1/discover                  system:admin
//	GET  /api/v1/audit                     system:admin
//
// Commands return 202 with the command ID unless the request sets
// "wait": true, in which case the handler blocks until the command is
// confirmed or failed.
package api
