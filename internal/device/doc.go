// Package device holds the device model shared by the synchroniser, the
// entity bridge and the HTTP API.
//
// A Device is one appliance on the vendor account. Its attributes are an
// ordered attribute.Set whose values are the last confirmed vendor state.
// The State Synchronizer owns live devices; everything else receives deep
// copies.
//
// # Architecture
//
//	┌───────────────────────────────────────────────────────────────┐
//	│                        device package                         │
//	│                                                               │
//	│  ┌──────────────┐   ┌───────────────┐   ┌──────────────────┐  │
//	│  │    Device    │   │    Filters    │   │   Persistence    │  │
//	│  │  (types.go)  │   │  (filter.go)  │   │                  │  │
//	│  │              │   │               │   │ • history_sqlite │  │
//	│  │ • DeepCopy   │   │ • device IDs  │   │ • catalog_sqlite │  │
//	│  │ • Validate   │   │ • entity keys │   │ • Recorder       │  │
//	│  └──────────────┘   └───────────────┘   └──────────────────┘  │
//	└───────────────────────────────────────────────────────────────┘
//
// # Filters
//
// DeviceFilter decides which account devices are synchronised at all.
// EntityFilter decides which detected bindings are exposed, per device,
// falling back to a load-all default.
//
// # Persistence
//
// SQLiteHistoryRepository stores one snapshot per batched state change.
// SQLiteCatalog remembers discovered devices and their attribute schema so
// the API can list them while the vendor is unreachable.
package device
