// Package state keeps cached device state consistent with the vendor.
//
// A Synchronizer holds one lane per device. Each lane owns the device's
// attribute set (last confirmed values), its exposed bindings and the
// values last announced to the entity adapter. Two sources feed the same
// reconciliation path:
//
//   - a poll loop that reads every device with bounded parallelism and, on
//     a slower cadence, refreshes the device list;
//   - optional push subscriptions, one per device, when the vendor offers them.
//
// Commands go through a command.Batcher. Their unresolved values overlay
// the confirmed snapshot, so the adapter sees the requested state at once
// and sees it revert if the command fails.
//
// Every reconciliation produces at most one OnStateChanged notification per
// device carrying all changed keys.
package state
