// Package command turns platform intents into ordered vendor writes.
//
// Translation is pure: TranslateFan and Translate validate the requested
// values against the device's attribute domains and return an ordered list
// of changes. Nothing invalid ever reaches the vendor.
//
// The Batcher owns every Pending command. It keeps one lane per device, so
// commands for the same device dispatch strictly in submission order while
// different devices proceed independently. A newer command supersedes the
// stale value of any attribute it shares with an unresolved command, and the
// optimistic overlay always reflects the newest desired value.
//
// Dispatch uses a single multi-attribute write when the vendor supports it
// and falls back to one write per attribute in power, mode, speed order.
// Transient failures are retried with exponential backoff; once retries are
// exhausted the command fails as a whole and its overlay is discarded.
//
// Usage:
//
//	b, _ := command.NewBatcher(command.Options{Writer: vendor, Verify: sync.verify})
//	defer b.Close()
//	changes, err := command.TranslateFan(fan, view, command.Intent{Percentage: &pct})
//	p, err := b.Submit("D1", changes)
//	err = p.Wait(ctx) // nil or errors.Is(err, command.ErrCommandFailed)
package command
