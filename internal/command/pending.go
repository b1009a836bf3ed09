package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the completion state of a Pending command.
type Status string

// Pending command states.
const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

type entryState int

const (
	entryQueued entryState = iota
	entryWritten
	entryConfirmed
	entryFailed
	entrySuperseded
)

type entry struct {
	Change
	state entryState
}

// live reports whether the entry still contributes to the overlay.
func (e *entry) live() bool {
	return e.state == entryQueued || e.state == entryWritten
}

// Pending is one coalesced command for a device.
//
// It is created by Batcher.Submit and resolved exactly once. All methods are
// safe for concurrent use.
type Pending struct {
	ID        string
	DeviceID  string
	CreatedAt time.Time

	mu      sync.Mutex
	entries []*entry
	status  Status
	err     error
	done    chan struct{}
}

func newPending(deviceID string, changes []Change, now time.Time) *Pending {
	p := &Pending{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		CreatedAt: now,
		status:    StatusPending,
		done:      make(chan struct{}),
	}
	for _, c := range changes {
		p.entries = append(p.entries, &entry{Change: c})
	}
	return p
}

// Status returns the current completion state.
func (p *Pending) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Err returns the failure cause once the command has failed.
func (p *Pending) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done is closed when the command resolves.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the command resolves or ctx ends. It returns nil on
// confirmation and an error wrapping ErrCommandFailed on failure.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Changes returns the entries that have not been superseded.
func (p *Pending) Changes() []Change {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Change, 0, len(p.entries))
	for _, e := range p.entries {
		if e.state != entrySuperseded {
			out = append(out, e.Change)
		}
	}
	return out
}

// Confirmed returns the values of confirmed entries.
func (p *Pending) Confirmed() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]any)
	for _, e := range p.entries {
		if e.state == entryConfirmed {
			out[e.Key] = e.Value
		}
	}
	return out
}

// Keys returns every key the command ever carried.
func (p *Pending) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.Key
	}
	return out
}

func (p *Pending) resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// overlay adds live entries to dst.
func (p *Pending) overlay(dst map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.live() {
			dst[e.Key] = e.Value
		}
	}
}

// supersede retires live entries for keys. It reports whether no live entry
// is left.
func (p *Pending) supersede(keys map[string]bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	left := 0
	for _, e := range p.entries {
		if e.live() && keys[e.Key] {
			e.state = entrySuperseded
		}
		if e.live() {
			left++
		}
	}
	return left == 0
}

// dispatchable returns queued and written entries, the payload of an attempt.
func (p *Pending) dispatchable() []Change {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Change
	for _, e := range p.entries {
		if e.live() {
			out = append(out, e.Change)
		}
	}
	return out
}

func (p *Pending) markWritten(keys ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.state != entryQueued {
			continue
		}
		for _, k := range keys {
			if e.Key == k {
				e.state = entryWritten
			}
		}
	}
}

// observe reconciles one observed value with a written entry. matched is
// meaningful only when handled is true.
func (p *Pending) observe(key string, value any, equal func(key string, want, got any) bool) (handled, matched bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.Key != key || e.state != entryWritten {
			continue
		}
		if equal(key, e.Value, value) {
			e.state = entryConfirmed
			return true, true
		}
		e.state = entryFailed
		if p.err == nil {
			p.err = fmt.Errorf("%w: %s: vendor reported %v, wanted %v", ErrCommandFailed, key, value, e.Value)
		}
		return true, false
	}
	return false, false
}

// settle resolves the command after a successful dispatch. Written entries
// that no observation covered are confirmed by the vendor's acknowledgement.
// It reports false when the command was already resolved.
func (p *Pending) settle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusPending {
		return false
	}
	failed := false
	for _, e := range p.entries {
		switch e.state {
		case entryWritten, entryQueued:
			e.state = entryConfirmed
		case entryFailed:
			failed = true
		}
	}
	if failed {
		p.status = StatusFailed
	} else {
		p.status = StatusConfirmed
		p.err = nil
	}
	close(p.done)
	return true
}

// fail resolves the command as failed and drops every live entry from the
// overlay. It reports false when the command was already resolved.
func (p *Pending) fail(cause error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusPending {
		return false
	}
	for _, e := range p.entries {
		if e.live() {
			e.state = entryFailed
		}
	}
	p.status = StatusFailed
	p.err = fmt.Errorf("%w: %w", ErrCommandFailed, cause)
	close(p.done)
	return true
}
