package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/treeow-bridge/internal/capability"
)

// Writer is the vendor write capability.
type Writer interface {
	// WriteAttributes sets one or more attributes on a device. Retryable
	// failures must wrap ErrTransient.
	WriteAttributes(ctx context.Context, deviceID string, values map[string]any) error

	// SupportsMultiWrite reports whether one call may carry several keys.
	SupportsMultiWrite() bool
}

// VerifyFunc reads back a device after a write and feeds the observation
// through Batcher.Observe. An error makes the attempt fail.
type VerifyFunc func(ctx context.Context, deviceID string) error

// Logger is the logging interface used by the batcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Batcher.
type Options struct {
	// Writer dispatches attribute writes. Required.
	Writer Writer

	// Verify reads the device back after each successful write. Optional;
	// without it a write is confirmed by the vendor's acknowledgement.
	Verify VerifyFunc

	// Roles decides sequential write order. Defaults to capability.DefaultRoles.
	Roles capability.Roles

	// Retry bounds retries. Zero fields take defaults.
	Retry RetryPolicy

	// OnResolved is called once per command after it resolves, outside any
	// batcher lock.
	OnResolved func(p *Pending)

	Logger Logger
	Clock  func() time.Time
}

// lane serialises commands for one device.
type lane struct {
	queue   []*Pending // waiting, in submission order
	active  *Pending   // being dispatched
	running bool
}

// Batcher coalesces, serialises and dispatches commands per device.
type Batcher struct {
	writer     Writer
	verify     VerifyFunc
	roles      capability.Roles
	retry      RetryPolicy
	onResolved func(p *Pending)
	logger     Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
}

// NewBatcher creates a batcher. Call Close to stop dispatching.
func NewBatcher(opts Options) (*Batcher, error) {
	if opts.Writer == nil {
		return nil, errors.New("command: writer is required")
	}
	if opts.Roles == (capability.Roles{}) {
		opts.Roles = capability.DefaultRoles
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher{
		writer:     opts.Writer,
		verify:     opts.Verify,
		roles:      opts.Roles,
		retry:      opts.Retry.withDefaults(),
		onResolved: opts.OnResolved,
		logger:     opts.Logger,
		now:        opts.Clock,
		ctx:        ctx,
		cancel:     cancel,
		lanes:      make(map[string]*lane),
	}, nil
}

// Submit queues one intent's changes as a single Pending command.
//
// Any earlier unresolved command for the same device loses its entries for
// the keys carried here. A queued command left with nothing to write
// resolves as confirmed without a vendor call.
func (b *Batcher) Submit(deviceID string, changes []Change) (*Pending, error) {
	if len(changes) == 0 {
		return nil, ErrNoChanges
	}
	p := newPending(deviceID, Order(changes, b.roles), b.now())

	keys := make(map[string]bool, len(changes))
	for _, c := range changes {
		keys[c.Key] = true
	}

	var emptied []*Pending

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	l := b.lanes[deviceID]
	if l == nil {
		l = &lane{}
		b.lanes[deviceID] = l
	}
	if l.active != nil {
		l.active.supersede(keys)
	}
	kept := l.queue[:0]
	for _, q := range l.queue {
		if q.supersede(keys) {
			emptied = append(emptied, q)
			continue
		}
		kept = append(kept, q)
	}
	l.queue = append(kept, p)
	if !l.running {
		l.running = true
		b.wg.Add(1)
		go b.drain(l)
	}
	b.mu.Unlock()

	for _, q := range emptied {
		if q.settle() {
			b.logger.Debug("command superseded before dispatch", "device_id", deviceID, "command_id", q.ID)
			b.resolved(q)
		}
	}
	return p, nil
}

// Overlay returns the newest desired value per key across every unresolved
// command for the device.
func (b *Batcher) Overlay(deviceID string) map[string]any {
	out := make(map[string]any)
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.lanes[deviceID]
	if l == nil {
		return out
	}
	if l.active != nil && !l.active.resolved() {
		l.active.overlay(out)
	}
	for _, q := range l.queue {
		q.overlay(out)
	}
	return out
}

// Observe reconciles observed vendor values against the command currently
// being dispatched. Only entries whose write was acknowledged are compared.
// It returns the keys confirmed and the keys that failed.
func (b *Batcher) Observe(deviceID string, observed map[string]any, equal func(key string, want, got any) bool) (confirmed, failed []string) {
	b.mu.Lock()
	l := b.lanes[deviceID]
	var active *Pending
	if l != nil {
		active = l.active
	}
	b.mu.Unlock()

	if active == nil || active.resolved() {
		return nil, nil
	}
	for key, v := range observed {
		handled, matched := active.observe(key, v, equal)
		switch {
		case !handled:
		case matched:
			confirmed = append(confirmed, key)
		default:
			failed = append(failed, key)
			b.logger.Warn("vendor state contradicts command",
				"device_id", deviceID, "command_id", active.ID, "key", key, "observed", v)
		}
	}
	return confirmed, failed
}

// Pending returns the number of unresolved commands for a device.
func (b *Batcher) Pending(deviceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.lanes[deviceID]
	if l == nil {
		return 0
	}
	n := len(l.queue)
	if l.active != nil && !l.active.resolved() {
		n++
	}
	return n
}

// Cancel fails every unresolved command for a device immediately. A call
// already in flight finishes but its result is discarded.
func (b *Batcher) Cancel(deviceID string) {
	b.mu.Lock()
	l := b.lanes[deviceID]
	var victims []*Pending
	if l != nil {
		if l.active != nil {
			victims = append(victims, l.active)
		}
		victims = append(victims, l.queue...)
		l.queue = nil
	}
	b.mu.Unlock()

	for _, p := range victims {
		if p.fail(fmt.Errorf("%w: device %s removed", ErrCancelled, deviceID)) {
			b.resolved(p)
		}
	}
}

// Close stops all lanes and fails every unresolved command.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	ids := make([]string, 0, len(b.lanes))
	for id := range b.lanes {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Cancel(id)
	}
	b.cancel()
	b.wg.Wait()
}

// drain dispatches a lane's queue in order until it is empty.
func (b *Batcher) drain(l *lane) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		if len(l.queue) == 0 {
			l.active = nil
			l.running = false
			b.mu.Unlock()
			return
		}
		p := l.queue[0]
		l.queue = l.queue[1:]
		l.active = p
		b.mu.Unlock()

		b.dispatch(p)
	}
}

// dispatch runs one command to resolution.
func (b *Batcher) dispatch(p *Pending) {
	attempts := 0
	err := b.retry.Do(b.ctx, func(ctx context.Context) error {
		attempts++
		if p.resolved() {
			return ErrCancelled
		}
		if err := b.attempt(ctx, p); err != nil {
			if IsTransient(err) {
				b.logger.Warn("command dispatch failed",
					"device_id", p.DeviceID, "command_id", p.ID, "attempt", attempts, "error", err)
			}
			return err
		}
		return nil
	})

	// A command cancelled while in flight is already resolved; fail and
	// settle are then no-ops and the result is discarded.
	if err != nil {
		if !p.fail(err) {
			return
		}
		b.logger.Error("command failed",
			"device_id", p.DeviceID, "command_id", p.ID, "attempts", attempts, "error", err)
	} else {
		if !p.settle() {
			return
		}
		b.logger.Debug("command resolved",
			"device_id", p.DeviceID, "command_id", p.ID, "status", p.Status())
	}
	b.resolved(p)
}

// attempt writes every live entry and verifies the result.
func (b *Batcher) attempt(ctx context.Context, p *Pending) error {
	changes := p.dispatchable()
	if len(changes) == 0 {
		return nil
	}

	if b.writer.SupportsMultiWrite() {
		if err := b.writer.WriteAttributes(ctx, p.DeviceID, Values(changes)); err != nil {
			return err
		}
		p.markWritten(Keys(changes)...)
	} else {
		for _, c := range Order(changes, b.roles) {
			if p.resolved() {
				return ErrCancelled
			}
			if err := b.writer.WriteAttributes(ctx, p.DeviceID, map[string]any{c.Key: c.Value}); err != nil {
				return fmt.Errorf("writing %s: %w", c.Key, err)
			}
			p.markWritten(c.Key)
		}
	}

	if b.verify != nil {
		if err := b.verify(ctx, p.DeviceID); err != nil {
			return fmt.Errorf("verifying write: %w", err)
		}
	}
	return nil
}

func (b *Batcher) resolved(p *Pending) {
	if b.onResolved != nil {
		b.onResolved(p)
	}
}
