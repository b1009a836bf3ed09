package state

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/treeow-bridge/internal/attribute"
	"github.com/nerrad567/treeow-bridge/internal/capability"
	"github.com/nerrad567/treeow-bridge/internal/command"
	"github.com/nerrad567/treeow-bridge/internal/device"
)

// Synchronizer defaults.
const (
	DefaultPollInterval       = 30 * time.Second
	DefaultReadTimeout        = 10 * time.Second
	DefaultMaxConcurrentReads = 4

	errorBackoffInitial = 5 * time.Second
	errorBackoffMax     = 60 * time.Second
)

// Options configures a Synchronizer.
type Options struct {
	// Vendor is the cloud API. Required. When it also implements
	// Subscriber every device gets a push subscription.
	Vendor Vendor

	// Adapter receives binding and state changes. Optional.
	Adapter Adapter

	// Recorder persists change notifications. Optional.
	Recorder Recorder

	// Catalog remembers discovered devices. Optional.
	Catalog device.Catalog

	Roles        capability.Roles
	DeviceFilter device.DeviceFilter
	EntityFilter device.EntityFilter

	// PollInterval is the time between sync cycles.
	PollInterval time.Duration

	// AvailabilityTimeout marks a device unavailable when it has not synced
	// for longer. Zero disables it.
	AvailabilityTimeout time.Duration

	// DiscoveryInterval is the time between device list refreshes. Zero
	// refreshes on every cycle.
	DiscoveryInterval time.Duration

	// ReadTimeout bounds each vendor read.
	ReadTimeout time.Duration

	// MaxConcurrentReads bounds parallel reads during a poll.
	MaxConcurrentReads int

	// Retry bounds command retries.
	Retry command.RetryPolicy

	// VerifyWrites reads each device back after a command's writes.
	VerifyWrites bool

	Logger Logger
	Clock  func() time.Time
}

// Synchronizer mirrors vendor devices and routes commands to them.
type Synchronizer struct {
	vendor       Vendor
	adapter      Adapter
	recorder     Recorder
	catalog      device.Catalog
	roles        capability.Roles
	deviceFilter device.DeviceFilter
	entityFilter device.EntityFilter

	pollInterval        time.Duration
	availabilityTimeout time.Duration
	discoveryInterval   time.Duration
	readTimeout         time.Duration
	maxReads            int

	logger Logger
	now    func() time.Time

	batcher *command.Batcher

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu            sync.RWMutex
	lanes         map[string]*lane
	lastDiscovery time.Time
	discovered    bool
	closed        bool
}

// New creates a synchronizer. Call Run to start syncing and Close to stop.
func New(opts Options) (*Synchronizer, error) {
	if opts.Vendor == nil {
		return nil, errors.New("state: vendor is required")
	}
	if opts.Adapter == nil {
		opts.Adapter = noopAdapter{}
	}
	if opts.Roles == (capability.Roles{}) {
		opts.Roles = capability.DefaultRoles
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.MaxConcurrentReads <= 0 {
		opts.MaxConcurrentReads = DefaultMaxConcurrentReads
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		vendor:              opts.Vendor,
		adapter:             opts.Adapter,
		recorder:            opts.Recorder,
		catalog:             opts.Catalog,
		roles:               opts.Roles,
		deviceFilter:        opts.DeviceFilter,
		entityFilter:        opts.EntityFilter,
		pollInterval:        opts.PollInterval,
		availabilityTimeout: opts.AvailabilityTimeout,
		discoveryInterval:   opts.DiscoveryInterval,
		readTimeout:         opts.ReadTimeout,
		maxReads:            opts.MaxConcurrentReads,
		logger:              opts.Logger,
		now:                 opts.Clock,
		baseCtx:             ctx,
		cancel:              cancel,
		lanes:               make(map[string]*lane),
	}

	var verify command.VerifyFunc
	if opts.VerifyWrites {
		verify = s.verify
	}
	b, err := command.NewBatcher(command.Options{
		Writer:     opts.Vendor,
		Verify:     verify,
		Roles:      opts.Roles,
		Retry:      opts.Retry,
		OnResolved: s.onResolved,
		Logger:     opts.Logger,
		Clock:      opts.Clock,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.batcher = b
	return s, nil
}

// Run syncs until ctx ends. A failing cycle is retried after an error
// backoff of 5s doubling to 60s instead of the poll interval.
func (s *Synchronizer) Run(ctx context.Context) error {
	bo := errorBackOff()
	for {
		err := s.Cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}

		wait := s.pollInterval
		if err != nil {
			wait = bo.NextBackOff()
			s.logger.Warn("sync cycle failed", "error", err, "retry_in", wait.String())
		} else {
			bo.Reset()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// errorBackOff is the wait schedule after consecutive failing cycles.
func errorBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = errorBackoffInitial
	bo.MaxInterval = errorBackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}

// Cycle runs one sync cycle: device discovery when due, a poll of every
// device, then the availability check.
func (s *Synchronizer) Cycle(ctx context.Context) error {
	var errs []error
	if s.discoveryDue() {
		if err := s.Discover(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.Poll(ctx); err != nil {
		errs = append(errs, err)
	}
	s.CheckAvailability(ctx)
	return errors.Join(errs...)
}

func (s *Synchronizer) discoveryDue() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.discovered || s.discoveryInterval <= 0 {
		return true
	}
	return s.now().Sub(s.lastDiscovery) >= s.discoveryInterval
}

// Discover refreshes the device list. New devices get a lane, bindings and
// a subscription. Devices gone from the account are removed and their
// pending commands cancelled. A changed attribute schema re-runs detection.
func (s *Synchronizer) Discover(ctx context.Context) error {
	listCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
	devices, err := s.vendor.ListDevices(listCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	seen := make(map[string]bool, len(devices))
	for i := range devices {
		d := &devices[i]
		if !s.deviceFilter.Allows(d.ID) {
			continue
		}
		if err := d.Validate(); err != nil {
			s.logger.Warn("skipping invalid device", "device_id", d.ID, "error", err)
			continue
		}
		seen[d.ID] = true
		s.upsert(ctx, d)
	}

	s.mu.Lock()
	var gone []string
	for id := range s.lanes {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	s.lastDiscovery = s.now()
	s.discovered = true
	s.mu.Unlock()

	slices.Sort(gone)
	for _, id := range gone {
		s.remove(ctx, id)
	}
	return nil
}

func (s *Synchronizer) upsert(ctx context.Context, d *device.Device) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	l, exists := s.lanes[d.ID]
	if !exists {
		l = newLane(d.ID)
		s.lanes[d.ID] = l
	}
	s.mu.Unlock()

	l.notifyMu.Lock()
	l.mu.Lock()
	l.setIdentity(d)
	var change capability.Change
	schemaChanged := !exists || !l.dev.Attributes.SameShape(d.Attributes)
	if schemaChanged {
		change = l.setSchema(d.Attributes, s.roles, s.entityFilter)
	}
	stored := l.dev.DeepCopy()
	l.mu.Unlock()
	if !change.Empty() {
		s.adapter.OnBindingsChanged(d.ID, change)
	}
	l.notifyMu.Unlock()

	if !exists {
		s.logger.Info("device discovered", "device_id", d.ID, "name", d.Name, "bindings", len(change.Added))
		s.subscribe(d.ID, l)
	} else if schemaChanged {
		s.logger.Info("device schema changed", "device_id", d.ID,
			"added", len(change.Added), "removed", len(change.Removed))
	}
	if s.catalog != nil && schemaChanged {
		if err := s.catalog.Upsert(ctx, stored); err != nil {
			s.logger.Warn("storing device in catalog failed", "device_id", d.ID, "error", err)
		}
	}

	if observed := d.Snapshot(); len(observed) > 0 {
		_ = s.observe(ctx, d.ID, observed, device.HistorySourcePoll) //nolint:errcheck // lane exists
	}
}

func (s *Synchronizer) remove(ctx context.Context, id string) {
	s.mu.Lock()
	l := s.lanes[id]
	delete(s.lanes, id)
	s.mu.Unlock()
	if l == nil {
		return
	}

	s.batcher.Cancel(id)

	l.notifyMu.Lock()
	l.mu.Lock()
	removed := l.bindings
	l.bindings = nil
	cancelSub := l.cancelSub
	l.mu.Unlock()
	if cancelSub != nil {
		cancelSub()
	}
	if len(removed) > 0 {
		s.adapter.OnBindingsChanged(id, capability.Change{Removed: removed})
	}
	l.notifyMu.Unlock()

	s.logger.Info("device removed", "device_id", id)
	if s.catalog != nil {
		if err := s.catalog.Delete(ctx, id); err != nil && !errors.Is(err, device.ErrDeviceNotFound) {
			s.logger.Warn("removing device from catalog failed", "device_id", id, "error", err)
		}
	}
}

func (s *Synchronizer) subscribe(id string, l *lane) {
	sub, ok := s.vendor.(Subscriber)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.wg.Add(1)
	s.mu.Unlock()

	events, err := sub.Subscribe(ctx, id)
	if err != nil {
		cancel()
		s.wg.Done()
		if errors.Is(err, ErrPushUnsupported) {
			s.logger.Debug("push not available, polling only", "device_id", id)
			return
		}
		s.logger.Warn("push subscription failed, relying on polling", "device_id", id, "error", err)
		return
	}

	l.mu.Lock()
	l.cancelSub = cancel
	l.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer cancel()
		for ev := range events {
			if ev.Err != nil {
				s.logger.Warn("push event error", "device_id", id, "error", ev.Err)
				continue
			}
			target := ev.DeviceID
			if target == "" {
				target = id
			}
			if err := s.observe(ctx, target, ev.Values, device.HistorySourcePush); err != nil {
				s.logger.Debug("push event for unknown device", "device_id", target)
			}
		}
	}()
}

// Poll reads every device with bounded parallelism and reconciles each
// result. It fails only when every read failed.
func (s *Synchronizer) Poll(ctx context.Context) error {
	ids := s.DeviceIDs()
	if len(ids) == 0 {
		return nil
	}

	var failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxReads)
	for _, id := range ids {
		g.Go(func() error {
			if err := s.pollDevice(gctx, id); err != nil {
				failed.Add(1)
				if ctx.Err() == nil {
					s.logger.Warn("device read failed", "device_id", id, "error", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors

	if err := ctx.Err(); err != nil {
		return err
	}
	if n := int(failed.Load()); n == len(ids) {
		return fmt.Errorf("%w: all %d device reads failed", ErrSyncFailed, n)
	}
	return nil
}

func (s *Synchronizer) pollDevice(ctx context.Context, id string) error {
	readCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
	values, err := s.vendor.ReadAttributes(readCtx, id)
	cancel()
	if err != nil {
		return err
	}
	if err := s.observe(ctx, id, values, device.HistorySourcePoll); err != nil && !errors.Is(err, device.ErrDeviceNotFound) {
		return err
	}
	return nil
}

// CheckAvailability marks devices unavailable once they have not synced
// within the availability timeout. Their controls then report unknown.
func (s *Synchronizer) CheckAvailability(ctx context.Context) {
	if s.availabilityTimeout <= 0 {
		return
	}
	now := s.now()
	for _, l := range s.allLanes() {
		l.notifyMu.Lock()
		l.mu.Lock()
		var changed []string
		var state device.State
		id := l.dev.ID
		stale := l.dev.Available && now.Sub(l.dev.LastSync) > s.availabilityTimeout
		if stale {
			l.dev.Available = false
			changed, state = l.refresh(nil, true)
		}
		lastSync := l.dev.LastSync
		l.mu.Unlock()
		if stale {
			s.logger.Warn("device unavailable", "device_id", id, "last_sync", lastSync)
			s.notify(ctx, id, changed, state, device.HistorySourcePoll)
		}
		l.notifyMu.Unlock()
	}
}

// observe is the single reconciliation path for poll, push and
// verification reads.
func (s *Synchronizer) observe(ctx context.Context, id string, observed map[string]any, source string) error {
	l := s.lane(id)
	if l == nil {
		return fmt.Errorf("%w: %s", device.ErrDeviceNotFound, id)
	}

	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	attrs := l.dev.Attributes
	valid := make(map[string]any, len(observed))
	for key, v := range observed {
		n, err := attrs.Normalize(key, v)
		if err != nil {
			if errors.Is(err, attribute.ErrUnknownAttribute) {
				s.logger.Debug("ignoring unknown attribute", "device_id", id, "key", key)
			} else {
				s.logger.Warn("dropping out-of-domain value", "device_id", id, "key", key, "value", v, "error", err)
			}
			continue
		}
		valid[key] = n
	}

	s.batcher.Observe(id, valid, func(key string, want, got any) bool {
		a, ok := attrs.Get(key)
		return ok && a.Equal(want, got)
	})
	for key, v := range valid {
		_, _ = attrs.SetValue(key, v) //nolint:errcheck // already normalised
	}

	recovered := !l.dev.Available
	l.dev.Available = true
	l.dev.LastSync = s.now()
	changed, state := l.refresh(s.batcher.Overlay(id), recovered)
	l.mu.Unlock()

	if recovered {
		s.logger.Info("device available", "device_id", id, "source", source)
	}
	s.notify(ctx, id, changed, state, source)
	return nil
}

// refreshLane republishes a device after its overlay changed.
func (s *Synchronizer) refreshLane(ctx context.Context, id string, commit map[string]any) {
	l := s.lane(id)
	if l == nil {
		return
	}
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	for k, v := range commit {
		_, _ = l.dev.Attributes.SetValue(k, v) //nolint:errcheck // command values are normalised
	}
	changed, state := l.refresh(s.batcher.Overlay(id), false)
	l.mu.Unlock()

	s.notify(ctx, id, changed, state, device.HistorySourceCommand)
}

func (s *Synchronizer) notify(ctx context.Context, id string, changed []string, state device.State, source string) {
	if len(changed) == 0 {
		return
	}
	s.adapter.OnStateChanged(id, changed)
	if s.recorder != nil {
		s.recorder.Record(ctx, id, changed, state, source)
	}
}

// verify reads a device back after a command's writes. A failed read is
// transient so the command is retried.
func (s *Synchronizer) verify(ctx context.Context, id string) error {
	values, err := s.vendor.ReadAttributes(ctx, id)
	if err != nil {
		if command.IsTransient(err) {
			return err
		}
		return fmt.Errorf("%w: %w", command.ErrTransient, err)
	}
	return s.observe(ctx, id, values, device.HistorySourceCommand)
}

// onResolved commits a confirmed command into the snapshot and republishes
// the device. A failed command only drops its overlay.
func (s *Synchronizer) onResolved(p *command.Pending) {
	var commit map[string]any
	switch p.Status() {
	case command.StatusConfirmed:
		commit = p.Confirmed()
		s.logger.Debug("command confirmed", "device_id", p.DeviceID, "command_id", p.ID)
	case command.StatusFailed:
		s.logger.Warn("command failed, reverting", "device_id", p.DeviceID, "command_id", p.ID, "error", p.Err())
	}
	s.refreshLane(s.baseCtx, p.DeviceID, commit)
}

// Close stops subscriptions and fails every unresolved command.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.batcher.Close()
	s.cancel()
	s.wg.Wait()
}

func (s *Synchronizer) lane(id string) *lane {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lanes[id]
}

func (s *Synchronizer) allLanes() []*lane {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*lane, 0, len(s.lanes))
	for _, l := range s.lanes {
		out = append(out, l)
	}
	return out
}
