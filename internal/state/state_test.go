package state

import (
	"context"
	"errors"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/treeow-bridge/internal/attribute"
	"github.com/nerrad567/treeow-bridge/internal/capability"
	"github.com/nerrad567/treeow-bridge/internal/command"
	"github.com/nerrad567/treeow-bridge/internal/device"
)

func ptr[T any](v T) *T { return &v }

func purifierSchema() []attribute.Attribute {
	return []attribute.Attribute{
		{Key: "power", Kind: attribute.KindBoolean},
		{
			Key:  "fan_speed_enum",
			Kind: attribute.KindEnumeration,
			Options: []attribute.Option{
				{Value: 0, Label: "1gear"}, {Value: 1, Label: "2gear"}, {Value: 2, Label: "3gear"},
				{Value: 3, Label: "4gear"}, {Value: 4, Label: "5gear"},
			},
		},
		{
			Key:     "mode",
			Kind:    attribute.KindEnumeration,
			Options: []attribute.Option{{Value: 0, Label: "Auto"}, {Value: 1, Label: "Sleep"}, {Value: 2, Label: "Manual"}},
		},
		{Key: "pm25", Kind: attribute.KindRange, Max: 999, Step: 1, ReadOnly: true},
	}
}

// fakeVendor keeps device state in memory. Writes are applied unless the
// vendor is told to ignore or reject them.
type fakeVendor struct {
	mu       sync.Mutex
	schemas  map[string][]attribute.Attribute
	values   map[string]map[string]any
	writes   []map[string]any
	writeErr error
	readErr  error
	ignore   bool
	gate     chan struct{}
	entered  chan struct{}
}

func newFakeVendor() *fakeVendor {
	return &fakeVendor{
		schemas: make(map[string][]attribute.Attribute),
		values:  make(map[string]map[string]any),
		entered: make(chan struct{}, 8),
	}
}

func (v *fakeVendor) addPurifier(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[id] = purifierSchema()
	v.values[id] = map[string]any{"power": false, "fan_speed_enum": 0, "mode": 0, "pm25": 12.0}
}

func (v *fakeVendor) remove(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.schemas, id)
	delete(v.values, id)
}

func (v *fakeVendor) set(id, key string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.values[id][key] = value
}

func (v *fakeVendor) ListDevices(context.Context) ([]device.Device, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []device.Device
	for id, schema := range v.schemas {
		set := attribute.NewSet(schema...)
		for k, val := range v.values[id] {
			_, _ = set.SetValue(k, val)
		}
		out = append(out, device.Device{ID: id, Name: "Purifier " + id, Category: "purifier", Attributes: set})
	}
	return out, nil
}

func (v *fakeVendor) ReadAttributes(_ context.Context, id string) (map[string]any, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.readErr != nil {
		return nil, v.readErr
	}
	vals, ok := v.values[id]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	return maps.Clone(vals), nil
}

func (v *fakeVendor) WriteAttributes(ctx context.Context, id string, values map[string]any) error {
	v.mu.Lock()
	gate := v.gate
	v.mu.Unlock()
	if gate != nil {
		v.entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.writes = append(v.writes, maps.Clone(values))
	if v.writeErr != nil {
		return v.writeErr
	}
	if vals, ok := v.values[id]; ok && !v.ignore {
		maps.Copy(vals, values)
	}
	return nil
}

func (v *fakeVendor) SupportsMultiWrite() bool { return false }

func (v *fakeVendor) writeLog() []map[string]any {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]map[string]any(nil), v.writes...)
}

type stateCall struct {
	DeviceID string
	Keys     []string
}

type fakeAdapter struct {
	mu       sync.Mutex
	bindings []capability.Change
	states   []stateCall
}

func (a *fakeAdapter) OnBindingsChanged(_ string, change capability.Change) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bindings = append(a.bindings, change)
}

func (a *fakeAdapter) OnStateChanged(deviceID string, keys []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states = append(a.states, stateCall{DeviceID: deviceID, Keys: keys})
}

func (a *fakeAdapter) stateCalls() []stateCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]stateCall(nil), a.states...)
}

func (a *fakeAdapter) bindingChanges() []capability.Change {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]capability.Change(nil), a.bindings...)
}

func (a *fakeAdapter) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states = nil
	a.bindings = nil
}

type recordCall struct {
	DeviceID string
	Changed  []string
	Source   string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordCall
}

func (r *fakeRecorder) Record(_ context.Context, deviceID string, changed []string, _ device.State, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordCall{DeviceID: deviceID, Changed: changed, Source: source})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	vendor   *fakeVendor
	adapter  *fakeAdapter
	recorder *fakeRecorder
	clock    *fakeClock
	sync     *Synchronizer
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		vendor:   newFakeVendor(),
		adapter:  &fakeAdapter{},
		recorder: &fakeRecorder{},
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	opts := Options{
		Vendor:              h.vendor,
		Adapter:             h.adapter,
		Recorder:            h.recorder,
		EntityFilter:        device.EntityFilter{LoadAll: true},
		AvailabilityTimeout: time.Minute,
		Retry:               command.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond},
		VerifyWrites:        true,
		Clock:               h.clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	h.sync = s
	return h
}

func TestNew_RequiresVendor(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestDiscover_CreatesBindingsAndPublishesState(t *testing.T) {
	h := newHarness(t, nil)
	h.vendor.addPurifier("D1")

	require.NoError(t, h.sync.Discover(context.Background()))

	changes := h.adapter.bindingChanges()
	require.Len(t, changes, 1)
	ids := make([]string, 0, len(changes[0].Added))
	for _, b := range changes[0].Added {
		ids = append(ids, b.ID())
	}
	assert.Equal(t, []string{"D1.fan.power", "D1.sensor.pm25"}, ids)

	calls := h.adapter.stateCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"power", "fan_speed_enum", "mode", "pm25"}, calls[0].Keys)

	view, err := h.sync.View("D1")
	require.NoError(t, err)
	assert.Equal(t, false, view["power"])
	assert.Equal(t, 12.0, view["pm25"])
	assert.Equal(t, []string{"D1"}, h.sync.DeviceIDs())
}

func TestDiscover_DeviceFilter(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.DeviceFilter = device.DeviceFilter{Mode: device.FilterExclude, Targets: []string{"D2"}}
	})
	h.vendor.addPurifier("D1")
	h.vendor.addPurifier("D2")

	require.NoError(t, h.sync.Discover(context.Background()))

	assert.Equal(t, []string{"D1"}, h.sync.DeviceIDs())
	_, err := h.sync.View("D2")
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)
}

func TestDiscover_SchemaChangeDiffsBindings(t *testing.T) {
	h := newHarness(t, nil)
	h.vendor.addPurifier("D1")
	ctx := context.Background()
	require.NoError(t, h.sync.Discover(ctx))
	h.adapter.reset()

	h.vendor.mu.Lock()
	h.vendor.schemas["D1"] = purifierSchema()[:3]
	delete(h.vendor.values["D1"], "pm25")
	h.vendor.mu.Unlock()

	require.NoError(t, h.sync.Discover(ctx))

	changes := h.adapter.bindingChanges()
	require.Len(t, changes, 1)
	assert.Empty(t, changes[0].Added)
	require.Len(t, changes[0].Removed, 1)
	assert.Equal(t, "D1.sensor.pm25", changes[0].Removed[0].ID())

	calls := h.adapter.stateCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"pm25"}, calls[0].Keys)

	view, err := h.sync.View("D1")
	require.NoError(t, err)
	assert.NotContains(t, view, "pm25")
	assert.Equal(t, 0, view["fan_speed_enum"])
}

func TestRequestFan_WorkedExample(t *testing.T) {
	h := newHarness(t, nil)
	h.vendor.addPurifier("D1")
	ctx := context.Background()
	require.NoError(t, h.sync.Discover(ctx))
	h.adapter.reset()

	require.NoError(t, h.sync.RequestFan(ctx, "D1", command.Intent{Percentage: ptr(60.0)}))

	assert.Equal(t, []map[string]any{
		{"power": true},
		{"fan_speed_enum": 2},
	}, h.vendor.writeLog())

	calls := h.adapter.stateCalls()
	require.NotEmpty(t, calls)
	assert.ElementsMatch(t, []string{"power", "fan_speed_enum"}, calls[0].Keys)

	d, err := h.sync.Device("D1")
	require.NoError(t, err)
	bindings, err := h.sync.Bindings("D1")
	require.NoError(t, err)
	fan, ok := capability.Fan(bindings)
	require.True(t, ok)
	pct, ok := command.FanPercentage(fan, d.Attributes)
	require.True(t, ok)
	assert.Equal(t, 50, pct)
	assert.Zero(t, h.sync.Pending("D1"))
}

func TestRequestChange_ContradictedWriteReverts(t *testing.T) {
	h := newHarness(t, nil)
	h.vendor.addPurifier("D1")
	ctx := context.Background()
	require.NoError(t, h.sync.Discover(ctx))
	h.adapter.reset()

	h.vendor.mu.Lock()
	h.vendor.ignore = true
	h.vendor.mu.Unlock()

	err := h.sync.RequestChange(ctx, "D1", map[string]any{"mode": "Sleep"})
	require.ErrorIs(t, err, command.ErrCommandFailed)

	view, err := h.sync.View("D1")
	require.NoError(t, err)
	assert.Equal(t, 0, view["mode"])

	calls := h.adapter.stateCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"mode"}, calls[0].Keys)
	assert.Equal(t, []string{"mode"}, calls[1].Keys)
}

func TestRequestChange_WriteErrorReverts(t *testing.T) {
	h := newHarness(t, nil)
	h.vendor.addPurifier("D1")
	ctx := context.Background()
	require.NoError(t, h.sync.Discover(ctx))

	h.vendor.mu.Lock()
	h.vendor.writeErr = errors.New("rejected")
	h.vendor.mu.Unlock()

	err := h.sync.RequestFan(ctx, "D1", command.Intent{On: ptr(true)})
	require.ErrorIs(t, err, command.ErrCommandFailed)

	view, err := h.sync.View("D1")
	require.NoError(t, err)
	assert.Equal(t, false, view["power"])
}

func TestSubmit_Rejections(t *testing.T) {
	h := newHarness(t, nil)
	h.vendor.addPurifier("D1")
	ctx := context.Background()
	require.NoError(t, h.sync.Discover(ctx))

	_, err := h.sync.SubmitChange(ctx, "nope", map[string]any{"power": true})
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)

	_, err = h.sync.SubmitChange(ctx, "D1", map[string]any{"pm25": 3})
	assert.ErrorIs(t, err, attribute.ErrInvalidValue)

	_, err = h.sync.SubmitChange(ctx, "D1", map[string]any{"fan_speed_enum": 9})
	assert.ErrorIs(t, err, attribute.ErrInvalidValue)

	_, err = h.sync.SubmitFan(ctx, "D1", command.Intent{})
	assert.ErrorIs(t, err, command.ErrNoChanges)

	assert.Empty(t, h.vendor.writeLog())
}

func TestAvailability_TimeoutAndRecovery(t *testing.T) {
	h := newHarness(t, nil)
	h.vendor.addPurifier("D1")
	ctx := context.Background()
	require.NoError(t, h.sync.Discover(ctx))
	h.adapter.reset()

	h.clock.Advance(2 * time.Minute)
	h.sync.CheckAvailability(ctx)

	calls := h.adapter.stateCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"power", "fan_speed_enum", "mode", "pm25"}, calls[0].Keys)

	_, err := h.sync.View("D1")
	assert.ErrorIs(t, err, device.ErrUnavailable)
	_, err = h.sync.SubmitFan(ctx, "D1", command.Intent{On: ptr(true)})
	assert.ErrorIs(t, err, device.ErrUnavailable)

	// A second check is a no-op.
	h.sync.CheckAvailability(ctx)
	assert.Len(t, h.adapter.stateCalls(), 1)

	h.vendor.set("D1", "pm25", 40.0)
	require.NoError(t, h.sync.Poll(ctx))

	calls = h.adapter.stateCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"power", "fan_speed_enum", "mode", "pm25"}, calls[1].Keys)

	view, err := h.sync.View("D1")
	require.NoError(t, err)
	assert.Equal(t, 40.0, view["pm25"])
	assert.Equal(t, Status{Devices: 1, Available: 1, Bindings: 2}, h.sync.Status())
}

func TestPoll_OnlyChangedKeysNotified(t *testing.T) {
	h := newHarness(t, nil)
	h.vendor.addPurifier("D1")
	ctx := context.Background()
	require.NoError(t, h.sync.Discover(ctx))
	h.adapter.reset()

	require.NoError(t, h.sync.Poll(ctx))
	assert.Empty(t, h.adapter.stateCalls())

	h.vendor.set("D1", "pm25", 35.0)
	h.vendor.set("D1", "mode", 2)
	require.NoError(t, h.sync.Poll(ctx))

	calls := h.adapter.stateCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"mode", "pm25"}, calls[0].Keys)

	h.recorder.mu.Lock()
	last := h.recorder.calls[len(h.recorder.calls)-1]
	h.recorder.mu.Unlock()
	assert.Equal(t, device.HistorySourcePoll, last.Source)
	assert.Equal(t, []string{"mode", "pm25"}, last.Changed)
}

func TestPoll_DropsOutOfDomainValues(t *testing.T) {
	h := newHarness(t, nil)
	h.vendor.addPurifier("D1")
	ctx := context.Background()
	require.NoError(t, h.sync.Discover(ctx))

	h.vendor.set("D1", "fan_speed_enum", 42)
	h.vendor.set("D1", "pm25", 20.0)
	require.NoError(t, h.sync.Poll(ctx))

	view, err := h.sync.View("D1")
	require.NoError(t, err)
	assert.Equal(t, 0, view["fan_speed_enum"])
	assert.Equal(t, 20.0, view["pm25"])
}

func TestPoll_AllReadsFailed(t *testing.T) {
	h := newHarness(t, nil)
	h.vendor.addPurifier("D1")
	h.vendor.addPurifier("D2")
	ctx := context.Background()
	require.NoError(t, h.sync.Discover(ctx))

	h.vendor.mu.Lock()
	h.vendor.readErr = errors.New("cloud down")
	h.vendor.mu.Unlock()

	assert.ErrorIs(t, h.sync.Poll(ctx), ErrSyncFailed)
	assert.ErrorIs(t, h.sync.Cycle(ctx), ErrSyncFailed)
}

func TestRemoval_CancelsPendingCommands(t *testing.T) {
	h := newHarness(t, nil)
	h.vendor.addPurifier("D1")
	ctx := context.Background()
	require.NoError(t, h.sync.Discover(ctx))
	h.adapter.reset()

	gate := make(chan struct{})
	h.vendor.mu.Lock()
	h.vendor.gate = gate
	h.vendor.mu.Unlock()
	defer close(gate)

	p, err := h.sync.SubmitFan(ctx, "D1", command.Intent{On: ptr(true)})
	require.NoError(t, err)
	<-h.vendor.entered

	h.vendor.remove("D1")
	require.NoError(t, h.sync.Discover(ctx))

	err = p.Wait(ctx)
	require.ErrorIs(t, err, command.ErrCancelled)

	changes := h.adapter.bindingChanges()
	require.Len(t, changes, 1)
	assert.Len(t, changes[0].Removed, 2)
	assert.Empty(t, h.sync.DeviceIDs())
	_, err = h.sync.Device("D1")
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)
}

func TestClose_RejectsCommands(t *testing.T) {
	h := newHarness(t, nil)
	h.vendor.addPurifier("D1")
	ctx := context.Background()
	require.NoError(t, h.sync.Discover(ctx))

	h.sync.Close()
	h.sync.Close()

	_, err := h.sync.SubmitChange(ctx, "D1", map[string]any{"power": true})
	assert.ErrorIs(t, err, ErrClosed)
}

// pushVendor delivers updates over a channel.
type pushVendor struct {
	*fakeVendor
	events chan Event
}

func (v *pushVendor) Subscribe(ctx context.Context, _ string) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-v.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func TestSubscribe_PushUpdates(t *testing.T) {
	pv := &pushVendor{fakeVendor: newFakeVendor(), events: make(chan Event)}
	pv.addPurifier("D1")
	rec := &fakeRecorder{}
	s, err := New(Options{
		Vendor:       pv,
		Recorder:     rec,
		EntityFilter: device.EntityFilter{LoadAll: true},
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.Discover(context.Background()))
	pv.events <- Event{Values: map[string]any{"pm25": 77}}

	assert.Eventually(t, func() bool {
		view, err := s.View("D1")
		return err == nil && view["pm25"] == 77.0
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	last := rec.calls[len(rec.calls)-1]
	rec.mu.Unlock()
	assert.Equal(t, device.HistorySourcePush, last.Source)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PollInterval = time.Millisecond })
	h.vendor.addPurifier("D1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sync.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(h.sync.DeviceIDs()) == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestErrorBackOff(t *testing.T) {
	bo := errorBackOff()
	for _, want := range []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second} {
		assert.Equal(t, want, bo.NextBackOff())
	}

	bo.Reset()
	assert.Equal(t, 5*time.Second, bo.NextBackOff())
}
