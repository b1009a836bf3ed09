package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/treeow-bridge/internal/capability"
)

type writeCall struct {
	DeviceID string
	Values   map[string]any
}

// mockWriter records writes and can fail or block them.
type mockWriter struct {
	mu       sync.Mutex
	multi    bool
	calls    []writeCall
	failures int
	failErr  error
	gates    map[string]chan struct{}
	entered  chan string
}

func newMockWriter(multi bool) *mockWriter {
	return &mockWriter{
		multi:   multi,
		gates:   make(map[string]chan struct{}),
		entered: make(chan string, 32),
	}
}

func (m *mockWriter) WriteAttributes(ctx context.Context, deviceID string, values map[string]any) error {
	m.mu.Lock()
	gate := m.gates[deviceID]
	m.mu.Unlock()

	if gate != nil {
		m.entered <- deviceID
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = v
	}
	m.calls = append(m.calls, writeCall{DeviceID: deviceID, Values: copied})
	if m.failures > 0 {
		m.failures--
		return m.failErr
	}
	return nil
}

func (m *mockWriter) SupportsMultiWrite() bool { return m.multi }

func (m *mockWriter) block(deviceID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := make(chan struct{})
	m.gates[deviceID] = g
	return g
}

func (m *mockWriter) unblock(deviceID string) {
	m.mu.Lock()
	g := m.gates[deviceID]
	delete(m.gates, deviceID)
	m.mu.Unlock()
	if g != nil {
		close(g)
	}
}

func (m *mockWriter) writes() []writeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]writeCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func fastRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		CallTimeout:  time.Second,
	}
}

func newTestBatcher(t *testing.T, w *mockWriter, opts Options) *Batcher {
	t.Helper()
	opts.Writer = w
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = fastRetry()
	}
	b, err := NewBatcher(opts)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewBatcher_RequiresWriter(t *testing.T) {
	_, err := NewBatcher(Options{})
	assert.Error(t, err)
}

func TestBatcher_SequentialWritesInRoleOrder(t *testing.T) {
	w := newMockWriter(false)
	b := newTestBatcher(t, w, Options{})

	p, err := b.Submit("D1", []Change{
		{Key: "fan_speed_enum", Value: 3},
		{Key: "mode", Value: 1},
		{Key: "power", Value: true},
	})
	require.NoError(t, err)
	require.NoError(t, p.Wait(waitCtx(t)))

	assert.Equal(t, []writeCall{
		{DeviceID: "D1", Values: map[string]any{"power": true}},
		{DeviceID: "D1", Values: map[string]any{"mode": 1}},
		{DeviceID: "D1", Values: map[string]any{"fan_speed_enum": 3}},
	}, w.writes())
	assert.Equal(t, StatusConfirmed, p.Status())
	assert.Equal(t, map[string]any{"power": true, "mode": 1, "fan_speed_enum": 3}, p.Confirmed())
}

func TestBatcher_MultiWriteIsOneCall(t *testing.T) {
	w := newMockWriter(true)
	b := newTestBatcher(t, w, Options{})

	p, err := b.Submit("D1", []Change{{Key: "power", Value: true}, {Key: "fan_speed_enum", Value: 2}})
	require.NoError(t, err)
	require.NoError(t, p.Wait(waitCtx(t)))

	assert.Equal(t, []writeCall{
		{DeviceID: "D1", Values: map[string]any{"power": true, "fan_speed_enum": 2}},
	}, w.writes())
}

func TestBatcher_BackToBackIntentsStayOrdered(t *testing.T) {
	w := newMockWriter(true)
	b := newTestBatcher(t, w, Options{})

	w.block("D1")
	first, err := b.Submit("D1", []Change{{Key: "power", Value: true}, {Key: "fan_speed_enum", Value: 1}})
	require.NoError(t, err)
	<-w.entered

	second, err := b.Submit("D1", []Change{{Key: "fan_speed_enum", Value: 4}})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"power": true, "fan_speed_enum": 4}, b.Overlay("D1"),
		"newest value wins in the overlay before either resolves")
	assert.Equal(t, 2, b.Pending("D1"))

	w.unblock("D1")
	ctx := waitCtx(t)
	require.NoError(t, first.Wait(ctx))
	require.NoError(t, second.Wait(ctx))

	calls := w.writes()
	require.Len(t, calls, 2)
	assert.Equal(t, 1, calls[0].Values["fan_speed_enum"])
	assert.Equal(t, 4, calls[1].Values["fan_speed_enum"])
	assert.Empty(t, b.Overlay("D1"))
	assert.NotContains(t, first.Confirmed(), "fan_speed_enum", "superseded entry is not confirmed")
}

func TestBatcher_QueuedCommandIsPrunedBySuperseding(t *testing.T) {
	w := newMockWriter(true)
	b := newTestBatcher(t, w, Options{})

	w.block("D1")
	active, err := b.Submit("D1", []Change{{Key: "power", Value: true}})
	require.NoError(t, err)
	<-w.entered

	stale, err := b.Submit("D1", []Change{{Key: "fan_speed_enum", Value: 1}})
	require.NoError(t, err)
	fresh, err := b.Submit("D1", []Change{{Key: "fan_speed_enum", Value: 2}})
	require.NoError(t, err)

	ctx := waitCtx(t)
	require.NoError(t, stale.Wait(ctx), "fully superseded command resolves without a write")
	assert.Equal(t, StatusConfirmed, stale.Status())

	w.unblock("D1")
	require.NoError(t, active.Wait(ctx))
	require.NoError(t, fresh.Wait(ctx))

	assert.Equal(t, []writeCall{
		{DeviceID: "D1", Values: map[string]any{"power": true}},
		{DeviceID: "D1", Values: map[string]any{"fan_speed_enum": 2}},
	}, w.writes())
}

func TestBatcher_RetryExhaustionFailsAndReverts(t *testing.T) {
	w := newMockWriter(true)
	w.failures = 3
	w.failErr = fmt.Errorf("vendor busy: %w", ErrTransient)

	var resolved []*Pending
	var mu sync.Mutex
	b := newTestBatcher(t, w, Options{OnResolved: func(p *Pending) {
		mu.Lock()
		resolved = append(resolved, p)
		mu.Unlock()
	}})

	p, err := b.Submit("D1", []Change{{Key: "power", Value: true}, {Key: "fan_speed_enum", Value: 2}})
	require.NoError(t, err)

	err = p.Wait(waitCtx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, StatusFailed, p.Status())
	assert.Len(t, w.writes(), 3)
	assert.Empty(t, b.Overlay("D1"), "overlay discarded")
	assert.Empty(t, p.Confirmed())

	mu.Lock()
	assert.Len(t, resolved, 1)
	mu.Unlock()
}

func TestBatcher_RecoversWithinRetryBound(t *testing.T) {
	w := newMockWriter(true)
	w.failures = 2
	w.failErr = fmt.Errorf("timeout: %w", ErrTransient)
	b := newTestBatcher(t, w, Options{})

	p, err := b.Submit("D1", []Change{{Key: "power", Value: false}})
	require.NoError(t, err)

	require.NoError(t, p.Wait(waitCtx(t)))
	assert.Len(t, w.writes(), 3)
}

func TestBatcher_PermanentErrorIsNotRetried(t *testing.T) {
	w := newMockWriter(true)
	w.failures = 1
	w.failErr = errors.New("vendor rejected value")
	b := newTestBatcher(t, w, Options{})

	p, err := b.Submit("D1", []Change{{Key: "power", Value: true}})
	require.NoError(t, err)

	assert.ErrorIs(t, p.Wait(waitCtx(t)), ErrCommandFailed)
	assert.Len(t, w.writes(), 1)
}

func TestBatcher_PartialSequentialFailureRevertsAll(t *testing.T) {
	w := newMockWriter(false)
	b := newTestBatcher(t, w, Options{Retry: RetryPolicy{MaxAttempts: 1, CallTimeout: time.Second}})

	// The first write succeeds, the second fails permanently.
	w.mu.Lock()
	w.failErr = errors.New("speed rejected")
	w.mu.Unlock()
	wrapped := &failNth{mockWriter: w, n: 2}
	b.writer = wrapped

	p, err := b.Submit("D1", []Change{{Key: "power", Value: true}, {Key: "fan_speed_enum", Value: 2}})
	require.NoError(t, err)

	assert.ErrorIs(t, p.Wait(waitCtx(t)), ErrCommandFailed)
	assert.Empty(t, p.Confirmed(), "power is reverted too")
	assert.Empty(t, b.Overlay("D1"))
}

// failNth fails the n-th write with the wrapped writer's failErr.
type failNth struct {
	*mockWriter
	n     int
	count int
}

func (f *failNth) WriteAttributes(ctx context.Context, deviceID string, values map[string]any) error {
	f.count++
	if f.count == f.n {
		return f.failErr
	}
	return f.mockWriter.WriteAttributes(ctx, deviceID, values)
}

func TestBatcher_VerifyMismatchFailsOnlyThatKey(t *testing.T) {
	w := newMockWriter(true)
	var b *Batcher
	b = newTestBatcher(t, w, Options{
		Verify: func(_ context.Context, deviceID string) error {
			b.Observe(deviceID, map[string]any{"power": true, "fan_speed_enum": 0}, func(_ string, want, got any) bool {
				return want == got
			})
			return nil
		},
	})

	p, err := b.Submit("D1", []Change{{Key: "power", Value: true}, {Key: "fan_speed_enum", Value: 2}})
	require.NoError(t, err)

	err = p.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Equal(t, StatusFailed, p.Status())
	assert.Equal(t, map[string]any{"power": true}, p.Confirmed())
}

func TestBatcher_ObserveIgnoresUnwrittenEntries(t *testing.T) {
	w := newMockWriter(true)
	b := newTestBatcher(t, w, Options{})

	w.block("D1")
	p, err := b.Submit("D1", []Change{{Key: "power", Value: true}})
	require.NoError(t, err)
	<-w.entered

	confirmed, failed := b.Observe("D1", map[string]any{"power": false}, func(_ string, want, got any) bool {
		return want == got
	})
	assert.Empty(t, confirmed)
	assert.Empty(t, failed, "write not acknowledged yet")

	w.unblock("D1")
	require.NoError(t, p.Wait(waitCtx(t)))
}

func TestBatcher_CancelFailsOutstandingCommands(t *testing.T) {
	w := newMockWriter(true)
	var count int
	var mu sync.Mutex
	b := newTestBatcher(t, w, Options{OnResolved: func(*Pending) {
		mu.Lock()
		count++
		mu.Unlock()
	}})

	w.block("D1")
	inFlight, err := b.Submit("D1", []Change{{Key: "power", Value: true}})
	require.NoError(t, err)
	<-w.entered
	queued, err := b.Submit("D1", []Change{{Key: "mode", Value: 1}})
	require.NoError(t, err)

	b.Cancel("D1")

	ctx := waitCtx(t)
	assert.ErrorIs(t, inFlight.Wait(ctx), ErrCancelled)
	assert.ErrorIs(t, queued.Wait(ctx), ErrCommandFailed)

	w.unblock("D1")
	require.Eventually(t, func() bool { return len(w.writes()) == 1 }, time.Second, time.Millisecond)

	assert.Zero(t, b.Pending("D1"))
	assert.Len(t, w.writes(), 1, "queued command never dispatched")
	assert.Equal(t, StatusFailed, inFlight.Status(), "late success is discarded")
	mu.Lock()
	assert.Equal(t, 2, count)
	mu.Unlock()
}

func TestBatcher_DevicesAreIndependent(t *testing.T) {
	w := newMockWriter(true)
	b := newTestBatcher(t, w, Options{})

	w.block("D1")
	slow, err := b.Submit("D1", []Change{{Key: "power", Value: true}})
	require.NoError(t, err)
	<-w.entered

	fast, err := b.Submit("D2", []Change{{Key: "power", Value: true}})
	require.NoError(t, err)
	require.NoError(t, fast.Wait(waitCtx(t)))
	assert.Equal(t, StatusPending, slow.Status())

	w.unblock("D1")
	require.NoError(t, slow.Wait(waitCtx(t)))
}

func TestBatcher_SubmitAfterClose(t *testing.T) {
	w := newMockWriter(true)
	b, err := NewBatcher(Options{Writer: w})
	require.NoError(t, err)
	b.Close()

	_, err = b.Submit("D1", []Change{{Key: "power", Value: true}})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = b.Submit("D1", nil)
	assert.ErrorIs(t, err, ErrNoChanges)
}

func TestBatcher_DefaultRoles(t *testing.T) {
	w := newMockWriter(false)
	b := newTestBatcher(t, w, Options{})
	assert.Equal(t, capability.DefaultRoles, b.roles)
}

func TestRetryPolicy_BackOffSchedule(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}
	bo := p.backOff()

	assert.Equal(t, 100*time.Millisecond, bo.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, bo.NextBackOff())
	assert.Equal(t, 300*time.Millisecond, bo.NextBackOff())
	assert.Equal(t, 300*time.Millisecond, bo.NextBackOff())

	p.Jitter = 0.25
	for i := 0; i < 50; i++ {
		d := p.backOff().NextBackOff()
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 126*time.Millisecond)
	}
}

func TestRetryPolicy_DefaultsMatchCommandBackoff(t *testing.T) {
	p := DefaultRetryPolicy().withDefaults()
	bo := p.backOff()

	assert.Equal(t, 500*time.Millisecond, bo.InitialInterval)
	assert.Equal(t, 5*time.Second, bo.MaxInterval)
	assert.Equal(t, 2.0, bo.Multiplier)
	assert.Equal(t, 0.25, bo.RandomizationFactor)
	assert.Equal(t, 3, p.MaxAttempts)
}

func TestRetryPolicy_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	err := fastRetry().Do(context.Background(), func(ctx context.Context) error {
		calls++
		return ErrTransient
	})
	require.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_PermanentErrorStopsImmediately(t *testing.T) {
	calls := 0
	bad := errors.New("bad request")
	err := fastRetry().Do(context.Background(), func(ctx context.Context) error {
		calls++
		return bad
	})
	require.ErrorIs(t, err, bad)
	var permanent *backoff.PermanentError
	assert.False(t, errors.As(err, &permanent))
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := fastRetry().Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return ErrTransient
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_TimeoutIsTransient(t *testing.T) {
	calls := 0
	err := fastRetry().Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return context.DeadlineExceeded
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("x: %w", ErrTransient)))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(errors.New("bad request")))
	assert.False(t, IsTransient(nil))
}
