package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/treeow-bridge/internal/attribute"
	"github.com/nerrad567/treeow-bridge/internal/auth"
	"github.com/nerrad567/treeow-bridge/internal/command"
	"github.com/nerrad567/treeow-bridge/internal/device"
	"github.com/nerrad567/treeow-bridge/internal/infrastructure/config"
	"github.com/nerrad567/treeow-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/treeow-bridge/internal/state"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// ─── Fakes ─────────────────────────────────────────────────────────

// fakeVendor serves purifiers from memory.
type fakeVendor struct {
	mu       sync.Mutex
	values   map[string]map[string]any
	writes   []map[string]any
	writeErr error
}

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

func (v *fakeVendor) ListDevices(context.Context) ([]device.Device, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []device.Device
	for id, vals := range v.values {
		set := attribute.NewSet(purifierSchema()...)
		for k, val := range vals {
			_, _ = set.SetValue(k, val)
		}
		out = append(out, device.Device{ID: id, Name: "Purifier " + id, Attributes: set})
	}
	return out, nil
}

func (v *fakeVendor) ReadAttributes(_ context.Context, id string) (map[string]any, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	vals, ok := v.values[id]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	return maps.Clone(vals), nil
}

func (v *fakeVendor) WriteAttributes(_ context.Context, id string, values map[string]any) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.writes = append(v.writes, maps.Clone(values))
	if v.writeErr != nil {
		return v.writeErr
	}
	maps.Copy(v.values[id], values)
	return nil
}

func (v *fakeVendor) SupportsMultiWrite() bool { return false }

func (v *fakeVendor) writeLog() []map[string]any {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]map[string]any(nil), v.writes...)
}

// fakeHistory is an in-memory history repository.
type fakeHistory struct {
	mu      sync.Mutex
	entries []device.HistoryEntry
	err     error
}

func (h *fakeHistory) RecordStateChange(_ context.Context, deviceID string, changed []string, st device.State, source string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append([]device.HistoryEntry{{
		ID: int64(len(h.entries) + 1), DeviceID: deviceID, Changed: changed, State: st, Source: source, CreatedAt: time.Now().UTC(),
	}}, h.entries...)
	return nil
}

func (h *fakeHistory) GetHistory(_ context.Context, deviceID string, limit int) ([]device.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	var out []device.HistoryEntry
	for _, e := range h.entries {
		if e.DeviceID == deviceID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (h *fakeHistory) PruneHistory(context.Context, time.Duration) (int64, error) { return 0, nil }

type fakeRepublisher struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeRepublisher) PublishAll() {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ─── Harness ───────────────────────────────────────────────────────

type testEnv struct {
	srv     *Server
	router  http.Handler
	vendor  *fakeVendor
	history *fakeHistory
	audit   *fakeAudit
	repub   *fakeRepublisher
	clock   *fakeClock
	sync    *state.Synchronizer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		vendor: &fakeVendor{values: map[string]map[string]any{
			"D1": {"power": false, "fan_speed_enum": 0, "mode": 0, "pm25": 12.0},
			"D2": {"power": true, "fan_speed_enum": 3, "mode": 2, "pm25": 30.0},
		}},
		history: &fakeHistory{},
		audit:   &fakeAudit{},
		repub:   &fakeRepublisher{},
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}

	s, err := state.New(state.Options{
		Vendor:              env.vendor,
		EntityFilter:        device.EntityFilter{LoadAll: true},
		AvailabilityTimeout: time.Minute,
		Retry:               command.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond},
		VerifyWrites:        true,
		Clock:               env.clock.Now,
	})
	if err != nil {
		t.Fatalf("state.New() error: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Discover(context.Background()); err != nil {
		t.Fatalf("Discover() error: %v", err)
	}

	log := logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, "test", io.Discard)
	srv, err := New(Deps{
		Config:      config.APIConfig{Host: "127.0.0.1", JWTSecret: testSecret},
		Logger:      log,
		Source:      s,
		History:     env.history,
		Audit:       env.audit,
		Republisher: env.repub,
		CommandWait: 2 * time.Second,
		Version:     "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	env.srv, env.router, env.sync = srv, srv.buildRouter(), s
	return env
}

func token(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken("tester", role, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error: %v", err)
	}
	return tok
}

// do performs a request with an optional bearer token and returns the recorder.
func (env *testEnv) do(t *testing.T, method, path, body string, role auth.Role) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, role))
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return resp
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, want, w.Body.String())
	}
}

// ─── Construction ──────────────────────────────────────────────────

func TestNew_RequiresDeps(t *testing.T) {
	log := logging.NewWithWriter(config.LoggingConfig{Level: "error"}, "test", io.Discard)
	env := newTestEnv(t)

	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{Source: env.sync, Config: config.APIConfig{JWTSecret: testSecret}}},
		{"no source", Deps{Logger: log, Config: config.APIConfig{JWTSecret: testSecret}}},
		{"no secret", Deps{Logger: log, Source: env.sync}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() expected error")
			}
		})
	}
}

func TestHealthCheck_NotStarted(t *testing.T) {
	env := newTestEnv(t)
	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() expected error before Start")
	}
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() before Start error = %v", err)
	}
}

// ─── Health and auth ───────────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	expectStatus(t, w, http.StatusOK)

	resp := decodeBody(t, w)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
	st := resp["sync"].(map[string]any)
	if st["devices"] != float64(2) || st["available"] != float64(2) {
		t.Errorf("sync = %v, want 2 devices available", st)
	}
}

func TestHealth_DegradedWhenDeviceUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.clock.Advance(2 * time.Minute)
	env.sync.CheckAvailability(context.Background())

	resp := decodeBody(t, env.do(t, http.MethodGet, "/api/v1/health", "", ""))
	if resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t)

	t.Run("missing token", func(t *testing.T) {
		expectStatus(t, env.do(t, http.MethodGet, "/api/v1/devices", "", ""), http.StatusUnauthorized)
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		expectStatus(t, w, http.StatusUnauthorized)
	})

	t.Run("wrong secret", func(t *testing.T) {
		tok, _ := auth.GenerateAccessToken("tester", auth.RoleAdmin, "another-secret-entirely-32-chars!!", time.Hour)
		req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		expectStatus(t, w, http.StatusUnauthorized)
	})

	t.Run("viewer cannot command", func(t *testing.T) {
		w := env.do(t, http.MethodPut, "/api/v1/devices/D1/state", `{"values":{"power":true}}`, auth.RoleViewer)
		expectStatus(t, w, http.StatusForbidden)
		if got := env.vendor.writeLog(); len(got) != 0 {
			t.Errorf("vendor writes = %v, want none", got)
		}
	})

	t.Run("operator cannot discover", func(t *testing.T) {
		expectStatus(t, env.do(t, http.MethodPost, "/api/v1/discover", "", auth.RoleOperator), http.StatusForbidden)
	})
}

// ─── Reads ─────────────────────────────────────────────────────────

func TestListDevices(t *testing.T) {
	env := newTestEnv(t)

	resp := decodeBody(t, env.do(t, http.MethodGet, "/api/v1/devices", "", auth.RoleViewer))
	if resp["count"] != float64(2) {
		t.Fatalf("count = %v, want 2", resp["count"])
	}
	first := resp["devices"].([]any)[0].(map[string]any)
	if first["id"] != "D1" || first["available"] != true {
		t.Errorf("first device = %v, want available D1", first)
	}

	resp = decodeBody(t, env.do(t, http.MethodGet, "/api/v1/devices?available=false", "", auth.RoleViewer))
	if resp["count"] != float64(0) {
		t.Errorf("unavailable count = %v, want 0", resp["count"])
	}

	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/devices?available=maybe", "", auth.RoleViewer), http.StatusBadRequest)
}

func TestGetDevice(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/devices/D1", "", auth.RoleViewer)
	expectStatus(t, w, http.StatusOK)
	resp := decodeBody(t, w)
	if resp["name"] != "Purifier D1" {
		t.Errorf("name = %v, want Purifier D1", resp["name"])
	}
	if attrs := resp["attributes"].([]any); len(attrs) != 4 {
		t.Errorf("attributes = %d, want 4", len(attrs))
	}
	if bindings := resp["bindings"].([]any); len(bindings) == 0 {
		t.Error("bindings should not be empty")
	}

	w = env.do(t, http.MethodGet, "/api/v1/devices/D9", "", auth.RoleViewer)
	expectStatus(t, w, http.StatusNotFound)
	if resp := decodeBody(t, w); resp["code"] != ErrCodeNotFound {
		t.Errorf("code = %v, want %s", resp["code"], ErrCodeNotFound)
	}
}

func TestGetBindings(t *testing.T) {
	env := newTestEnv(t)

	resp := decodeBody(t, env.do(t, http.MethodGet, "/api/v1/devices/D1/bindings", "", auth.RoleViewer))
	var kinds []string
	for _, b := range resp["bindings"].([]any) {
		kinds = append(kinds, b.(map[string]any)["kind"].(string))
	}
	if !strings.Contains(strings.Join(kinds, ","), "fan") {
		t.Errorf("binding kinds = %v, want a fan", kinds)
	}

	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/devices/D9/bindings", "", auth.RoleViewer), http.StatusNotFound)
}

func TestGetDeviceState(t *testing.T) {
	env := newTestEnv(t)

	resp := decodeBody(t, env.do(t, http.MethodGet, "/api/v1/devices/D2/state", "", auth.RoleViewer))
	st := resp["state"].(map[string]any)
	if st["power"] != true || st["fan_speed_enum"] != float64(3) {
		t.Errorf("state = %v, want power on at speed 3", st)
	}
}

func TestGetDeviceState_Unavailable(t *testing.T) {
	env := newTestEnv(t)
	env.clock.Advance(2 * time.Minute)
	env.sync.CheckAvailability(context.Background())

	w := env.do(t, http.MethodGet, "/api/v1/devices/D1/state", "", auth.RoleViewer)
	expectStatus(t, w, http.StatusServiceUnavailable)
	if resp := decodeBody(t, w); resp["code"] != ErrCodeUnavailable {
		t.Errorf("code = %v, want %s", resp["code"], ErrCodeUnavailable)
	}

	// Commands are refused while unavailable.
	w = env.do(t, http.MethodPut, "/api/v1/devices/D1/state", `{"values":{"power":true}}`, auth.RoleOperator)
	expectStatus(t, w, http.StatusServiceUnavailable)
}

// ─── Commands ──────────────────────────────────────────────────────

func TestSetDeviceState_Wait(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPut, "/api/v1/devices/D1/state", `{"values":{"power":true},"wait":true}`, auth.RoleOperator)
	expectStatus(t, w, http.StatusOK)

	resp := decodeBody(t, w)
	if resp["status"] != string(command.StatusConfirmed) {
		t.Errorf("status = %v, want confirmed", resp["status"])
	}
	if resp["command_id"] == "" {
		t.Error("command_id should be set")
	}
	if got := env.vendor.writeLog(); !reflect.DeepEqual(got, []map[string]any{{"power": true}}) {
		t.Errorf("vendor writes = %v", got)
	}

	st := decodeBody(t, env.do(t, http.MethodGet, "/api/v1/devices/D1/state", "", auth.RoleViewer))["state"].(map[string]any)
	if st["power"] != true {
		t.Errorf("state power = %v, want true", st["power"])
	}
}

func TestSetDeviceState_Accepted(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPut, "/api/v1/devices/D1/state", `{"values":{"mode":"Sleep"}}`, auth.RoleOperator)
	expectStatus(t, w, http.StatusAccepted)
	resp := decodeBody(t, w)
	if resp["device_id"] != "D1" || resp["command_id"] == "" {
		t.Errorf("response = %v", resp)
	}
}

func TestSetDeviceState_Errors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"invalid json", "/api/v1/devices/D1/state", `{"values":`, http.StatusBadRequest, ErrCodeBadRequest},
		{"empty values", "/api/v1/devices/D1/state", `{"values":{}}`, http.StatusBadRequest, ErrCodeValidation},
		{"unknown key", "/api/v1/devices/D1/state", `{"values":{"turbo":true}}`, http.StatusBadRequest, ErrCodeValidation},
		{"read only key", "/api/v1/devices/D1/state", `{"values":{"pm25":3}}`, http.StatusBadRequest, ErrCodeValidation},
		{"out of range", "/api/v1/devices/D1/state", `{"values":{"fan_speed_enum":9}}`, http.StatusBadRequest, ErrCodeValidation},
		{"unknown device", "/api/v1/devices/D9/state", `{"values":{"power":true}}`, http.StatusNotFound, ErrCodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do(t, http.MethodPut, tt.path, tt.body, auth.RoleOperator)
			expectStatus(t, w, tt.status)
			if resp := decodeBody(t, w); resp["code"] != tt.code {
				t.Errorf("code = %v, want %s", resp["code"], tt.code)
			}
			if got := env.vendor.writeLog(); len(got) != 0 {
				t.Errorf("vendor writes = %v, want none", got)
			}
		})
	}
}

func TestSetDeviceState_VendorFailure(t *testing.T) {
	env := newTestEnv(t)
	env.vendor.mu.Lock()
	env.vendor.writeErr = errors.New("vendor said no")
	env.vendor.mu.Unlock()

	w := env.do(t, http.MethodPut, "/api/v1/devices/D1/state", `{"values":{"power":true},"wait":true}`, auth.RoleOperator)
	expectStatus(t, w, http.StatusBadGateway)
	if resp := decodeBody(t, w); resp["code"] != ErrCodeCommandFailed {
		t.Errorf("code = %v, want %s", resp["code"], ErrCodeCommandFailed)
	}

	st := decodeBody(t, env.do(t, http.MethodGet, "/api/v1/devices/D1/state", "", auth.RoleViewer))["state"].(map[string]any)
	if st["power"] != false {
		t.Errorf("state power = %v, want reverted false", st["power"])
	}
}

func TestFanCommand_Wait(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/devices/D1/fan", `{"percentage":60,"wait":true}`, auth.RoleOperator)
	expectStatus(t, w, http.StatusOK)

	want := []map[string]any{{"power": true}, {"fan_speed_enum": 2}}
	if got := env.vendor.writeLog(); !reflect.DeepEqual(got, want) {
		t.Errorf("vendor writes = %v, want %v", got, want)
	}

	st := decodeBody(t, env.do(t, http.MethodGet, "/api/v1/devices/D1/state", "", auth.RoleViewer))["state"].(map[string]any)
	if st["fan_speed_enum"] != float64(2) || st["power"] != true {
		t.Errorf("state = %v, want on at level 2", st)
	}
}

func TestFanCommand_Errors(t *testing.T) {
	env := newTestEnv(t)

	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/devices/D1/fan", `{}`, auth.RoleOperator), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/devices/D1/fan", `{"preset_mode":"Turbo"}`, auth.RoleOperator), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/devices/D1/fan", `nope`, auth.RoleOperator), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/devices/D9/fan", `{"on":true}`, auth.RoleOperator), http.StatusNotFound)
}

// ─── History and discovery ─────────────────────────────────────────

func TestGetDeviceHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_ = env.history.RecordStateChange(ctx, "D1", []string{"power"}, device.State{"power": true}, device.HistorySourceCommand)
	_ = env.history.RecordStateChange(ctx, "D1", []string{"pm25"}, device.State{"pm25": 14.0}, device.HistorySourcePoll)
	_ = env.history.RecordStateChange(ctx, "D2", []string{"mode"}, device.State{"mode": 1}, device.HistorySourcePoll)

	resp := decodeBody(t, env.do(t, http.MethodGet, "/api/v1/devices/D1/history", "", auth.RoleViewer))
	if resp["count"] != float64(2) {
		t.Fatalf("count = %v, want 2", resp["count"])
	}
	newest := resp["history"].([]any)[0].(map[string]any)
	if newest["source"] != device.HistorySourcePoll {
		t.Errorf("newest source = %v, want poll", newest["source"])
	}

	resp = decodeBody(t, env.do(t, http.MethodGet, "/api/v1/devices/D1/history?limit=1", "", auth.RoleViewer))
	if resp["count"] != float64(1) {
		t.Errorf("limited count = %v, want 1", resp["count"])
	}

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	resp = decodeBody(t, env.do(t, http.MethodGet, "/api/v1/devices/D1/history?since="+future, "", auth.RoleViewer))
	if resp["count"] != float64(0) {
		t.Errorf("since count = %v, want 0", resp["count"])
	}
}

func TestGetDeviceHistory_Errors(t *testing.T) {
	env := newTestEnv(t)

	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/devices/D1/history?limit=0", "", auth.RoleViewer), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/devices/D1/history?limit=500", "", auth.RoleViewer), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/devices/D1/history?since=yesterday", "", auth.RoleViewer), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/devices/D9/history", "", auth.RoleViewer), http.StatusNotFound)

	env.history.mu.Lock()
	env.history.err = errors.New("disk full")
	env.history.mu.Unlock()
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/devices/D1/history", "", auth.RoleViewer), http.StatusInternalServerError)

	env.srv.history = nil
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/devices/D1/history", "", auth.RoleViewer), http.StatusServiceUnavailable)
}

func TestDiscover(t *testing.T) {
	env := newTestEnv(t)
	env.vendor.mu.Lock()
	env.vendor.values["D3"] = map[string]any{"power": false, "fan_speed_enum": 0, "mode": 0, "pm25": 5.0}
	env.vendor.mu.Unlock()

	w := env.do(t, http.MethodPost, "/api/v1/discover", "", auth.RoleAdmin)
	expectStatus(t, w, http.StatusOK)

	st := decodeBody(t, w)["sync"].(map[string]any)
	if st["devices"] != float64(3) {
		t.Errorf("devices = %v, want 3", st["devices"])
	}
	env.repub.mu.Lock()
	defer env.repub.mu.Unlock()
	if env.repub.calls != 1 {
		t.Errorf("PublishAll calls = %d, want 1", env.repub.calls)
	}
}

// ─── Middleware ────────────────────────────────────────────────────

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want abc-123", got)
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)
	env.srv.cfg.CORS.AllowedOrigins = []string{"http://console.local"}
	router := env.srv.buildRouter()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/devices", nil)
	req.Header.Set("Origin", "http://console.local")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusNoContent)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://console.local" {
		t.Errorf("Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/devices", nil)
	req.Header.Set("Origin", "http://evil.local")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q for disallowed origin", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	expectStatus(t, w, http.StatusInternalServerError)
}

func TestParseHistoryLimit(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{"", defaultHistoryLimit, false},
		{"10", 10, false},
		{"200", 200, false},
		{"201", 0, true},
		{"0", 0, true},
		{"-3", 0, true},
		{"ten", 0, true},
	}
	for _, tt := range tests {
		got, err := parseHistoryLimit(tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseHistoryLimit(%q) = %d, %v; want %d, err %v", tt.raw, got, err, tt.want, tt.wantErr)
		}
	}
}
