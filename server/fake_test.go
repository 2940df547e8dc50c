package server

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dotside-studios/tagsync-agent/protocol"
	"github.com/dotside-studios/tagsync-agent/tag"
)

const (
	tagA = "AA:BB:CC:DD:EE:01"
	tagB = "AA:BB:CC:DD:EE:02"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	t0      = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

type fakeLocation struct{}

func (fakeLocation) LastLocation(context.Context, string) (*tag.Location, error) {
	return &tag.Location{Latitude: 14.55, Longitude: 121.02, Accuracy: 8, Method: "gps", Time: time.Now()}, nil
}

type fakeUser struct{}

func (fakeUser) DisplayName(context.Context) (string, bool)     { return "Ana", true }
func (fakeUser) PersistedUserID(context.Context) (string, bool) { return "user-1", true }
func (fakeUser) LocalDeviceID() string                          { return "host-1" }

type fakeAPI struct {
	mu        sync.Mutex
	sendOK    bool
	ringOK    bool
	reports   []tag.LocationReport
	ringCalls []bool
}

func (a *fakeAPI) SendLocation(_ context.Context, _ string, r tag.LocationReport) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, r)
	return a.sendOK, nil
}

func (a *fakeAPI) SetRinging(_ context.Context, _ string, ringing bool) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ringCalls = append(a.ringCalls, ringing)
	return a.ringOK, nil
}

func (a *fakeAPI) SetSearching(context.Context, string, bool) (bool, error) { return true, nil }

func (a *fakeAPI) sent() []tag.LocationReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]tag.LocationReport(nil), a.reports...)
}

type memCache struct {
	mu     sync.Mutex
	levels map[string]tag.BatteryLevel
}

func (c *memCache) CachedBattery(_ context.Context, id string) (tag.BatteryLevel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.levels[id]
	return l, ok
}

func (c *memCache) StoreBattery(_ context.Context, id string, l tag.BatteryLevel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.levels == nil {
		c.levels = make(map[string]tag.BatteryLevel)
	}
	c.levels[id] = l
	return nil
}

type memHistory struct {
	mu      sync.Mutex
	entries []protocol.HistoryEntry
}

func (h *memHistory) RecordSync(_ context.Context, id string, r tag.SyncResult, at time.Time) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := protocol.HistoryEntry{ID: id + "-" + r.String(), DeviceID: id, Result: r.String(), FinishedAt: at}
	h.entries = append(h.entries, e)
	return e.ID, nil
}

func (h *memHistory) History(_ context.Context, id string, limit int) ([]protocol.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []protocol.HistoryEntry
	for i := len(h.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if h.entries[i].DeviceID == id {
			out = append(out, h.entries[i])
		}
	}
	return out, nil
}

func (h *memHistory) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

type memLocations struct {
	mu     sync.Mutex
	stored map[string]tag.Location
}

func (m *memLocations) StoreLocation(_ context.Context, id string, loc tag.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stored == nil {
		m.stored = make(map[string]tag.Location)
	}
	m.stored[id] = loc
	return nil
}

// notifyHandle adds notification support to the mock GATT handle.
type notifyHandle struct {
	*tag.MockGattHandle

	mu      sync.Mutex
	started map[string][]string
	stopped []string
}

func newNotifyHandle() *notifyHandle {
	return &notifyHandle{MockGattHandle: tag.NewMockGattHandle(), started: make(map[string][]string)}
}

func (h *notifyHandle) StartNotify(deviceID string, charIDs []string) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started[deviceID] = charIDs
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.stopped = append(h.stopped, deviceID)
	}, nil
}

func (h *notifyHandle) stoppedFor(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.stopped {
		if s == id {
			n++
		}
	}
	return n
}

type testEnv struct {
	handle   *notifyHandle
	api      *fakeAPI
	cache    *memCache
	history  *memHistory
	registry *Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		handle:  newNotifyHandle(),
		api:     &fakeAPI{sendOK: true, ringOK: true},
		cache:   &memCache{},
		history: &memHistory{},
	}
	env.registry = NewRegistry(RegistryConfig{
		Handle: env.handle,
		Deps: tag.Deps{
			Location: fakeLocation{},
			User:     fakeUser{},
			API:      env.api,
			Cache:    env.cache,
		},
		Options: tag.Options{Schedule: tag.Never, IOTimeout: time.Second},
		History: env.history,
		Logger:  discard,
	})
	t.Cleanup(env.registry.Close)
	return env
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}
