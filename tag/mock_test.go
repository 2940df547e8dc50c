package tag

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type mockLocation struct {
	mu    sync.Mutex
	loc   *Location
	err   error
	calls int
}

func (m *mockLocation) LastLocation(ctx context.Context, deviceID string) (*Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.loc, m.err
}

func (m *mockLocation) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockUser struct {
	name, id string
	deviceID string
}

func (m *mockUser) DisplayName(ctx context.Context) (string, bool) {
	return m.name, m.name != ""
}

func (m *mockUser) PersistedUserID(ctx context.Context) (string, bool) {
	return m.id, m.id != ""
}

func (m *mockUser) LocalDeviceID() string { return m.deviceID }

type mockAPI struct {
	mu         sync.Mutex
	sendResult bool
	sendErr    error
	panicOn    bool
	reports    []LocationReport
	ringing    []bool
	searching  []bool
}

func (m *mockAPI) SendLocation(ctx context.Context, deviceID string, report LocationReport) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panicOn {
		panic("backend exploded")
	}
	m.reports = append(m.reports, report)
	return m.sendResult, m.sendErr
}

func (m *mockAPI) SetRinging(ctx context.Context, deviceID string, ringing bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ringing = append(m.ringing, ringing)
	return true, nil
}

func (m *mockAPI) SetSearching(ctx context.Context, deviceID string, searching bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searching = append(m.searching, searching)
	return true, nil
}

func (m *mockAPI) sent() []LocationReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LocationReport(nil), m.reports...)
}

type mockPolicy struct {
	required bool
}

func (m mockPolicy) AutoSyncRequired(ctx context.Context, deviceID string) bool { return m.required }

type mockCache struct {
	mu     sync.Mutex
	levels map[string]BatteryLevel
}

func newMockCache() *mockCache {
	return &mockCache{levels: make(map[string]BatteryLevel)}
}

func (m *mockCache) CachedBattery(ctx context.Context, deviceID string) (BatteryLevel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.levels[deviceID]
	return l, ok
}

func (m *mockCache) StoreBattery(ctx context.Context, deviceID string, level BatteryLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[deviceID] = level
	return nil
}

// recordingListener collects "started"/"finished:RESULT" entries.
type recordingListener struct {
	mu      sync.Mutex
	events  []string
	started chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{started: make(chan struct{}, 16)}
}

func (l *recordingListener) SyncStarted(deviceID string) {
	l.mu.Lock()
	l.events = append(l.events, "started")
	l.mu.Unlock()
	l.started <- struct{}{}
}

func (l *recordingListener) SyncFinished(deviceID string, result SyncResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf("finished:%s", result))
}

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *recordingListener) waitStarted(timeout time.Duration) bool {
	select {
	case <-l.started:
		return true
	case <-time.After(timeout):
		return false
	}
}

// fixture returns collaborators for the tag-1 scenario: Alice/u1 at
// (51.5, -0.1) with a backend that accepts reports.
func fixture() (*mockLocation, *mockUser, *mockAPI) {
	loc := &mockLocation{loc: &Location{
		Latitude:  51.5,
		Longitude: -0.1,
		Accuracy:  10,
		Time:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Method:    "gps",
	}}
	user := &mockUser{name: "Alice", id: "u1", deviceID: "phone-1"}
	api := &mockAPI{sendResult: true}
	return loc, user, api
}
