package tag

import (
	"fmt"
	"sync"
	"time"
)

// MockRead is one scripted response to ReadCharacteristic.
type MockRead struct {
	Echo  string // Characteristic id echoed back; empty means the requested one
	Value string
	OK    bool
	Hang  bool // Never invoke the callback
}

// MockWrite records one WriteCharacteristic call.
type MockWrite struct {
	Characteristic string
	Payload        string
}

// MockGattHandle is a scriptable GattHandle for tests. Callbacks are invoked
// from a new goroutine, like hardware callbacks.
//
// Example:
//
//	h := NewMockGattHandle()
//	h.Values[CharBattery] = "4b"
//	conn := NewLocalConnection("tag-1", h, deps, Options{Schedule: Never})
type MockGattHandle struct {
	// Values are returned by reads that have no scripted response.
	Values map[string]string

	// Reads are consumed in order per characteristic before Values is used.
	Reads map[string][]MockRead

	// WriteResults overrides the default successful write per characteristic.
	WriteResults map[string]bool

	// HangWrites makes every write leave its callback pending.
	HangWrites bool

	DisconnectError error
	RSSIError       error

	Writes   []MockWrite
	CallLog  []string
	Released int

	rssiCallbacks []func(int)
	rssiStopped   int

	mu sync.Mutex
}

func NewMockGattHandle() *MockGattHandle {
	return &MockGattHandle{
		Values:       make(map[string]string),
		Reads:        make(map[string][]MockRead),
		WriteResults: make(map[string]bool),
	}
}

func (m *MockGattHandle) WriteCharacteristic(deviceID, serviceID, charID, hexPayload string, cb func(ok bool)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, fmt.Sprintf("Write(%s,%s)", charID, hexPayload))
	m.Writes = append(m.Writes, MockWrite{Characteristic: charID, Payload: hexPayload})

	if !m.HangWrites {
		ok, scripted := m.WriteResults[charID]
		if !scripted {
			ok = true
		}
		go cb(ok)
	}
	return m.release, nil
}

func (m *MockGattHandle) ReadCharacteristic(deviceID, serviceID, charID string, cb func(echoedCharID, value string, ok bool)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, fmt.Sprintf("Read(%s)", charID))

	var resp MockRead
	if queue := m.Reads[charID]; len(queue) > 0 {
		resp = queue[0]
		m.Reads[charID] = queue[1:]
	} else if v, ok := m.Values[charID]; ok {
		resp = MockRead{Value: v, OK: true}
	}

	if !resp.Hang {
		echo := resp.Echo
		if echo == "" {
			echo = charID
		}
		go cb(echo, resp.Value, resp.OK)
	}
	return m.release, nil
}

func (m *MockGattHandle) StartReadRemoteRssi(deviceID string, refresh time.Duration, cb func(rssi int)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, fmt.Sprintf("StartReadRemoteRssi(%s)", refresh))
	if m.RSSIError != nil {
		return nil, m.RSSIError
	}
	m.rssiCallbacks = append(m.rssiCallbacks, cb)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.rssiStopped++
	}, nil
}

// EmitRSSI delivers a reading to every registered RSSI callback.
func (m *MockGattHandle) EmitRSSI(rssi int) {
	m.mu.Lock()
	cbs := append([]func(int){}, m.rssiCallbacks...)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(rssi)
	}
}

// RSSIStopped reports how many RSSI streams were stopped.
func (m *MockGattHandle) RSSIStopped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rssiStopped
}

func (m *MockGattHandle) Disconnect(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, "Disconnect")
	return m.DisconnectError
}

// ReleaseCount reports how many callback registrations were released.
func (m *MockGattHandle) ReleaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Released
}

// WriteLog returns a copy of the recorded writes.
func (m *MockGattHandle) WriteLog() []MockWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockWrite(nil), m.Writes...)
}

func (m *MockGattHandle) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Released++
}
