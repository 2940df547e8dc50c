package tag

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func newTestLocal(t *testing.T, h *MockGattHandle, deps Deps) *LocalConnection {
	t.Helper()
	c := NewLocalConnection("tag-1", h, deps, Options{Schedule: Never})
	t.Cleanup(c.Close)
	return c
}

func TestLocalConnection_BatteryLevel(t *testing.T) {
	h := NewMockGattHandle()
	h.Values[CharBattery] = "4b"
	cache := newMockCache()
	c := newTestLocal(t, h, Deps{Cache: cache})

	level, ok := c.BatteryLevel(context.Background())
	if !ok || level != BatteryFull {
		t.Errorf("BatteryLevel() = (%v, %v), want (FULL, true)", level, ok)
	}
	if cached, ok := cache.CachedBattery(context.Background(), "tag-1"); !ok || cached != BatteryFull {
		t.Errorf("cached battery = (%v, %v), want (FULL, true)", cached, ok)
	}
}

func TestLocalConnection_SyncEndToEnd(t *testing.T) {
	h := NewMockGattHandle()
	h.Values[CharBattery] = "4b"
	loc, user, api := fixture()
	listener := newRecordingListener()
	c := newTestLocal(t, h, Deps{Location: loc, User: user, API: api, Policy: mockPolicy{required: true}, Listener: listener})

	if got := c.TriggerAutoSync(context.Background()); got != SyncSuccess {
		t.Fatalf("TriggerAutoSync() = %v, want SUCCESS", got)
	}
	if got := api.sent()[0].Geolocation.D2DStatus; got != D2DGattConnected {
		t.Errorf("D2DStatus = %v, want %v", got, D2DGattConnected)
	}

	done := make(chan SyncResult, 1)
	c.SyncLocationAsync(context.Background(), func(r SyncResult) { done <- r })
	if r := <-done; r != SyncSuccess {
		t.Errorf("SyncLocationAsync() = %v, want SUCCESS", r)
	}
	want := []string{"started", "finished:SUCCESS", "started", "finished:SUCCESS"}
	if got := listener.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("notifications = %v, want %v", got, want)
	}
}

func TestLocalConnection_StartRinging(t *testing.T) {
	t.Run("rings and reads volume", func(t *testing.T) {
		h := NewMockGattHandle()
		h.Values[CharRingVolume] = "02"
		c := newTestLocal(t, h, Deps{})

		got := c.StartRinging(context.Background(), false)
		want := RingSuccessBluetooth{Volume: VolumeHigh, VolumeKnown: true}
		if got != want {
			t.Errorf("StartRinging() = %#v, want %#v", got, want)
		}
		if w := h.WriteLog(); len(w) != 1 || w[0] != (MockWrite{CharRing, "01"}) {
			t.Errorf("writes = %v", w)
		}
	})

	t.Run("volume unreadable", func(t *testing.T) {
		h := NewMockGattHandle()
		c := newTestLocal(t, h, Deps{})
		got := c.StartRinging(context.Background(), false)
		if got != (RingSuccessBluetooth{}) {
			t.Errorf("StartRinging() = %#v, want volume unknown", got)
		}
	})

	t.Run("write rejected", func(t *testing.T) {
		h := NewMockGattHandle()
		h.WriteResults[CharRing] = false
		c := newTestLocal(t, h, Deps{})
		if got := c.StartRinging(context.Background(), false); got != (RingFailed{}) {
			t.Errorf("StartRinging() = %#v, want RingFailed", got)
		}
	})
}

func TestLocalConnection_Writes(t *testing.T) {
	tests := []struct {
		name string
		call func(c *LocalConnection) bool
		want MockWrite
	}{
		{"stop ringing", func(c *LocalConnection) bool { return c.StopRinging(context.Background()) }, MockWrite{CharRing, "00"}},
		{"ring volume", func(c *LocalConnection) bool { return c.SetRingVolume(context.Background(), VolumeLow) }, MockWrite{CharRingVolume, "01"}},
		{"button config", func(c *LocalConnection) bool { return c.SetButtonConfig(context.Background(), true, false) }, MockWrite{CharButtonConfig, "0100"}},
		{"button volume", func(c *LocalConnection) bool { return c.SetButtonVolume(context.Background(), ButtonVolumeHigh) }, MockWrite{CharButtonVolume, "02"}},
		{"lost mode url", func(c *LocalConnection) bool { return c.SetLostModeURL(context.Background(), "https://x.io") }, MockWrite{CharLostModeURL, "68747470733a2f2f782e696f"}},
		{"e2e", func(c *LocalConnection) bool { return c.SetE2EEnabled(context.Background(), true) }, MockWrite{CharE2EEncryption, "01"}},
		{"uwb start", func(c *LocalConnection) bool {
			return c.StartUWBRanging(context.Background(), []byte{0xca, 0xfe}, "AA:BB:CC:DD:EE:FF")
		}, MockWrite{CharUWBRanging, "01aabbccddeeffcafe"}},
		{"uwb stop", func(c *LocalConnection) bool { return c.StopUWBRanging(context.Background()) }, MockWrite{CharUWBRanging, "00"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewMockGattHandle()
			c := newTestLocal(t, h, Deps{})
			if !tt.call(c) {
				t.Fatal("write reported failure")
			}
			if w := h.WriteLog(); len(w) != 1 || w[0] != tt.want {
				t.Errorf("writes = %v, want [%v]", w, tt.want)
			}
		})
	}
}

func TestLocalConnection_InvalidUWBPeer(t *testing.T) {
	h := NewMockGattHandle()
	c := newTestLocal(t, h, Deps{})
	if c.StartUWBRanging(context.Background(), nil, "not-a-mac") {
		t.Error("StartUWBRanging() accepted an invalid peer")
	}
	if len(h.WriteLog()) != 0 {
		t.Error("invalid peer reached the hardware")
	}
}

func TestLocalConnection_Reads(t *testing.T) {
	h := NewMockGattHandle()
	h.Values[CharButtonVolume] = "01"
	h.Values[CharLostModeURL] = "68747470733a2f2f782e696f"
	h.Values[CharE2EEncryption] = "01"
	c := newTestLocal(t, h, Deps{})
	ctx := context.Background()

	if v, ok := c.ButtonVolume(ctx); !ok || v != ButtonVolumeLow {
		t.Errorf("ButtonVolume() = (%v, %v)", v, ok)
	}
	if v, ok := c.LostModeURL(ctx); !ok || v != "https://x.io" {
		t.Errorf("LostModeURL() = (%q, %v)", v, ok)
	}
	if v, ok := c.E2EEnabled(ctx); !ok || !v {
		t.Errorf("E2EEnabled() = (%v, %v)", v, ok)
	}

	h.Values[CharButtonVolume] = "07"
	if _, ok := c.ButtonVolume(ctx); ok {
		t.Error("ButtonVolume() accepted an unknown encoding")
	}
}

func TestLocalConnection_TagStateEvents(t *testing.T) {
	c := newTestLocal(t, NewMockGattHandle(), Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := c.TagStateEvents(ctx)

	c.CharacteristicChanged(CharButtonState, "ff")
	c.CharacteristicChanged(CharRingVolume, "01")
	c.CharacteristicChanged(CharButtonState, "02")
	c.CharacteristicChanged(CharRingState, "01")

	for _, want := range []TagStateEvent{EventButtonLongClick, EventRingStarted} {
		select {
		case got := <-events:
			if got != want {
				t.Errorf("event = %v, want %v", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("no event, want %v", want)
		}
	}

	c.Close()
	if _, open := <-events; open {
		t.Error("event stream still open after Close")
	}
}

func TestLocalConnection_RSSI(t *testing.T) {
	h := NewMockGattHandle()
	c := newTestLocal(t, h, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	readings := c.RSSI(ctx, time.Second)

	h.EmitRSSI(-60)
	if got := <-readings; got != -60 {
		t.Errorf("rssi = %d, want -60", got)
	}

	cancel()
	for range readings {
	}
	if h.RSSIStopped() != 1 {
		t.Errorf("rssi stopped %d times, want 1", h.RSSIStopped())
	}
	h.EmitRSSI(-70) // must not panic on the closed stream
}

func TestLocalConnection_RSSIError(t *testing.T) {
	h := NewMockGattHandle()
	h.RSSIError = errors.New("busy")
	c := newTestLocal(t, h, Deps{})
	if _, open := <-c.RSSI(context.Background(), time.Second); open {
		t.Error("rssi stream open after start failure")
	}
}

func TestLocalConnection_Disconnect(t *testing.T) {
	h := NewMockGattHandle()
	c := newTestLocal(t, h, Deps{})
	if !c.Disconnect(context.Background()) {
		t.Error("Disconnect() = false")
	}
	h.DisconnectError = errors.New("gone")
	if c.Disconnect(context.Background()) {
		t.Error("Disconnect() = true on error")
	}
}

func TestScannedConnection_Sync(t *testing.T) {
	loc, user, api := fixture()
	cache := newMockCache()
	cache.levels["tag-2"] = BatteryLow
	c := NewScannedConnection("tag-2", Deps{Location: loc, User: user, API: api, Cache: cache}, Options{Schedule: Never})
	defer c.Close()

	if c.IsConnectedForLocation() {
		t.Error("scanned connection reports connected")
	}
	if got := c.SyncLocation(context.Background()); got != SyncSuccess {
		t.Fatalf("SyncLocation() = %v, want SUCCESS", got)
	}
	g := api.sent()[0].Geolocation
	if g.D2DStatus != D2DBLEScanned || g.Battery != "LOW" {
		t.Errorf("geolocation = %+v", g)
	}
}
