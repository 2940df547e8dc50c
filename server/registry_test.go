package server

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/dotside-studios/tagsync-agent/tag"
)

func TestRegistry_Reconcile(t *testing.T) {
	env := newTestEnv(t)
	r := env.registry

	r.Reconcile([]string{"aa-bb-cc-dd-ee-01"}, []string{tagB, tagA})

	snap := r.Snapshot()
	if !slices.Equal(snap.Connected, []string{tagA}) {
		t.Errorf("Connected = %v, want [%s]", snap.Connected, tagA)
	}
	if !slices.Equal(snap.Scanned, []string{tagB}) {
		t.Errorf("Scanned = %v, want [%s] (connected wins)", snap.Scanned, tagB)
	}
	if _, ok := r.Local(tagA); !ok {
		t.Error("connected tag has no local connection")
	}
	if _, ok := r.Local(tagB); ok {
		t.Error("scanned tag has a local connection")
	}
	s, ok := r.Syncer(tagB)
	if !ok || s.IsConnectedForLocation() {
		t.Errorf("Syncer(%s) = %v, %v; want a scanned connection", tagB, s, ok)
	}
	if _, ok := r.Syncer("AA:BB:CC:DD:EE:FF"); ok {
		t.Error("unknown tag resolved")
	}
}

func TestRegistry_ReconcileTransitions(t *testing.T) {
	env := newTestEnv(t)
	r := env.registry

	r.Reconcile([]string{tagA}, nil)
	first, _ := r.Local(tagA)

	// Same snapshot keeps the connection.
	r.Reconcile([]string{tagA}, nil)
	if again, _ := r.Local(tagA); again != first {
		t.Error("unchanged snapshot replaced the connection")
	}

	// Connected -> scanned closes the local connection and its notifications.
	r.Reconcile(nil, []string{tagA})
	if _, ok := r.Local(tagA); ok {
		t.Error("local connection survived the downgrade")
	}
	if n := env.handle.stoppedFor(tagA); n != 1 {
		t.Errorf("notifications stopped %d times, want 1", n)
	}
	if res := first.SyncLocation(context.Background()); res != tag.SyncFailedDisconnected {
		t.Errorf("sync on closed connection = %v, want FAILED_DISCONNECTED", res)
	}

	r.Reconcile(nil, nil)
	if _, ok := r.Syncer(tagA); ok {
		t.Error("vanished tag still resolves")
	}
}

func TestRegistry_ChangesOnlyOnDifference(t *testing.T) {
	env := newTestEnv(t)
	r := env.registry

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := r.Changes(ctx)

	if v := receive(t, changes); v != 0 {
		t.Fatalf("replayed version = %d, want 0", v)
	}

	r.Reconcile([]string{tagA}, nil)
	if v := receive(t, changes); v != 1 {
		t.Fatalf("version = %d, want 1", v)
	}

	r.Reconcile([]string{tagA}, nil)
	r.Reconcile([]string{tagA}, []string{tagB})
	if v := receive(t, changes); v != 2 {
		t.Fatalf("version = %d, want 2 (no bump for identical snapshot)", v)
	}
}

func TestRegistry_CharacteristicChanged(t *testing.T) {
	env := newTestEnv(t)
	r := env.registry
	r.Reconcile([]string{tagA}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notes := r.Notifications(ctx)
	local, _ := r.Local(tagA)
	events := local.TagStateEvents(ctx)

	r.CharacteristicChanged("aa:bb:cc:dd:ee:01", tag.CharButtonState, "02")

	n := receive(t, notes)
	if n.DeviceID != tagA || n.Characteristic != tag.CharButtonState || n.Value != "02" {
		t.Errorf("notification = %+v", n)
	}
	if ev := receive(t, events); ev != tag.EventButtonLongClick {
		t.Errorf("event = %v, want long click", ev)
	}
}

func TestRegistry_SyncStateAndHistory(t *testing.T) {
	env := newTestEnv(t)
	r := env.registry
	env.handle.Values[tag.CharBattery] = "4b"
	r.Reconcile([]string{tagA}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	states := r.SyncStates(ctx)

	s, _ := r.Syncer(tagA)
	if res := s.SyncLocation(ctx); res != tag.SyncSuccess {
		t.Fatalf("SyncLocation = %v, want SUCCESS", res)
	}

	if st := receive(t, states); !st.Syncing || st.DeviceID != tagA {
		t.Errorf("first state = %+v, want syncing", st)
	}
	if st := receive(t, states); st.Syncing || st.Result != "SUCCESS" {
		t.Errorf("second state = %+v, want idle SUCCESS", st)
	}
	if st, ok := r.SyncState(tagA); !ok || st.Result != "SUCCESS" {
		t.Errorf("SyncState = %+v, %v", st, ok)
	}

	waitFor(t, "history entry", func() bool { return env.history.len() == 1 })
	reports := env.api.sent()
	if len(reports) != 1 || reports[0].Geolocation.D2DStatus != tag.D2DGattConnected {
		t.Errorf("reports = %+v", reports)
	}
	if l, ok := env.cache.CachedBattery(ctx, tagA); !ok || l == tag.BatteryUnknown {
		t.Errorf("cached battery = %v, %v", l, ok)
	}
}

type stubScanner struct {
	connected, scanned []string
	err                error
}

func (s stubScanner) Scan(context.Context) ([]string, []string, error) {
	return s.connected, s.scanned, s.err
}

func TestRegistry_RunPollsScanner(t *testing.T) {
	r := NewRegistry(RegistryConfig{
		Handle:       tag.NewMockGattHandle(),
		Scanner:      stubScanner{scanned: []string{tagB}},
		ScanInterval: 10 * time.Millisecond,
		Deps:         tag.Deps{Location: fakeLocation{}, User: fakeUser{}, API: &fakeAPI{}},
		Options:      tag.Options{Schedule: tag.Never},
		Logger:       discard,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	waitFor(t, "scanned tag", func() bool {
		_, ok := r.Syncer(tagB)
		return ok
	})
	cancel()
	<-done

	if _, ok := r.Syncer(tagB); ok {
		t.Error("connections survived Run exit")
	}
}

func TestRegistry_RunKeepsStateOnScanError(t *testing.T) {
	r := NewRegistry(RegistryConfig{
		Scanner:      stubScanner{err: errors.New("adapter off")},
		ScanInterval: 10 * time.Millisecond,
		Options:      tag.Options{Schedule: tag.Never},
		Logger:       discard,
	})
	r.Reconcile(nil, []string{tagA})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	go r.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	if snap := r.Snapshot(); !slices.Equal(snap.Scanned, []string{tagA}) {
		t.Errorf("Scanned = %v after scan errors", snap.Scanned)
	}
}

func TestCanonicalID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"aa:bb:cc:dd:ee:01", tagA},
		{"AA-BB-CC-DD-EE-01", tagA},
		{"tag-7", "tag-7"},
	}
	for _, tt := range tests {
		if got := canonicalID(tt.in); got != tt.want {
			t.Errorf("canonicalID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
