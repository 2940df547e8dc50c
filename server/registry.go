package server

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dotside-studios/tagsync-agent/protocol"
	"github.com/dotside-studios/tagsync-agent/tag"
)

// DefaultScanInterval is how often the registry polls the scanner.
const DefaultScanInterval = 5 * time.Second

// Scanner reports which tags are GATT-connected and which are only seen in
// advertisements.
type Scanner interface {
	Scan(ctx context.Context) (connected, scanned []string, err error)
}

// Notifier is implemented by GATT handles that can subscribe to
// characteristic notifications.
type Notifier interface {
	StartNotify(deviceID string, charIDs []string) (stop func(), err error)
}

// Notification is a raw characteristic change pushed by a tag.
type Notification struct {
	DeviceID       string
	Characteristic string
	Value          string
}

// SyncState is the sync progress of one device.
type SyncState struct {
	DeviceID string
	Syncing  bool
	Result   string
}

type entry struct {
	local      *tag.LocalConnection
	scanned    *tag.ScannedConnection
	stopNotify func()
}

func (e *entry) syncer() tag.Syncer {
	if e.local != nil {
		return e.local
	}
	return e.scanned
}

func (e *entry) close() {
	if e.stopNotify != nil {
		e.stopNotify()
	}
	if e.local != nil {
		e.local.Close()
	}
	if e.scanned != nil {
		e.scanned.Close()
	}
}

// RegistryConfig wires a Registry. Deps.Listener is replaced by the registry.
type RegistryConfig struct {
	Handle       tag.GattHandle
	Scanner      Scanner
	ScanInterval time.Duration
	Deps         tag.Deps
	Options      tag.Options
	History      HistoryStore
	Logger       *slog.Logger
}

// Registry owns exactly one connection per visible tag: a LocalConnection
// while the tag is GATT-connected, a ScannedConnection while it is only
// advertising. It publishes presence and sync progress to IPC subscribers.
type Registry struct {
	handle   tag.GattHandle
	scanner  Scanner
	interval time.Duration
	deps     tag.Deps
	opts     tag.Options
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	snap    protocol.DevicesSnapshot
	version uint64
	syncing map[string]SyncState

	changes       *tag.Broadcaster[uint64]
	notifications *tag.Broadcaster[Notification]
	syncStates    *tag.Broadcaster[SyncState]
	bridge        *syncBridge
}

// NewRegistry creates an empty registry. Call Run to start polling.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.ScanInterval
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	r := &Registry{
		handle:        cfg.Handle,
		scanner:       cfg.Scanner,
		interval:      interval,
		opts:          cfg.Options,
		logger:        logger.With("component", "registry"),
		entries:       make(map[string]*entry),
		syncing:       make(map[string]SyncState),
		changes:       tag.NewStateBroadcaster[uint64](),
		notifications: tag.NewBroadcaster[Notification](),
		syncStates:    tag.NewBroadcaster[SyncState](),
	}
	r.bridge = newSyncBridge(r, cfg.History, logger)
	r.deps = cfg.Deps
	r.deps.Listener = r.bridge
	if r.opts.Logger == nil {
		r.opts.Logger = logger
	}
	r.changes.Publish(0)
	return r
}

// Run polls the scanner until ctx ends, then closes every connection.
func (r *Registry) Run(ctx context.Context) {
	defer r.Close()
	if r.scanner == nil {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Registry) poll(ctx context.Context) {
	connected, scanned, err := r.scanner.Scan(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("scan failed", "error", err)
		}
		return
	}
	r.Reconcile(connected, scanned)
}

// Reconcile applies a full presence snapshot. Device ids are normalized; an
// id in both lists counts as connected.
func (r *Registry) Reconcile(connected, scanned []string) {
	conn := normalizeAll(connected)
	scan := slices.DeleteFunc(normalizeAll(scanned), func(id string) bool {
		return slices.Contains(conn, id)
	})

	var stale []*entry

	r.mu.Lock()
	for id, e := range r.entries {
		switch {
		case slices.Contains(conn, id):
			if e.local == nil {
				stale = append(stale, e)
				delete(r.entries, id)
			}
		case slices.Contains(scan, id):
			if e.scanned == nil {
				stale = append(stale, e)
				delete(r.entries, id)
			}
		default:
			stale = append(stale, e)
			delete(r.entries, id)
		}
	}
	for _, id := range conn {
		if _, ok := r.entries[id]; !ok {
			r.entries[id] = r.newLocal(id)
			r.logger.Info("tag connected", "device", id)
		}
	}
	for _, id := range scan {
		if _, ok := r.entries[id]; !ok {
			r.entries[id] = &entry{scanned: tag.NewScannedConnection(id, r.deps, r.opts)}
			r.logger.Debug("tag scanned", "device", id)
		}
	}

	next := protocol.DevicesSnapshot{Connected: conn, Scanned: scan}
	changed := !slices.Equal(next.Connected, r.snap.Connected) || !slices.Equal(next.Scanned, r.snap.Scanned)
	if changed {
		r.snap = next
		r.version++
	}
	version := r.version
	r.mu.Unlock()

	for _, e := range stale {
		e.close()
	}
	if changed {
		r.changes.Publish(version)
	}
}

func (r *Registry) newLocal(id string) *entry {
	e := &entry{local: tag.NewLocalConnection(id, r.handle, r.deps, r.opts)}
	if n, ok := r.handle.(Notifier); ok {
		stop, err := n.StartNotify(id, tag.NotifyCharacteristics)
		if err != nil {
			r.logger.Warn("enabling notifications failed", "device", id, "error", err)
		} else {
			e.stopNotify = stop
		}
	}
	return e
}

// CharacteristicChanged routes a hardware notification to the device's
// local connection and to tagState subscribers.
func (r *Registry) CharacteristicChanged(deviceID, charID, value string) {
	id := canonicalID(deviceID)
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if ok && e.local != nil {
		e.local.CharacteristicChanged(charID, value)
	}
	r.notifications.Publish(Notification{DeviceID: id, Characteristic: charID, Value: value})
}

// Snapshot returns the current presence lists.
func (r *Registry) Snapshot() protocol.DevicesSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return protocol.DevicesSnapshot{
		Connected: slices.Clone(r.snap.Connected),
		Scanned:   slices.Clone(r.snap.Scanned),
	}
}

// Syncer returns the active connection for id, local or scanned.
func (r *Registry) Syncer(id string) (tag.Syncer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[canonicalID(id)]
	if !ok {
		return nil, false
	}
	return e.syncer(), true
}

// Local returns the GATT connection for id while the tag is connected.
func (r *Registry) Local(id string) (*tag.LocalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[canonicalID(id)]
	if !ok || e.local == nil {
		return nil, false
	}
	return e.local, true
}

// SyncState returns the last sync progress seen for id.
func (r *Registry) SyncState(id string) (SyncState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.syncing[canonicalID(id)]
	return s, ok
}

// NetworkAPI returns the backend used for network fallbacks.
func (r *Registry) NetworkAPI() tag.NetworkAPI { return r.deps.API }

// BatteryCache returns the cache shared by every connection.
func (r *Registry) BatteryCache() tag.BatteryCache { return r.deps.Cache }

// Changes streams a version number each time the presence snapshot changes.
// The current version is replayed on subscribe.
func (r *Registry) Changes(ctx context.Context) <-chan uint64 {
	return r.changes.Subscribe(ctx)
}

func (r *Registry) Notifications(ctx context.Context) <-chan Notification {
	return r.notifications.Subscribe(ctx)
}

func (r *Registry) SyncStates(ctx context.Context) <-chan SyncState {
	return r.syncStates.Subscribe(ctx)
}

func (r *Registry) setSyncState(s SyncState) {
	r.mu.Lock()
	r.syncing[s.DeviceID] = s
	r.mu.Unlock()
	r.syncStates.Publish(s)
}

// Close closes every connection and ends all streams.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.close()
	}
	r.bridge.wait()
	r.changes.Close()
	r.notifications.Close()
	r.syncStates.Close()
}

func normalizeAll(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		n := canonicalID(id)
		if n != "" && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}

// canonicalID normalizes Bluetooth addresses and leaves other ids as is.
func canonicalID(id string) string {
	if n, err := protocol.NormalizeAddress(id); err == nil {
		return n
	}
	return id
}
