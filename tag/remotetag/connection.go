package remotetag

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/dotside-studios/tagsync-agent/protocol"
	"github.com/dotside-studios/tagsync-agent/tag"
)

// Config wires a remote connection. API, Cache and OnHistoryChanged are
// optional.
type Config struct {
	Binder Binder

	// API serves the network ring fallback and the searching flag.
	API tag.NetworkAPI

	// Cache receives the battery level re-read after a successful auto sync.
	Cache tag.BatteryCache

	// OnHistoryChanged is called after a successful auto sync so views
	// derived from location history can reload.
	OnHistoryChanged func(deviceID string)

	Logger *slog.Logger
}

// Connection is the remote implementation of tag.Connection.
type Connection struct {
	deviceID  string
	binder    Binder
	api       tag.NetworkAPI
	cache     tag.BatteryCache
	onHistory func(string)
	logger    *slog.Logger

	state     *tag.Broadcaster[tag.ConnectionState]
	stateOnce sync.Once
	autoSync  *tag.Broadcaster[tag.AutoSyncState]
	refreshMu sync.Mutex
	refreshWG sync.WaitGroup

	scope     context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ tag.Connection = (*Connection)(nil)

// New creates a remote connection and starts watching auto-sync progress.
func New(deviceID string, cfg Config) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scope, cancel := context.WithCancel(context.Background())
	c := &Connection{
		deviceID:  deviceID,
		binder:    cfg.Binder,
		api:       cfg.API,
		cache:     cfg.Cache,
		onHistory: cfg.OnHistoryChanged,
		logger:    logger.With("component", "remote", "device", deviceID),
		state:     tag.NewStateBroadcaster[tag.ConnectionState](),
		autoSync:  tag.NewStateBroadcaster[tag.AutoSyncState](),
		scope:     scope,
		cancel:    cancel,
	}
	go c.watchAutoSync()
	return c
}

// DeriveState classifies deviceID against a full presence snapshot.
func DeriveState(deviceID string, connected, scanned []string) tag.ConnectionState {
	switch {
	case slices.Contains(connected, deviceID):
		return tag.StateConnected
	case slices.Contains(scanned, deviceID):
		return tag.StateScanned
	default:
		return tag.StateDisconnected
	}
}

func (c *Connection) DeviceID() string { return c.deviceID }

// IsConnectedForLocation reports whether the service last saw this tag
// GATT-connected.
func (c *Connection) IsConnectedForLocation() bool {
	c.ensureStateWatch()
	s, _ := c.state.Last()
	return s == tag.StateConnected
}

// ConnectionState streams CONNECTED/SCANNED/DISCONNECTED, recomputed from
// every snapshot the service pushes. Repeated states are suppressed.
func (c *Connection) ConnectionState(ctx context.Context) <-chan tag.ConnectionState {
	c.ensureStateWatch()
	return c.state.SubscribeWithin(c.scope, ctx)
}

// AutoSyncStates streams the service's auto-sync progress for this tag.
func (c *Connection) AutoSyncStates(ctx context.Context) <-chan tag.AutoSyncState {
	return c.autoSync.SubscribeWithin(c.scope, ctx)
}

func (c *Connection) ensureStateWatch() {
	c.stateOnce.Do(func() {
		go func() {
			err := c.subscribe(c.scope, protocol.TopicDevices, nil, func(ev protocol.Event) {
				var snap protocol.DevicesSnapshot
				if err := json.Unmarshal(ev.Data, &snap); err != nil {
					c.logger.Warn("bad devices snapshot", "error", err)
					return
				}
				c.state.Publish(DeriveState(c.deviceID, snap.Connected, snap.Scanned))
			})
			if err != nil && c.scope.Err() == nil {
				c.logger.Warn("watching device presence failed", "error", err)
			}
		}()
	})
}

func (c *Connection) watchAutoSync() {
	err := c.subscribe(c.scope, protocol.TopicAutoSync, nil, func(ev protocol.Event) {
		var data protocol.AutoSyncData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			c.logger.Warn("bad auto sync event", "error", err)
			return
		}
		state := tag.AutoSyncing()
		if !data.Syncing {
			state = tag.AutoSyncIdle(tag.ParseSyncResult(data.Result))
		}
		c.onAutoSyncState(state)
	})
	if err != nil && c.scope.Err() == nil {
		c.logger.Warn("watching auto sync failed", "error", err)
	}
}

// onAutoSyncState reacts once per transition into NotSyncing(SUCCESS);
// redelivered identical states are dropped by the state broadcaster.
func (c *Connection) onAutoSyncState(s tag.AutoSyncState) {
	if !c.autoSync.Publish(s) {
		return
	}
	if s.Syncing || s.LastResult != tag.SyncSuccess {
		return
	}
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if c.scope.Err() != nil {
		return
	}
	c.refreshWG.Add(1)
	go func() {
		defer c.refreshWG.Done()
		c.refresh(c.scope)
	}()
}

func (c *Connection) refresh(ctx context.Context) {
	if c.cache != nil {
		if level, ok := c.BatteryLevel(ctx); ok && level != tag.BatteryUnknown {
			if err := c.cache.StoreBattery(ctx, c.deviceID, level); err != nil {
				c.logger.Warn("caching battery level failed", "error", err)
			}
		}
	}
	if c.onHistory != nil && ctx.Err() == nil {
		c.onHistory(c.deviceID)
	}
}

func (c *Connection) BatteryLevel(ctx context.Context) (tag.BatteryLevel, bool) {
	r, ok := c.call(ctx, protocol.MethodBatteryLevel, nil)
	if !ok {
		return tag.BatteryUnknown, false
	}
	return tag.ParseBatteryLevel(r.Value), true
}

// StartRinging tries the service first and falls back to a network ring
// unless bluetoothOnly is set.
func (c *Connection) StartRinging(ctx context.Context, bluetoothOnly bool) tag.RingResult {
	if r, ok := c.call(ctx, protocol.MethodStartRinging, nil); ok {
		vol, known := tag.ParseVolumeLevel(r.Value)
		return tag.RingSuccessBluetooth{Volume: vol, VolumeKnown: known}
	}
	if bluetoothOnly || c.api == nil || ctx.Err() != nil {
		return tag.RingFailed{}
	}
	ok, err := c.api.SetRinging(ctx, c.deviceID, true)
	if err != nil {
		c.logger.Warn("network ring failed", "error", err)
		return tag.RingFailed{}
	}
	if !ok {
		return tag.RingFailed{}
	}
	return tag.RingSuccessNetwork{}
}

// StopRinging stops over the service, falling back to the network.
func (c *Connection) StopRinging(ctx context.Context) bool {
	if _, ok := c.call(ctx, protocol.MethodStopRinging, nil); ok {
		return true
	}
	if c.api == nil || ctx.Err() != nil {
		return false
	}
	ok, err := c.api.SetRinging(ctx, c.deviceID, false)
	if err != nil {
		c.logger.Warn("network ring stop failed", "error", err)
	}
	return err == nil && ok
}

// SetSearching flags the tag as being searched for on the backend.
func (c *Connection) SetSearching(ctx context.Context, searching bool) bool {
	if c.api == nil {
		return false
	}
	ok, err := c.api.SetSearching(ctx, c.deviceID, searching)
	if err != nil {
		c.logger.Warn("setting searching failed", "error", err)
	}
	return err == nil && ok
}

func (c *Connection) SetRingVolume(ctx context.Context, v tag.VolumeLevel) bool {
	_, ok := c.call(ctx, protocol.MethodSetRingVolume, map[string]string{protocol.ArgVolume: v.Hex()})
	return ok
}

func (c *Connection) SetButtonConfig(ctx context.Context, pressEnabled, holdEnabled bool) bool {
	_, ok := c.call(ctx, protocol.MethodSetButtonConfig, map[string]string{
		protocol.ArgPress: tag.BoolHex(pressEnabled),
		protocol.ArgHold:  tag.BoolHex(holdEnabled),
	})
	return ok
}

func (c *Connection) ButtonVolume(ctx context.Context) (tag.ButtonVolumeLevel, bool) {
	r, ok := c.call(ctx, protocol.MethodButtonVolume, nil)
	if !ok {
		return tag.ButtonVolumeMute, false
	}
	return tag.ParseButtonVolumeLevel(r.Value)
}

func (c *Connection) SetButtonVolume(ctx context.Context, v tag.ButtonVolumeLevel) bool {
	_, ok := c.call(ctx, protocol.MethodSetButtonVolume, map[string]string{protocol.ArgVolume: v.Hex()})
	return ok
}

func (c *Connection) LostModeURL(ctx context.Context) (string, bool) {
	r, ok := c.call(ctx, protocol.MethodLostModeURL, nil)
	if !ok {
		return "", false
	}
	b, err := hex.DecodeString(r.Value)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (c *Connection) SetLostModeURL(ctx context.Context, url string) bool {
	_, ok := c.call(ctx, protocol.MethodSetLostModeURL, map[string]string{
		protocol.ArgURL: hex.EncodeToString([]byte(url)),
	})
	return ok
}

func (c *Connection) E2EEnabled(ctx context.Context) (bool, bool) {
	r, ok := c.call(ctx, protocol.MethodE2EEnabled, nil)
	if !ok {
		return false, false
	}
	return tag.ParseBoolHex(r.Value)
}

func (c *Connection) SetE2EEnabled(ctx context.Context, enabled bool) bool {
	_, ok := c.call(ctx, protocol.MethodSetE2EEnabled, map[string]string{protocol.ArgEnabled: tag.BoolHex(enabled)})
	return ok
}

func (c *Connection) StartUWBRanging(ctx context.Context, config []byte, peerAddress string) bool {
	_, ok := c.call(ctx, protocol.MethodStartUWB, map[string]string{
		protocol.ArgConfig: hex.EncodeToString(config),
		protocol.ArgPeer:   peerAddress,
	})
	return ok
}

func (c *Connection) StopUWBRanging(ctx context.Context) bool {
	_, ok := c.call(ctx, protocol.MethodStopUWB, nil)
	return ok
}

func (c *Connection) Disconnect(ctx context.Context) bool {
	_, ok := c.call(ctx, protocol.MethodDisconnect, nil)
	return ok
}

// SyncLocation asks the service to sync now. Without a bound service the
// result is FAILED_TO_CONNECT; teardown yields FAILED_DISCONNECTED.
func (c *Connection) SyncLocation(ctx context.Context) tag.SyncResult {
	if c.binder.Current() == nil {
		return tag.SyncFailedToConnect
	}
	r, ok := c.call(ctx, protocol.MethodSyncLocation, nil)
	switch {
	case ok:
		return tag.ParseSyncResult(r.Value)
	case ctx.Err() != nil || c.scope.Err() != nil:
		return tag.SyncFailedDisconnected
	case r.Value != "":
		return tag.ParseSyncResult(r.Value)
	default:
		return tag.SyncFailedToConnect
	}
}

func (c *Connection) SyncLocationAsync(ctx context.Context, cb func(tag.SyncResult)) {
	go func() {
		cb(c.SyncLocation(ctx))
	}()
}

// RSSI streams readings pushed by the service at the given refresh rate.
func (c *Connection) RSSI(ctx context.Context, refresh time.Duration) <-chan int {
	args := map[string]string{protocol.ArgRefreshMs: strconv.FormatInt(refresh.Milliseconds(), 10)}
	return stream(c, ctx, protocol.TopicRSSI, args, func(ev protocol.Event) (int, bool) {
		var data protocol.RSSIData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return 0, false
		}
		return data.RSSI, true
	})
}

// TagStateEvents streams tag state changes. Raw notifications that match no
// known event are dropped.
func (c *Connection) TagStateEvents(ctx context.Context) <-chan tag.TagStateEvent {
	return stream(c, ctx, protocol.TopicTagState, nil, func(ev protocol.Event) (tag.TagStateEvent, bool) {
		var data protocol.TagStateData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return 0, false
		}
		return tag.ParseTagStateEvent(data.Characteristic, data.Value)
	})
}

// Close cancels every call, stream and subscription of this connection.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.refreshMu.Lock()
		c.cancel()
		c.refreshMu.Unlock()
		c.refreshWG.Wait()
		c.state.Close()
		c.autoSync.Close()
	})
}

// call performs one request/response round-trip. It fails fast when no
// service is bound and gives up when ctx or the connection ends.
func (c *Connection) call(ctx context.Context, method string, args map[string]string) (protocol.InvokeResult, bool) {
	svc := c.binder.Current()
	if svc == nil {
		return protocol.InvokeResult{}, false
	}
	ctx, cancel := tag.JoinContext(c.scope, ctx)
	defer cancel()

	result := make(chan protocol.InvokeResult, 1)
	var once sync.Once
	abort, err := svc.Invoke(protocol.InvokeRequest{Method: method, DeviceID: c.deviceID, Args: args}, func(r protocol.InvokeResult) {
		once.Do(func() { result <- r })
	})
	if err != nil {
		c.logger.Debug("invoke rejected", "method", method, "error", err)
		return protocol.InvokeResult{}, false
	}

	select {
	case r := <-result:
		return r, r.OK
	case <-ctx.Done():
		if abort != nil {
			abort()
		}
		return protocol.InvokeResult{}, false
	}
}

// subscribe waits for the service, registers cb, and unregisters when ctx
// ends. Unregistration errors are swallowed: the service may already have
// dropped the subscription.
func (c *Connection) subscribe(ctx context.Context, topic string, args map[string]string, cb func(protocol.Event)) error {
	svc, err := c.binder.Ready(ctx)
	if err != nil {
		return err
	}
	id, err := svc.Subscribe(protocol.SubscribeRequest{Topic: topic, DeviceID: c.deviceID, Args: args}, cb)
	if err != nil {
		return err
	}
	context.AfterFunc(ctx, func() {
		if err := svc.Unsubscribe(id); err != nil {
			c.logger.Debug("unsubscribe failed", "topic", topic, "error", err)
		}
	})
	return nil
}

func stream[T any](c *Connection, ctx context.Context, topic string, args map[string]string, decode func(protocol.Event) (T, bool)) <-chan T {
	ctx, cancel := tag.JoinContext(c.scope, ctx)
	out := make(chan T, 16)

	var mu sync.Mutex
	closed := false
	context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		closed = true
		close(out)
	})

	go func() {
		err := c.subscribe(ctx, topic, args, func(ev protocol.Event) {
			v, ok := decode(ev)
			if !ok {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if closed {
				return
			}
			select {
			case out <- v:
			default:
			}
		})
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("subscription failed", "topic", topic, "error", err)
			}
			cancel()
		}
	}()
	return out
}
