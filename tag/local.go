package tag

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net"
	"sync"
	"time"
)

// LocalConnection talks to a GATT-connected tag directly. It only exists
// while the tag is connected, so it always reports connected for location.
type LocalConnection struct {
	deviceID string
	handle   GattHandle
	io       *CharacteristicIO
	cache    BatteryCache
	engine   *SyncEngine
	events   *Broadcaster[TagStateEvent]
	logger   *slog.Logger

	scope     context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ Connection = (*LocalConnection)(nil)

// NewLocalConnection creates a connection over handle and starts its
// autonomous sync timer.
func NewLocalConnection(deviceID string, handle GattHandle, deps Deps, opts Options) *LocalConnection {
	opts = opts.withDefaults()
	scope, cancel := context.WithCancel(context.Background())
	c := &LocalConnection{
		deviceID: deviceID,
		handle:   handle,
		cache:    deps.Cache,
		events:   NewBroadcaster[TagStateEvent](),
		logger:   opts.Logger.With("component", "local", "device", deviceID),
		scope:    scope,
		cancel:   cancel,
	}
	c.io = NewCharacteristicIO(handle, deviceID, opts.IOTimeout, opts.Clock, c.logger)
	c.engine = NewSyncEngine(deviceID, c.BatteryLevel, c.IsConnectedForLocation, deps, opts)
	return c
}

func (c *LocalConnection) DeviceID() string { return c.deviceID }

func (c *LocalConnection) IsConnectedForLocation() bool { return true }

func (c *LocalConnection) SyncLocation(ctx context.Context) SyncResult {
	return c.engine.Sync(ctx)
}

func (c *LocalConnection) SyncLocationAsync(ctx context.Context, cb func(SyncResult)) {
	c.engine.SyncAsync(ctx, cb)
}

// TriggerAutoSync runs one autonomous sync tick immediately.
func (c *LocalConnection) TriggerAutoSync(ctx context.Context) SyncResult {
	return c.engine.TriggerAutoSync(ctx)
}

// BatteryLevel reads the battery characteristic and refreshes the cache.
func (c *LocalConnection) BatteryLevel(ctx context.Context) (BatteryLevel, bool) {
	v, ok := c.BatteryHex(ctx)
	if !ok {
		return BatteryUnknown, false
	}
	return ParseBatteryLevel(v), true
}

// BatteryHex is BatteryLevel before decoding: the raw one-byte percentage.
func (c *LocalConnection) BatteryHex(ctx context.Context) (string, bool) {
	ctx, cancel := JoinContext(c.scope, ctx)
	defer cancel()

	v, ok := c.io.Read(ctx, CharBattery)
	if !ok {
		return "", false
	}
	if level := ParseBatteryLevel(v); level != BatteryUnknown && c.cache != nil {
		if err := c.cache.StoreBattery(ctx, c.deviceID, level); err != nil {
			c.logger.Warn("caching battery level failed", "error", err)
		}
	}
	return v, true
}

// StartRinging starts the tag's ringer and reads back the ring volume.
// bluetoothOnly has no effect here; this connection has no other transport.
func (c *LocalConnection) StartRinging(ctx context.Context, bluetoothOnly bool) RingResult {
	ctx, cancel := JoinContext(c.scope, ctx)
	defer cancel()

	if !c.io.Write(ctx, CharRing, BoolHex(true)) {
		return RingFailed{}
	}
	res := RingSuccessBluetooth{}
	if v, ok := c.io.Read(ctx, CharRingVolume); ok {
		res.Volume, res.VolumeKnown = ParseVolumeLevel(v)
	}
	return res
}

func (c *LocalConnection) StopRinging(ctx context.Context) bool {
	return c.write(ctx, CharRing, BoolHex(false))
}

func (c *LocalConnection) SetRingVolume(ctx context.Context, v VolumeLevel) bool {
	return c.write(ctx, CharRingVolume, v.Hex())
}

// SetButtonConfig writes the press and hold flags as two one-byte booleans.
func (c *LocalConnection) SetButtonConfig(ctx context.Context, pressEnabled, holdEnabled bool) bool {
	return c.write(ctx, CharButtonConfig, BoolHex(pressEnabled)+BoolHex(holdEnabled))
}

func (c *LocalConnection) ButtonVolume(ctx context.Context) (ButtonVolumeLevel, bool) {
	v, ok := c.read(ctx, CharButtonVolume)
	if !ok {
		return ButtonVolumeMute, false
	}
	return ParseButtonVolumeLevel(v)
}

func (c *LocalConnection) SetButtonVolume(ctx context.Context, v ButtonVolumeLevel) bool {
	return c.write(ctx, CharButtonVolume, v.Hex())
}

// LostModeURL reads the URL shown to finders of a lost tag.
func (c *LocalConnection) LostModeURL(ctx context.Context) (string, bool) {
	v, ok := c.read(ctx, CharLostModeURL)
	if !ok {
		return "", false
	}
	b, err := hex.DecodeString(v)
	if err != nil {
		c.logger.Debug("lost mode url is not hex", "error", err)
		return "", false
	}
	return string(b), true
}

func (c *LocalConnection) SetLostModeURL(ctx context.Context, url string) bool {
	return c.write(ctx, CharLostModeURL, hex.EncodeToString([]byte(url)))
}

func (c *LocalConnection) E2EEnabled(ctx context.Context) (bool, bool) {
	v, ok := c.read(ctx, CharE2EEncryption)
	if !ok {
		return false, false
	}
	return ParseBoolHex(v)
}

func (c *LocalConnection) SetE2EEnabled(ctx context.Context, enabled bool) bool {
	return c.write(ctx, CharE2EEncryption, BoolHex(enabled))
}

// StartUWBRanging writes "01", the 6-byte peer address and the opaque
// ranging config.
func (c *LocalConnection) StartUWBRanging(ctx context.Context, config []byte, peerAddress string) bool {
	mac, err := net.ParseMAC(peerAddress)
	if err != nil || len(mac) != 6 {
		c.logger.Debug("invalid uwb peer address", "address", peerAddress)
		return false
	}
	payload := BoolHex(true) + hex.EncodeToString(mac) + hex.EncodeToString(config)
	return c.write(ctx, CharUWBRanging, payload)
}

func (c *LocalConnection) StopUWBRanging(ctx context.Context) bool {
	return c.write(ctx, CharUWBRanging, BoolHex(false))
}

// RSSI streams remote RSSI readings until ctx ends or the connection closes.
func (c *LocalConnection) RSSI(ctx context.Context, refresh time.Duration) <-chan int {
	ctx, cancel := JoinContext(c.scope, ctx)
	out := make(chan int, subscriberBuffer)

	var mu sync.Mutex
	closed := false
	stop, err := c.handle.StartReadRemoteRssi(c.deviceID, refresh, func(rssi int) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- rssi:
		default:
		}
	})
	if err != nil {
		c.logger.Debug("starting rssi reads failed", "error", err)
		cancel()
		close(out)
		return out
	}

	context.AfterFunc(ctx, func() {
		if stop != nil {
			stop()
		}
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	})
	return out
}

// TagStateEvents streams events delivered through CharacteristicChanged.
func (c *LocalConnection) TagStateEvents(ctx context.Context) <-chan TagStateEvent {
	return c.events.SubscribeWithin(c.scope, ctx)
}

// CharacteristicChanged feeds a raw notification from the hardware layer.
// Payloads that do not match a known event are dropped.
func (c *LocalConnection) CharacteristicChanged(charID, payload string) {
	ev, ok := ParseTagStateEvent(charID, payload)
	if !ok {
		c.logger.Debug("ignoring unknown tag state", "characteristic", charID, "payload", payload)
		return
	}
	c.events.Publish(ev)
}

func (c *LocalConnection) Disconnect(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("disconnect panicked", "panic", r)
			ok = false
		}
	}()
	if err := c.handle.Disconnect(c.deviceID); err != nil {
		c.logger.Warn("disconnect failed", "error", err)
		return false
	}
	return true
}

// Close stops the sync timer and ends every stream this connection started.
func (c *LocalConnection) Close() {
	c.closeOnce.Do(func() {
		c.engine.Close()
		c.cancel()
		c.events.Close()
	})
}

func (c *LocalConnection) read(ctx context.Context, charID string) (string, bool) {
	ctx, cancel := JoinContext(c.scope, ctx)
	defer cancel()
	return c.io.Read(ctx, charID)
}

func (c *LocalConnection) write(ctx context.Context, charID, payload string) bool {
	ctx, cancel := JoinContext(c.scope, ctx)
	defer cancel()
	return c.io.Write(ctx, charID, payload)
}
