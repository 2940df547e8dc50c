package tag

import (
	"context"
	"sync"
)

// ScannedConnection serves a tag that is only seen in advertisements. It
// supports location sync alone, using the last cached battery level.
type ScannedConnection struct {
	deviceID  string
	cache     BatteryCache
	engine    *SyncEngine
	closeOnce sync.Once
}

var _ Syncer = (*ScannedConnection)(nil)

func NewScannedConnection(deviceID string, deps Deps, opts Options) *ScannedConnection {
	c := &ScannedConnection{deviceID: deviceID, cache: deps.Cache}
	c.engine = NewSyncEngine(deviceID, c.cachedBattery, c.IsConnectedForLocation, deps, opts)
	return c
}

func (c *ScannedConnection) DeviceID() string { return c.deviceID }

func (c *ScannedConnection) IsConnectedForLocation() bool { return false }

func (c *ScannedConnection) SyncLocation(ctx context.Context) SyncResult {
	return c.engine.Sync(ctx)
}

func (c *ScannedConnection) SyncLocationAsync(ctx context.Context, cb func(SyncResult)) {
	c.engine.SyncAsync(ctx, cb)
}

func (c *ScannedConnection) TriggerAutoSync(ctx context.Context) SyncResult {
	return c.engine.TriggerAutoSync(ctx)
}

func (c *ScannedConnection) Close() {
	c.closeOnce.Do(c.engine.Close)
}

// cachedBattery never fails: a cache miss reads as BatteryUnknown.
func (c *ScannedConnection) cachedBattery(ctx context.Context) (BatteryLevel, bool) {
	if c.cache == nil {
		return BatteryUnknown, true
	}
	level, ok := c.cache.CachedBattery(ctx, c.deviceID)
	if !ok {
		return BatteryUnknown, true
	}
	return level, true
}
