package tag

import (
	"context"
	"time"
)

// GattHandle is the callback-based hardware GATT API. Each call registers a
// callback and returns a release func that unregisters it; release is safe to
// call after the callback fired.
type GattHandle interface {
	WriteCharacteristic(deviceID, serviceID, charID, hexPayload string, cb func(ok bool)) (release func(), err error)

	// ReadCharacteristic reports the characteristic id the hardware echoed
	// back alongside the value, which may differ from charID.
	ReadCharacteristic(deviceID, serviceID, charID string, cb func(echoedCharID, value string, ok bool)) (release func(), err error)

	StartReadRemoteRssi(deviceID string, refresh time.Duration, cb func(rssi int)) (stop func(), err error)

	Disconnect(deviceID string) error
}

// LocationProvider returns the last known location for a device. A nil
// location with a nil error means none is known.
type LocationProvider interface {
	LastLocation(ctx context.Context, deviceID string) (*Location, error)
}

// UserInfo exposes the signed-in user and this host's device identity.
type UserInfo interface {
	DisplayName(ctx context.Context) (string, bool)
	PersistedUserID(ctx context.Context) (string, bool)
	LocalDeviceID() string
}

// NetworkAPI is the cloud backend.
type NetworkAPI interface {
	SendLocation(ctx context.Context, deviceID string, report LocationReport) (bool, error)
	SetRinging(ctx context.Context, deviceID string, ringing bool) (bool, error)
	SetSearching(ctx context.Context, deviceID string, searching bool) (bool, error)
}

// SyncPolicy decides whether the autonomous timer should sync a device.
type SyncPolicy interface {
	AutoSyncRequired(ctx context.Context, deviceID string) bool
}

// BatteryCache stores the last battery level observed per device.
type BatteryCache interface {
	CachedBattery(ctx context.Context, deviceID string) (BatteryLevel, bool)
	StoreBattery(ctx context.Context, deviceID string, level BatteryLevel) error
}

// SyncListener is notified around every sync that acquired the lock.
// SyncStarted is always delivered before the matching SyncFinished.
type SyncListener interface {
	SyncStarted(deviceID string)
	SyncFinished(deviceID string, result SyncResult)
}

// Syncer is the part of the tag contract every implementation supports.
type Syncer interface {
	DeviceID() string
	IsConnectedForLocation() bool
	SyncLocation(ctx context.Context) SyncResult
	SyncLocationAsync(ctx context.Context, cb func(SyncResult))
	Close()
}

// Connection is the full tag contract implemented by local and remote
// connections. Operations never return errors; failures surface as false,
// a false ok flag, or RingFailed.
type Connection interface {
	Syncer

	BatteryLevel(ctx context.Context) (BatteryLevel, bool)
	StartRinging(ctx context.Context, bluetoothOnly bool) RingResult
	StopRinging(ctx context.Context) bool
	SetRingVolume(ctx context.Context, v VolumeLevel) bool
	SetButtonConfig(ctx context.Context, pressEnabled, holdEnabled bool) bool
	ButtonVolume(ctx context.Context) (ButtonVolumeLevel, bool)
	SetButtonVolume(ctx context.Context, v ButtonVolumeLevel) bool
	LostModeURL(ctx context.Context) (string, bool)
	SetLostModeURL(ctx context.Context, url string) bool
	E2EEnabled(ctx context.Context) (bool, bool)
	SetE2EEnabled(ctx context.Context, enabled bool) bool
	StartUWBRanging(ctx context.Context, config []byte, peerAddress string) bool
	StopUWBRanging(ctx context.Context) bool

	// RSSI streams signal strength until ctx ends.
	RSSI(ctx context.Context, refresh time.Duration) <-chan int

	// TagStateEvents streams decoded tag state changes until ctx ends.
	TagStateEvents(ctx context.Context) <-chan TagStateEvent

	Disconnect(ctx context.Context) bool
}
