package tag

import (
	"encoding/hex"
	"fmt"
	"time"
)

// SyncResult is the terminal outcome of one location sync attempt.
type SyncResult int

const (
	SyncSuccess SyncResult = iota
	SyncFailedToConnect
	SyncFailedToGetLocation
	SyncFailedToSend
	SyncFailedAlreadySyncing
	SyncFailedDisconnected
	SyncFailedAutoSyncNotRequired
	SyncFailedOther
)

var syncResultNames = map[SyncResult]string{
	SyncSuccess:                   "SUCCESS",
	SyncFailedToConnect:           "FAILED_TO_CONNECT",
	SyncFailedToGetLocation:       "FAILED_TO_GET_LOCATION",
	SyncFailedToSend:              "FAILED_TO_SEND",
	SyncFailedAlreadySyncing:      "FAILED_ALREADY_SYNCING",
	SyncFailedDisconnected:        "FAILED_DISCONNECTED",
	SyncFailedAutoSyncNotRequired: "FAILED_AUTO_SYNC_NOT_REQUIRED",
	SyncFailedOther:               "FAILED_OTHER",
}

func (r SyncResult) String() string {
	if name, ok := syncResultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("SyncResult(%d)", int(r))
}

// ParseSyncResult maps a wire name back to a SyncResult. Unknown names map to
// SyncFailedOther.
func ParseSyncResult(name string) SyncResult {
	for r, n := range syncResultNames {
		if n == name {
			return r
		}
	}
	return SyncFailedOther
}

// BatteryLevel is the coarse battery state reported by a tag.
type BatteryLevel int

const (
	BatteryUnknown BatteryLevel = iota
	BatteryVeryLow
	BatteryLow
	BatteryMedium
	BatteryFull
)

func (b BatteryLevel) String() string {
	switch b {
	case BatteryVeryLow:
		return "VERY_LOW"
	case BatteryLow:
		return "LOW"
	case BatteryMedium:
		return "MEDIUM"
	case BatteryFull:
		return "FULL"
	default:
		return "UNKNOWN"
	}
}

// ParseBatteryLevelName is the inverse of BatteryLevel.String.
func ParseBatteryLevelName(name string) BatteryLevel {
	for _, b := range []BatteryLevel{BatteryVeryLow, BatteryLow, BatteryMedium, BatteryFull} {
		if b.String() == name {
			return b
		}
	}
	return BatteryUnknown
}

// ParseBatteryLevel decodes the single-byte battery percentage characteristic.
// Anything that is not exactly one byte in 0..100 is BatteryUnknown.
func ParseBatteryLevel(payload string) BatteryLevel {
	b, err := hex.DecodeString(payload)
	if err != nil || len(b) != 1 {
		return BatteryUnknown
	}
	return batteryFromPercent(int(b[0]))
}

func batteryFromPercent(p int) BatteryLevel {
	switch {
	case p < 0 || p > 100:
		return BatteryUnknown
	case p >= 70:
		return BatteryFull
	case p >= 40:
		return BatteryMedium
	case p >= 15:
		return BatteryLow
	default:
		return BatteryVeryLow
	}
}

// VolumeLevel is the ring volume of a tag.
type VolumeLevel int

const (
	VolumeMute VolumeLevel = iota
	VolumeLow
	VolumeHigh
)

func (v VolumeLevel) String() string {
	switch v {
	case VolumeMute:
		return "MUTE"
	case VolumeLow:
		return "LOW"
	case VolumeHigh:
		return "HIGH"
	}
	return fmt.Sprintf("VolumeLevel(%d)", int(v))
}

// Hex returns the one-byte characteristic encoding.
func (v VolumeLevel) Hex() string { return fmt.Sprintf("%02x", int(v)) }

// ParseVolumeLevel decodes "00", "01" or "02".
func ParseVolumeLevel(payload string) (VolumeLevel, bool) {
	n, ok := parseLevelByte(payload)
	return VolumeLevel(n), ok
}

// ButtonVolumeLevel is the volume of the click feedback sound.
type ButtonVolumeLevel int

const (
	ButtonVolumeMute ButtonVolumeLevel = iota
	ButtonVolumeLow
	ButtonVolumeHigh
)

func (v ButtonVolumeLevel) String() string {
	return VolumeLevel(v).String()
}

func (v ButtonVolumeLevel) Hex() string { return fmt.Sprintf("%02x", int(v)) }

func ParseButtonVolumeLevel(payload string) (ButtonVolumeLevel, bool) {
	n, ok := parseLevelByte(payload)
	return ButtonVolumeLevel(n), ok
}

func parseLevelByte(payload string) (int, bool) {
	switch payload {
	case "00":
		return 0, true
	case "01":
		return 1, true
	case "02":
		return 2, true
	}
	return 0, false
}

// BoolHex encodes a one-byte boolean flag.
func BoolHex(v bool) string {
	if v {
		return "01"
	}
	return "00"
}

// ParseBoolHex decodes a one-byte boolean flag.
func ParseBoolHex(payload string) (bool, bool) {
	switch payload {
	case "00":
		return false, true
	case "01":
		return true, true
	}
	return false, false
}

// TagStateEvent is an asynchronous state change pushed by a tag.
type TagStateEvent int

const (
	EventButtonClick TagStateEvent = iota + 1
	EventButtonLongClick
	EventButtonDoubleClick
	EventRingStarted
	EventRingStopped
)

func (e TagStateEvent) String() string {
	switch e {
	case EventButtonClick:
		return "BUTTON_CLICK"
	case EventButtonLongClick:
		return "BUTTON_LONG_CLICK"
	case EventButtonDoubleClick:
		return "BUTTON_DOUBLE_CLICK"
	case EventRingStarted:
		return "RING_STARTED"
	case EventRingStopped:
		return "RING_STOPPED"
	}
	return fmt.Sprintf("TagStateEvent(%d)", int(e))
}

// ConnectionState is the presence of a device as seen by the tag service.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateScanned
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateScanned:
		return "SCANNED"
	case StateConnected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// AutoSyncState is Syncing, or NotSyncing carrying the last result.
type AutoSyncState struct {
	Syncing    bool
	LastResult SyncResult
}

func AutoSyncing() AutoSyncState { return AutoSyncState{Syncing: true} }

func AutoSyncIdle(last SyncResult) AutoSyncState {
	return AutoSyncState{LastResult: last}
}

func (s AutoSyncState) String() string {
	if s.Syncing {
		return "Syncing"
	}
	return "NotSyncing(" + s.LastResult.String() + ")"
}

// RingResult reports which transport satisfied a ring request. It is one of
// RingSuccessBluetooth, RingSuccessNetwork or RingFailed.
type RingResult interface {
	isRingResult()
}

// RingSuccessBluetooth means the tag itself is ringing. Volume is the level
// read back after ringing started; VolumeKnown is false when it could not be
// read.
type RingSuccessBluetooth struct {
	Volume      VolumeLevel
	VolumeKnown bool
}

// RingSuccessNetwork means the ring was requested through the backend.
type RingSuccessNetwork struct{}

type RingFailed struct{}

func (RingSuccessBluetooth) isRingResult() {}
func (RingSuccessNetwork) isRingResult()   {}
func (RingFailed) isRingResult()           {}

// Location is a geolocation fix for a device.
type Location struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Time      time.Time
	Method    string
}

// D2DStatus classifies how close the reporting device is to the tag.
type D2DStatus string

const (
	D2DGattConnected D2DStatus = "GATT_CONNECTED"
	D2DBLEScanned    D2DStatus = "BLE_SCANNED"
)

// LocationReport is what a sync submits to the network API.
type LocationReport struct {
	ID              string      `json:"id"`
	DeviceID        string      `json:"deviceId"`
	ConnectedDevice DeviceRef   `json:"connectedDevice"`
	ConnectedUser   UserRef     `json:"connectedUser"`
	Geolocation     Geolocation `json:"geolocation"`
	OnDemand        bool        `json:"onDemand"`
}

type DeviceRef struct {
	ID string `json:"id"`
}

type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Geolocation struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	Battery   string    `json:"battery"`
	D2DStatus D2DStatus `json:"d2dStatus"`
}
