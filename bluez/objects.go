package bluez

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"
)

// BlueZ D-Bus names.
const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	bluezGattChar     = "org.bluez.GattCharacteristic1"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
	dbusProperties    = "org.freedesktop.DBus.Properties"
	propertiesChanged = dbusProperties + ".PropertiesChanged"
)

// managedObjects is the GetManagedObjects reply.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

func adapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// devicePath converts "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func devicePath(adapter, address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", adapterPath(adapter), strings.ReplaceAll(address, ":", "_")))
}

// characteristicPaths maps characteristic UUIDs under a device to their
// object paths.
func characteristicPaths(objects managedObjects, device dbus.ObjectPath) map[string]dbus.ObjectPath {
	prefix := string(device) + "/"
	out := make(map[string]dbus.ObjectPath)
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattChar]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if uuid, ok := variant[string](props, "UUID"); ok {
			out[strings.ToLower(uuid)] = path
		}
	}
	return out
}

// Presence is the tag population seen under one adapter.
type Presence struct {
	Connected []string
	Scanned   []string
	Paired    []string // Scanned tags BlueZ knows as paired
}

// classify sorts the adapter's devices that expose serviceUUID into GATT
// connected and advertising-only. A device counts as advertising while
// BlueZ reports an RSSI for it.
func classify(objects managedObjects, adapter, serviceUUID string) Presence {
	var p Presence
	prefix := string(adapterPath(adapter)) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice1]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if !advertises(props, serviceUUID) {
			continue
		}
		address, ok := variant[string](props, "Address")
		if !ok {
			continue
		}

		connected, _ := variant[bool](props, "Connected")
		resolved, _ := variant[bool](props, "ServicesResolved")
		_, inRange := variant[int16](props, "RSSI")
		switch {
		case connected && resolved:
			p.Connected = append(p.Connected, address)
		case inRange:
			p.Scanned = append(p.Scanned, address)
			if paired, _ := variant[bool](props, "Paired"); paired {
				p.Paired = append(p.Paired, address)
			}
		}
	}
	slices.Sort(p.Connected)
	slices.Sort(p.Scanned)
	slices.Sort(p.Paired)
	return p
}

func advertises(props map[string]dbus.Variant, serviceUUID string) bool {
	if uuids, ok := variant[[]string](props, "UUIDs"); ok {
		for _, u := range uuids {
			if strings.EqualFold(u, serviceUUID) {
				return true
			}
		}
	}
	if data, ok := variant[map[string]dbus.Variant](props, "ServiceData"); ok {
		for u := range data {
			if strings.EqualFold(u, serviceUUID) {
				return true
			}
		}
	}
	return false
}

// valueChange extracts a characteristic notification from a
// PropertiesChanged signal.
func valueChange(sig *dbus.Signal) (path dbus.ObjectPath, value string, ok bool) {
	if sig == nil || sig.Name != propertiesChanged || len(sig.Body) < 2 {
		return "", "", false
	}
	if iface, _ := sig.Body[0].(string); iface != bluezGattChar {
		return "", "", false
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	raw, ok := variant[[]byte](changed, "Value")
	if !ok {
		return "", "", false
	}
	return sig.Path, hex.EncodeToString(raw), true
}

func variant[T any](props map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	v, ok := props[key]
	if !ok {
		return zero, false
	}
	val, ok := v.Value().(T)
	return val, ok
}
