// Package bluez drives tags through BlueZ over the system D-Bus: GATT
// reads, writes and notifications, RSSI polling, and presence scanning.
package bluez

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/dotside-studios/tagsync-agent/tag"
)

// DefaultAdapter is used when Config.Adapter is empty.
const DefaultAdapter = "hci0"

// ErrCharacteristicNotFound is returned when a device does not expose a
// characteristic, usually because its services are not resolved yet.
var ErrCharacteristicNotFound = errors.New("characteristic not found")

// Config configures a Handle.
type Config struct {
	Adapter string
	Logger  *slog.Logger
}

type notifyTarget struct {
	deviceID string
	charID   string
}

// Handle implements tag.GattHandle over BlueZ. Every call runs on its own
// goroutine and reports through the registered callback unless released
// first.
type Handle struct {
	conn    *dbus.Conn
	adapter string
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	chars    map[string]map[string]dbus.ObjectPath // device -> uuid -> path
	notify   map[dbus.ObjectPath]notifyTarget
	onChange func(deviceID, charID, value string)
	signals  chan *dbus.Signal
}

var _ tag.GattHandle = (*Handle)(nil)

// Open connects to the system bus and checks that the adapter exists.
func Open(cfg Config) (*Handle, error) {
	adapter := cfg.Adapter
	if adapter == "" {
		adapter = DefaultAdapter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	if _, err := conn.Object(bluezBus, adapterPath(adapter)).GetProperty(bluezAdapter1 + ".Powered"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bluetooth adapter %s unavailable: %w", adapter, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		conn:    conn,
		adapter: adapter,
		logger:  logger.With("component", "bluez", "adapter", adapter),
		ctx:     ctx,
		cancel:  cancel,
		chars:   make(map[string]map[string]dbus.ObjectPath),
		notify:  make(map[dbus.ObjectPath]notifyTarget),
		signals: make(chan *dbus.Signal, 64),
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusProperties),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(adapterPath(adapter)),
	); err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("add signal match: %w", err)
	}
	conn.Signal(h.signals)

	h.wg.Add(1)
	go h.dispatchSignals()
	return h, nil
}

// OnCharacteristicChanged sets the receiver of notification values.
func (h *Handle) OnCharacteristicChanged(fn func(deviceID, charID, value string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = fn
}

// Adapter returns the adapter name, e.g. hci0.
func (h *Handle) Adapter() string { return h.adapter }

func (h *Handle) WriteCharacteristic(deviceID, serviceID, charID, hexPayload string, cb func(ok bool)) (func(), error) {
	data, err := hex.DecodeString(hexPayload)
	if err != nil {
		return nil, fmt.Errorf("payload for %s: %w", charID, err)
	}
	return h.async(func(released *atomic.Bool) {
		path, err := h.charPath(deviceID, charID)
		if err == nil {
			call := h.conn.Object(bluezBus, path).CallWithContext(h.ctx, bluezGattChar+".WriteValue", 0, data, map[string]dbus.Variant{
				"type": dbus.MakeVariant("request"),
			})
			err = call.Err
		}
		if err != nil {
			h.logger.Debug("gatt write failed", "device", deviceID, "characteristic", charID, "error", err)
		}
		if !released.Load() {
			cb(err == nil)
		}
	}), nil
}

func (h *Handle) ReadCharacteristic(deviceID, serviceID, charID string, cb func(echoedCharID, value string, ok bool)) (func(), error) {
	return h.async(func(released *atomic.Bool) {
		var data []byte
		path, err := h.charPath(deviceID, charID)
		if err == nil {
			call := h.conn.Object(bluezBus, path).CallWithContext(h.ctx, bluezGattChar+".ReadValue", 0, map[string]dbus.Variant{})
			err = call.Err
			if err == nil {
				err = call.Store(&data)
			}
		}
		if err != nil {
			h.logger.Debug("gatt read failed", "device", deviceID, "characteristic", charID, "error", err)
		}
		if !released.Load() {
			cb(charID, hex.EncodeToString(data), err == nil)
		}
	}), nil
}

// StartReadRemoteRssi polls the device's RSSI property. BlueZ only updates
// it while discovery is running, so the scanner keeps discovery on.
func (h *Handle) StartReadRemoteRssi(deviceID string, refresh time.Duration, cb func(rssi int)) (func(), error) {
	if refresh <= 0 {
		return nil, fmt.Errorf("invalid rssi refresh %s", refresh)
	}
	path := devicePath(h.adapter, deviceID)
	stop := make(chan struct{})

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-h.ctx.Done():
				return
			case <-ticker.C:
			}
			v, err := h.conn.Object(bluezBus, path).GetProperty(bluezDevice1 + ".RSSI")
			if err != nil {
				continue
			}
			if rssi, ok := v.Value().(int16); ok {
				cb(int(rssi))
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }, nil
}

func (h *Handle) Disconnect(deviceID string) error {
	h.forget(deviceID)
	call := h.conn.Object(bluezBus, devicePath(h.adapter, deviceID)).CallWithContext(h.ctx, bluezDevice1+".Disconnect", 0)
	if call.Err != nil {
		return fmt.Errorf("disconnect %s: %w", deviceID, call.Err)
	}
	return nil
}

// StartNotify enables notifications on charIDs. Values arrive through the
// OnCharacteristicChanged callback until stop is called.
func (h *Handle) StartNotify(deviceID string, charIDs []string) (func(), error) {
	var started []dbus.ObjectPath
	var errs []error
	for _, charID := range charIDs {
		path, err := h.charPath(deviceID, charID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if call := h.conn.Object(bluezBus, path).Call(bluezGattChar+".StartNotify", 0); call.Err != nil {
			errs = append(errs, fmt.Errorf("start notify %s: %w", charID, call.Err))
			continue
		}
		h.mu.Lock()
		h.notify[path] = notifyTarget{deviceID: deviceID, charID: charID}
		h.mu.Unlock()
		started = append(started, path)
	}
	if len(started) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		h.logger.Warn("notification unavailable", "device", deviceID, "error", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, path := range started {
				h.mu.Lock()
				delete(h.notify, path)
				h.mu.Unlock()
				h.conn.Object(bluezBus, path).Call(bluezGattChar+".StopNotify", 0)
			}
		})
	}, nil
}

func (h *Handle) managedObjects(ctx context.Context) (managedObjects, error) {
	var objects managedObjects
	call := h.conn.Object(bluezBus, "/").CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("parse managed objects: %w", err)
	}
	return objects, nil
}

// Close stops every poller and releases the bus connection.
func (h *Handle) Close() error {
	h.cancel()
	h.conn.RemoveSignal(h.signals)
	h.wg.Wait()
	return h.conn.Close()
}

func (h *Handle) charPath(deviceID, charID string) (dbus.ObjectPath, error) {
	uuid := strings.ToLower(charID)
	h.mu.Lock()
	path, ok := h.chars[deviceID][uuid]
	h.mu.Unlock()
	if ok {
		return path, nil
	}

	objects, err := h.managedObjects(h.ctx)
	if err != nil {
		return "", err
	}
	paths := characteristicPaths(objects, devicePath(h.adapter, deviceID))
	if len(paths) > 0 {
		h.mu.Lock()
		h.chars[deviceID] = paths
		h.mu.Unlock()
	}

	if path, ok = paths[uuid]; !ok {
		return "", fmt.Errorf("%s on %s: %w", charID, deviceID, ErrCharacteristicNotFound)
	}
	return path, nil
}

func (h *Handle) forget(deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.chars, deviceID)
}

func (h *Handle) async(fn func(released *atomic.Bool)) func() {
	released := new(atomic.Bool)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn(released)
	}()
	return func() { released.Store(true) }
}

func (h *Handle) dispatchSignals() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case sig, ok := <-h.signals:
			if !ok {
				return
			}
			path, value, ok := valueChange(sig)
			if !ok {
				continue
			}
			h.mu.Lock()
			target, known := h.notify[path]
			fn := h.onChange
			h.mu.Unlock()
			if known && fn != nil {
				fn(target.deviceID, target.charID, value)
			}
		}
	}
}
