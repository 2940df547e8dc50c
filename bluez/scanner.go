package bluez

import (
	"context"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/dotside-studios/tagsync-agent/tag"
)

// Scanner reports tag presence from BlueZ's object tree. It keeps LE
// discovery running, filtered to the tag service, so advertising tags stay
// visible and their RSSI stays fresh.
type Scanner struct {
	handle      *Handle
	autoConnect bool

	mu         sync.Mutex
	discovery  bool
	connecting map[string]bool
}

// NewScanner creates a scanner on h. With autoConnect, paired tags that are
// only advertising get a connection attempt on every scan.
func NewScanner(h *Handle, autoConnect bool) *Scanner {
	return &Scanner{handle: h, autoConnect: autoConnect, connecting: make(map[string]bool)}
}

// Scan implements the registry's presence source.
func (s *Scanner) Scan(ctx context.Context) (connected, scanned []string, err error) {
	s.ensureDiscovery(ctx)

	objects, err := s.handle.managedObjects(ctx)
	if err != nil {
		return nil, nil, err
	}
	p := classify(objects, s.handle.adapter, tag.ServiceUUID)

	for _, id := range p.Scanned {
		s.handle.forget(id)
	}
	if s.autoConnect {
		for _, id := range p.Paired {
			s.connect(id)
		}
	}
	return p.Connected, p.Scanned, nil
}

// Stop ends discovery if this scanner started it.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.discovery {
		return
	}
	s.discovery = false
	adapter := s.handle.conn.Object(bluezBus, adapterPath(s.handle.adapter))
	if call := adapter.Call(bluezAdapter1+".StopDiscovery", 0); call.Err != nil {
		s.handle.logger.Debug("stop discovery failed", "error", call.Err)
	}
}

func (s *Scanner) ensureDiscovery(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discovery {
		return
	}

	adapter := s.handle.conn.Object(bluezBus, adapterPath(s.handle.adapter))
	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"UUIDs":         dbus.MakeVariant([]string{tag.ServiceUUID}),
		"DuplicateData": dbus.MakeVariant(false),
	}
	if call := adapter.CallWithContext(ctx, bluezAdapter1+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		s.handle.logger.Warn("set discovery filter failed", "error", call.Err)
	}
	call := adapter.CallWithContext(ctx, bluezAdapter1+".StartDiscovery", 0)
	if call.Err != nil && !strings.Contains(call.Err.Error(), "InProgress") {
		s.handle.logger.Warn("start discovery failed", "error", call.Err)
		return
	}
	s.discovery = true
	s.handle.logger.Info("le discovery started")
}

func (s *Scanner) connect(deviceID string) {
	s.mu.Lock()
	if s.connecting[deviceID] {
		s.mu.Unlock()
		return
	}
	s.connecting[deviceID] = true
	s.mu.Unlock()

	h := s.handle
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.connecting, deviceID)
			s.mu.Unlock()
		}()
		call := h.conn.Object(bluezBus, devicePath(h.adapter, deviceID)).CallWithContext(h.ctx, bluezDevice1+".Connect", 0)
		if call.Err != nil {
			h.logger.Debug("auto connect failed", "device", deviceID, "error", call.Err)
			return
		}
		h.logger.Info("tag connected", "device", deviceID)
	}()
}
