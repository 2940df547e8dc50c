// Package provider implements the sync engine's collaborators from local
// configuration and the cache: where the host is, who is signed in and
// whether the timer may sync a device.
package provider

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotside-studios/tagsync-agent/protocol"
	"github.com/dotside-studios/tagsync-agent/tag"
)

// Location prefers fixes recorded in Store and falls back to Static.
type Location struct {
	Store tag.LocationProvider

	// Static is the configured host location, reported as current.
	Static *tag.Location

	// MaxAge discards stored fixes older than this. Zero keeps all.
	MaxAge time.Duration

	Clock tag.Clock
}

var _ tag.LocationProvider = (*Location)(nil)

func (l *Location) LastLocation(ctx context.Context, deviceID string) (*tag.Location, error) {
	now := l.now()
	if l.Store != nil {
		loc, err := l.Store.LastLocation(ctx, deviceID)
		if err != nil {
			return nil, fmt.Errorf("stored location: %w", err)
		}
		if loc != nil && (l.MaxAge <= 0 || now.Sub(loc.Time) <= l.MaxAge) {
			return loc, nil
		}
	}
	if l.Static == nil {
		return nil, nil
	}
	loc := *l.Static
	loc.Time = now
	if loc.Method == "" {
		loc.Method = "static"
	}
	return &loc, nil
}

func (l *Location) now() time.Time {
	if l.Clock == nil {
		return time.Now()
	}
	return l.Clock.Now()
}

// User is the configured identity of this host.
type User struct {
	Name string
	ID   string

	deviceOnce sync.Once
	deviceID   string
}

var _ tag.UserInfo = (*User)(nil)

// NewUser returns a User. An empty deviceID is derived from the hostname.
func NewUser(name, id, deviceID string) *User {
	return &User{Name: name, ID: id, deviceID: deviceID}
}

func (u *User) DisplayName(context.Context) (string, bool) {
	return u.Name, u.Name != ""
}

func (u *User) PersistedUserID(context.Context) (string, bool) {
	return u.ID, u.ID != ""
}

// LocalDeviceID is stable across restarts of the same host.
func (u *User) LocalDeviceID() string {
	u.deviceOnce.Do(func() {
		if u.deviceID != "" {
			return
		}
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		u.deviceID = HostDeviceID(host)
	})
	return u.deviceID
}

// HostDeviceID derives a name-based UUID for host.
func HostDeviceID(host string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(strings.ToLower(host)+".tagsync")).String()
}

// Policy gates the autonomous timer. Devices in the disabled set never
// auto-sync; the rest follow the global switch.
type Policy struct {
	mu       sync.RWMutex
	enabled  bool
	disabled map[string]bool
}

var _ tag.SyncPolicy = (*Policy)(nil)

// NewPolicy returns a policy. Device ids are normalized; ids that are not
// addresses are kept as given.
func NewPolicy(enabled bool, disabledDevices []string) *Policy {
	p := &Policy{enabled: enabled, disabled: make(map[string]bool, len(disabledDevices))}
	for _, id := range disabledDevices {
		p.disabled[normalize(id)] = true
	}
	return p
}

func (p *Policy) AutoSyncRequired(_ context.Context, deviceID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled && !p.disabled[normalize(deviceID)]
}

// SetEnabled flips the global switch.
func (p *Policy) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

// SetDevice enables or disables auto-sync for one device.
func (p *Policy) SetDevice(deviceID string, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if enabled {
		delete(p.disabled, normalize(deviceID))
	} else {
		p.disabled[normalize(deviceID)] = true
	}
}

func normalize(id string) string {
	if n, err := protocol.NormalizeAddress(id); err == nil {
		return n
	}
	return id
}
