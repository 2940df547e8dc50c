// Package config loads and validates the tagsync-agent YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dotside-studios/tagsync-agent/buildinfo"
	"github.com/dotside-studios/tagsync-agent/tag"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Environment overrides for secrets that should not live in the file.
const (
	EnvAPISecret    = "TAGSYNC_API_SECRET"
	EnvBackendToken = "TAGSYNC_BACKEND_TOKEN"
)

// Config holds the full agent configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Service   ServiceConfig   `yaml:"service"`
	Remote    RemoteConfig    `yaml:"remote"`
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	Sync      SyncConfig      `yaml:"sync"`
	Backend   BackendConfig   `yaml:"backend"`
	User      UserConfig      `yaml:"user"`

	// Location is the static host location used when no fix was recorded.
	// Omit the block to report only recorded fixes.
	Location *LocationConfig `yaml:"location,omitempty"`

	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// ServiceConfig configures the background service started by "serve".
type ServiceConfig struct {
	Listen string `yaml:"listen"`
	MDNS   bool   `yaml:"mdns"`

	// APISecret guards the HTTP API and the IPC endpoint. Clients use the
	// same value.
	APISecret string `yaml:"api_secret"`
}

// RemoteConfig tells client commands where the service runs. An empty URL
// browses mDNS for up to DiscoveryTimeout.
type RemoteConfig struct {
	URL              string        `yaml:"url"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
}

type BluetoothConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Adapter      string        `yaml:"adapter"`
	ScanInterval time.Duration `yaml:"scan_interval"`
	RSSIInterval time.Duration `yaml:"rssi_interval"`

	// AutoConnect connects paired tags as soon as they advertise.
	AutoConnect bool `yaml:"auto_connect"`
}

type SyncConfig struct {
	// Schedule is a cron expression, a descriptor such as "@every 15m", or
	// a bare duration.
	Schedule          string        `yaml:"schedule"`
	AutoSync          bool          `yaml:"auto_sync"`
	DisabledDevices   []string      `yaml:"disabled_devices"`
	BatteryRetryDelay time.Duration `yaml:"battery_retry_delay"`
	IOTimeout         time.Duration `yaml:"io_timeout"`
	HistoryRetention  time.Duration `yaml:"history_retention"`
}

// BackendConfig configures the cloud API. An empty BaseURL runs without a
// backend; syncs then fail to send.
type BackendConfig struct {
	BaseURL         string        `yaml:"base_url"`
	Token           string        `yaml:"token"`
	Timeout         time.Duration `yaml:"timeout"`
	RatePerSecond   float64       `yaml:"rate_per_second"`
	Burst           int           `yaml:"burst"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	MaxAttempts     int           `yaml:"max_attempts"`
}

type UserConfig struct {
	DisplayName string `yaml:"display_name"`
	UserID      string `yaml:"user_id"`
	DeviceID    string `yaml:"device_id"`
}

type LocationConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Accuracy  float64 `yaml:"accuracy"`
	Method    string  `yaml:"method"`

	// MaxAge ignores recorded fixes older than this in favour of the static
	// location. Zero keeps recorded fixes forever.
	MaxAge time.Duration `yaml:"max_age"`
}

type CacheConfig struct {
	Path string `yaml:"path"`
}

// TelemetryConfig selects an OpenTelemetry exporter: "none", "stdout" or
// "otlp".
type TelemetryConfig struct {
	Exporter     string            `yaml:"exporter"`
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	ServiceName  string            `yaml:"service_name"`
	Headers      map[string]string `yaml:"headers,omitempty"`
}

// Default returns the configuration used for every key the file omits.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Service: ServiceConfig{
			Listen: "127.0.0.1:18650",
			MDNS:   true,
		},
		Remote: RemoteConfig{DiscoveryTimeout: 5 * time.Second},
		Bluetooth: BluetoothConfig{
			Enabled:      true,
			ScanInterval: 5 * time.Second,
			RSSIInterval: time.Second,
		},
		Sync: SyncConfig{
			Schedule:          tag.DefaultSyncSchedule,
			AutoSync:          true,
			BatteryRetryDelay: tag.DefaultBatteryRetryDelay,
			IOTimeout:         tag.DefaultIOTimeout,
			HistoryRetention:  30 * 24 * time.Hour,
		},
		Backend: BackendConfig{
			Timeout:         15 * time.Second,
			RatePerSecond:   5,
			Burst:           5,
			BreakerFailures: 5,
			MaxAttempts:     3,
		},
		Cache:     CacheConfig{Path: defaultCachePath()},
		Telemetry: TelemetryConfig{Exporter: "none", ServiceName: buildinfo.Name},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/tagsync-agent/config.yaml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving config directory: %w", err)
	}
	return filepath.Join(dir, buildinfo.DirName, "config.yaml"), nil
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), buildinfo.DirName, "cache.db")
	}
	return filepath.Join(dir, buildinfo.DirName, "cache.db")
}

// Load reads and validates the file at path. With an empty path the default
// location is used, and a missing default file yields the defaults.
func Load(path string) (*Config, error) {
	optional := path == ""
	if optional {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		return Parse(f, path)
	case optional && errors.Is(err, os.ErrNotExist):
		cfg := Default()
		cfg.applyEnv()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return &cfg, nil
	default:
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
}

// Parse decodes YAML from r on top of the defaults. name labels errors.
func Parse(r io.Reader, name string) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file %q: %w", name, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPISecret); v != "" {
		c.Service.APISecret = v
	}
	if v := os.Getenv(EnvBackendToken); v != "" {
		c.Backend.Token = v
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		add("log.level %q must be debug, info, warn or error", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("log.format %q must be text or json", c.Log.Format)
	}

	if _, _, err := net.SplitHostPort(c.Service.Listen); err != nil {
		add("service.listen %q: %v", c.Service.Listen, err)
	}

	if c.Remote.URL != "" {
		if u, err := url.Parse(c.Remote.URL); err != nil || !slices.Contains([]string{"http", "https", "ws", "wss"}, u.Scheme) {
			add("remote.url %q must be an http(s) or ws(s) URL", c.Remote.URL)
		}
	}
	if c.Remote.DiscoveryTimeout <= 0 {
		add("remote.discovery_timeout must be positive")
	}

	if c.Bluetooth.ScanInterval < 500*time.Millisecond {
		add("bluetooth.scan_interval %v is too short (minimum 500ms)", c.Bluetooth.ScanInterval)
	}
	if c.Bluetooth.RSSIInterval <= 0 {
		add("bluetooth.rssi_interval must be positive")
	}

	if _, err := tag.ParseSchedule(c.Sync.Schedule); err != nil {
		add("sync.schedule: %v", err)
	}
	if c.Sync.BatteryRetryDelay <= 0 {
		add("sync.battery_retry_delay must be positive")
	}
	if c.Sync.IOTimeout <= 0 {
		add("sync.io_timeout must be positive")
	}
	if c.Sync.HistoryRetention < 0 {
		add("sync.history_retention must not be negative")
	}

	if c.Backend.BaseURL != "" {
		if u, err := url.ParseRequestURI(c.Backend.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			add("backend.base_url %q must be a valid http or https URL", c.Backend.BaseURL)
		}
	}
	if c.Backend.RatePerSecond <= 0 || c.Backend.Burst <= 0 {
		add("backend.rate_per_second and backend.burst must be positive")
	}
	if c.Backend.MaxAttempts <= 0 {
		add("backend.max_attempts must be positive")
	}

	if l := c.Location; l != nil {
		if l.Latitude < -90 || l.Latitude > 90 || l.Longitude < -180 || l.Longitude > 180 {
			add("location (%v, %v) is out of range", l.Latitude, l.Longitude)
		}
		if l.Accuracy < 0 {
			add("location.accuracy must not be negative")
		}
	}

	if c.Cache.Path == "" {
		add("cache.path is required")
	}

	switch c.Telemetry.Exporter {
	case "", "none", "stdout":
	case "otlp":
		if c.Telemetry.OTLPEndpoint == "" {
			add("telemetry.otlp_endpoint is required for the otlp exporter")
		}
	default:
		add("telemetry.exporter %q must be none, stdout or otlp", c.Telemetry.Exporter)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
