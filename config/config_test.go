package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""), "empty.yaml")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	def := Default()
	if cfg.Service.Listen != def.Service.Listen || !cfg.Service.MDNS {
		t.Errorf("Service = %+v, want defaults", cfg.Service)
	}
	if cfg.Sync.Schedule != "@every 15m" || !cfg.Sync.AutoSync {
		t.Errorf("Sync = %+v, want defaults", cfg.Sync)
	}
	if cfg.Location != nil {
		t.Errorf("Location = %+v, want nil", cfg.Location)
	}
}

func TestParse_Overrides(t *testing.T) {
	const doc = `
log:
  level: debug
  format: json
service:
  listen: 0.0.0.0:9000
  mdns: false
  api_secret: s3cret
bluetooth:
  adapter: hci1
  scan_interval: 2s
sync:
  schedule: "*/10 * * * *"
  auto_sync: false
  disabled_devices: [AA:BB:CC:DD:EE:01]
  battery_retry_delay: 5s
backend:
  base_url: https://api.example.com
  token: tok
location:
  latitude: 52.52
  longitude: 13.40
  accuracy: 30
  max_age: 1h
telemetry:
  exporter: otlp
  otlp_endpoint: localhost:4317
  insecure: true
`
	cfg, err := Parse(strings.NewReader(doc), "test.yaml")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"log.level", cfg.Log.Level, "debug"},
		{"service.listen", cfg.Service.Listen, "0.0.0.0:9000"},
		{"service.mdns", cfg.Service.MDNS, false},
		{"service.api_secret", cfg.Service.APISecret, "s3cret"},
		{"bluetooth.adapter", cfg.Bluetooth.Adapter, "hci1"},
		{"bluetooth.scan_interval", cfg.Bluetooth.ScanInterval, 2 * time.Second},
		{"bluetooth.enabled", cfg.Bluetooth.Enabled, true},
		{"sync.schedule", cfg.Sync.Schedule, "*/10 * * * *"},
		{"sync.auto_sync", cfg.Sync.AutoSync, false},
		{"sync.disabled_devices", len(cfg.Sync.DisabledDevices), 1},
		{"sync.battery_retry_delay", cfg.Sync.BatteryRetryDelay, 5 * time.Second},
		{"sync.io_timeout", cfg.Sync.IOTimeout, 10 * time.Second},
		{"backend.max_attempts", cfg.Backend.MaxAttempts, 3},
		{"location.max_age", cfg.Location.MaxAge, time.Hour},
		{"telemetry.exporter", cfg.Telemetry.Exporter, "otlp"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse(strings.NewReader("service:\n  listn: :80\n"), "typo.yaml")
	if err == nil || !strings.Contains(err.Error(), "listn") {
		t.Errorf("Parse() error = %v, want unknown field error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad listen", func(c *Config) { c.Service.Listen = "nope" }, "service.listen"},
		{"bad remote", func(c *Config) { c.Remote.URL = "ftp://host" }, "remote.url"},
		{"short scan", func(c *Config) { c.Bluetooth.ScanInterval = time.Millisecond }, "bluetooth.scan_interval"},
		{"bad schedule", func(c *Config) { c.Sync.Schedule = "sometimes" }, "sync.schedule"},
		{"zero io timeout", func(c *Config) { c.Sync.IOTimeout = 0 }, "sync.io_timeout"},
		{"bad backend", func(c *Config) { c.Backend.BaseURL = "api.example.com" }, "backend.base_url"},
		{"bad location", func(c *Config) { c.Location = &LocationConfig{Latitude: 91} }, "out of range"},
		{"otlp without endpoint", func(c *Config) { c.Telemetry.Exporter = "otlp" }, "otlp_endpoint"},
		{"unknown exporter", func(c *Config) { c.Telemetry.Exporter = "zipkin" }, "telemetry.exporter"},
		{"no cache path", func(c *Config) { c.Cache.Path = "" }, "cache.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want ErrInvalid mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.Sync.Schedule = "sometimes"
	err := cfg.Validate()
	for _, want := range []string{"log.level", "sync.schedule"} {
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error = %v, want it to mention %s", err, want)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("backend:\n  base_url: https://api.example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvBackendToken, "from-env")
	t.Setenv(EnvAPISecret, "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.Token != "from-env" {
		t.Errorf("Backend.Token = %q, want from-env", cfg.Backend.Token)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load() of a missing explicit path succeeded")
	}

	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Backend.BaseURL != "" {
		t.Errorf("Load(\"\") read %q, want defaults", cfg.Backend.BaseURL)
	}
}
