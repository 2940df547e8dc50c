package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dotside-studios/tagsync-agent/backend"
	"github.com/dotside-studios/tagsync-agent/bluez"
	"github.com/dotside-studios/tagsync-agent/cache"
	"github.com/dotside-studios/tagsync-agent/config"
	"github.com/dotside-studios/tagsync-agent/provider"
	"github.com/dotside-studios/tagsync-agent/server"
	"github.com/dotside-studios/tagsync-agent/tag"
	"github.com/dotside-studios/tagsync-agent/telemetry"
)

const (
	telemetryFlushTimeout = 5 * time.Second
	pruneInterval         = 6 * time.Hour
)

// Agent is the background tag service: BlueZ presence and GATT access, the
// device registry with its sync engines, and the IPC and HTTP endpoints.
type Agent struct {
	Config *config.Config
	Logger *slog.Logger

	store    *cache.Store
	handle   *bluez.Handle
	scanner  *bluez.Scanner
	registry *server.Registry
	server   *server.Server
}

func NewAgent(cfg *config.Config, logger *slog.Logger) *Agent {
	return &Agent{Config: cfg, Logger: logger}
}

// Run starts every component and blocks until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	cfg := a.Config

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		ServiceName:  cfg.Telemetry.ServiceName,
		Headers:      cfg.Telemetry.Headers,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		if ferr := shutdownTelemetry(flushCtx); ferr != nil {
			a.Logger.Warn("telemetry shutdown failed", "error", ferr)
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return err
	}
	defer a.store.Close()

	api, err := newNetworkAPI(cfg.Backend, a.Logger)
	if err != nil {
		return err
	}

	schedule, err := tag.ParseSchedule(cfg.Sync.Schedule)
	if err != nil {
		return fmt.Errorf("sync schedule: %w", err)
	}

	var gatt tag.GattHandle
	var scanner server.Scanner
	if cfg.Bluetooth.Enabled {
		a.handle, err = bluez.Open(bluez.Config{Adapter: cfg.Bluetooth.Adapter, Logger: a.Logger})
		if err != nil {
			return err
		}
		defer a.handle.Close()
		a.scanner = bluez.NewScanner(a.handle, cfg.Bluetooth.AutoConnect)
		defer a.scanner.Stop()
		gatt, scanner = a.handle, a.scanner
	} else {
		a.Logger.Warn("bluetooth disabled; only remote ringing is available")
	}

	policy := provider.NewPolicy(cfg.Sync.AutoSync, cfg.Sync.DisabledDevices)
	a.registry = server.NewRegistry(server.RegistryConfig{
		Handle:       gatt,
		Scanner:      scanner,
		ScanInterval: cfg.Bluetooth.ScanInterval,
		Deps: tag.Deps{
			Location: a.locationProvider(),
			User:     provider.NewUser(cfg.User.DisplayName, cfg.User.UserID, cfg.User.DeviceID),
			API:      api,
			Policy:   policy,
			Cache:    a.store,
		},
		Options: tag.Options{
			Schedule:          schedule,
			BatteryRetryDelay: cfg.Sync.BatteryRetryDelay,
			IOTimeout:         cfg.Sync.IOTimeout,
			Logger:            a.Logger,
		},
		History: a.store,
		Logger:  a.Logger,
	})
	if a.handle != nil {
		a.handle.OnCharacteristicChanged(a.registry.CharacteristicChanged)
	}

	a.server = server.New(server.Config{
		Listen:    cfg.Service.Listen,
		APISecret: cfg.Service.APISecret,
		MDNS:      cfg.Service.MDNS,
		Registry:  a.registry,
		History:   a.store,
		Locations: a.store,
		AutoSync:  policy,
		Logger:    a.Logger,
	})
	if cfg.Sync.HistoryRetention > 0 {
		a.server.StartLifecycle(a.pruneHistory)
	}

	a.Logger.Info("agent starting", "listen", cfg.Service.Listen, "bluetooth", cfg.Bluetooth.Enabled, "schedule", cfg.Sync.Schedule)
	// Start returns once the registry loop and the pruner have stopped.
	err = a.server.Start(ctx)
	a.registry.Close()
	if err != nil {
		return err
	}
	a.Logger.Info("agent stopped")
	return nil
}

func (a *Agent) openStore(ctx context.Context) error {
	path := a.Config.Cache.Path
	if path != cache.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create cache directory: %w", err)
		}
	}
	store, err := cache.Open(ctx, path, a.Logger)
	if err != nil {
		return err
	}
	a.store = store
	return nil
}

// newNetworkAPI returns the backend client, or backend.Offline when no base
// URL is configured.
func newNetworkAPI(b config.BackendConfig, logger *slog.Logger) (tag.NetworkAPI, error) {
	if b.BaseURL == "" {
		logger.Warn("no backend configured; location reports will not be sent")
		return backend.Offline{}, nil
	}
	client, err := backend.New(backend.Config{
		BaseURL:         b.BaseURL,
		Token:           b.Token,
		Timeout:         b.Timeout,
		RatePerSecond:   b.RatePerSecond,
		Burst:           b.Burst,
		BreakerFailures: b.BreakerFailures,
		MaxAttempts:     b.MaxAttempts,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("backend: %w", err)
	}
	return client, nil
}

func (a *Agent) locationProvider() *provider.Location {
	p := &provider.Location{Store: a.store}
	if l := a.Config.Location; l != nil {
		p.Static = &tag.Location{
			Latitude:  l.Latitude,
			Longitude: l.Longitude,
			Accuracy:  l.Accuracy,
			Method:    l.Method,
		}
		p.MaxAge = l.MaxAge
	}
	return p
}

// pruneHistory drops sync history older than the retention window.
func (a *Agent) pruneHistory(ctx context.Context) {
	retention := a.Config.Sync.HistoryRetention
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		if _, err := a.store.PruneHistory(ctx, time.Now().Add(-retention)); err != nil && ctx.Err() == nil {
			a.Logger.Warn("prune history failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
