package tag

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultBatteryRetryDelay is how long a sync waits before re-reading a
	// battery level that came back UNKNOWN.
	DefaultBatteryRetryDelay = 15 * time.Second

	otelScope         = "tagsync/tag"
	spanSync          = "tag.sync"
	metricSyncResults = "tagsync.sync.results"
	metricSyncSeconds = "tagsync.sync.duration"

	triggerAuto     = "auto"
	triggerOnDemand = "on_demand"
)

// Deps are the collaborators shared by every connection implementation.
// Policy, Cache and Listener are optional.
type Deps struct {
	Location LocationProvider
	User     UserInfo
	API      NetworkAPI
	Policy   SyncPolicy
	Cache    BatteryCache
	Listener SyncListener
}

// Options tune timing and logging. Zero values select defaults.
type Options struct {
	Schedule          cron.Schedule
	BatteryRetryDelay time.Duration
	IOTimeout         time.Duration
	Clock             Clock
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Schedule == nil {
		o.Schedule, _ = ParseSchedule(DefaultSyncSchedule)
	}
	if o.BatteryRetryDelay <= 0 {
		o.BatteryRetryDelay = DefaultBatteryRetryDelay
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = DefaultIOTimeout
	}
	if o.Clock == nil {
		o.Clock = RealClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// SyncEngine runs location syncs for one device. A single-slot semaphore
// guarantees that at most one sync body executes at a time. On-demand
// callers queue for it; the timer fails fast with SyncFailedAlreadySyncing.
type SyncEngine struct {
	deviceID  string
	battery   func(ctx context.Context) (BatteryLevel, bool)
	connected func() bool
	deps      Deps
	opts      Options
	logger    *slog.Logger

	sem      chan struct{}
	notifyMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tracer     trace.Tracer
	cntResults metric.Int64Counter
	histTime   metric.Float64Histogram
}

// NewSyncEngine creates the engine and starts its autonomous timer.
// battery reads the device's battery level; connected reports whether the
// device is GATT-connected for the purpose of the D2D status.
func NewSyncEngine(deviceID string, battery func(ctx context.Context) (BatteryLevel, bool), connected func() bool, deps Deps, opts Options) *SyncEngine {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	meter := otel.Meter(otelScope)
	cnt, err := meter.Int64Counter(metricSyncResults, metric.WithDescription("Location sync attempts by result"))
	if err != nil {
		cnt = noop.Int64Counter{}
	}
	hist, err := meter.Float64Histogram(metricSyncSeconds, metric.WithDescription("Location sync body duration"), metric.WithUnit("s"))
	if err != nil {
		hist = noop.Float64Histogram{}
	}

	e := &SyncEngine{
		deviceID:   deviceID,
		battery:    battery,
		connected:  connected,
		deps:       deps,
		opts:       opts,
		logger:     opts.Logger.With("component", "sync", "device", deviceID),
		sem:        make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		tracer:     otel.Tracer(otelScope),
		cntResults: cnt,
		histTime:   hist,
	}

	e.wg.Add(1)
	go e.loop()
	return e
}

// Sync runs an on-demand sync and waits for its result, queuing behind a
// sync already in progress. If ctx or the engine is cancelled first, the
// result is SyncFailedDisconnected.
func (e *SyncEngine) Sync(ctx context.Context) SyncResult {
	if e.ctx.Err() != nil {
		return SyncFailedDisconnected
	}
	runCtx, cancel := JoinContext(e.ctx, ctx)
	defer cancel()
	return e.run(runCtx, triggerOnDemand)
}

// SyncAsync runs Sync in the background and calls cb exactly once.
func (e *SyncEngine) SyncAsync(ctx context.Context, cb func(SyncResult)) {
	go func() {
		cb(e.Sync(ctx))
	}()
}

// TriggerAutoSync performs what one timer tick does: consult the policy, then
// try to sync.
func (e *SyncEngine) TriggerAutoSync(ctx context.Context) SyncResult {
	if e.deps.Policy != nil && !e.deps.Policy.AutoSyncRequired(ctx, e.deviceID) {
		e.record(ctx, triggerAuto, SyncFailedAutoSyncNotRequired)
		return SyncFailedAutoSyncNotRequired
	}
	return e.run(ctx, triggerAuto)
}

// Close stops the timer and cancels any in-flight sync. It does not wait for
// a sync body to unwind.
func (e *SyncEngine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *SyncEngine) loop() {
	defer e.wg.Done()
	for {
		now := e.opts.Clock.Now()
		next := e.opts.Schedule.Next(now)
		if next.IsZero() {
			return
		}
		timer := e.opts.Clock.NewTimer(next.Sub(now))
		select {
		case <-e.ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}

		result := e.TriggerAutoSync(e.ctx)
		e.logger.Debug("auto sync finished", "result", result)
	}
}

func (e *SyncEngine) run(ctx context.Context, trigger string) SyncResult {
	if result, ok := e.acquire(ctx, trigger); !ok {
		e.record(ctx, trigger, result)
		return result
	}

	e.notifyStarted()

	done := make(chan SyncResult, 1)
	go func() {
		done <- e.body(ctx, trigger == triggerOnDemand)
	}()

	var result SyncResult
	bodyFinished := false
	select {
	case result = <-done:
		bodyFinished = true
		if ctx.Err() != nil && result != SyncSuccess {
			result = SyncFailedDisconnected
		}
	case <-ctx.Done():
		result = SyncFailedDisconnected
	}

	e.record(ctx, trigger, result)
	e.notifyFinished(result)

	// The lock is released only after the finished notification so a
	// following sync cannot report started first.
	if bodyFinished {
		<-e.sem
	} else {
		go func() {
			<-done
			<-e.sem
		}()
	}
	return result
}

// acquire takes the sync lock. The timer never waits: it gets
// SyncFailedAlreadySyncing while a sync runs. On-demand callers queue until
// the lock frees or ctx ends, which yields SyncFailedDisconnected.
func (e *SyncEngine) acquire(ctx context.Context, trigger string) (SyncResult, bool) {
	if trigger == triggerAuto {
		select {
		case e.sem <- struct{}{}:
			return SyncSuccess, true
		default:
			return SyncFailedAlreadySyncing, false
		}
	}
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return SyncFailedDisconnected, false
	}
	// Both cases can be ready at once after teardown.
	if ctx.Err() != nil {
		<-e.sem
		return SyncFailedDisconnected, false
	}
	return SyncSuccess, true
}

func (e *SyncEngine) body(ctx context.Context, onDemand bool) (result SyncResult) {
	ctx, span := e.tracer.Start(ctx, spanSync, trace.WithAttributes(
		attribute.String("device", e.deviceID),
		attribute.Bool("on_demand", onDemand),
	))
	start := e.opts.Clock.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sync panicked", "panic", r)
			span.SetStatus(codes.Error, fmt.Sprint(r))
			result = SyncFailedOther
		}
		span.SetAttributes(attribute.String("result", result.String()))
		span.End()
		e.histTime.Record(ctx, e.opts.Clock.Now().Sub(start).Seconds())
	}()

	level, ok := e.battery(ctx)
	if !ok {
		return SyncFailedToConnect
	}
	if level == BatteryUnknown {
		e.logger.Debug("battery unknown, waiting before retry", "delay", e.opts.BatteryRetryDelay)
		select {
		case <-e.opts.Clock.After(e.opts.BatteryRetryDelay):
		case <-ctx.Done():
			return SyncFailedDisconnected
		}
		if level, ok = e.battery(ctx); !ok {
			return SyncFailedToConnect
		}
	}

	loc, err := e.deps.Location.LastLocation(ctx, e.deviceID)
	if err != nil {
		e.logger.Warn("location lookup failed", "error", err)
		span.RecordError(err)
		return SyncFailedOther
	}
	if loc == nil {
		return SyncFailedToGetLocation
	}

	name, ok := e.deps.User.DisplayName(ctx)
	if !ok || name == "" {
		return SyncFailedToSend
	}
	userID, ok := e.deps.User.PersistedUserID(ctx)
	if !ok || userID == "" {
		return SyncFailedToSend
	}

	status := D2DBLEScanned
	if e.connected() {
		status = D2DGattConnected
	}

	report := LocationReport{
		ID:              ulid.MustNew(ulid.Timestamp(e.opts.Clock.Now()), ulid.DefaultEntropy()).String(),
		DeviceID:        e.deviceID,
		ConnectedDevice: DeviceRef{ID: e.deps.User.LocalDeviceID()},
		ConnectedUser:   UserRef{ID: userID, Name: name},
		Geolocation: Geolocation{
			Latitude:  loc.Latitude,
			Longitude: loc.Longitude,
			Accuracy:  loc.Accuracy,
			Timestamp: loc.Time,
			Method:    loc.Method,
			Battery:   level.String(),
			D2DStatus: status,
		},
		OnDemand: onDemand,
	}

	sent, err := e.deps.API.SendLocation(ctx, e.deviceID, report)
	if err != nil {
		e.logger.Warn("sending location failed", "error", err)
		span.RecordError(err)
		return SyncFailedToSend
	}
	if !sent {
		return SyncFailedToSend
	}
	return SyncSuccess
}

func (e *SyncEngine) record(ctx context.Context, trigger string, result SyncResult) {
	e.cntResults.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("result", result.String()),
		attribute.String("trigger", trigger),
	))
}

func (e *SyncEngine) notifyStarted() {
	if e.deps.Listener == nil {
		return
	}
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	e.deps.Listener.SyncStarted(e.deviceID)
}

func (e *SyncEngine) notifyFinished(result SyncResult) {
	if e.deps.Listener == nil {
		return
	}
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	e.deps.Listener.SyncFinished(e.deviceID, result)
}
