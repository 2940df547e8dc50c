package tag

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultIOTimeout bounds every characteristic round-trip.
const DefaultIOTimeout = 10 * time.Second

// CharacteristicIO turns the callback-based GattHandle into blocking calls
// that resolve exactly once, within a fixed timeout, and always release the
// registered callback.
type CharacteristicIO struct {
	handle    GattHandle
	deviceID  string
	serviceID string
	timeout   time.Duration
	clock     Clock
	logger    *slog.Logger
}

// NewCharacteristicIO creates an adapter for one device's tag service.
// A zero timeout means DefaultIOTimeout.
func NewCharacteristicIO(handle GattHandle, deviceID string, timeout time.Duration, clock Clock, logger *slog.Logger) *CharacteristicIO {
	if timeout <= 0 {
		timeout = DefaultIOTimeout
	}
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CharacteristicIO{
		handle:    handle,
		deviceID:  deviceID,
		serviceID: ServiceUUID,
		timeout:   timeout,
		clock:     clock,
		logger:    logger,
	}
}

// Write writes a hex payload. Timeout, cancellation and an explicit hardware
// failure all report false.
func (c *CharacteristicIO) Write(ctx context.Context, charID, payload string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("characteristic write panicked", "characteristic", charID, "panic", r)
			ok = false
		}
	}()

	result := make(chan bool, 1)
	var once sync.Once
	release, err := c.handle.WriteCharacteristic(c.deviceID, c.serviceID, charID, payload, func(success bool) {
		once.Do(func() { result <- success })
	})
	if err != nil {
		c.logger.Debug("characteristic write rejected", "characteristic", charID, "error", err)
		return false
	}
	if release != nil {
		defer release()
	}

	timer := c.clock.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case ok = <-result:
		return ok
	case <-timer.C():
		c.logger.Warn("characteristic write timed out", "characteristic", charID, "timeout", c.timeout)
		return false
	case <-ctx.Done():
		return false
	}
}

// Read reads a characteristic, retrying once if the first attempt yields
// nothing. A value echoed for a different characteristic counts as nothing.
func (c *CharacteristicIO) Read(ctx context.Context, charID string) (string, bool) {
	if v, ok := c.readOnce(ctx, charID); ok {
		return v, true
	}
	if ctx.Err() != nil {
		return "", false
	}
	return c.readOnce(ctx, charID)
}

type readResult struct {
	value string
	ok    bool
}

func (c *CharacteristicIO) readOnce(ctx context.Context, charID string) (value string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("characteristic read panicked", "characteristic", charID, "panic", r)
			value, ok = "", false
		}
	}()

	result := make(chan readResult, 1)
	var once sync.Once
	release, err := c.handle.ReadCharacteristic(c.deviceID, c.serviceID, charID, func(echoed, v string, success bool) {
		once.Do(func() {
			if success && echoed != charID {
				c.logger.Debug("discarding read for another characteristic", "requested", charID, "echoed", echoed)
				success = false
			}
			result <- readResult{value: v, ok: success}
		})
	})
	if err != nil {
		c.logger.Debug("characteristic read rejected", "characteristic", charID, "error", err)
		return "", false
	}
	if release != nil {
		defer release()
	}

	timer := c.clock.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-result:
		if !r.ok {
			return "", false
		}
		return r.value, true
	case <-timer.C():
		c.logger.Warn("characteristic read timed out", "characteristic", charID, "timeout", c.timeout)
		return "", false
	case <-ctx.Done():
		return "", false
	}
}
