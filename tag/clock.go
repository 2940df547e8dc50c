package tag

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time so sync schedules, retry delays and I/O timeouts can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
	After(d time.Duration) <-chan time.Time
}

// Timer mirrors the subset of time.Timer used by this package.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// RealClock implements Clock with the time package.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTimer(d time.Duration) Timer {
	return &realTimer{timer: time.NewTimer(d)}
}

func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

type realTimer struct {
	timer *time.Timer
}

func (rt *realTimer) C() <-chan time.Time { return rt.timer.C }
func (rt *realTimer) Stop() bool          { return rt.timer.Stop() }

// FakeClock is a manually advanced Clock. Timers fire once Advance moves the
// clock to or past their deadline.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	changed chan struct{}
}

// NewFakeClock creates a FakeClock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start, changed: make(chan struct{})}
}

func (fc *FakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *FakeClock) NewTimer(d time.Duration) Timer {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	ft := &fakeTimer{clock: fc, deadline: fc.now.Add(d), c: make(chan time.Time, 1)}
	if d <= 0 {
		ft.fired = true
		ft.c <- fc.now
		return ft
	}
	fc.timers = append(fc.timers, ft)
	fc.notifyLocked()
	return ft
}

func (fc *FakeClock) After(d time.Duration) <-chan time.Time {
	return fc.NewTimer(d).C()
}

// Advance moves the clock forward and fires every timer whose deadline has
// been reached.
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.now = fc.now.Add(d)

	pending := fc.timers[:0]
	for _, t := range fc.timers {
		if t.stopped || t.fired {
			continue
		}
		if fc.now.Before(t.deadline) {
			pending = append(pending, t)
			continue
		}
		t.fired = true
		t.c <- fc.now
	}
	fc.timers = pending
}

// PendingTimers reports how many timers are armed and not yet fired.
func (fc *FakeClock) PendingTimers() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	n := 0
	for _, t := range fc.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// BlockUntil waits until at least n timers are armed or the timeout elapses,
// and reports whether the condition was met.
func (fc *FakeClock) BlockUntil(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		fc.mu.Lock()
		count := 0
		for _, t := range fc.timers {
			if !t.stopped && !t.fired {
				count++
			}
		}
		changed := fc.changed
		fc.mu.Unlock()
		if count >= n {
			return true
		}
		select {
		case <-changed:
		case <-deadline:
			return false
		}
	}
}

func (fc *FakeClock) notifyLocked() {
	close(fc.changed)
	fc.changed = make(chan struct{})
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	c        chan time.Time
	stopped  bool
	fired    bool
}

func (ft *fakeTimer) C() <-chan time.Time { return ft.c }

func (ft *fakeTimer) Stop() bool {
	ft.clock.mu.Lock()
	defer ft.clock.mu.Unlock()
	if ft.stopped || ft.fired {
		return false
	}
	ft.stopped = true
	return true
}

// JoinContext derives a context from ctx that is also cancelled when scope
// ends. The scope hook is removed once the returned context is done; callers
// must call cancel when they are finished with it.
func JoinContext(scope, ctx context.Context) (context.Context, context.CancelFunc) {
	joined, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(scope, cancel)
	context.AfterFunc(joined, func() { stop() })
	return joined, cancel
}
