package remotetag

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dotside-studios/tagsync-agent/protocol"
	"github.com/dotside-studios/tagsync-agent/tag"
)

type fakeSub struct {
	req protocol.SubscribeRequest
	cb  func(protocol.Event)
}

// fakeService is an in-process Service and Binder.
type fakeService struct {
	mu           sync.Mutex
	bound        bool
	ready        chan struct{}
	answers      map[string]protocol.InvokeResult
	hang         map[string]bool
	invokes      []protocol.InvokeRequest
	cancelled    int
	subs         map[string]fakeSub
	nextSub      int
	unsubErr     error
	unsubscribed []string
}

func newFakeService(bound bool) *fakeService {
	f := &fakeService{
		ready:   make(chan struct{}),
		answers: make(map[string]protocol.InvokeResult),
		hang:    make(map[string]bool),
		subs:    make(map[string]fakeSub),
	}
	if bound {
		f.bind()
	}
	return f
}

func (f *fakeService) bind() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.bound {
		f.bound = true
		close(f.ready)
	}
}

func (f *fakeService) answer(method string, ok bool, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[method] = protocol.InvokeResult{OK: ok, Value: value}
}

func (f *fakeService) Current() Service {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.bound {
		return nil
	}
	return f
}

func (f *fakeService) Ready(ctx context.Context) (Service, error) {
	select {
	case <-f.ready:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeService) Invoke(req protocol.InvokeRequest, cb func(protocol.InvokeResult)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invokes = append(f.invokes, req)
	if f.hang[req.Method] {
		return func() {
			f.mu.Lock()
			f.cancelled++
			f.mu.Unlock()
		}, nil
	}
	r, ok := f.answers[req.Method]
	if !ok {
		r = protocol.InvokeResult{OK: false}
	}
	go cb(r)
	return func() {}, nil
}

func (f *fakeService) Subscribe(req protocol.SubscribeRequest, cb func(protocol.Event)) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSub++
	id := fmt.Sprintf("sub-%d", f.nextSub)
	f.subs[id] = fakeSub{req: req, cb: cb}
	return id, nil
}

func (f *fakeService) Unsubscribe(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	f.unsubscribed = append(f.unsubscribed, id)
	return f.unsubErr
}

// push delivers data to every subscription on topic.
func (f *fakeService) push(topic string, data any) {
	raw, _ := json.Marshal(data)
	f.mu.Lock()
	var events []protocol.Event
	var cbs []func(protocol.Event)
	for id, s := range f.subs {
		if s.req.Topic == topic {
			events = append(events, protocol.Event{Subscription: id, Topic: topic, DeviceID: s.req.DeviceID, Data: raw})
			cbs = append(cbs, s.cb)
		}
	}
	f.mu.Unlock()
	for i, cb := range cbs {
		cb(events[i])
	}
}

func (f *fakeService) subscriptions(topic string) []protocol.SubscribeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.SubscribeRequest
	for _, s := range f.subs {
		if s.req.Topic == topic {
			out = append(out, s.req)
		}
	}
	return out
}

func (f *fakeService) invoked(method string) []protocol.InvokeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.InvokeRequest
	for _, r := range f.invokes {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

type fakeAPI struct {
	mu        sync.Mutex
	ringOK    bool
	ringErr   error
	ringing   []bool
	searching []bool
}

func (a *fakeAPI) SendLocation(context.Context, string, tag.LocationReport) (bool, error) {
	return false, nil
}

func (a *fakeAPI) SetRinging(_ context.Context, _ string, ringing bool) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ringing = append(a.ringing, ringing)
	return a.ringOK, a.ringErr
}

func (a *fakeAPI) SetSearching(_ context.Context, _ string, searching bool) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.searching = append(a.searching, searching)
	return true, nil
}

func (a *fakeAPI) ringCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ringing)
}

type fakeCache struct {
	mu     sync.Mutex
	stored []tag.BatteryLevel
}

func (c *fakeCache) CachedBattery(context.Context, string) (tag.BatteryLevel, bool) {
	return tag.BatteryUnknown, false
}

func (c *fakeCache) StoreBattery(_ context.Context, _ string, level tag.BatteryLevel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored = append(c.stored, level)
	return nil
}

func (c *fakeCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stored)
}
