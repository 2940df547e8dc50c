package tag

import (
	"context"
	"sync"
)

const subscriberBuffer = 16

// Broadcaster fans values out to any number of subscribers. Sends never
// block: a plain subscriber whose buffer is full misses the value, a state
// subscriber drops its oldest buffered value.
type Broadcaster[T comparable] struct {
	mu       sync.Mutex
	subs     map[int]chan T
	releases map[int]func()
	nextID  int
	dedupe  bool
	replay  bool
	last    T
	hasLast bool
	closed  bool
}

// NewBroadcaster creates a plain broadcaster.
func NewBroadcaster[T comparable]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[int]chan T), releases: make(map[int]func())}
}

// NewStateBroadcaster creates a broadcaster that drops a value equal to the
// last one published and replays the last value to new subscribers.
func NewStateBroadcaster[T comparable]() *Broadcaster[T] {
	b := NewBroadcaster[T]()
	b.dedupe = true
	b.replay = true
	return b
}

// Publish delivers v to all subscribers. It reports false when v was dropped
// as a duplicate or the broadcaster is closed.
func (b *Broadcaster[T]) Publish(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if b.dedupe && b.hasLast && b.last == v {
		return false
	}
	b.last, b.hasLast = v, true
	for _, ch := range b.subs {
		b.send(ch, v)
	}
	return true
}

// send never blocks. A full plain subscriber misses v; a full state
// subscriber loses its oldest value instead so v, the current state, is
// always the last thing it reads.
func (b *Broadcaster[T]) send(ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	if !b.dedupe {
		return
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// Last returns the most recently published value.
func (b *Broadcaster[T]) Last() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// Subscribe returns a channel that receives published values until ctx ends
// or the broadcaster closes, after which it is closed.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) <-chan T {
	return b.subscribe(ctx, nil)
}

// SubscribeWithin is Subscribe bounded by both scope and ctx. The joined
// context is released when the channel closes, whichever side closed it.
func (b *Broadcaster[T]) SubscribeWithin(scope, ctx context.Context) <-chan T {
	joined, cancel := JoinContext(scope, ctx)
	return b.subscribe(joined, cancel)
}

// subscribe registers a subscriber; release runs once its channel is closed.
func (b *Broadcaster[T]) subscribe(ctx context.Context, release func()) <-chan T {
	ch := make(chan T, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		if release != nil {
			release()
		}
		return ch
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	if release != nil {
		b.releases[id] = release
	}
	if b.replay && b.hasLast {
		ch <- b.last
	}
	b.mu.Unlock()

	context.AfterFunc(ctx, func() {
		b.mu.Lock()
		sub, ok := b.subs[id]
		if ok {
			delete(b.subs, id)
			close(sub)
		}
		rel := b.releases[id]
		delete(b.releases, id)
		b.mu.Unlock()
		if rel != nil {
			rel()
		}
	})
	return ch
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	releases := b.releases
	b.releases = make(map[int]func())
	b.mu.Unlock()

	for _, release := range releases {
		release()
	}
}
