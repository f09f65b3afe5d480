// Package notify fans published values out to in-process listeners.
//
// A Broadcaster never blocks the publisher: every subscriber owns a bounded
// buffer and misses values while it is full. Listeners that need the latest
// state rather than every step (UI pages) are fine with that, because each
// published snapshot is complete.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultBuffer = 16

type Broadcaster[T any] struct {
	mu     sync.RWMutex
	subs   map[*Subscription[T]]struct{}
	buf    int
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New returns a Broadcaster whose subscribers buffer up to buffer values.
// buffer <= 0 => 16.
func New[T any](buffer int) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broadcaster[T]{subs: make(map[*Subscription[T]]struct{}), buf: buffer}
}

// Subscribe registers a listener. On a closed Broadcaster the returned
// subscription's channel is already closed.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{ch: make(chan T, b.buf), b: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		s.done = true
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers v to every subscriber with room and reports how many got it.
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	b.published.Add(1)
	n := 0
	for s := range b.subs {
		select {
		case s.ch <- v:
			n++
		default:
			b.dropped.Add(1)
		}
	}
	return n
}

// Notify lets a Broadcaster stand in wherever a notifier of T is expected.
func (b *Broadcaster[T]) Notify(_ context.Context, v T) error {
	b.Publish(v)
	return nil
}

func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster[T]) Published() uint64 { return b.published.Load() }

// Dropped counts deliveries skipped because a subscriber's buffer was full.
func (b *Broadcaster[T]) Dropped() uint64 { return b.dropped.Load() }

// Close ends every subscription. Publishing afterwards is a no-op.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.done = true
		close(s.ch)
	}
	b.subs = nil
}

func (b *Broadcaster[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	delete(b.subs, s)
	close(s.ch)
}

type Subscription[T any] struct {
	ch   chan T
	b    *Broadcaster[T]
	done bool // guarded by b.mu
}

func (s *Subscription[T]) Events() <-chan T { return s.ch }

// Close detaches the subscription and closes its channel. Idempotent.
func (s *Subscription[T]) Close() { s.b.remove(s) }
