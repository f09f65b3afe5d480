// Package asynchook runs a syncache.Hooks off the caller's goroutine.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	m, _ := syncache.New(syncache.Options{Store: store, Hooks: hooks})
//
// Events are dropped while the queue is full.
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/syncache"
)

type Hooks struct {
	inner   syncache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex // guards closed against sends
	closed  bool
	dropped atomic.Uint64
}

var _ syncache.Hooks = (*Hooks)(nil)

func New(inner syncache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) DuplicateRejected(k string) { h.try(func() { h.inner.DuplicateRejected(k) }) }
func (h *Hooks) EchoSuppressed(k string)    { h.try(func() { h.inner.EchoSuppressed(k) }) }
func (h *Hooks) StaleKeyDropped(k string)   { h.try(func() { h.inner.StaleKeyDropped(k) }) }
func (h *Hooks) AggregateFailed(c string, err error) {
	h.try(func() { h.inner.AggregateFailed(c, err) })
}
func (h *Hooks) Published(gen uint64, n int) { h.try(func() { h.inner.Published(gen, n) }) }
func (h *Hooks) PublishFailed(stage string, err error) {
	h.try(func() { h.inner.PublishFailed(stage, err) })
}
func (h *Hooks) SelfHeal(k, r string)         { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) ProviderSetRejected(k string) { h.try(func() { h.inner.ProviderSetRejected(k) }) }
func (h *Hooks) GenError(k string, err error) { h.try(func() { h.inner.GenError(k, err) }) }
func (h *Hooks) InvalidateOutage(k string, be, de error) {
	h.try(func() { h.inner.InvalidateOutage(k, be, de) })
}
