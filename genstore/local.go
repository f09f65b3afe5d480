package genstore

import (
	"context"
	"sync"
	"time"
)

type localEntry struct {
	gen       uint64
	updatedAt time.Time
}

// LocalConfig tunes the in-process store. A zero SweepInterval or Retention
// disables the background sweep.
type LocalConfig struct {
	SweepInterval time.Duration
	Retention     time.Duration
	Now           func() time.Time // nil => time.Now
}

// Local keeps generations in-process.
type Local struct {
	mu   sync.RWMutex
	gens map[string]localEntry
	now  func() time.Time

	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ Store = (*Local)(nil)

func NewLocal(cfg LocalConfig) *Local {
	s := &Local{
		gens: make(map[string]localEntry),
		now:  cfg.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if cfg.SweepInterval > 0 && cfg.Retention > 0 {
		s.ticker = time.NewTicker(cfg.SweepInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go s.sweep(cfg.Retention)
	}
	return s
}

func (s *Local) sweep(retention time.Duration) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C:
			s.Cleanup(retention)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Local) Current(_ context.Context, key string) (uint64, error) {
	s.mu.RLock()
	e := s.gens[key]
	s.mu.RUnlock()
	return e.gen, nil
}

// CurrentMany takes the read lock once for all keys.
func (s *Local) CurrentMany(_ context.Context, keys []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(keys))
	s.mu.RLock()
	for _, k := range keys {
		out[k] = s.gens[k].gen
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Local) Bump(_ context.Context, key string) (uint64, error) {
	now := s.now()
	s.mu.Lock()
	e := s.gens[key]
	e.gen++
	e.updatedAt = now
	s.gens[key] = e
	s.mu.Unlock()
	return e.gen, nil
}

func (s *Local) Raise(_ context.Context, key string, floor uint64) (uint64, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.gens[key]
	if e.gen < floor {
		e.gen = floor
		e.updatedAt = now
		s.gens[key] = e
	}
	return e.gen, nil
}

func (s *Local) Forget(_ context.Context, keys ...string) error {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.gens, k)
	}
	s.mu.Unlock()
	return nil
}

func (s *Local) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := s.now().Add(-retention)

	s.mu.Lock()
	for k, e := range s.gens {
		if !e.updatedAt.IsZero() && e.updatedAt.Before(cutoff) {
			delete(s.gens, k)
		}
	}
	s.mu.Unlock()
}

// Len reports how many keys are tracked.
func (s *Local) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.gens)
}

func (s *Local) Close(context.Context) error {
	s.closeOnce.Do(func() {
		if s.stopCh == nil {
			return
		}
		s.ticker.Stop()
		close(s.stopCh)
		s.wg.Wait()
	})
	return nil
}
