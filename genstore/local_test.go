package genstore

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestLocalCurrentManyZeroForMissing(t *testing.T) {
	ctx := context.Background()
	s := NewLocal(LocalConfig{})
	t.Cleanup(func() { _ = s.Close(ctx) })

	for i := 0; i < 2; i++ {
		if _, err := s.Bump(ctx, "b"); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.CurrentMany(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if got["a"] != 0 || got["b"] != 2 || got["c"] != 0 {
		t.Fatalf("got=%v want a=0,b=2,c=0", got)
	}
}

func TestLocalRaiseNeverLowers(t *testing.T) {
	ctx := context.Background()
	s := NewLocal(LocalConfig{})

	if g, _ := s.Raise(ctx, "slot", 7); g != 7 {
		t.Fatalf("raise to 7: got %d", g)
	}
	if g, _ := s.Raise(ctx, "slot", 3); g != 7 {
		t.Fatalf("raise below current must keep 7, got %d", g)
	}
	if g, _ := s.Bump(ctx, "slot"); g != 8 {
		t.Fatalf("bump after raise: got %d", g)
	}
}

func TestLocalForget(t *testing.T) {
	ctx := context.Background()
	s := NewLocal(LocalConfig{})
	_, _ = s.Bump(ctx, "x")
	_, _ = s.Bump(ctx, "y")
	if err := s.Forget(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	if g, _ := s.Current(ctx, "x"); g != 0 {
		t.Fatalf("forgotten key should read 0, got %d", g)
	}
	if s.Len() != 1 {
		t.Fatalf("len=%d want 1", s.Len())
	}
}

func TestLocalCleanupPrunesOld(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewLocal(LocalConfig{Now: clk.Now})

	_, _ = s.Bump(ctx, "old")
	clk.Advance(2 * time.Hour)
	_, _ = s.Bump(ctx, "fresh")
	s.Cleanup(time.Hour)

	if g, _ := s.Current(ctx, "old"); g != 0 {
		t.Fatalf("expected pruned -> 0, got %d", g)
	}
	if g, _ := s.Current(ctx, "fresh"); g != 1 {
		t.Fatalf("fresh key pruned, got %d", g)
	}
}

func TestLocalConcurrentBumps(t *testing.T) {
	ctx := context.Background()
	s := NewLocal(LocalConfig{SweepInterval: time.Millisecond, Retention: time.Hour})
	t.Cleanup(func() { _ = s.Close(ctx) })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Bump(ctx, "k")
		}()
	}
	wg.Wait()
	if g, _ := s.Current(ctx, "k"); g != 50 {
		t.Fatalf("got %d want 50", g)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
