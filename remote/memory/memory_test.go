package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unkn0wn-root/syncache/remote"
)

const path = "legal_data/deductions/payments"

func next(t *testing.T, sub remote.Subscription) remote.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return remote.Event{}
}

func TestEventsInOrder(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	sub, err := s.Watch(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if ok, _ := s.CreateIfAbsent(ctx, path, "deduction_1", []byte(`{"id":1}`)); !ok {
		t.Fatalf("first create should succeed")
	}
	if ok, _ := s.CreateIfAbsent(ctx, path, "deduction_1", []byte(`{"id":2}`)); ok {
		t.Fatalf("second create must not overwrite")
	}
	if err := s.Update(ctx, path, "deduction_1", map[string]any{"notes": "x"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, path, "deduction_1"); err != nil {
		t.Fatal(err)
	}

	want := []remote.Kind{remote.Added, remote.Changed, remote.Removed}
	for _, k := range want {
		ev := next(t, sub)
		if ev.Kind != k || ev.Key != "deduction_1" {
			t.Fatalf("got %v %s, want %v", ev.Kind, ev.Key, k)
		}
		if k == remote.Removed && string(ev.Value) != `{"id":1,"notes":"x"}` {
			t.Fatalf("removed event should carry last value, got %s", ev.Value)
		}
	}
}

func TestUpdateMissing(t *testing.T) {
	s := New()
	if err := s.Update(context.Background(), path, "nope", map[string]any{"a": 1}); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("got %v", err)
	}
}

func TestOtherPathsNotDelivered(t *testing.T) {
	ctx := context.Background()
	s := New()
	sub, _ := s.Watch(ctx, path)
	_ = s.Set(ctx, "legal_data/cases/active", "case_1", []byte(`{}`))
	_ = s.Set(ctx, path, "deduction_9", []byte(`{}`))
	if ev := next(t, sub); ev.Key != "deduction_9" {
		t.Fatalf("got event for %s", ev.Key)
	}
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	if n := s.Subscribers(path); n != 0 {
		t.Fatalf("subscribers=%d after close", n)
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	ctx := context.Background()
	s := New()
	sub, _ := s.Watch(ctx, path)
	_ = s.Close()
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed")
	}
	if _, err := s.Get(ctx, path); !errors.Is(err, remote.ErrClosed) {
		t.Fatalf("Get after close: %v", err)
	}
}
