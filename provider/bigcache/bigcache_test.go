package bigcache

import (
	"bytes"
	"context"
	"testing"
)

func TestSetGetDel(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(ctx) })

	if _, ok, err := p.Get(ctx, "slot:deductionsData"); err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}
	if ok, err := p.Set(ctx, "slot:deductionsData", []byte("v1"), 1, 0); err != nil || !ok {
		t.Fatalf("Set: ok=%v err=%v", ok, err)
	}
	got, ok, err := p.Get(ctx, "slot:deductionsData")
	if err != nil || !ok || !bytes.Equal(got, []byte("v1")) {
		t.Fatalf("Get: got=%q ok=%v err=%v", got, ok, err)
	}
	if err := p.Del(ctx, "slot:deductionsData"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := p.Del(ctx, "slot:deductionsData"); err != nil {
		t.Fatalf("Del of missing key must not fail: %v", err)
	}
	if _, ok, _ := p.Get(ctx, "slot:deductionsData"); ok {
		t.Fatalf("expected miss after Del")
	}
}
