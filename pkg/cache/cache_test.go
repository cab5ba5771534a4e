package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryPutGetEvict(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(nil)

	if _, ok, err := c.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = (_, %v, %v), want (_, false, nil)", ok, err)
	}

	if err := c.Put(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get(k) = (%q, %v, %v), want (v, true, nil)", v, ok, err)
	}

	if err := c.Evict(ctx, "k"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("Get(k) after Evict still found")
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &now
	c := NewMemory(func() time.Time { return *clock })

	if err := c.Put(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	advanced := now.Add(2 * time.Minute)
	clock = &advanced
	if _, ok, err := c.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("Get(k) after expiry = (_, %v, %v), want (_, false, nil)", ok, err)
	}
}

func TestMemoryZeroTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(nil)
	if err := c.Put(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok, err := c.Get(ctx, "k"); err != nil || !ok {
		t.Fatalf("Get(k) = (_, %v, %v), want (_, true, nil)", ok, err)
	}
}

func TestMemoryEvictPattern(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(nil)
	for _, k := range []string{"token:a", "token:b", "other"} {
		if err := c.Put(ctx, k, []byte("v"), time.Minute); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	if err := c.EvictPattern(ctx, "token:"); err != nil {
		t.Fatalf("EvictPattern: %v", err)
	}

	if _, ok, _ := c.Get(ctx, "token:a"); ok {
		t.Fatal("token:a survived EvictPattern")
	}
	if _, ok, _ := c.Get(ctx, "token:b"); ok {
		t.Fatal("token:b survived EvictPattern")
	}
	if _, ok, _ := c.Get(ctx, "other"); !ok {
		t.Fatal("other was evicted by an unrelated prefix")
	}
}
