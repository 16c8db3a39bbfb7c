package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func newTestMemory(t *testing.T, opts MemoryOptions) *Memory {
	t.Helper()
	c := NewMemory(context.Background(), opts)
	t.Cleanup(c.Close)
	return c
}

func TestMemorySetAndGet(t *testing.T) {
	c := newTestMemory(t, MemoryOptions{})

	want := []byte(`{"choices":[]}`)
	if err := c.Set(context.Background(), "k", want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(context.Background(), "k")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != string(want) {
		t.Fatalf("Get = %q, want %q", got, want)
	}
}

func TestMemoryGetMiss(t *testing.T) {
	c := newTestMemory(t, MemoryOptions{})

	if _, ok := c.Get(context.Background(), "absent"); ok {
		t.Fatal("expected miss")
	}
}

func TestMemoryLazyExpiry(t *testing.T) {
	c := newTestMemory(t, MemoryOptions{})

	if err := c.Set(context.Background(), "k", []byte("v"), time.Nanosecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Fatal("expired entry must miss")
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d after lazy expiry, want 0", c.Len())
	}
}

func TestMemoryEntryCapEvictsLRU(t *testing.T) {
	c := newTestMemory(t, MemoryOptions{MaxEntries: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = c.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Hour)
	}

	// Touch k0 so k1 becomes the least recently used.
	if _, ok := c.Get(ctx, "k0"); !ok {
		t.Fatal("k0 should be present")
	}

	_ = c.Set(ctx, "k3", []byte("v"), time.Hour)

	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	if _, ok := c.Get(ctx, "k1"); ok {
		t.Fatal("k1 should have been evicted as LRU")
	}
	for _, k := range []string{"k0", "k2", "k3"} {
		if _, ok := c.Get(ctx, k); !ok {
			t.Fatalf("%s should survive eviction", k)
		}
	}
}

func TestMemoryByteCapEvictsLRU(t *testing.T) {
	c := newTestMemory(t, MemoryOptions{MaxBytes: 10})
	ctx := context.Background()

	_ = c.Set(ctx, "a", []byte("aaaaa"), time.Hour) // 5 bytes
	_ = c.Set(ctx, "b", []byte("bbbbb"), time.Hour) // 5 bytes
	_ = c.Set(ctx, "c", []byte("ccccc"), time.Hour) // pushes over cap

	if c.Bytes() > 10 {
		t.Fatalf("Bytes = %d, want <= 10", c.Bytes())
	}
	if _, ok := c.Get(ctx, "a"); ok {
		t.Fatal("a should have been evicted as LRU")
	}
	if _, ok := c.Get(ctx, "c"); !ok {
		t.Fatal("c should be present")
	}
}

func TestMemoryOversizedValueDropped(t *testing.T) {
	c := newTestMemory(t, MemoryOptions{MaxBytes: 4})
	ctx := context.Background()

	if err := c.Set(ctx, "big", []byte("too large"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := c.Get(ctx, "big"); ok {
		t.Fatal("oversized value must not be stored")
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want 0", c.Len())
	}
}

func TestMemoryUpdateExistingKey(t *testing.T) {
	c := newTestMemory(t, MemoryOptions{})
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("short"), time.Hour)
	_ = c.Set(ctx, "k", []byte("a much longer replacement"), time.Hour)

	got, ok := c.Get(ctx, "k")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != "a much longer replacement" {
		t.Fatalf("Get = %q", got)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
	if c.Bytes() != int64(len("a much longer replacement")) {
		t.Fatalf("Bytes = %d, want %d", c.Bytes(), len("a much longer replacement"))
	}
}

func TestMemoryHitCount(t *testing.T) {
	c := newTestMemory(t, MemoryOptions{})
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Hour)
	if c.Hits("k") != 0 {
		t.Fatalf("Hits = %d before any Get, want 0", c.Hits("k"))
	}

	for i := 0; i < 3; i++ {
		c.Get(ctx, "k")
	}
	if c.Hits("k") != 3 {
		t.Fatalf("Hits = %d, want 3", c.Hits("k"))
	}
	if c.Hits("absent") != 0 {
		t.Fatal("Hits of absent key must be 0")
	}
}

func TestMemoryDelete(t *testing.T) {
	c := newTestMemory(t, MemoryOptions{})
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Hour)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("key should be gone after Delete")
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete of missing key: %v", err)
	}
	if c.Bytes() != 0 {
		t.Fatalf("Bytes = %d after delete, want 0", c.Bytes())
	}
}

func TestMemoryEvictExpired(t *testing.T) {
	c := newTestMemory(t, MemoryOptions{})
	ctx := context.Background()

	_ = c.Set(ctx, "stale", []byte("v"), time.Nanosecond)
	_ = c.Set(ctx, "fresh", []byte("v"), time.Hour)
	time.Sleep(5 * time.Millisecond)

	c.evictExpired()

	if c.Len() != 1 {
		t.Fatalf("Len = %d after sweep, want 1", c.Len())
	}
	if _, ok := c.Get(ctx, "fresh"); !ok {
		t.Fatal("fresh entry must survive the sweep")
	}
}
