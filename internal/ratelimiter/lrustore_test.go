package ratelimiter

import (
	"context"
	"testing"
)

func TestLRUStoreMaybeIncrementStartsNewWindow(t *testing.T) {
	s := NewLRUStore()
	defer s.Close()

	entry, err := s.MaybeIncrement(context.Background(), "k1", 60_000, 1_000)
	if err != nil {
		t.Fatalf("MaybeIncrement: %v", err)
	}
	if entry.Count != 1 || entry.ResetAt != 61_000 {
		t.Fatalf("entry = %+v, want Count=1 ResetAt=61000", entry)
	}
}

func TestLRUStoreMaybeIncrementAccumulatesWithinWindow(t *testing.T) {
	s := NewLRUStore()
	defer s.Close()

	if _, err := s.MaybeIncrement(context.Background(), "k2", 60_000, 1_000); err != nil {
		t.Fatalf("MaybeIncrement: %v", err)
	}
	entry, err := s.MaybeIncrement(context.Background(), "k2", 60_000, 1_500)
	if err != nil {
		t.Fatalf("MaybeIncrement: %v", err)
	}
	if entry.Count != 2 {
		t.Fatalf("Count = %d, want 2", entry.Count)
	}
}

func TestLRUStoreMaybeIncrementResetsAfterWindowExpires(t *testing.T) {
	s := NewLRUStore()
	defer s.Close()

	if _, err := s.MaybeIncrement(context.Background(), "k3", 1_000, 1_000); err != nil {
		t.Fatalf("MaybeIncrement: %v", err)
	}
	entry, err := s.MaybeIncrement(context.Background(), "k3", 1_000, 5_000)
	if err != nil {
		t.Fatalf("MaybeIncrement: %v", err)
	}
	if entry.Count != 1 {
		t.Fatalf("Count = %d, want 1 after window expiry", entry.Count)
	}
}

func TestLRUStoreReset(t *testing.T) {
	s := NewLRUStore()
	defer s.Close()

	if _, err := s.MaybeIncrement(context.Background(), "k4", 60_000, 1_000); err != nil {
		t.Fatalf("MaybeIncrement: %v", err)
	}
	if err := s.Reset(context.Background(), "k4"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	entry, err := s.MaybeIncrement(context.Background(), "k4", 60_000, 1_100)
	if err != nil {
		t.Fatalf("MaybeIncrement: %v", err)
	}
	if entry.Count != 1 {
		t.Fatalf("Count = %d, want 1 after reset", entry.Count)
	}
}

func TestLRUStoreEvictsOldestOnOverflow(t *testing.T) {
	original := maxCacheSize
	maxCacheSize = 10
	defer func() { maxCacheSize = original }()

	store := NewLRUStore()
	defer store.Close()
	s := store.(*lruStore)

	for i := 0; i < maxCacheSize; i++ {
		key := "k" + itoa(i)
		if _, err := s.MaybeIncrement(context.Background(), key, 60_000, int64(i)); err != nil {
			t.Fatalf("MaybeIncrement: %v", err)
		}
	}
	if _, err := s.MaybeIncrement(context.Background(), "overflow", 60_000, int64(maxCacheSize)); err != nil {
		t.Fatalf("MaybeIncrement: %v", err)
	}
	if s.cache.Len() > maxCacheSize {
		t.Fatalf("cache.Len() = %d, want <= %d after eviction", s.cache.Len(), maxCacheSize)
	}
	if _, ok := s.cache.Peek("k0"); ok {
		t.Fatalf("expected the oldest entry (k0) to have been evicted")
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := make([]byte, 0, 12)
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
