package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func fixedClock(l *Limiter, start time.Time) *time.Time {
	now := start
	l.now = func() time.Time { return now }
	return &now
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("chat-1"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if l.Len() != 0 {
		t.Errorf("unlimited limiter tracked %d keys", l.Len())
	}
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	now := fixedClock(l, time.Unix(1_700_000_000, 0))

	for i := 0; i < 3; i++ {
		if err := l.Allow("chat-1"); err != nil {
			t.Fatalf("burst request %d: %v", i, err)
		}
	}
	if err := l.Allow("chat-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// 60/min refills one token per second.
	*now = now.Add(time.Second)
	if err := l.Allow("chat-1"); err != nil {
		t.Fatalf("after refill: %v", err)
	}
}

func TestLimiter_KeysIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 1})
	fixedClock(l, time.Unix(1_700_000_000, 0))

	if err := l.Allow("chat-1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("chat-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected chat-1 limited, got %v", err)
	}
	if err := l.Allow("chat-2"); err != nil {
		t.Fatalf("chat-2 should have its own bucket: %v", err)
	}
}

func TestLimiter_Prune(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 10})
	now := fixedClock(l, time.Unix(1_700_000_000, 0))

	_ = l.Allow("old")
	*now = now.Add(10 * time.Minute)
	_ = l.Allow("fresh")

	if n := l.Prune(5 * time.Minute); n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Errorf("remaining = %d, want 1", l.Len())
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 1, BurstSize: 5})
	fixedClock(l, time.Unix(1_700_000_000, 0))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("chat-1") == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 5 {
		t.Errorf("allowed = %d, want 5", allowed)
	}
}

func TestLimiter_NilSafe(t *testing.T) {
	var l *Limiter
	if err := l.Allow("x"); err != nil {
		t.Fatal(err)
	}
	if l.Prune(time.Minute) != 0 || l.Len() != 0 {
		t.Fatal("nil limiter should be empty")
	}
}
