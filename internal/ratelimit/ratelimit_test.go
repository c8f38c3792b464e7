package ratelimit

import (
	"errors"
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

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = clock.Now
	return l, clock
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for range 1000 {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("unlimited limiter rejected request: %v", err)
		}
	}
	if l.Len() != 0 {
		t.Errorf("unlimited limiter should not track clients, got %d", l.Len())
	}
}

func TestLimiter_BurstThenReject(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	for i := range 3 {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestLimiter_Refill(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	if err := l.Allow("alice"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("alice"); err == nil {
		t.Fatal("expected rejection before refill")
	}
	clock.Advance(time.Second)
	if err := l.Allow("alice"); err != nil {
		t.Fatalf("expected token after one second, got %v", err)
	}
}

func TestLimiter_ClientsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 1, BurstSize: 1})
	if err := l.Allow("alice"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("alice"); err == nil {
		t.Fatal("alice should be limited")
	}
	if err := l.Allow("bob"); err != nil {
		t.Fatalf("bob should not share alice's bucket: %v", err)
	}
}

func TestLimiter_BurstDefaultsToRate(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 5})
	for i := range 5 {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
	}
	if err := l.Allow("alice"); err == nil {
		t.Fatal("expected rejection after burst")
	}
}

func TestLimiter_Prune(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60})
	_ = l.Allow("alice")
	clock.Advance(10 * time.Minute)
	_ = l.Allow("bob")

	if n := l.Prune(5 * time.Minute); n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Errorf("remaining = %d, want 1", l.Len())
	}
}
