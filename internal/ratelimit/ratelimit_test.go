package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("client"); err != nil {
			t.Fatalf("unlimited limiter rejected request %d: %v", i, err)
		}
	}
}

func TestLimiter_BurstExhaustion(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, Burst: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("client"); err != nil {
			t.Fatalf("request %d rejected within burst: %v", i, err)
		}
	}
	if err := l.Allow("client"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited after burst exhausted", err)
	}
}

func TestLimiter_PerClientIsolation(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, Burst: 1})

	if err := l.Allow("a"); err != nil {
		t.Fatalf("first request for a rejected: %v", err)
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Fatal("a should be exhausted")
	}
	if err := l.Allow("b"); err != nil {
		t.Errorf("b was throttled by a's bucket: %v", err)
	}
}

func TestLimiter_Refill(t *testing.T) {
	// 6000/min = 100 tokens per second, so a short sleep refills.
	l := NewLimiter(Config{RequestsPerMinute: 6000, Burst: 1})

	if err := l.Allow("client"); err != nil {
		t.Fatalf("first request rejected: %v", err)
	}
	if err := l.Allow("client"); !errors.Is(err, ErrRateLimited) {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(50 * time.Millisecond)
	if err := l.Allow("client"); err != nil {
		t.Errorf("bucket did not refill: %v", err)
	}
}

func TestLimiter_BurstDefaultsToRate(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 5})
	for i := 0; i < 5; i++ {
		if err := l.Allow("client"); err != nil {
			t.Fatalf("request %d rejected, burst should default to rate: %v", i, err)
		}
	}
	if err := l.Allow("client"); !errors.Is(err, ErrRateLimited) {
		t.Error("sixth request should be limited")
	}
}
