package server

import (
	"testing"
	"time"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	now := time.Now()
	r := newRateLimiter(2, time.Minute)
	r.now = func() time.Time { return now }

	if !r.allow("a") || !r.allow("a") {
		t.Fatal("first two messages should pass")
	}
	if r.allow("a") {
		t.Fatal("third message within the window should be dropped")
	}

	// A different sender has its own window.
	if !r.allow("b") {
		t.Fatal("other senders are unaffected")
	}

	// Once the window slides past the first messages, capacity frees up.
	now = now.Add(61 * time.Second)
	if !r.allow("a") {
		t.Fatal("message after window expiry should pass")
	}
}

func TestRateLimiterZeroLimitIsUnlimited(t *testing.T) {
	r := newRateLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !r.allow("a") {
			t.Fatal("zero limit must never drop")
		}
	}
}

func TestRateLimiterDropsDoNotExtendWindow(t *testing.T) {
	now := time.Now()
	r := newRateLimiter(1, time.Minute)
	r.now = func() time.Time { return now }

	if !r.allow("a") {
		t.Fatal("first message should pass")
	}
	// Dropped messages are not recorded, so the sender recovers as
	// soon as the original window expires.
	for i := 0; i < 5; i++ {
		if r.allow("a") {
			t.Fatal("should be limited")
		}
	}
	now = now.Add(61 * time.Second)
	if !r.allow("a") {
		t.Fatal("window should have cleared")
	}
}
