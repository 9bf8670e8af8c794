package ratelimit

import (
	"testing"
	"time"
)

func TestTryConsumeExhaustsBudget(t *testing.T) {
	l := New(3, time.Minute)
	key := UserKey("alice")
	for i := 0; i < 3; i++ {
		if !l.TryConsume(key) {
			t.Fatalf("TryConsume() #%d denied within budget", i+1)
		}
	}
	if l.TryConsume(key) {
		t.Fatal("TryConsume() allowed beyond budget")
	}
	if got := l.Available(key); got != 0 {
		t.Fatalf("Available() = %d, want 0", got)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(1, time.Minute)
	if !l.TryConsume(UserKey("a")) {
		t.Fatal("first key denied")
	}
	if !l.TryConsume(UserKey("b")) {
		t.Fatal("second key affected by first key's spend")
	}
	if !l.TryConsume(IPKey("10.0.0.1")) {
		t.Fatal("ip key affected by user keys")
	}
}

func TestWindowRefillsCompletely(t *testing.T) {
	l := New(2, 20*time.Millisecond)
	key := UserKey("alice")
	l.TryConsume(key)
	l.TryConsume(key)
	if l.TryConsume(key) {
		t.Fatal("budget not exhausted")
	}
	time.Sleep(25 * time.Millisecond)
	if got := l.Available(key); got != 2 {
		t.Fatalf("Available() after window = %d, want 2", got)
	}
	if !l.TryConsume(key) {
		t.Fatal("TryConsume() denied after refill")
	}
}

func TestAvailableNeverExceedsMax(t *testing.T) {
	l := New(5, 10*time.Millisecond)
	key := UserKey("alice")
	l.TryConsume(key)
	time.Sleep(15 * time.Millisecond)
	// Several windows may elapse; the balance must still cap at max.
	if got := l.Available(key); got != 5 {
		t.Fatalf("Available() = %d, want %d", got, 5)
	}
}

func TestBlockOverridesBalance(t *testing.T) {
	l := New(10, time.Minute)
	key := IPKey("10.0.0.9")
	l.Block(key, 30*time.Millisecond)
	if l.TryConsume(key) {
		t.Fatal("TryConsume() allowed while blocked")
	}
	if got := l.Available(key); got != 0 {
		t.Fatalf("Available() while blocked = %d, want 0", got)
	}
	time.Sleep(35 * time.Millisecond)
	if !l.TryConsume(key) {
		t.Fatal("TryConsume() denied after block expired")
	}
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	l := New(5, time.Minute)
	l.TryConsume(UserKey("a"))
	l.TryConsume(UserKey("b"))
	if got := l.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	// Not yet idle for two windows.
	l.Sweep(time.Now().Add(time.Minute))
	if got := l.Len(); got != 2 {
		t.Fatalf("Len() after early sweep = %d, want 2", got)
	}
	l.Sweep(time.Now().Add(3 * time.Minute))
	if got := l.Len(); got != 0 {
		t.Fatalf("Len() after sweep = %d, want 0", got)
	}
}

func TestSweepRetainsBlockedBuckets(t *testing.T) {
	l := New(5, 10*time.Millisecond)
	key := IPKey("10.0.0.1")
	l.Block(key, time.Hour)
	l.Sweep(time.Now().Add(time.Minute))
	if got := l.Len(); got != 1 {
		t.Fatalf("Len() = %d, blocked bucket was swept", got)
	}
}

func TestZeroConfigFallsBackToDefaults(t *testing.T) {
	l := New(0, 0)
	if got := l.Available(UserKey("x")); got != DefaultMaxRequests {
		t.Fatalf("Available() = %d, want %d", got, DefaultMaxRequests)
	}
}
