package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAllowConsumesWithinBurst(t *testing.T) {
	tb := NewTokenBucket(100, 10)
	if !tb.Allow(10) {
		t.Fatal("Allow should succeed up to the full burst")
	}
	if tb.Allow(1) {
		t.Fatal("Allow should fail once the bucket is drained")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	tb := NewTokenBucket(1000, 5)
	if !tb.Allow(5) {
		t.Fatal("initial burst should be available")
	}
	time.Sleep(20 * time.Millisecond)
	if !tb.Allow(1) {
		t.Fatal("bucket should have refilled at least one token after 20ms at 1000/s")
	}
}

func TestWaitWithZeroRateDisablesLimiting(t *testing.T) {
	tb := NewTokenBucket(0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tb.Wait(ctx, 1<<30); err != nil {
		t.Fatalf("Wait with a zero rate must never block: %v", err)
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	tb := NewTokenBucket(1, 1)
	tb.Allow(1) // drain the single token

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tb.Wait(ctx, 1000); err == nil {
		t.Fatal("Wait should return an error once the context is cancelled")
	}
}
