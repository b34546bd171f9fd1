package infra

import (
	"testing"
	"time"
)

func TestRateLimiter_BurstThenDry(t *testing.T) {
	rl := NewRateLimiter(3, 0.001)

	for i := 0; i < 3; i++ {
		if !rl.TryAcquire() {
			t.Fatalf("acquire %d should succeed within burst", i)
		}
	}
	if rl.TryAcquire() {
		t.Error("bucket should be dry after the burst")
	}
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(1, 20)

	if !rl.TryAcquire() {
		t.Fatal("initial token missing")
	}
	if rl.TryAcquire() {
		t.Fatal("second acquire should fail before refill")
	}

	time.Sleep(80 * time.Millisecond) // 20/s refills one token in 50ms

	if !rl.TryAcquire() {
		t.Error("token should have refilled")
	}
}

func TestRateLimiter_WaitBlocksForRefill(t *testing.T) {
	rl := NewRateLimiter(1, 100)
	rl.Wait()

	start := time.Now()
	rl.Wait()
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("second Wait returned after %v, expected a refill pause", elapsed)
	}
}

func TestRateLimiter_FractionalRateKeepsBurst(t *testing.T) {
	// The watcher builds limiters with sub-1/s rates; the initial burst
	// must still grant tokens immediately.
	rl := NewRateLimiter(1, 0.001)
	if !rl.TryAcquire() {
		t.Error("burst token should be available at a fractional rate")
	}
	if rl.TryAcquire() {
		t.Error("no second token should exist at a fractional rate")
	}
}
