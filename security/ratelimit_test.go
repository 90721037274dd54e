package security

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func newTestLimiter(t *testing.T, cfg RateLimitConfig) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(cfg, slog.Default())
	t.Cleanup(rl.Stop)
	return rl
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := newTestLimiter(t, RateLimitConfig{Rate: 1})

	if rl.config.Name != "default" {
		t.Errorf("Name = %q, want default", rl.config.Name)
	}
	if rl.config.MaxEntries != DefaultRateLimitMaxEntries {
		t.Errorf("MaxEntries = %d, want %d", rl.config.MaxEntries, DefaultRateLimitMaxEntries)
	}
	if rl.config.Burst != 1 {
		t.Errorf("Burst = %d, want 1", rl.config.Burst)
	}
	if rl.config.IdleTimeout != DefaultRateLimitIdleTimeout {
		t.Errorf("IdleTimeout = %v, want %v", rl.config.IdleTimeout, DefaultRateLimitIdleTimeout)
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := newTestLimiter(t, RateLimitConfig{Rate: 10, Burst: 5})

	for i := 0; i < 5; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Errorf("Allow() request %d should be allowed", i+1)
		}
	}
	if rl.Allow("1.2.3.4") {
		t.Error("Allow() should return false when rate limited")
	}
}

func TestRateLimiter_Allow_MultipleIdentifiers(t *testing.T) {
	rl := newTestLimiter(t, RateLimitConfig{Rate: 10, Burst: 2})

	for i := 0; i < 2; i++ {
		rl.Allow("id-1")
	}
	if rl.Allow("id-1") {
		t.Error("Allow(id-1) should be limited")
	}
	if !rl.Allow("id-2") {
		t.Error("Allow(id-2) should be allowed")
	}
}

func TestRateLimiter_Allow_RefillOverTime(t *testing.T) {
	rl := newTestLimiter(t, RateLimitConfig{Rate: rate.Every(time.Minute), Burst: 1})

	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("ip") {
		t.Fatal("first Allow() should succeed")
	}
	if rl.Allow("ip") {
		t.Fatal("second Allow() should be limited")
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("ip") {
		t.Error("Allow() should succeed after the bucket refills")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := newTestLimiter(t, RateLimitConfig{Rate: 1, Burst: 1, MaxEntries: 3})

	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("id-%d", i))
	}

	stats := rl.GetStats()
	if stats.CurrentEntries != 3 {
		t.Errorf("CurrentEntries = %d, want 3", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 2 {
		t.Errorf("TotalEvictions = %d, want 2", stats.TotalEvictions)
	}
	if stats.MemoryPressure != 100 {
		t.Errorf("MemoryPressure = %v, want 100", stats.MemoryPressure)
	}

	// id-0 was evicted, so it gets a fresh bucket.
	if !rl.Allow("id-0") {
		t.Error("evicted identifier should start with a full bucket")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := newTestLimiter(t, RateLimitConfig{Rate: 1, Burst: 1})

	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(20 * time.Minute)
	rl.Allow("recent")
	now = now.Add(15 * time.Minute)

	rl.Cleanup(30 * time.Minute)

	stats := rl.GetStats()
	if stats.CurrentEntries != 1 {
		t.Errorf("CurrentEntries = %d, want 1", stats.CurrentEntries)
	}
	if stats.TotalCleanups != 1 {
		t.Errorf("TotalCleanups = %d, want 1", stats.TotalCleanups)
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Rate: 1}, nil)
	rl.Stop()
	rl.Stop()
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := newTestLimiter(t, RateLimitConfig{Rate: rate.Every(time.Hour), Burst: 10})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Errorf("allowed = %d, want 10", allowed)
	}
}
