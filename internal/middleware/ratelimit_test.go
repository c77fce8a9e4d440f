package middleware

import (
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	config := RateLimiterConfig{
		RequestsPerSecond: 2.0, // 2 requests per second
		BurstSize:         3,   // Burst up to 3
		CleanupInterval:   1 * time.Minute,
	}

	rl := NewRateLimiter(config)
	defer rl.Stop()

	clientID := "203.0.113.10"

	// First 3 requests should succeed (burst)
	for i := 0; i < 3; i++ {
		if !rl.Allow(clientID) {
			t.Errorf("Request %d should be allowed (within burst)", i+1)
		}
	}

	// 4th request should fail (burst exhausted)
	if rl.Allow(clientID) {
		t.Error("Request 4 should be denied (burst exhausted)")
	}

	// Wait for tokens to refill (500ms = 1 token at 2/sec)
	time.Sleep(550 * time.Millisecond)

	// Should have 1 new token
	if !rl.Allow(clientID) {
		t.Error("Request should be allowed after token refill")
	}
}

func TestRateLimiter_DifferentClients(t *testing.T) {
	config := RateLimiterConfig{
		RequestsPerSecond: 1.0,
		BurstSize:         2,
		CleanupInterval:   1 * time.Minute,
	}

	rl := NewRateLimiter(config)
	defer rl.Stop()

	// Each client IP should have an independent rate limit
	client1 := "203.0.113.10"
	client2 := "203.0.113.11"

	for i := 0; i < 2; i++ {
		if !rl.Allow(client1) {
			t.Errorf("Client 1 request %d should be allowed", i+1)
		}
		if !rl.Allow(client2) {
			t.Errorf("Client 2 request %d should be allowed", i+1)
		}
	}

	if rl.Allow(client1) {
		t.Error("Client 1 should be rate limited")
	}
	if rl.Allow(client2) {
		t.Error("Client 2 should be rate limited")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	config := RateLimiterConfig{
		RequestsPerSecond: 10.0,
		BurstSize:         10,
		CleanupInterval:   100 * time.Millisecond,
	}

	rl := NewRateLimiter(config)
	defer rl.Stop()

	rl.Allow("203.0.113.10")
	rl.Allow("203.0.113.11")
	rl.Allow("203.0.113.12")

	initialCount := rl.LimiterCount()
	if initialCount != 3 {
		t.Errorf("Expected 3 limiters, got %d", initialCount)
	}

	// Wait for cleanup interval + buffer
	time.Sleep(150 * time.Millisecond)

	// Manual cleanup (simulate cleanup loop)
	rl.cleanup()

	count := rl.LimiterCount()
	if count != 0 {
		t.Errorf("Expected 0 limiters after cleanup, got %d", count)
	}
}
