package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store counts pipeline events (queued players, matches found, sessions
// archived). Backed by Redis so counters survive restarts and aggregate
// across workers; falls back to process-local counters when Redis is not
// configured.
type Store struct {
	redis *redis.Client

	mu    sync.Mutex
	local map[string]int64
}

// Config holds Redis configuration
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// New creates a telemetry store. A nil error with a memory backend is
// returned when addr is empty; a Redis connection failure is an error so
// misconfiguration is visible at boot.
func New(config Config) (*Store, error) {
	if config.Host == "" {
		log.Println("[TELEMETRY] No Redis configured, using in-memory counters")
		return &Store{local: make(map[string]int64)}, nil
	}

	addr := fmt.Sprintf("%s:%s", config.Host, config.Port)
	log.Printf("[TELEMETRY] Connecting to Redis at %s...", addr)

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[TELEMETRY] Connected to Redis at %s", addr)

	return &Store{redis: client, local: make(map[string]int64)}, nil
}

// Incr adds delta to a counter. Negative deltas decrement gauges.
func (s *Store) Incr(key string, delta int64) {
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.redis.IncrBy(ctx, "telemetry:"+key, delta).Err(); err != nil {
			log.Printf("[TELEMETRY] Failed to increment %s: %v", key, err)
		}
		return
	}

	s.mu.Lock()
	s.local[key] += delta
	s.mu.Unlock()
}

// Get returns the current value of a counter.
func (s *Store) Get(key string) int64 {
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := s.redis.Get(ctx, "telemetry:"+key).Int64()
		if err != nil {
			return 0
		}
		return n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local[key]
}

// Redis exposes the underlying client for components that share the
// connection (nil when running on memory).
func (s *Store) Redis() *redis.Client {
	return s.redis
}

// Close closes the Redis connection if one is open.
func (s *Store) Close() error {
	if s.redis != nil {
		log.Println("[TELEMETRY] Closing Redis connection...")
		return s.redis.Close()
	}
	return nil
}
