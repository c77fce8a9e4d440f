package locks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockAlreadyHeld occurs when the lock is held by another instance
	ErrLockAlreadyHeld = errors.New("lock already held by another instance")
	// ErrLockNotHeld occurs when releasing a lock not held by this instance
	ErrLockNotHeld = errors.New("lock not held by this instance")
)

// DefaultLockTTL bounds how long a crashed holder can block a match commit
const DefaultLockTTL = 30 * time.Second

// Manager guards rating commits so a match is rated by at most one worker
// at a time. Redis-backed across workers (SET NX EX); process-local mutex
// set when Redis is not configured.
type Manager struct {
	redis      *redis.Client
	instanceID string

	mu    sync.Mutex
	local map[string]string
}

// Lock represents a held lock
type Lock struct {
	key     string
	value   string
	manager *Manager
}

// NewManager creates a lock manager. redisClient may be nil.
func NewManager(redisClient *redis.Client) *Manager {
	return &Manager{
		redis:      redisClient,
		instanceID: uuid.New().String(),
		local:      make(map[string]string),
	}
}

// Acquire attempts to take the named lock. Returns ErrLockAlreadyHeld
// without waiting when another holder has it; callers treat that as
// losing the race, not as a failure.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	if ttl == 0 {
		ttl = DefaultLockTTL
	}

	lockValue := fmt.Sprintf("%s:%s", m.instanceID, uuid.New().String())
	lockKey := fmt.Sprintf("lock:%s", key)

	if m.redis == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, held := m.local[lockKey]; held {
			return nil, ErrLockAlreadyHeld
		}
		m.local[lockKey] = lockValue
		return &Lock{key: lockKey, value: lockValue, manager: m}, nil
	}

	ok, err := m.redis.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", lockKey, err)
	}
	if !ok {
		return nil, ErrLockAlreadyHeld
	}

	log.Printf("[LOCK] Acquired %s (TTL: %v)", lockKey, ttl)
	return &Lock{key: lockKey, value: lockValue, manager: m}, nil
}

// Release frees the lock if this instance still holds it.
func (l *Lock) Release(ctx context.Context) error {
	m := l.manager

	if m.redis == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.local[l.key] != l.value {
			return ErrLockNotHeld
		}
		delete(m.local, l.key)
		return nil
	}

	// Check-and-delete; the value check prevents releasing a lock that
	// expired and was re-acquired elsewhere.
	current, err := m.redis.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return ErrLockNotHeld
	}
	if err != nil {
		return fmt.Errorf("failed to read lock %s: %w", l.key, err)
	}
	if current != l.value {
		return ErrLockNotHeld
	}

	if err := m.redis.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}

	log.Printf("[LOCK] Released %s", l.key)
	return nil
}
