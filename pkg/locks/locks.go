package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock is an acquired distributed lock. Release is owner-checked: only
// the process holding the owner token can delete the key.
type Lock struct {
	Key   string
	Owner string
}

// Locker is the distributed mutual exclusion primitive the polling core
// uses to prevent duplicate dispatch across replicas. Acquire is always
// non-blocking.
type Locker interface {
	// Acquire tries to take the lock. Returns (nil, false, nil) when a
	// peer already holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error)

	// Release frees the lock if this process still owns it. Expired or
	// foreign locks are ignored.
	Release(ctx context.Context, lock *Lock) error
}

// Lock key families

// NodeExecutionKey guards execution creation for one workflow node
func NodeExecutionKey(nodeID int64) string {
	return fmt.Sprintf("exec:workflow_node:%d", nodeID)
}

// ChainFirstKey guards the dispatch of a master's first chain node
func ChainFirstKey(masterID, chainID int64) string {
	return fmt.Sprintf("chain_execution:master:%d:chain:%d", masterID, chainID)
}

// ChainNextKey guards the dispatch of a chain node's successor
func ChainNextKey(nextID int64) string {
	return fmt.Sprintf("chain_execution:chain:%d", nextID)
}

// RedisLocker implements Locker on a shared Redis: SET NX PX to acquire,
// compare-owner-and-delete to release.
type RedisLocker struct {
	client redis.UniversalClient
}

// releaseScript deletes the key only while this owner still holds it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisLocker creates a Redis-backed locker
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	owner := uuid.New().String()
	ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{Key: key, Owner: owner}, true, nil
}

func (l *RedisLocker) Release(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{lock.Key}, lock.Owner).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lock.Key, err)
	}
	return nil
}

// MemoryLocker implements Locker in process memory. It backs single-node
// deployments and tests; it provides the same owner-checked release and
// TTL expiry semantics as the Redis locker.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLock
}

type memoryLock struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryLocker creates an in-process locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryLock)}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if held, ok := l.locks[key]; ok && held.expiresAt.After(now) {
		return nil, false, nil
	}

	owner := uuid.New().String()
	l.locks[key] = memoryLock{owner: owner, expiresAt: now.Add(ttl)}
	return &Lock{Key: key, Owner: owner}, true, nil
}

func (l *MemoryLocker) Release(_ context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if held, ok := l.locks[lock.Key]; ok && held.owner == lock.Owner {
		delete(l.locks, lock.Key)
	}
	return nil
}
