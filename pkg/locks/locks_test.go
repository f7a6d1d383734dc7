package locks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockerMutualExclusion(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	lock, ok, err := locker.Acquire(ctx, "exec:workflow_node:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, lock)

	_, ok, err = locker.Acquire(ctx, "exec:workflow_node:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while held")

	// Different key is independent
	_, ok, err = locker.Acquire(ctx, "exec:workflow_node:2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, locker.Release(ctx, lock))

	_, ok, err = locker.Acquire(ctx, "exec:workflow_node:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "acquire must succeed after release")
}

func TestMemoryLockerTTLExpiry(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	_, ok, err := locker.Acquire(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok, err = locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be reacquirable")
}

func TestMemoryLockerOwnerCheckedRelease(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	first, ok, err := locker.Acquire(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	// A peer takes over after expiry
	second, ok, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The stale owner's release must not free the peer's lock
	require.NoError(t, locker.Release(ctx, first))

	_, ok, err = locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "peer's lock must survive a stale release")

	require.NoError(t, locker.Release(ctx, second))
}

func TestLockKeyFamilies(t *testing.T) {
	assert.Equal(t, "exec:workflow_node:42", NodeExecutionKey(42))
	assert.Equal(t, "chain_execution:master:1:chain:2", ChainFirstKey(1, 2))
	assert.Equal(t, "chain_execution:chain:7", ChainNextKey(7))
}

func TestReleaseNilLock(t *testing.T) {
	locker := NewMemoryLocker()
	assert.NoError(t, locker.Release(context.Background(), nil))
}
