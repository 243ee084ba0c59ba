package cooldown

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAcquireAndExpire(t *testing.T) {
	now := time.Now()
	store := &memoryStore{expires: make(map[string]time.Time), now: func() time.Time { return now }}
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "enforce:lab1:r1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Still cooling down.
	ok, err = store.Acquire(ctx, "enforce:lab1:r1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Different key is independent.
	ok, err = store.Acquire(ctx, "enforce:lab1:r2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// After the TTL the key is free again.
	now = now.Add(2 * time.Minute)
	ok, err = store.Acquire(ctx, "enforce:lab1:r1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryRelease(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "k", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Release(ctx, "k"))

	ok, err = store.Acquire(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}
