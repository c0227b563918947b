package main

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/tollgate/pkg/rpc"
)

func TestMessageCacheAddExistsRemove(t *testing.T) {
	cache := NewMessageCache(60 * time.Second)
	require.Equal(t, minCleanupInterval, cache.cleanupEvery)

	hash := "deadbeef"
	assert.False(t, cache.Exists(hash))

	cache.Add(hash)
	assert.True(t, cache.Exists(hash))

	// Re-adding refreshes, never errors.
	cache.Add(hash)
	assert.True(t, cache.Exists(hash))

	cache.Remove(hash)
	assert.False(t, cache.Exists(hash))

	// Removing an unknown hash is a no-op.
	cache.Remove("not-there")
}

func TestMessageCacheExpiry(t *testing.T) {
	cache := NewMessageCache(50 * time.Millisecond)

	cache.Add("short-lived")
	assert.True(t, cache.Exists("short-lived"))

	time.Sleep(80 * time.Millisecond)
	assert.False(t, cache.Exists("short-lived"))

	// Expiry is lazy: the entry stays in the map until a sweep runs.
	cache.mu.RLock()
	_, stillInMap := cache.entries["short-lived"]
	cache.mu.RUnlock()
	assert.True(t, stillInMap)
}

func TestMessageCacheSweep(t *testing.T) {
	cache := NewMessageCache(5 * time.Millisecond)

	for i := range 100 {
		cache.Add(fmt.Sprintf("hash-%d", i))
	}
	time.Sleep(10 * time.Millisecond)

	// Adds past the cleanup interval trigger a sweep of the expired bulk.
	for i := range minCleanupInterval + 1 {
		cache.Add(fmt.Sprintf("fresh-%d", i))
	}

	cache.mu.RLock()
	size := len(cache.entries)
	cache.mu.RUnlock()
	assert.LessOrEqual(t, size, minCleanupInterval+1)
}

func TestMessageCacheCleanupInterval(t *testing.T) {
	cache := NewMessageCache(60 * time.Second)

	cases := []struct {
		size     int
		interval int
	}{
		{0, minCleanupInterval},
		{99, minCleanupInterval},
		{500, 50},
		{5000, 500},
		{10000, maxCleanupInterval},
		{50000, maxCleanupInterval},
	}

	for _, tc := range cases {
		cache.entries = make(map[string]int64, tc.size)
		for i := range tc.size {
			cache.entries[fmt.Sprintf("h%d", i)] = time.Now().UnixMilli()
		}
		cache.recalculateCleanupInterval()
		assert.Equal(t, tc.interval, cache.cleanupEvery, "size %d", tc.size)
	}
}

func TestMessageCacheConcurrency(t *testing.T) {
	cache := NewMessageCache(time.Second)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(3)
		go func() {
			defer wg.Done()
			for j := range 100 {
				cache.Add(fmt.Sprintf("%d-%d", i, j))
			}
		}()
		go func() {
			defer wg.Done()
			for j := range 100 {
				cache.Exists(fmt.Sprintf("%d-%d", i, j))
			}
		}()
		go func() {
			defer wg.Done()
			for j := range 100 {
				cache.Remove(fmt.Sprintf("%d-%d", i, j))
			}
		}()
	}
	wg.Wait()
}

func TestHashMessage(t *testing.T) {
	params, err := rpc.NewParams(map[string]string{"destination": "0xabc", "asset": "usdc"})
	require.NoError(t, err)

	payload := rpc.NewPayload(123, "transfer", params)
	req := rpc.NewRequest(payload)

	hash1 := HashMessage(&req)
	require.NotEmpty(t, hash1)
	// Keccak256 hex digest.
	assert.Len(t, hash1, 64)

	// Deterministic for the same request.
	assert.Equal(t, hash1, HashMessage(&req))

	// A different request id changes the digest.
	other := rpc.NewRequest(rpc.NewPayload(124, "transfer", params))
	assert.NotEqual(t, hash1, HashMessage(&other))

	// Nil requests hash to the empty string.
	assert.Empty(t, HashMessage(nil))
}
