package main

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/layer-3/tollgate/pkg/rpc"
)

const (
	cleanupTargetFraction = 10   // cleanup when ~1/10th of cache size new entries added
	minCleanupInterval    = 10   // minimum cleanup interval in operations
	maxCleanupInterval    = 1000 // maximum cleanup interval in operations
)

// MessageCache tracks hashes of recently seen requests so replays inside
// the message expiry window are rejected. Cleanup is lazy: expired entries
// are swept every N Adds, with N scaled to the cache size, and Exists
// treats expired entries as absent in the meantime.
type MessageCache struct {
	entries        map[string]int64 // hash -> expiry timestamp (Unix ms)
	mu             sync.RWMutex
	ttl            time.Duration
	cleanupCounter int
	cleanupEvery   int
}

func NewMessageCache(ttl time.Duration) *MessageCache {
	return &MessageCache{
		entries:      make(map[string]int64),
		ttl:          ttl,
		cleanupEvery: minCleanupInterval,
	}
}

// Add records a message hash, expiring TTL from now.
func (mc *MessageCache) Add(hash string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.entries[hash] = time.Now().Add(mc.ttl).UnixMilli()

	mc.cleanupCounter++
	if mc.cleanupCounter >= mc.cleanupEvery {
		mc.cleanupExpiredLocked()
		mc.recalculateCleanupInterval()
		mc.cleanupCounter = 0
	}
}

// Exists reports whether the hash is cached and still inside its TTL.
func (mc *MessageCache) Exists(hash string) bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	expiryTime, exists := mc.entries[hash]
	if !exists {
		return false
	}

	if time.Now().UnixMilli() > expiryTime {
		return false
	}

	return true
}

// Remove drops a hash so a failed message may be retried immediately.
func (mc *MessageCache) Remove(hash string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.entries, hash)
}

// cleanupExpiredLocked removes all expired entries. The caller holds
// mc.mu.Lock(), letting Add insert and sweep in one critical section.
func (mc *MessageCache) cleanupExpiredLocked() {
	now := time.Now().UnixMilli()
	for hash, expiryTime := range mc.entries {
		if now > expiryTime {
			delete(mc.entries, hash)
		}
	}
}

// recalculateCleanupInterval scales sweep frequency with cache size,
// targeting one sweep per cleanupTargetFraction of new entries, bounded
// between the min and max intervals.
func (mc *MessageCache) recalculateCleanupInterval() {
	size := len(mc.entries)

	interval := size / cleanupTargetFraction

	if interval < minCleanupInterval {
		mc.cleanupEvery = minCleanupInterval
	} else if interval > maxCleanupInterval {
		mc.cleanupEvery = maxCleanupInterval
	} else {
		mc.cleanupEvery = interval
	}
}

// HashMessage keys a request by the Keccak256 of its canonical payload
// JSON, the same digest participants sign.
func HashMessage(req *rpc.Request) string {
	if req == nil {
		return ""
	}

	hash, err := req.Req.Hash()
	if err != nil {
		return ""
	}
	return hex.EncodeToString(hash)
}
