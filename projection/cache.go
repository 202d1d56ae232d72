package projection

import "sync"

// partitionEntry holds one partition's cached state, the tag that
// produced it, and an optional lock tag.
type partitionEntry struct {
	state    []byte
	causedBy CheckpointTag
	locked   bool
	lockTag  CheckpointTag
}

// PartitionStateCache is an associative container keyed by partition
// string ("" denotes the root/only partition for global projections).
// It is only ever mutated by the single thread running the StagedQueue,
// per the cooperative single-threaded model in spec.md §5; the mutex
// exists solely to let DebugState queries (the out-of-order bypass
// traffic named in §4.2) read safely from another goroutine.
type PartitionStateCache struct {
	mu      sync.RWMutex
	entries map[string]*partitionEntry
}

// NewPartitionStateCache creates a cache with the root partition
// pre-seeded and implicitly, permanently locked.
func NewPartitionStateCache() *PartitionStateCache {
	c := &PartitionStateCache{entries: make(map[string]*partitionEntry)}
	c.entries[""] = &partitionEntry{locked: true}
	return c
}

// GetLocked returns the cached state for partition only if it is
// currently locked; (nil, false) otherwise.
func (c *PartitionStateCache) GetLocked(partition string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[partition]
	if !ok || !e.locked {
		return nil, false
	}
	return e.state, true
}

// TryLockAt acquires a lock on partition at atTag. It returns
// (state, true) on success. It fails (returns false) if the partition
// is not cached, or if a conflicting lock already exists at a
// different tag — unless allowRelockSamePosition permits idempotent
// re-acquisition at the same tag.
func (c *PartitionStateCache) TryLockAt(partition string, atTag CheckpointTag, allowRelockSamePosition bool) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[partition]
	if !ok {
		return nil, false
	}
	if e.locked {
		if e.lockTag.Compare(atTag) != 0 {
			return nil, false
		}
		if !allowRelockSamePosition {
			return nil, false
		}
	}
	e.locked = true
	e.lockTag = atTag
	return e.state, true
}

// CacheAndLock stores state for partition and locks it at lockAtTag.
// Used after a handler fold completes (stage 1/2 of the StagedQueue)
// to make the new state visible and held until the next unlock sweep.
func (c *PartitionStateCache) CacheAndLock(partition string, state []byte, causedBy CheckpointTag, lockAtTag CheckpointTag) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[partition]
	if !ok {
		e = &partitionEntry{}
		c.entries[partition] = e
	}
	e.state = state
	e.causedBy = causedBy
	e.locked = true
	e.lockTag = lockAtTag
}

// Unlock releases every lock whose acquisition tag is <= upToTag. Must
// only be called after a checkpoint completes at that tag — never
// earlier, per invariant 3 in spec.md §3. The root partition ("") is
// never evicted or unlocked by this call; it is implicitly held for
// the projection's lifetime.
func (c *PartitionStateCache) Unlock(upToTag CheckpointTag) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if key == "" {
			continue
		}
		if e.locked && e.lockTag.LessOrEqual(upToTag) {
			e.locked = false
		}
	}
}

// Snapshot returns partition's cached state and the tag that produced
// it, regardless of lock status; (nil, zero tag, false) if the
// partition has never been cached. Unlike GetLocked, this observes a
// partition whose lock has already been released by a checkpoint's
// unlock sweep, so callers that need to persist a partition's state
// *because* a checkpoint just covered it (which is exactly when the
// partition's lock is released) must read through here, not GetLocked.
func (c *PartitionStateCache) Snapshot(partition string) ([]byte, CheckpointTag, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[partition]
	if !ok {
		return nil, CheckpointTag{}, false
	}
	return e.state, e.causedBy, true
}

// CausedBy returns the tag that produced partition's current cached
// state, used by the Partitioned CheckpointManager variant when
// deciding whether to emit a state-stream write.
func (c *PartitionStateCache) CausedBy(partition string) (CheckpointTag, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[partition]
	if !ok {
		return CheckpointTag{}, false
	}
	return e.causedBy, true
}

// Partitions returns every partition key currently cached, for catalog
// and debug iteration. Order is unspecified.
func (c *PartitionStateCache) Partitions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}
