package admission

import (
	"hash/fnv"
	"sync"
	"time"
)

const defaultShardCount = 32

// LocalLimiter is the in-process fallback limiter, used while the remote
// store is unreachable. Records live in a sharded map so unrelated subjects
// never contend on one lock; same-subject calls serialize on their shard.
//
// It is never synchronized with the remote store. Shadow records built here
// are discarded once the remote store recovers: remote state is
// authoritative, and a brief window of under-throttling is preferred over
// split-brain merge logic.
type LocalLimiter struct {
	shards     []*localShard
	idleAge    time.Duration
	maxEntries int

	now func() time.Time
}

type localShard struct {
	mu      sync.Mutex
	records map[string]*localEntry
}

type localEntry struct {
	rec        Record
	lastAccess time.Time
}

// NewLocalLimiter creates a local limiter with the given shard count
// (defaulted when <= 0), idle age for sweep eviction, and a soft cap on
// total entries that triggers more aggressive eviction.
func NewLocalLimiter(shardCount int, idleAge time.Duration, maxEntries int) *LocalLimiter {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	shards := make([]*localShard, shardCount)
	for i := range shards {
		shards[i] = &localShard{records: make(map[string]*localEntry)}
	}
	return &LocalLimiter{
		shards:     shards,
		idleAge:    idleAge,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (l *LocalLimiter) shard(key string) *localShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// TryConsume runs the token bucket algorithm against the local record for
// key, creating a full bucket on first access. It cannot fail: this is the
// fallback of last resort.
func (l *LocalLimiter) TryConsume(key BucketKey, p Policy, cost float64, now time.Time) Outcome {
	s := l.shard(key.String())
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.records[key.String()]
	if !ok {
		entry = &localEntry{rec: NewRecord(p, now)}
		s.records[key.String()] = entry
	}

	rec, out := TryConsume(entry.rec, p, cost, now)
	entry.rec = rec
	entry.lastAccess = now
	return out
}

// Reset drops the record for key, restoring a full bucket on next access.
func (l *LocalLimiter) Reset(key BucketKey) {
	s := l.shard(key.String())
	s.mu.Lock()
	delete(s.records, key.String())
	s.mu.Unlock()
}

// Len returns the total number of records across all shards.
func (l *LocalLimiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}

// Sweep removes idle, unblocked records and returns how many were evicted.
// If the map still exceeds maxEntries afterwards, a second pass evicts at a
// quarter of the idle age: admission correctness beats strict memory bounds,
// so records are never dropped while a block is pending.
func (l *LocalLimiter) Sweep(now time.Time) int {
	removed := l.sweepOlderThan(now, l.idleAge)
	if l.maxEntries > 0 && l.Len() > l.maxEntries {
		removed += l.sweepOlderThan(now, l.idleAge/4)
	}
	return removed
}

func (l *LocalLimiter) sweepOlderThan(now time.Time, age time.Duration) int {
	if age <= 0 {
		return 0
	}
	cutoff := now.Add(-age)
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, entry := range s.records {
			if entry.lastAccess.After(cutoff) {
				continue
			}
			if !entry.rec.BlockedUntil.IsZero() && now.Before(entry.rec.BlockedUntil) {
				continue
			}
			delete(s.records, key)
			removed++
		}
		s.mu.Unlock()
	}
	return removed
}

// StartBackgroundSweep starts a goroutine that sweeps on the given interval.
// Call the returned function to stop it.
func (l *LocalLimiter) StartBackgroundSweep(interval time.Duration) func() {
	if interval <= 0 || l.idleAge <= 0 {
		return func() {}
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				l.Sweep(l.now())
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}
