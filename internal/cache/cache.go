// Package cache deduplicates analysis work across concurrent and repeated
// submissions for the same target and module set.
package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/audit"
	"github.com/sitelens/sitelens/internal/metrics"
)

// Outcome says how a lookup settled.
type Outcome int

// Lookup outcomes.
const (
	// OutcomeHit means a fresh completed job already exists; no work runs.
	OutcomeHit Outcome = iota
	// OutcomeJoined means an identical job is in flight; the caller shares
	// its handle.
	OutcomeJoined
	// OutcomeReserved means the caller owns the key and must run the
	// pipeline, then Commit or Release.
	OutcomeReserved
)

// Result is what a lookup hands back to the orchestrator.
type Result struct {
	Outcome Outcome
	// Handle is set for OutcomeJoined: the in-flight job's handle.
	Handle *audit.JobHandle
	// JobID is set for OutcomeHit: the completed job to read results from.
	JobID string
}

type entry struct {
	jobID      string
	finishedAt time.Time
}

type reservation struct {
	handle *audit.JobHandle
}

// Cache holds completed-job entries with a TTL plus the in-flight reservation
// table. At most one pipeline runs per key at any time; everyone else joins
// or hits.
type Cache struct {
	ttl    time.Duration
	clock  audit.Clock
	logger *zap.Logger

	mu       sync.Mutex
	entries  map[string]entry
	inflight map[string]reservation
}

// New builds a cache with the given entry TTL.
func New(ttl time.Duration, clock audit.Clock, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		ttl:      ttl,
		clock:    clock,
		logger:   logger,
		entries:  make(map[string]entry),
		inflight: make(map[string]reservation),
	}
}

// LookupOrReserve resolves a key in one atomic step. Freshness further
// restricts the TTL: an entry older than the caller's freshness window is
// treated as expired for that caller only.
func (c *Cache) LookupOrReserve(key string, freshness time.Duration, handle *audit.JobHandle) Result {
	now := c.clock.Now()
	maxAge := c.ttl
	if freshness > 0 && freshness < maxAge {
		maxAge = freshness
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if res, ok := c.inflight[key]; ok {
		metrics.ObserveCacheLookup("join")
		return Result{Outcome: OutcomeJoined, Handle: res.handle}
	}

	if ent, ok := c.entries[key]; ok {
		if now.Sub(ent.finishedAt) <= maxAge {
			metrics.ObserveCacheLookup("hit")
			return Result{Outcome: OutcomeHit, JobID: ent.jobID}
		}
		// Only fully expired entries leave the table; a caller with a
		// tight freshness window must not evict for everyone else.
		if now.Sub(ent.finishedAt) > c.ttl {
			delete(c.entries, key)
		}
	}

	c.inflight[key] = reservation{handle: handle}
	metrics.ObserveCacheLookup("reserve")
	return Result{Outcome: OutcomeReserved, Handle: handle}
}

// Commit records a successfully completed job under the key and drops the
// reservation. Failed jobs must Release instead so the next submission can
// retry.
func (c *Cache) Commit(key, jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, key)
	c.entries[key] = entry{jobID: jobID, finishedAt: c.clock.Now()}
}

// Release drops the reservation without recording an entry.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, key)
}

// Sweep evicts expired entries. Callers run it periodically; lookups already
// ignore stale entries, so sweeping only bounds memory.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for key, ent := range c.entries {
		if now.Sub(ent.finishedAt) > c.ttl {
			delete(c.entries, key)
			evicted++
		}
	}
	if evicted > 0 {
		c.logger.Debug("cache sweep evicted entries", zap.Int("evicted", evicted))
	}
	return evicted
}

// Len reports the number of completed entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Inflight reports the number of reserved keys.
func (c *Cache) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
