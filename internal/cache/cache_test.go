package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/audit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func TestReserveThenCommitThenHit(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := New(time.Hour, clock, zap.NewNop())

	handle := audit.NewJobHandle("job-1")
	res := c.LookupOrReserve("key-a", 0, handle)
	require.Equal(t, OutcomeReserved, res.Outcome)
	require.Equal(t, 1, c.Inflight())

	c.Commit("key-a", "job-1")
	require.Equal(t, 0, c.Inflight())

	res = c.LookupOrReserve("key-a", 0, audit.NewJobHandle("job-2"))
	require.Equal(t, OutcomeHit, res.Outcome)
	require.Equal(t, "job-1", res.JobID)
}

func TestConcurrentSubmissionsJoinOnePipeline(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := New(time.Hour, clock, zap.NewNop())

	first := c.LookupOrReserve("key-a", 0, audit.NewJobHandle("job-1"))
	require.Equal(t, OutcomeReserved, first.Outcome)

	var wg sync.WaitGroup
	joined := make([]Result, 8)
	for i := range joined {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			joined[i] = c.LookupOrReserve("key-a", 0, audit.NewJobHandle("other"))
		}(i)
	}
	wg.Wait()

	for _, res := range joined {
		require.Equal(t, OutcomeJoined, res.Outcome)
		require.Same(t, first.Handle, res.Handle, "every joiner shares the owner's handle")
	}
	require.Equal(t, 1, c.Inflight(), "a single pipeline owns the key")
}

func TestReleaseAllowsRetry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := New(time.Hour, clock, zap.NewNop())

	res := c.LookupOrReserve("key-a", 0, audit.NewJobHandle("job-1"))
	require.Equal(t, OutcomeReserved, res.Outcome)

	c.Release("key-a")
	require.Equal(t, 0, c.Len(), "failed jobs leave no entry")

	res = c.LookupOrReserve("key-a", 0, audit.NewJobHandle("job-2"))
	require.Equal(t, OutcomeReserved, res.Outcome, "next submission retries")
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := New(time.Hour, clock, zap.NewNop())

	c.LookupOrReserve("key-a", 0, audit.NewJobHandle("job-1"))
	c.Commit("key-a", "job-1")

	clock.Advance(30 * time.Minute)
	res := c.LookupOrReserve("key-a", 0, audit.NewJobHandle("job-2"))
	require.Equal(t, OutcomeHit, res.Outcome)
	c.Release("key-a")

	clock.Advance(31 * time.Minute)
	res = c.LookupOrReserve("key-a", 0, audit.NewJobHandle("job-3"))
	require.Equal(t, OutcomeReserved, res.Outcome, "expired entries rerun the pipeline")
}

func TestFreshnessTightensTTL(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := New(time.Hour, clock, zap.NewNop())

	c.LookupOrReserve("key-a", 0, audit.NewJobHandle("job-1"))
	c.Commit("key-a", "job-1")
	clock.Advance(10 * time.Minute)

	res := c.LookupOrReserve("key-a", 5*time.Minute, audit.NewJobHandle("job-2"))
	require.Equal(t, OutcomeReserved, res.Outcome, "entry is too old for this caller")
	c.Release("key-a")

	res = c.LookupOrReserve("key-a", 30*time.Minute, audit.NewJobHandle("job-3"))
	require.Equal(t, OutcomeHit, res.Outcome, "entry stays valid for relaxed callers")
}

func TestSweepEvictsExpired(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := New(time.Hour, clock, zap.NewNop())

	c.LookupOrReserve("key-a", 0, audit.NewJobHandle("job-1"))
	c.Commit("key-a", "job-1")
	c.LookupOrReserve("key-b", 0, audit.NewJobHandle("job-2"))
	c.Commit("key-b", "job-2")

	clock.Advance(2 * time.Hour)
	require.Equal(t, 2, c.Sweep())
	require.Equal(t, 0, c.Len())
}
