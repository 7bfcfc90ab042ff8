package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callpilot/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	s := New(rdb, config.QueueConfig{
		Stream:                  "test",
		MaxAttempts:             3,
		BackoffBaseMs:           2000,
		LeaseMs:                 60000,
		CompletedRetentionHours: 168,
		CompletedRetentionCount: 1000,
		FailedRetentionHours:    720,
	})
	s.pollInterval = 5 * time.Millisecond
	return s
}

// fetchOne fetches with a short deadline so an empty queue fails the test
// instead of hanging it.
func fetchOne(t *testing.T, s *Store) *Lease {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	lease, err := s.Fetch(ctx)
	require.NoError(t, err)
	return lease
}

func TestEnqueueAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"to":"+15551234567"}`)
	id, err := s.Enqueue(ctx, FamilyPlaceCall, payload, Options{Priority: PriorityHigh})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	j, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, FamilyPlaceCall, j.Family)
	assert.Equal(t, StateWaiting, j.State)
	assert.Equal(t, PriorityHigh, j.Priority)
	assert.Equal(t, 3, j.MaxAttempts)
	assert.JSONEq(t, string(payload), string(j.Payload))

	_, err = s.Get(ctx, "no-such-job")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestEnqueueIdempotentJobID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.Enqueue(ctx, FamilyPlaceCall, nil, Options{JobID: "stable-id"})
	require.NoError(t, err)
	id2, err := s.Enqueue(ctx, FamilyPlaceCall, nil, Options{JobID: "stable-id"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
}

func TestEnqueueValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "", nil, Options{})
	assert.Error(t, err)

	_, err = s.Enqueue(ctx, FamilyPlaceCall, nil, Options{Priority: 9})
	assert.Error(t, err)

	_, err = s.Enqueue(ctx, FamilyPlaceCall, nil, Options{Delay: -time.Second})
	assert.Error(t, err)
}

func TestPriorityOrderAndTies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Mixed priorities enqueued low-first; ties within a tier keep
	// enqueue order.
	_, err := s.Enqueue(ctx, FamilyPlaceCall, json.RawMessage(`{"n":"low"}`), Options{Priority: PriorityLow})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, FamilyPlaceCall, json.RawMessage(`{"n":"norm1"}`), Options{Priority: PriorityNormal})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, FamilyPlaceCall, json.RawMessage(`{"n":"norm2"}`), Options{Priority: PriorityNormal})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, FamilyPlaceCall, json.RawMessage(`{"n":"high"}`), Options{Priority: PriorityHigh})
	require.NoError(t, err)

	var order []string
	for i := 0; i < 4; i++ {
		lease := fetchOne(t, s)
		var p struct {
			N string `json:"n"`
		}
		require.NoError(t, json.Unmarshal(lease.Job().Payload, &p))
		order = append(order, p.N)
		require.NoError(t, lease.Complete(ctx, nil))
	}
	assert.Equal(t, []string{"high", "norm1", "norm2", "low"}, order)
}

func TestDelayedJobHonorsSchedule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	s.now = func() time.Time { return base }

	id, err := s.Enqueue(ctx, FamilyPlaceCall, nil, Options{Delay: 5 * time.Second})
	require.NoError(t, err)

	j, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, j.State)

	// Before the schedule nothing is promoted.
	require.NoError(t, s.promoteDelayed(ctx))
	lease, err := s.popWaiting(ctx)
	require.NoError(t, err)
	assert.Nil(t, lease)

	// After the schedule the job is dispatchable.
	s.now = func() time.Time { return base.Add(6 * time.Second) }
	require.NoError(t, s.promoteDelayed(ctx))
	lease, err = s.popWaiting(ctx)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, id, lease.Job().ID)
	assert.Equal(t, 1, lease.Job().AttemptsMade)
}

func TestZeroDelayIsImmediate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, FamilyPlaceCall, nil, Options{Delay: 0})
	require.NoError(t, err)
	j, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, j.State)
}

func TestBulkEnqueueAtomicVisibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids, err := s.BulkEnqueue(ctx, []Request{
		{Family: FamilyPlaceCall, Payload: json.RawMessage(`{"to":"A"}`), Options: Options{Priority: PriorityHigh}},
		{Family: FamilyPlaceCall, Payload: json.RawMessage(`{"to":"B"}`), Options: Options{Priority: PriorityNormal}},
		{Family: FamilyPlaceCall, Payload: json.RawMessage(`{"to":"C"}`), Options: Options{Priority: PriorityLow}},
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Waiting)

	// Dispatch order under one consumer follows priority: A, B, C.
	var order []string
	for i := 0; i < 3; i++ {
		lease := fetchOne(t, s)
		var p struct {
			To string `json:"to"`
		}
		require.NoError(t, json.Unmarshal(lease.Job().Payload, &p))
		order = append(order, p.To)
		require.NoError(t, lease.Complete(ctx, nil))
	}
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestBulkEnqueueRejectsRepeats(t *testing.T) {
	s := newTestStore(t)
	_, err := s.BulkEnqueue(context.Background(), []Request{
		{Family: FamilyPlaceCall, Options: Options{RepeatPattern: "* * * * *"}},
	})
	assert.Error(t, err)
}

func TestFailureBackoffAndExhaustion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	s.now = func() time.Time { return base }

	id, err := s.Enqueue(ctx, FamilyPlaceCall, nil, Options{MaxAttempts: 3})
	require.NoError(t, err)

	// Attempt 1 fails: delayed by base backoff (2s).
	lease := fetchOne(t, s)
	require.NoError(t, lease.Fail(ctx, eris.New("boom"), false))
	j, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, j.State)
	assert.Equal(t, 1, j.AttemptsMade)
	assert.Equal(t, base.Add(2*time.Second).UnixMilli(), j.DelayUntil.UnixMilli())

	// Attempt 2 fails: delay doubles.
	s.now = func() time.Time { return base.Add(3 * time.Second) }
	lease = fetchOne(t, s)
	require.NoError(t, lease.Fail(ctx, eris.New("boom"), false))
	j, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, j.State)
	assert.Equal(t, base.Add(3*time.Second).Add(4*time.Second).UnixMilli(), j.DelayUntil.UnixMilli())

	// Attempt 3 fails: budget spent, job fails for good.
	s.now = func() time.Time { return base.Add(10 * time.Second) }
	lease = fetchOne(t, s)
	require.NoError(t, lease.Fail(ctx, eris.New("boom"), false))
	j, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, j.State)
	assert.Equal(t, 3, j.AttemptsMade)
	assert.LessOrEqual(t, j.AttemptsMade, j.MaxAttempts)
	assert.Contains(t, j.LastError, "boom")
}

func TestTerminalFailureSkipsRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, FamilyPlaceCall, nil, Options{MaxAttempts: 3})
	require.NoError(t, err)

	lease := fetchOne(t, s)
	require.NoError(t, lease.Fail(ctx, eris.New("invalid number"), true))

	j, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, j.State)
	assert.Equal(t, 1, j.AttemptsMade)
}

func TestRetryGrantsOneMorePass(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, FamilyPlaceCall, nil, Options{MaxAttempts: 1})
	require.NoError(t, err)
	lease := fetchOne(t, s)
	require.NoError(t, lease.Fail(ctx, eris.New("boom"), false))

	require.NoError(t, s.Retry(ctx, id))
	j, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, j.State)
	assert.Equal(t, 2, j.MaxAttempts)
	assert.Empty(t, j.LastError)

	// Only failed jobs can be retried.
	assert.Error(t, s.Retry(ctx, id))
}

func TestCancelWaitingAndActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, FamilyPlaceCall, nil, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, id))

	j, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, j.State)

	// Active cancel is a cooperative token, not a removal.
	id2, err := s.Enqueue(ctx, FamilyPlaceCall, nil, Options{})
	require.NoError(t, err)
	lease := fetchOne(t, s)
	require.Equal(t, id2, lease.Job().ID)
	assert.False(t, lease.Canceled(ctx))

	require.NoError(t, s.Cancel(ctx, id2))
	assert.True(t, lease.Canceled(ctx))
	j, err = s.Get(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, StateActive, j.State)
}

func TestLeaseCancelFinishesCanceled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, FamilyPlaceCall, nil, Options{})
	require.NoError(t, err)
	lease := fetchOne(t, s)
	require.NoError(t, s.Cancel(ctx, id))
	require.True(t, lease.Canceled(ctx))

	require.NoError(t, lease.Cancel(ctx))

	j, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, j.State)
	assert.Empty(t, j.LastError, "an honored cancel is not a failure")
	require.NotNil(t, j.FinishedAt)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Canceled)
	assert.Zero(t, stats.Active)
	assert.Zero(t, stats.Failed)
}

func TestPauseStopsDispatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, FamilyPlaceCall, nil, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Pause(ctx))

	fetchCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = s.Fetch(fetchCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Paused)
	assert.Equal(t, int64(1), stats.Waiting)
	assert.Equal(t, int64(0), stats.Active)

	require.NoError(t, s.Resume(ctx))
	lease := fetchOne(t, s)
	require.NoError(t, lease.Complete(ctx, nil))
}

func TestCompleteRecordsResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, FamilyPlaceCall, nil, Options{})
	require.NoError(t, err)
	lease := fetchOne(t, s)
	require.NoError(t, lease.Complete(ctx, map[string]string{"callSid": "CA123"}))

	j, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, j.State)
	assert.Equal(t, 100, j.Progress)
	assert.JSONEq(t, `{"callSid":"CA123"}`, string(j.Result))
	require.NotNil(t, j.FinishedAt)
}

func TestCleanEvictsOldJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	s.now = func() time.Time { return base }

	id, err := s.Enqueue(ctx, FamilyPlaceCall, nil, Options{})
	require.NoError(t, err)
	lease := fetchOne(t, s)
	require.NoError(t, lease.Complete(ctx, nil))

	// Inside the grace window nothing is evicted.
	n, err := s.Clean(ctx, time.Hour, 100, StateCompleted)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	n, err = s.Clean(ctx, time.Hour, 100, StateCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = s.Clean(ctx, time.Hour, 100, StateWaiting)
	assert.Error(t, err)
}

func TestSweepTrimsCompletedCount(t *testing.T) {
	s := newTestStore(t)
	s.completedCount = 2
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.Enqueue(ctx, FamilyPlaceCall, nil, Options{})
		require.NoError(t, err)
		lease := fetchOne(t, s)
		require.NoError(t, lease.Complete(ctx, nil))
	}

	require.NoError(t, s.Sweep(ctx))
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Completed)
}

func TestRepeatSeedsAndChains(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 12, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return base }

	repID, err := s.Enqueue(ctx, FamilyRefillLeads, json.RawMessage(`{"leadLimit":10}`),
		Options{RepeatPattern: "* * * * *", JobID: "refill-nightly"})
	require.NoError(t, err)
	assert.Equal(t, "refill-nightly", repID)

	reps, err := s.Repeats(ctx)
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.Equal(t, "* * * * *", reps[0].Pattern)

	// One delayed child seeded at the next minute boundary.
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)

	// Registering the same repeat again changes nothing.
	_, err = s.Enqueue(ctx, FamilyRefillLeads, nil, Options{RepeatPattern: "* * * * *", JobID: "refill-nightly"})
	require.NoError(t, err)
	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)

	// Fire time passes: the child dispatches and the NEXT child is seeded.
	s.now = func() time.Time { return base.Add(45 * time.Second) }
	lease := fetchOne(t, s)
	assert.Equal(t, "refill-nightly", lease.Job().RepeatID)
	require.NoError(t, lease.Complete(ctx, nil))

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed, "exactly one pending child after dispatch")

	// Removing the repeat drops the pending child and stops the chain.
	require.NoError(t, s.RemoveRepeat(ctx, "refill-nightly"))
	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Delayed)
	assert.Equal(t, int64(0), stats.Repeats)

	assert.ErrorIs(t, s.RemoveRepeat(ctx, "refill-nightly"), ErrJobNotFound)
}

func TestInvalidCronPatternRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Enqueue(context.Background(), FamilyRefillLeads, nil, Options{RepeatPattern: "not a cron"})
	assert.Error(t, err)
}

func TestReapExpiredLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	s.now = func() time.Time { return base }

	id, err := s.Enqueue(ctx, FamilyPlaceCall, nil, Options{})
	require.NoError(t, err)
	lease := fetchOne(t, s)
	require.Equal(t, id, lease.Job().ID)

	// Lease still valid: reaper leaves it alone.
	n, err := s.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Past the lease deadline the job goes back to waiting with its
	// attempt count preserved.
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	n, err = s.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, j.State)
	assert.Equal(t, 1, j.AttemptsMade)
}

func TestLeaseExtendKeepsJobActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	s.now = func() time.Time { return base }

	_, err := s.Enqueue(ctx, FamilyPlaceCall, nil, Options{})
	require.NoError(t, err)
	lease := fetchOne(t, s)

	// Renew at the 45s mark; at the original deadline the lease survives.
	s.now = func() time.Time { return base.Add(45 * time.Second) }
	require.NoError(t, lease.Extend(ctx))

	s.now = func() time.Time { return base.Add(70 * time.Second) }
	n, err := s.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestListByState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Enqueue(ctx, FamilyPlaceCall, nil, Options{})
		require.NoError(t, err)
	}
	jobs, err := s.List(ctx, StateWaiting, 0, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	jobs, err = s.List(ctx, StateWaiting, 1, 1)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	jobs, err = s.List(ctx, StateFailed, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
