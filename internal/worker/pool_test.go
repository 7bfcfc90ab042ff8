package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callpilot/internal/calls"
	"github.com/sells-group/callpilot/internal/config"
	"github.com/sells-group/callpilot/internal/model"
	"github.com/sells-group/callpilot/internal/queue"
	"github.com/sells-group/callpilot/internal/resilience"
	"github.com/sells-group/callpilot/internal/scheduler"
	"github.com/sells-group/callpilot/internal/store"
	"github.com/sells-group/callpilot/internal/telephony"
)

// fakeProvider scripts one outcome per Initiate call; past the script it
// always succeeds.
type fakeProvider struct {
	mu     sync.Mutex
	script []error
	calls  []telephony.CallRequest
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Initiate(_ context.Context, req telephony.CallRequest) (*telephony.CallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		if err != nil {
			return nil, err
		}
	}
	return &telephony.CallResult{
		CallSID: fmt.Sprintf("CA-fake-%d", len(f.calls)),
		Status:  "queued",
	}, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeProvider) lastCall() telephony.CallRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type testRig struct {
	queue    *queue.Store
	store    store.Store
	calls    *calls.Service
	sched    *scheduler.Service
	provider *fakeProvider
	pool     *Pool
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.New(rdb, config.QueueConfig{
		Stream: "test", MaxAttempts: 3, BackoffBaseMs: 1, LeaseMs: 60000,
	})

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	svc := calls.NewService(st)
	sched := scheduler.New(q, st, config.RefillConfig{MaxLeadLimit: 100, DefaultMessage: "Hello!"})
	provider := &fakeProvider{}

	pool := NewPool(q, config.WorkerConfig{Concurrency: 2, RateCount: 100, RateWindowSecs: 1})
	pool.Register(queue.FamilyPlaceCall, PlaceCall(provider, svc, config.TelephonyConfig{
		FromNumber: "+15550000000", TimeoutSecs: 30, Record: true,
	}, "https://calls.example.com"))
	pool.Register(queue.FamilyRefillLeads, RefillLeads(sched))

	return &testRig{queue: q, store: st, calls: svc, sched: sched, provider: provider, pool: pool}
}

// startPool runs the pool until the test ends.
func startPool(t *testing.T, rig *testRig) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rig.pool.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("pool did not stop")
		}
	})
}

func waitForState(t *testing.T, rig *testRig, id string, want queue.State) *queue.Job {
	t.Helper()
	var job *queue.Job
	require.Eventually(t, func() bool {
		j, err := rig.queue.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.State == want
	}, 10*time.Second, 25*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestPlaceCallSuccessMarksLeadContacted(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	lead, err := rig.store.CreateLead(ctx, model.Lead{Name: "Pat", Phone: "+15551234567"})
	require.NoError(t, err)

	id, err := rig.sched.ScheduleImmediate(ctx, scheduler.CallRequest{
		To: "+15551234567", LeadID: lead.ID, SpeakFirst: true, InitialMessage: "Hi Pat!",
	})
	require.NoError(t, err)

	startPool(t, rig)
	job := waitForState(t, rig, id, queue.StateCompleted)

	var out CallOutcome
	require.NoError(t, json.Unmarshal(job.Result, &out))
	assert.Equal(t, "CA-fake-1", out.CallSID)
	assert.Equal(t, "+15551234567", out.To)
	assert.Equal(t, "queued", out.ProviderStatus)

	req := rig.provider.lastCall()
	assert.Equal(t, "+15550000000", req.From)
	assert.Contains(t, req.AnswerURL, "speakFirst=true")
	assert.Contains(t, req.AnswerURL, "initialMessage=Hi+Pat%21")
	assert.True(t, req.Record)

	linked, err := rig.store.LeadLinkedToCall(ctx, out.CallSID)
	require.NoError(t, err)
	assert.True(t, linked)
}

func TestPlaceCallMissingNumberFailsWithoutRetry(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// Bypass the scheduler's validation to exercise the handler's own guard.
	id, err := rig.queue.Enqueue(ctx, queue.FamilyPlaceCall, json.RawMessage(`{"to":""}`), queue.Options{})
	require.NoError(t, err)

	startPool(t, rig)
	job := waitForState(t, rig, id, queue.StateFailed)
	assert.Equal(t, 1, job.AttemptsMade, "terminal failures burn exactly one attempt")
	assert.Zero(t, rig.provider.callCount())
}

func TestPlaceCallRetriesTransientProviderErrors(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.provider.script = []error{
		resilience.NewTransientError(eris.New("rate limited"), 429),
		resilience.NewTransientError(eris.New("gateway timeout"), 504),
		nil,
	}

	id, err := rig.sched.ScheduleImmediate(ctx, scheduler.CallRequest{To: "+15559998888"})
	require.NoError(t, err)

	startPool(t, rig)
	job := waitForState(t, rig, id, queue.StateCompleted)
	assert.Equal(t, 3, job.AttemptsMade)
	assert.Equal(t, 3, rig.provider.callCount())
}

func TestPlaceCallTerminalProviderErrorFailsFast(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.provider.script = []error{
		&telephony.ProviderError{Code: 21211, Status: 400, Message: "invalid number", Terminal: true},
	}

	id, err := rig.sched.ScheduleImmediate(ctx, scheduler.CallRequest{To: "+1"})
	require.NoError(t, err)

	startPool(t, rig)
	job := waitForState(t, rig, id, queue.StateFailed)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Contains(t, job.LastError, "invalid number")
}

func TestCanceledActiveJobFinishesCanceled(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// A handler that cooperates: it polls the cancel token and yields.
	rig.pool.Register("linger", func(ctx context.Context, lease *queue.Lease) (any, error) {
		for {
			if lease.Canceled(ctx) {
				return nil, ErrCanceled
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	})

	id, err := rig.queue.Enqueue(ctx, "linger", nil, queue.Options{})
	require.NoError(t, err)

	startPool(t, rig)
	waitForState(t, rig, id, queue.StateActive)
	require.NoError(t, rig.queue.Cancel(ctx, id))

	job := waitForState(t, rig, id, queue.StateCanceled)
	assert.Empty(t, job.LastError, "an honored cancel is not a failure")
	require.NotNil(t, job.FinishedAt)
}

func TestUnknownFamilyFailsTerminally(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	id, err := rig.queue.Enqueue(ctx, "mystery-family", nil, queue.Options{})
	require.NoError(t, err)

	startPool(t, rig)
	job := waitForState(t, rig, id, queue.StateFailed)
	assert.Contains(t, job.LastError, "no handler")
}

func TestRefillExpandsIntoCalls(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := rig.store.CreateLead(ctx, model.Lead{
			Name: "Lead", Phone: fmt.Sprintf("+155530000%02d", i),
		})
		require.NoError(t, err)
	}

	payload, err := json.Marshal(scheduler.RefillPayload{Message: "Follow-up", LeadLimit: 10})
	require.NoError(t, err)
	id, err := rig.queue.Enqueue(ctx, queue.FamilyRefillLeads, payload, queue.Options{})
	require.NoError(t, err)

	startPool(t, rig)
	job := waitForState(t, rig, id, queue.StateCompleted)

	var res scheduler.RefillResult
	require.NoError(t, json.Unmarshal(job.Result, &res))
	assert.Equal(t, 3, res.Scheduled)

	// The expanded place-call jobs flow through the same pool.
	for _, callID := range res.JobIDs {
		waitForState(t, rig, callID, queue.StateCompleted)
	}
	assert.Equal(t, 3, rig.provider.callCount())

	leads, err := rig.store.ListCallableLeads(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, leads, "contacted leads drop out of the callable set")
}
