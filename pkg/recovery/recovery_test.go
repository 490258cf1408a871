package recovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion-labs/cognigate/pkg/queue"
)

func TestBackoffPolicy_Defaults(t *testing.T) {
	p := DefaultBackoffPolicy()
	p.JitterFactor = -1

	assert.Equal(t, 10*time.Second, p.Delay(0))
	assert.Equal(t, 20*time.Second, p.Delay(1))
	assert.Equal(t, 40*time.Second, p.Delay(2))
	assert.Equal(t, 80*time.Second, p.Delay(3))
	assert.Equal(t, 160*time.Second, p.Delay(4))
}

func TestBackoffPolicy_JitterBounds(t *testing.T) {
	p := DefaultBackoffPolicy()
	for i := 0; i < 200; i++ {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 8500*time.Millisecond)
		assert.LessOrEqual(t, d, 11500*time.Millisecond)
	}
}

func TestBackoffPolicy_MonotoneAcrossAttempts(t *testing.T) {
	// With multiplier 2 and jitter 0.15 the jittered windows of adjacent
	// attempts never overlap, so delays grow strictly.
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	p := DefaultBackoffPolicy()
	properties.Property("delay grows with attempt", prop.ForAll(
		func(attempt int) bool {
			return p.Delay(attempt+1) > p.Delay(attempt)
		},
		gen.IntRange(0, 12),
	))
	properties.TestingRun(t)
}

func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *queue.MemoryDLQ, *MemoryTracker, *queue.MemoryQueue) {
	t.Helper()
	dlq := queue.NewMemoryDLQ()
	tracker := NewMemoryTracker()
	target := queue.NewMemoryQueue()
	return NewOrchestrator(cfg, dlq, tracker, target, nil), dlq, tracker, target
}

func TestOrchestrator_BackoffEligibility(t *testing.T) {
	cfg := Config{Backoff: BackoffPolicy{BaseDelay: 10 * time.Second, Multiplier: 2, JitterFactor: -1, MaxAttempts: 5}}
	o, dlq, _, target := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	t0 := time.Now().UTC()
	require.NoError(t, dlq.Push(ctx, queue.DeadLetterEntry{
		OriginalJobID: "exec-1",
		Job:           queue.Job{ExecutionID: "exec-1", TenantID: "t1"},
		Reason:        "handler panicked",
		MovedToDLQAt:  t0,
	}))

	// 5s after dead-lettering the 10s base delay has not elapsed.
	o.now = func() time.Time { return t0.Add(5 * time.Second) }
	summary, err := o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Retried)
	assert.Equal(t, 1, summary.DLQTotal)

	// At 11s it is eligible and gets resubmitted under a derived ID.
	o.now = func() time.Time { return t0.Add(11 * time.Second) }
	summary, err = o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Retried)
	assert.Zero(t, summary.DLQTotal)

	job, err := target.Dequeue(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(job.ExecutionID, "exec-1:retry:"), "got %q", job.ExecutionID)
	assert.Equal(t, "exec-1", job.Context["original_execution_id"])
	assert.Equal(t, "1", job.Context["retry_attempt"])
}

func TestOrchestrator_SecondRetryWaitsForDoubledDelay(t *testing.T) {
	cfg := Config{Backoff: BackoffPolicy{BaseDelay: 10 * time.Second, Multiplier: 2, JitterFactor: -1, MaxAttempts: 5}}
	o, dlq, tracker, _ := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	t0 := time.Now().UTC()
	entry := queue.DeadLetterEntry{
		OriginalJobID: "exec-2",
		Job:           queue.Job{ExecutionID: "exec-2"},
		MovedToDLQAt:  t0,
	}
	require.NoError(t, dlq.Push(ctx, entry))

	o.now = func() time.Time { return t0.Add(11 * time.Second) }
	summary, err := o.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Retried)

	// The handler fails again and the job comes back.
	require.NoError(t, dlq.Push(ctx, entry))
	lastRetry, err := tracker.LastRetryAt(ctx, "exec-2")
	require.NoError(t, err)

	// Second attempt needs 20s measured from the first retry, not from the
	// original dead-letter time.
	o.now = func() time.Time { return lastRetry.Add(15 * time.Second) }
	summary, err = o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Retried)

	o.now = func() time.Time { return lastRetry.Add(21 * time.Second) }
	summary, err = o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Retried)
}

func TestOrchestrator_ExhaustedJobsStayForReview(t *testing.T) {
	cfg := Config{Backoff: BackoffPolicy{BaseDelay: time.Millisecond, Multiplier: 2, MaxAttempts: 2}}
	o, dlq, tracker, _ := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	require.NoError(t, dlq.Push(ctx, queue.DeadLetterEntry{
		OriginalJobID: "exec-3",
		Job:           queue.Job{ExecutionID: "exec-3"},
		MovedToDLQAt:  time.Now().UTC().Add(-time.Hour),
	}))
	for i := 0; i < 2; i++ {
		_, err := tracker.Increment(ctx, "exec-3", 0)
		require.NoError(t, err)
	}

	summary, err := o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Exhausted)
	assert.Zero(t, summary.Retried)

	n, err := dlq.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "exhausted jobs remain in the store")
}

func TestOrchestrator_PurgeForgetsRetryState(t *testing.T) {
	cfg := Config{Retention: 7 * 24 * time.Hour}
	o, dlq, tracker, _ := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	require.NoError(t, dlq.Push(ctx, queue.DeadLetterEntry{
		OriginalJobID: "exec-stale",
		Job:           queue.Job{ExecutionID: "exec-stale"},
		MovedToDLQAt:  time.Now().UTC().Add(-8 * 24 * time.Hour),
	}))
	_, err := tracker.Increment(ctx, "exec-stale", 0)
	require.NoError(t, err)

	summary, err := o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Purged)

	count, err := tracker.Count(ctx, "exec-stale")
	require.NoError(t, err)
	assert.Zero(t, count)
}

// blockingDLQ stalls List until released, to hold a cycle open.
type blockingDLQ struct {
	queue.DeadLetterStore
	release chan struct{}
	listing chan struct{}
	once    sync.Once
}

func (b *blockingDLQ) List(ctx context.Context, limit int) ([]queue.DeadLetterEntry, error) {
	b.once.Do(func() { close(b.listing) })
	<-b.release
	return b.DeadLetterStore.List(ctx, limit)
}

func TestOrchestrator_CyclesDoNotOverlap(t *testing.T) {
	dlq := &blockingDLQ{
		DeadLetterStore: queue.NewMemoryDLQ(),
		release:         make(chan struct{}),
		listing:         make(chan struct{}),
	}
	o := NewOrchestrator(Config{}, dlq, NewMemoryTracker(), queue.NewMemoryQueue(), nil)
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() {
		_, err := o.RunCycle(ctx)
		firstDone <- err
	}()

	<-dlq.listing
	_, err := o.RunCycle(ctx)
	assert.ErrorIs(t, err, ErrCycleRunning)

	close(dlq.release)
	require.NoError(t, <-firstDone)
}

func TestOrchestrator_EnqueueFailureLeavesEntryInPlace(t *testing.T) {
	cfg := Config{Backoff: BackoffPolicy{BaseDelay: time.Millisecond, MaxAttempts: 5}}
	dlq := queue.NewMemoryDLQ()
	tracker := NewMemoryTracker()
	o := NewOrchestrator(cfg, dlq, tracker, failingQueue{}, nil)
	ctx := context.Background()

	require.NoError(t, dlq.Push(ctx, queue.DeadLetterEntry{
		OriginalJobID: "exec-4",
		Job:           queue.Job{ExecutionID: "exec-4"},
		MovedToDLQAt:  time.Now().UTC().Add(-time.Minute),
	}))

	summary, err := o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.DLQTotal)

	count, err := tracker.Count(ctx, "exec-4")
	require.NoError(t, err)
	assert.Zero(t, count, "failed resubmission must not consume an attempt")
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, queue.Job) error { return fmt.Errorf("broker down") }
func (failingQueue) Dequeue(context.Context) (*queue.Job, error) {
	return nil, queue.ErrEmpty
}
func (failingQueue) Len(context.Context) (int, error) { return 0, nil }

func TestOrchestrator_OnCycleCallback(t *testing.T) {
	var got CycleSummary
	cfg := Config{OnCycle: func(s CycleSummary) { got = s }}
	o, dlq, _, _ := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	require.NoError(t, dlq.Push(ctx, queue.DeadLetterEntry{
		OriginalJobID: "exec-5",
		Job:           queue.Job{ExecutionID: "exec-5"},
		MovedToDLQAt:  time.Now().UTC(),
	}))

	_, err := o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.DLQTotal)
}
