package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vorion-labs/cognigate/pkg/queue"
)

// ErrCycleRunning is returned when a recovery cycle is requested while the
// previous one has not finished. Cycles never overlap.
var ErrCycleRunning = errors.New("recovery: cycle already in progress")

// Config tunes the orchestrator. Zero values fall back to production
// defaults.
type Config struct {
	Interval        time.Duration // default 60s
	MaxJobsPerCycle int           // default 25
	Retention       time.Duration // default 7 days
	Backoff         BackoffPolicy

	// OnCycle, when set, receives the summary of every completed cycle.
	OnCycle func(CycleSummary)
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.MaxJobsPerCycle <= 0 {
		c.MaxJobsPerCycle = 25
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	c.Backoff = c.Backoff.withDefaults()
	return c
}

// CycleSummary reports what a single recovery cycle did.
type CycleSummary struct {
	Retried       int
	Failed        int
	Purged        int
	Exhausted     int
	DLQTotal      int
	CycleDuration time.Duration
}

// Orchestrator drives dead-letter recovery: every Interval it purges
// expired entries, then walks the oldest jobs and re-enqueues the ones
// whose backoff window has elapsed. Jobs that have used up all retry
// attempts stay in the store for operator review.
type Orchestrator struct {
	cfg     Config
	dlq     queue.DeadLetterStore
	tracker RetryTracker
	target  queue.Queue
	logger  *slog.Logger

	inCycle atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool

	now func() time.Time
}

// NewOrchestrator wires a recovery loop over the given stores. The target
// queue receives resubmitted jobs.
func NewOrchestrator(cfg Config, dlq queue.DeadLetterStore, tracker RetryTracker, target queue.Queue, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg.withDefaults(),
		dlq:     dlq,
		tracker: tracker,
		target:  target,
		logger:  logger.With("component", "recovery"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Start launches the periodic loop. The first cycle runs immediately.
func (o *Orchestrator) Start(ctx context.Context) {
	if !o.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(o.done)
		ticker := time.NewTicker(o.cfg.Interval)
		defer ticker.Stop()

		o.runAndReport(ctx)
		for {
			select {
			case <-o.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.runAndReport(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for any in-flight cycle to finish.
func (o *Orchestrator) Stop() {
	if !o.started.Load() {
		return
	}
	close(o.stop)
	<-o.done
}

func (o *Orchestrator) runAndReport(ctx context.Context) {
	summary, err := o.RunCycle(ctx)
	if err != nil {
		if !errors.Is(err, ErrCycleRunning) {
			o.logger.Error("recovery cycle failed", "error", err)
		}
		return
	}
	o.logger.Info("recovery cycle complete",
		"retried", summary.Retried,
		"failed", summary.Failed,
		"purged", summary.Purged,
		"exhausted", summary.Exhausted,
		"dlq_total", summary.DLQTotal,
		"duration", summary.CycleDuration)
}

// RunCycle executes one recovery pass. It is safe to call concurrently;
// overlapping calls return ErrCycleRunning without doing work.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleSummary, error) {
	if !o.inCycle.CompareAndSwap(false, true) {
		return CycleSummary{}, ErrCycleRunning
	}
	defer o.inCycle.Store(false)

	start := o.now()
	var summary CycleSummary

	purged, err := o.dlq.PurgeBefore(ctx, start.Add(-o.cfg.Retention))
	if err != nil {
		return summary, fmt.Errorf("purging expired dead letters failed: %w", err)
	}
	summary.Purged = len(purged)
	for _, id := range purged {
		if err := o.tracker.Forget(ctx, id); err != nil {
			o.logger.Warn("forgetting retry state failed", "job_id", id, "error", err)
		}
	}

	entries, err := o.dlq.List(ctx, o.cfg.MaxJobsPerCycle)
	if err != nil {
		return summary, fmt.Errorf("listing dead letters failed: %w", err)
	}

	// One bad job never blocks the rest of the batch.
	for _, entry := range entries {
		switch outcome := o.processEntry(ctx, entry); outcome {
		case outcomeRetried:
			summary.Retried++
		case outcomeExhausted:
			summary.Exhausted++
		case outcomeFailed:
			summary.Failed++
		case outcomeWaiting:
		}
	}

	if total, err := o.dlq.Len(ctx); err == nil {
		summary.DLQTotal = total
	}
	summary.CycleDuration = time.Since(start)

	if o.cfg.OnCycle != nil {
		o.cfg.OnCycle(summary)
	}
	return summary, nil
}

type entryOutcome int

const (
	outcomeWaiting entryOutcome = iota
	outcomeRetried
	outcomeExhausted
	outcomeFailed
)

func (o *Orchestrator) processEntry(ctx context.Context, entry queue.DeadLetterEntry) entryOutcome {
	count, err := o.tracker.Count(ctx, entry.OriginalJobID)
	if err != nil {
		o.logger.Error("reading retry count failed", "job_id", entry.OriginalJobID, "error", err)
		return outcomeFailed
	}
	if count >= o.cfg.Backoff.MaxAttempts {
		o.logger.Warn("retry attempts exhausted, leaving for review",
			"job_id", entry.OriginalJobID, "attempts", count)
		return outcomeExhausted
	}

	// Backoff is measured from the last retry; for a job never retried the
	// dead-letter time is the reference.
	ref, err := o.tracker.LastRetryAt(ctx, entry.OriginalJobID)
	if err != nil {
		o.logger.Error("reading last retry time failed", "job_id", entry.OriginalJobID, "error", err)
		return outcomeFailed
	}
	if ref.IsZero() {
		ref = entry.MovedToDLQAt
	}
	if o.now().Sub(ref) < o.cfg.Backoff.Delay(count) {
		return outcomeWaiting
	}

	retryJob := entry.Job
	retryJob.ExecutionID = fmt.Sprintf("%s:retry:%d", entry.Job.ExecutionID, o.now().UnixMilli())
	if retryJob.Context == nil {
		retryJob.Context = make(map[string]string, 2)
	}
	retryJob.Context["original_execution_id"] = entry.Job.ExecutionID
	retryJob.Context["retry_attempt"] = fmt.Sprintf("%d", count+1)

	if err := o.target.Enqueue(ctx, retryJob); err != nil {
		// Leave the entry in place; the next cycle will pick it up again.
		o.logger.Error("resubmitting job failed", "job_id", entry.OriginalJobID, "error", err)
		return outcomeFailed
	}
	if err := o.dlq.Remove(ctx, entry.OriginalJobID); err != nil {
		o.logger.Error("removing resubmitted job failed", "job_id", entry.OriginalJobID, "error", err)
	}

	ttl := o.cfg.Retention + 24*time.Hour
	if _, err := o.tracker.Increment(ctx, entry.OriginalJobID, ttl); err != nil {
		o.logger.Error("recording retry attempt failed", "job_id", entry.OriginalJobID, "error", err)
	}

	o.logger.Info("job resubmitted for retry",
		"job_id", entry.OriginalJobID,
		"retry_execution_id", retryJob.ExecutionID,
		"attempt", count+1)
	return outcomeRetried
}
