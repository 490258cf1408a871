// Package queue defines the execution queue and dead-letter contracts that
// connect the decision path to the recovery orchestrator.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrEmpty is returned by Dequeue when no job is waiting.
var ErrEmpty = errors.New("queue: empty")

// Job is one unit of governed work on the primary execution queue.
type Job struct {
	ExecutionID string            `json:"execution_id"`
	TenantID    string            `json:"tenant_id"`
	IntentID    string            `json:"intent_id"`
	HandlerName string            `json:"handler_name"`
	Priority    int               `json:"priority,omitempty"`
	Deadline    *time.Time        `json:"deadline,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
}

// Queue is the primary execution queue.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (*Job, error)
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is a FIFO in-memory Queue.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs []Job
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *MemoryQueue) Dequeue(_ context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, ErrEmpty
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return &job, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs), nil
}
