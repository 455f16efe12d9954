package worker

import (
	"context"

	"github.com/cuemby/cumulus/pkg/metrics"
)

// DefaultQueueSize bounds the number of jobs waiting for a worker
const DefaultQueueSize = 1024

// Job asks a worker to act on one UCI. A job with Stop set is the shutdown
// sentinel: the worker that takes it exits.
type Job struct {
	UCIID string
	Stop  bool
}

// Queue is a FIFO of jobs shared by all workers
type Queue struct {
	ch chan Job
}

// NewQueue creates a queue holding up to size pending jobs
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan Job, size)}
}

// Push appends a job, blocking while the queue is full
func (q *Queue) Push(ctx context.Context, job Job) error {
	select {
	case q.ch <- job:
		metrics.QueueDepth.Set(float64(len(q.ch)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop blocks until a job is available
func (q *Queue) Pop() Job {
	job := <-q.ch
	metrics.QueueDepth.Set(float64(len(q.ch)))
	return job
}

// Len returns the number of pending jobs
func (q *Queue) Len() int {
	return len(q.ch)
}
