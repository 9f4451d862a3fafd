package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"navidai/internal/util"
)

// ErrQueueFull is returned when the in-process buffer has no room.
var ErrQueueFull = errors.New("queue full")

// LocalQueue runs jobs in-process. Jobs are lost on restart, so it backs the
// memory deployment mode only.
type LocalQueue struct {
	jobs       chan Job
	maxRetries int
	retryDelay time.Duration
}

// NewLocalQueue builds a queue with the given buffer size.
func NewLocalQueue(buffer, maxRetries int, retryDelay time.Duration) *LocalQueue {
	if buffer <= 0 {
		buffer = 256
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &LocalQueue{
		jobs:       make(chan Job, buffer),
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// Enqueue never blocks; a full buffer is reported as ErrQueueFull.
func (q *LocalQueue) Enqueue(_ context.Context, jobType, payload string) (Job, error) {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return Job{}, errors.New("job type required")
	}
	now := time.Now().UTC()
	job := Job{ID: util.NewID(), Type: jobType, Payload: payload, Status: StatusQueued, CreatedAt: now, UpdatedAt: now}
	select {
	case q.jobs <- job:
		return job, nil
	default:
		return Job{}, ErrQueueFull
	}
}

func (q *LocalQueue) Run(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case job := <-q.jobs:
					q.process(ctx, job, handler)
				}
			}
		})
	}
	return g.Wait()
}

func (q *LocalQueue) process(ctx context.Context, job Job, handler Handler) {
	logger := util.LoggerFromContext(ctx).With("job_id", job.ID, "job_type", job.Type)
	for job.Attempts < q.maxRetries {
		job.Attempts++
		job.Status = StatusProcessing
		err := handler(ctx, job)
		if err == nil {
			return
		}
		if job.Attempts >= q.maxRetries {
			logger.Error("job failed", "attempts", job.Attempts, "err", err)
			return
		}
		logger.Warn("job attempt failed, retrying", "attempt", job.Attempts, "err", err)
		if !sleepCtx(ctx, q.retryDelay) {
			return
		}
	}
}
