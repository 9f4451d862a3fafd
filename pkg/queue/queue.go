package queue

import (
	"context"
	"time"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job is one unit of background work. Payload is opaque to the queue;
// for title jobs it is the conversation id.
type Job struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Payload      string    `json:"payload"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler processes a job. A returned error schedules a retry until the
// queue's retry budget is spent.
type Handler func(ctx context.Context, job Job) error

// Queue accepts jobs and runs them on a pool of consumers.
type Queue interface {
	Enqueue(ctx context.Context, jobType, payload string) (Job, error)
	// Run blocks, consuming jobs with concurrency workers until ctx ends.
	Run(ctx context.Context, concurrency int, handler Handler) error
}
