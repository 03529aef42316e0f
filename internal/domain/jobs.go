package domain

import (
	"context"
	"time"
)

// DigestJobCause records what triggered a per-user digest job.
type DigestJobCause string

const (
	// DigestCauseScheduled means the job was enqueued by the daily cutoff scheduler.
	DigestCauseScheduled DigestJobCause = "scheduled"
	// DigestCauseRetry means the job was re-enqueued after a failed attempt.
	DigestCauseRetry DigestJobCause = "retry"
)

// UserDigestJob asks a worker to build and send one user's digest for a date.
type UserDigestJob struct {
	ID          string         `json:"job_id,omitempty"`
	UserID      string         `json:"user_id"`
	Date        time.Time      `json:"date"`
	RequestedAt time.Time      `json:"requested_at"`
	Cause       DigestJobCause `json:"cause"`
	// Attempt counts failed deliveries of this job so far. Workers drop the
	// job once it exceeds the configured attempt cap.
	Attempt int `json:"attempt,omitempty"`
}

// DigestAckFunc confirms processing of a job or asks for redelivery.
type DigestAckFunc func(success bool) error

// DigestQueue is the per-user job queue between the scheduler and workers.
type DigestQueue interface {
	Enqueue(ctx context.Context, job UserDigestJob) error
	Receive(ctx context.Context) (UserDigestJob, DigestAckFunc, error)
}
