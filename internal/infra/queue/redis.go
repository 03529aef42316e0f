package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"capmatch-digest/internal/domain"
)

// RedisDigestQueue implements the job queue on a Redis list. Redis lists have
// no broker-side ack, so a failed job is pushed back for redelivery.
type RedisDigestQueue struct {
	client *redis.Client
	key    string
}

// NewRedisDigestQueue builds a queue over the given list key.
func NewRedisDigestQueue(client *redis.Client, key string) *RedisDigestQueue {
	return &RedisDigestQueue{client: client, key: key}
}

var _ domain.DigestQueue = (*RedisDigestQueue)(nil)

// Enqueue publishes a job.
func (q *RedisDigestQueue) Enqueue(ctx context.Context, job domain.UserDigestJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Receive blocks until a job is available or ctx is done.
func (q *RedisDigestQueue) Receive(ctx context.Context) (domain.UserDigestJob, domain.DigestAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.UserDigestJob{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.UserDigestJob{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.UserDigestJob{}, nil, err
		}
		if len(res) != 2 {
			return domain.UserDigestJob{}, nil, errors.New("redis queue: unexpected response")
		}

		var job domain.UserDigestJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return domain.UserDigestJob{}, nil, fmt.Errorf("decode job: %w", err)
		}

		ack := func(success bool) error {
			if success {
				return nil
			}
			requeued := job
			requeued.Attempt++
			requeued.Cause = domain.DigestCauseRetry
			return q.Enqueue(context.Background(), requeued)
		}
		return job, ack, nil
	}
}
