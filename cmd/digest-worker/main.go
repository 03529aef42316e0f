// digest-worker consumes per-user digest jobs and runs the fetch, filter,
// claim, aggregate, send pipeline for each.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"capmatch-digest/internal/adapters/mailer"
	"capmatch-digest/internal/adapters/repo"
	"capmatch-digest/internal/domain"
	"capmatch-digest/internal/infra/config"
	"capmatch-digest/internal/infra/db"
	httpinfra "capmatch-digest/internal/infra/http"
	applog "capmatch-digest/internal/infra/log"
	"capmatch-digest/internal/infra/metrics"
	"capmatch-digest/internal/infra/queue"
	"capmatch-digest/internal/usecase/prefs"
	"capmatch-digest/internal/usecase/run"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("worker: invalid configuration")
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: database connection failed")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	var jobQueue domain.DigestQueue
	switch {
	case cfg.RabbitURL != "":
		rabbit, err := queue.NewRabbitDigestQueue(cfg.RabbitURL, cfg.Queues.Digest)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: rabbitmq queue init failed")
		}
		defer rabbit.Close()
		jobQueue = rabbit
	case redisClient != nil:
		jobQueue = queue.NewRedisDigestQueue(redisClient, cfg.Queues.Digest)
	default:
		logger.Fatal().Msg("worker: no queue backend configured (RABBITMQ_URL or REDIS_ADDR)")
	}

	sender := mailer.NewResend(mailer.Config{
		APIKey:        cfg.Resend.APIKey,
		From:          cfg.Resend.From,
		TestMode:      cfg.Resend.TestMode,
		TestRecipient: cfg.Resend.TestRecipient,
		ForceTo:       cfg.Resend.ForceTo,
		DryRun:        cfg.Resend.DryRun,
	}, logger.With().Str("component", "mailer").Logger())

	service := run.NewService(run.Deps{
		Users:     repoAdapter,
		Events:    repoAdapter,
		Overrides: repoAdapter,
		Access:    repoAdapter,
		Projects:  repoAdapter,
		Ledger:    repoAdapter,
		Sender:    sender,
	}, prefs.DefaultPolicy(), run.Options{
		Workers:     cfg.Run.Workers,
		UserTimeout: cfg.Run.UserTimeout,
		Location:    cfg.Location(),
		SkipClaims:  cfg.Run.SkipClaims,
	}, logger.With().Str("component", "run").Logger())

	opsServer := httpinfra.NewServer(logger.With().Str("component", "ops").Logger(), service)
	go func() {
		if err := opsServer.Start(cfg.OpsAddr); err != nil {
			logger.Error().Err(err).Msg("worker: ops server stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = opsServer.Shutdown(shutdownCtx)
	}()

	logger.Info().Msg("worker: started")

	for {
		job, ack, err := jobQueue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Msg("worker: shutting down")
				return
			}
			logger.Error().Err(err).Msg("worker: receive failed")
			time.Sleep(time.Second)
			continue
		}
		handleJob(ctx, logger, service, jobQueue, cfg.Run.MaxJobAttempts, job, ack)
	}
}

type digestProcessor interface {
	ProcessUserID(ctx context.Context, userID string, date time.Time) error
}

// handleJob runs one job and decides its fate. Terminal failures and jobs
// past the attempt cap are acked and dropped; anything else is re-enqueued at
// the queue tail with a bumped attempt counter, never nacked back to the
// head, so one failing user cannot starve the rest of the queue.
func handleJob(ctx context.Context, logger zerolog.Logger, proc digestProcessor, jobQueue domain.DigestQueue, maxAttempts int, job domain.UserDigestJob, ack domain.DigestAckFunc) {
	confirm := func(success bool) {
		if ackErr := ack(success); ackErr != nil {
			logger.Error().Err(ackErr).Str("job_id", job.ID).Msg("worker: ack failed")
		}
	}

	err := proc.ProcessUserID(ctx, job.UserID, job.Date)
	switch {
	case err == nil:
		confirm(true)
	case errors.Is(err, repo.ErrUserNotFound):
		// Stale job; redelivery would never succeed.
		logger.Warn().Str("job_id", job.ID).Str("user_id", job.UserID).Msg("worker: dropping job for unknown user")
		confirm(true)
	case errors.Is(err, mailer.ErrNoRecipient):
		logger.Warn().Str("job_id", job.ID).Str("user_id", job.UserID).Msg("worker: dropping job, user has no email address")
		confirm(true)
	case job.Attempt+1 >= maxAttempts:
		logger.Error().Err(err).Str("job_id", job.ID).Str("user_id", job.UserID).Int("attempts", job.Attempt+1).Msg("worker: dropping job after repeated failures")
		confirm(true)
	default:
		retry := job
		retry.Attempt++
		retry.Cause = domain.DigestCauseRetry
		if enqErr := jobQueue.Enqueue(ctx, retry); enqErr != nil {
			logger.Error().Err(enqErr).Str("job_id", job.ID).Msg("worker: re-enqueue failed, leaving redelivery to the broker")
			confirm(false)
			return
		}
		logger.Warn().Err(err).Str("job_id", job.ID).Str("user_id", job.UserID).Int("attempt", retry.Attempt).Msg("worker: job failed, re-enqueued")
		confirm(true)
	}
}
