// scheduler enqueues one digest job per eligible user at the daily cutoff.
// Workers pick the jobs up from the queue.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"capmatch-digest/internal/adapters/repo"
	"capmatch-digest/internal/domain"
	"capmatch-digest/internal/infra/cache"
	"capmatch-digest/internal/infra/config"
	"capmatch-digest/internal/infra/db"
	applog "capmatch-digest/internal/infra/log"
	"capmatch-digest/internal/infra/metrics"
	"capmatch-digest/internal/infra/queue"
	"capmatch-digest/internal/usecase/run"
)

const enqueueLockTTL = 23 * time.Hour

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("scheduler: invalid configuration")
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: database connection failed")
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
			logger.Fatal().Err(err).Msg("scheduler: rabbitmq queue init failed")
		}
		defer rabbit.Close()
		jobQueue = rabbit
	case redisClient != nil:
		jobQueue = queue.NewRedisDigestQueue(redisClient, cfg.Queues.Digest)
	default:
		logger.Fatal().Msg("scheduler: no queue backend configured (RABBITMQ_URL or REDIS_ADDR)")
	}

	var enqueueLock *cache.RedisCache
	if redisClient != nil {
		enqueueLock = cache.NewRedis(redisClient)
	}

	loc := cfg.Location()
	lastEnqueued := ""

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	logger.Info().Int("cutoff_hour", cfg.Run.CutoffHour).Str("tz", cfg.DigestTZ).Msg("scheduler: started")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler: shutting down")
			return
		case now := <-ticker.C:
			local := now.In(loc)
			if local.Hour() < cfg.Run.CutoffHour {
				continue
			}
			date := run.DigestDateFor(now, loc)
			key := date.Format("2006-01-02")
			if key == lastEnqueued {
				continue
			}
			if err := enqueueAll(ctx, logger, repoAdapter, jobQueue, enqueueLock, date, key); err != nil {
				logger.Error().Err(err).Str("date", key).Msg("scheduler: enqueue failed")
				continue
			}
			lastEnqueued = key
		}
	}
}

func enqueueAll(ctx context.Context, logger zerolog.Logger, users domain.UserRepo, jobQueue domain.DigestQueue, lock *cache.RedisCache, date time.Time, key string) error {
	enqueue := func() error {
		eligible, err := users.ListDigestEligible(ctx)
		if err != nil {
			return err
		}
		for _, user := range eligible {
			job := domain.UserDigestJob{
				ID:          uuid.NewString(),
				UserID:      user.ID,
				Date:        date,
				RequestedAt: time.Now().UTC(),
				Cause:       domain.DigestCauseScheduled,
			}
			if err := jobQueue.Enqueue(ctx, job); err != nil {
				return err
			}
		}
		logger.Info().Str("date", key).Int("jobs", len(eligible)).Msg("scheduler: digest jobs enqueued")
		return nil
	}

	// A restart within the day must not flood the queue twice; and even if it
	// does, the claim ledger keeps the duplicate jobs harmless.
	if lock != nil {
		return lock.Once(ctx, "digest_enqueue:"+key, enqueueLockTTL, enqueue)
	}
	return enqueue()
}
