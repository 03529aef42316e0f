// digest-runner executes one daily batch run. Cron (or Cloud Scheduler)
// invokes it once a day after the cutoff.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"capmatch-digest/internal/adapters/mailer"
	"capmatch-digest/internal/adapters/repo"
	"capmatch-digest/internal/infra/cache"
	"capmatch-digest/internal/infra/config"
	"capmatch-digest/internal/infra/db"
	applog "capmatch-digest/internal/infra/log"
	"capmatch-digest/internal/infra/metrics"
	"capmatch-digest/internal/usecase/prefs"
	"capmatch-digest/internal/usecase/run"
)

func main() {
	dateFlag := flag.String("date", "", "digest date (YYYY-MM-DD), defaults to yesterday in the reference zone")
	flag.Parse()

	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("runner: invalid configuration")
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("runner: database connection failed")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var lock run.Locker
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		lock = cache.NewRedis(redisClient)
	}

	sender := mailer.NewResend(mailer.Config{
		APIKey:        cfg.Resend.APIKey,
		From:          cfg.Resend.From,
		TestMode:      cfg.Resend.TestMode,
		TestRecipient: cfg.Resend.TestRecipient,
		ForceTo:       cfg.Resend.ForceTo,
		DryRun:        cfg.Resend.DryRun,
	}, logger.With().Str("component", "mailer").Logger())

	loc := cfg.Location()
	service := run.NewService(run.Deps{
		Users:     repoAdapter,
		Events:    repoAdapter,
		Overrides: repoAdapter,
		Access:    repoAdapter,
		Projects:  repoAdapter,
		Ledger:    repoAdapter,
		Sender:    sender,
		Lock:      lock,
	}, prefs.DefaultPolicy(), run.Options{
		Workers:     cfg.Run.Workers,
		UserTimeout: cfg.Run.UserTimeout,
		Location:    loc,
		SkipClaims:  cfg.Run.SkipClaims,
	}, logger.With().Str("component", "run").Logger())

	date := run.DigestDateFor(time.Now(), loc)
	if *dateFlag != "" {
		parsed, err := time.ParseInLocation("2006-01-02", *dateFlag, loc)
		if err != nil {
			logger.Fatal().Err(err).Str("date", *dateFlag).Msg("runner: invalid -date")
		}
		date = parsed
	}

	report, err := service.Run(ctx, date)
	if err != nil {
		logger.Fatal().Err(err).Msg("runner: batch run failed")
	}
	logger.Info().
		Str("run_id", report.RunID).
		Int("users", report.Users).
		Int("sent", report.Sent).
		Int("skipped", report.Skipped).
		Int("failed", len(report.Failed)).
		Msg("runner: done")
}
