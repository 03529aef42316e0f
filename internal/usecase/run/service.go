// Package run drives the daily batch: enumerate digest-eligible users, filter
// each user's events through the recipient gate and preference resolver,
// claim survivors in the dedup ledger, aggregate, send, and finalize claims
// only on a confirmed send.
package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"capmatch-digest/internal/domain"
	"capmatch-digest/internal/infra/metrics"
	"capmatch-digest/internal/usecase/digest"
	"capmatch-digest/internal/usecase/gate"
	"capmatch-digest/internal/usecase/prefs"
)

const (
	statusSent    = "sent"
	statusSkipped = "skipped"
	statusFailed  = "failed"

	runLockTTL     = 23 * time.Hour
	releaseTimeout = 10 * time.Second
)

// Locker serializes concurrent triggers for the same date. Best effort only:
// the ledger's unique constraint is what actually makes overlapping runs safe.
type Locker interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}

// Deps are the external collaborators consumed by the orchestrator.
type Deps struct {
	Users     domain.UserRepo
	Events    domain.EventRepo
	Overrides domain.PreferenceRepo
	Access    domain.AccessRepo
	Projects  domain.ProjectRepo
	Ledger    domain.ClaimLedger
	Sender    domain.DigestSender
	Lock      Locker // optional
}

// Options tune the batch behavior.
type Options struct {
	Workers     int
	UserTimeout time.Duration
	Location    *time.Location
	// SkipClaims bypasses idempotency enforcement. Test-only.
	SkipClaims bool
}

// Service is the batch orchestrator.
type Service struct {
	deps     Deps
	policy   prefs.Policy
	resolver *prefs.Resolver
	opts     Options
	log      zerolog.Logger

	mu         sync.Mutex
	lastReport domain.RunReport
	hasReport  bool
}

// NewService builds the orchestrator. Zero options fall back to safe values.
func NewService(deps Deps, policy prefs.Policy, opts Options, logger zerolog.Logger) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.UserTimeout <= 0 {
		opts.UserTimeout = 30 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Service{
		deps:     deps,
		policy:   policy,
		resolver: prefs.NewResolver(policy),
		opts:     opts,
		log:      logger,
	}
}

// Run executes the batch for the given digest date. A ConfigError aborts
// before any claim is made; everything else is isolated per user.
func (s *Service) Run(ctx context.Context, date time.Time) (domain.RunReport, error) {
	if err := s.policy.Validate(); err != nil {
		metrics.RunsTotal.WithLabelValues("config_error").Inc()
		return domain.RunReport{}, err
	}

	day := Day(date, s.opts.Location)
	report := domain.RunReport{
		RunID:     uuid.NewString(),
		Date:      day,
		StartedAt: time.Now().UTC(),
	}
	s.log.Info().Str("run_id", report.RunID).Str("date", day.Format("2006-01-02")).Msg("run: started")

	executed := false
	body := func() error {
		executed = true
		return s.execute(ctx, day, &report)
	}

	var err error
	if s.deps.Lock != nil {
		err = s.deps.Lock.Once(ctx, "digest_run:"+day.Format("2006-01-02"), runLockTTL, body)
	} else {
		err = body()
	}
	report.EndedAt = time.Now().UTC()

	switch {
	case err != nil:
		metrics.RunsTotal.WithLabelValues("failed").Inc()
		return report, err
	case !executed:
		s.log.Info().Str("date", day.Format("2006-01-02")).Msg("run: another run holds the date lock, skipping")
		metrics.RunsTotal.WithLabelValues("locked").Inc()
		return report, nil
	}

	s.setLastReport(report)
	metrics.RunsTotal.WithLabelValues("ok").Inc()
	s.log.Info().
		Str("run_id", report.RunID).
		Int("users", report.Users).
		Int("sent", report.Sent).
		Int("skipped", report.Skipped).
		Int("claimed", report.Claimed).
		Int("failed", len(report.Failed)).
		Msg("run: finished")
	return report, nil
}

// ProcessUserID runs the per-user pipeline for a queued job. It returns an
// error only for failures that warrant a redelivery.
func (s *Service) ProcessUserID(ctx context.Context, userID string, date time.Time) error {
	if err := s.policy.Validate(); err != nil {
		return err
	}
	user, err := s.deps.Users.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetch user %s: %w", userID, err)
	}
	day := Day(date, s.opts.Location)
	res := s.processUser(ctx, user, day)
	if res.status == statusFailed {
		// Wrap rather than stringify so callers can classify the failure.
		return fmt.Errorf("process user %s: %w", userID, res.err)
	}
	return nil
}

// LastReport returns the most recent finished run, if any.
func (s *Service) LastReport() (domain.RunReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReport, s.hasReport
}

func (s *Service) setLastReport(report domain.RunReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReport = report
	s.hasReport = true
}

func (s *Service) execute(ctx context.Context, day time.Time, report *domain.RunReport) error {
	users, err := s.deps.Users.ListDigestEligible(ctx)
	if err != nil {
		return fmt.Errorf("enumerate users: %w", err)
	}
	report.Users = len(users)

	sem := make(chan struct{}, s.opts.Workers)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, user := range users {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(u domain.User) {
			defer wg.Done()
			defer func() { <-sem }()

			res := s.processUser(ctx, u, day)

			mu.Lock()
			report.Claimed += res.claimed
			switch res.status {
			case statusSent:
				report.Sent++
			case statusSkipped:
				report.Skipped++
			case statusFailed:
				report.Failed = append(report.Failed, domain.UserFailure{UserID: u.ID, Reason: res.reason})
			}
			mu.Unlock()
		}(user)
	}
	wg.Wait()
	return nil
}

type userResult struct {
	status  string
	claimed int
	reason  string
	err     error
}

func (s *Service) processUser(ctx context.Context, user domain.User, day time.Time) userResult {
	start := time.Now()
	defer func() {
		metrics.UserPipelineSeconds.Observe(time.Since(start).Seconds())
	}()

	res := s.pipeline(ctx, user, day)
	metrics.UsersProcessedTotal.WithLabelValues(res.status).Inc()
	if res.status == statusFailed {
		s.log.Error().Str("user_id", user.ID).Str("reason", res.reason).Msg("run: user failed")
	}
	return res
}

func (s *Service) pipeline(ctx context.Context, user domain.User, day time.Time) userResult {
	uctx, cancel := context.WithTimeout(ctx, s.opts.UserTimeout)
	defer cancel()

	overrides, err := s.deps.Overrides.ListOverrides(uctx, user.ID)
	if err != nil {
		return failure("fetch overrides", err)
	}
	snap := prefs.NewSnapshot(overrides)

	access, err := s.deps.Access.AccessSnapshot(uctx, user.ID)
	if err != nil {
		return failure("fetch access snapshot", err)
	}

	from, to := Window(day, s.opts.Location)
	events, err := s.deps.Events.ListUserEvents(uctx, user.ID, from, to)
	if err != nil {
		return failure("fetch events", err)
	}

	// Gate first: an event the user cannot see must never reach preference
	// evaluation or aggregation.
	eligible := make([]domain.Event, 0, len(events))
	for _, event := range events {
		if !gate.Allows(access, user.ID, event) {
			metrics.EventsFilteredTotal.WithLabelValues("not_recipient").Inc()
			continue
		}
		if s.resolver.Resolve(snap, event.Type, event.ScopeChain()) != domain.SettingDigest {
			metrics.EventsFilteredTotal.WithLabelValues("preference").Inc()
			continue
		}
		eligible = append(eligible, event)
	}

	claimed := make([]domain.Event, 0, len(eligible))
	for _, event := range eligible {
		if s.opts.SkipClaims {
			claimed = append(claimed, event)
			continue
		}
		outcome, err := s.deps.Ledger.Claim(uctx, event.ID, user.ID, day)
		if err != nil {
			s.releaseClaims(user.ID, day, claimed)
			return failure("claim event", err)
		}
		if outcome == domain.AlreadyClaimed {
			// Counted in a prior run. Not an error.
			metrics.ClaimsTotal.WithLabelValues("already_claimed").Inc()
			continue
		}
		metrics.ClaimsTotal.WithLabelValues("claimed").Inc()
		claimed = append(claimed, event)
	}

	if len(claimed) == 0 {
		// An empty digest is not sent.
		return userResult{status: statusSkipped}
	}

	labels, err := s.deps.Projects.ProjectLabels(uctx, projectIDs(claimed))
	if err != nil {
		s.releaseClaims(user.ID, day, claimed)
		return failure("fetch project labels", err)
	}

	summary := digest.Aggregate(user.ID, day, claimed, labels)

	sendStart := time.Now()
	err = s.deps.Sender.Send(uctx, user, summary)
	metrics.SendSeconds.Observe(time.Since(sendStart).Seconds())
	if err != nil {
		s.releaseClaims(user.ID, day, claimed)
		return failure("send digest", err)
	}

	// Confirmed send: this iteration's claims stand permanently.
	return userResult{status: statusSent, claimed: len(claimed)}
}

// releaseClaims undoes the claims made in one iteration after a failure, on a
// fresh context so cancellation of the run cannot strand them.
func (s *Service) releaseClaims(userID string, day time.Time, events []domain.Event) {
	if s.opts.SkipClaims || len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	for _, event := range events {
		if err := s.deps.Ledger.Release(ctx, event.ID, userID, day); err != nil {
			metrics.ClaimsTotal.WithLabelValues("release_failed").Inc()
			s.log.Error().Err(err).
				Str("user_id", userID).
				Str("event_id", event.ID).
				Msg("run: claim release failed, event stays claimed without a send")
			continue
		}
		metrics.ClaimsTotal.WithLabelValues("released").Inc()
	}
}

func failure(stage string, err error) userResult {
	return userResult{
		status: statusFailed,
		reason: fmt.Sprintf("%s: %v", stage, err),
		err:    fmt.Errorf("%s: %w", stage, err),
	}
}

func projectIDs(events []domain.Event) []string {
	seen := make(map[string]struct{}, len(events))
	ids := make([]string, 0, len(events))
	for _, event := range events {
		if _, ok := seen[event.ProjectID]; ok {
			continue
		}
		seen[event.ProjectID] = struct{}{}
		ids = append(ids, event.ProjectID)
	}
	return ids
}
