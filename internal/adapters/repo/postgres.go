// Package repo implements the store ports on Postgres via pgxpool.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"capmatch-digest/internal/domain"
	"capmatch-digest/internal/infra/metrics"
)

// ErrUserNotFound is returned when a queued job references an unknown user.
var ErrUserNotFound = errors.New("user not found")

// Postgres implements the store and ledger ports on one pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.UserRepo       = (*Postgres)(nil)
	_ domain.EventRepo      = (*Postgres)(nil)
	_ domain.PreferenceRepo = (*Postgres)(nil)
	_ domain.AccessRepo     = (*Postgres)(nil)
	_ domain.ProjectRepo    = (*Postgres)(nil)
	_ domain.ClaimLedger    = (*Postgres)(nil)
)

// NewPostgres builds the adapter.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// ListDigestEligible implements domain.UserRepo. A user is eligible when they
// opted into the digest channel or carry a digest override at any scope.
func (p *Postgres) ListDigestEligible(ctx context.Context) ([]domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT u.id, u.email, COALESCE(u.full_name, '')
FROM users u
WHERE u.digest_opt_in
   OR EXISTS (
        SELECT 1 FROM notification_overrides o
        WHERE o.user_id = u.id AND o.setting = 'digest'
      )
ORDER BY u.id
`)
	metrics.ObserveNetworkRequest("postgres", "users_list_digest_eligible", "users", start, err)
	if err != nil {
		return nil, fmt.Errorf("list digest-eligible users: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Email, &u.FullName); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetUser implements domain.UserRepo.
func (p *Postgres) GetUser(ctx context.Context, userID string) (domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var u domain.User
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, email, COALESCE(full_name, '') FROM users WHERE id = $1
`, userID).Scan(&u.ID, &u.Email, &u.FullName)
	metrics.ObserveNetworkRequest("postgres", "users_get", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

type eventPayload struct {
	MentionedUserIDs []string `json:"mentioned_user_ids"`
	ResourceID       string   `json:"resource_id"`
}

// ListUserEvents implements domain.EventRepo. The store limits results to the
// user's accessible project scopes; the recipient gate re-checks everything
// in-process against the access snapshot.
func (p *Postgres) ListUserEvents(ctx context.Context, userID string, from, to time.Time) ([]domain.Event, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT e.id, e.event_type, e.project_id, COALESCE(e.thread_id, ''), e.actor_id, e.payload, e.created_at
FROM events e
WHERE e.created_at >= $2 AND e.created_at < $3
  AND e.project_id IN (SELECT project_id FROM project_members WHERE user_id = $1)
ORDER BY e.created_at
`, userID, from, to)
	metrics.ObserveNetworkRequest("postgres", "events_list_for_user", "events", start, err)
	if err != nil {
		return nil, fmt.Errorf("list user events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			ev  domain.Event
			raw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.ProjectID, &ev.ThreadID, &ev.ActorID, &raw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(raw) > 0 {
			var payload eventPayload
			if err := json.Unmarshal(raw, &payload); err == nil {
				ev.Mentions = payload.MentionedUserIDs
				ev.ResourceID = payload.ResourceID
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListOverrides implements domain.PreferenceRepo.
func (p *Postgres) ListOverrides(ctx context.Context, userID string) ([]domain.PreferenceOverride, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT user_id, scope_kind, COALESCE(scope_id, ''), event_type, setting
FROM notification_overrides
WHERE user_id = $1
`, userID)
	metrics.ObserveNetworkRequest("postgres", "overrides_list", "notification_overrides", start, err)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	defer rows.Close()

	var overrides []domain.PreferenceOverride
	for rows.Next() {
		var o domain.PreferenceOverride
		if err := rows.Scan(&o.UserID, &o.Kind, &o.ScopeID, &o.Type, &o.Setting); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

// AccessSnapshot implements domain.AccessRepo: one fetch per user per run.
func (p *Postgres) AccessSnapshot(ctx context.Context, userID string) (domain.AccessSnapshot, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	snap := domain.AccessSnapshot{
		Projects:  make(map[string]struct{}),
		Threads:   make(map[string]struct{}),
		Resources: make(map[string]struct{}),
	}

	queries := []struct {
		operation string
		table     string
		sql       string
		dest      map[string]struct{}
	}{
		{"project_members_list", "project_members", `SELECT project_id FROM project_members WHERE user_id = $1`, snap.Projects},
		{"thread_participants_list", "thread_participants", `SELECT thread_id FROM thread_participants WHERE user_id = $1`, snap.Threads},
		{"resource_grants_list", "resource_grants", `SELECT resource_id FROM resource_grants WHERE user_id = $1`, snap.Resources},
	}

	for _, q := range queries {
		start := time.Now()
		rows, err := p.pool.Query(ctx, q.sql, userID)
		metrics.ObserveNetworkRequest("postgres", q.operation, q.table, start, err)
		if err != nil {
			return domain.AccessSnapshot{}, fmt.Errorf("load %s: %w", q.table, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return domain.AccessSnapshot{}, fmt.Errorf("scan %s: %w", q.table, err)
			}
			q.dest[id] = struct{}{}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return domain.AccessSnapshot{}, fmt.Errorf("read %s: %w", q.table, err)
		}
	}
	return snap, nil
}

// ProjectLabels implements domain.ProjectRepo.
func (p *Postgres) ProjectLabels(ctx context.Context, projectIDs []string) (map[string]string, error) {
	if len(projectIDs) == 0 {
		return map[string]string{}, nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT id, name FROM projects WHERE id = ANY($1)`, projectIDs)
	metrics.ObserveNetworkRequest("postgres", "projects_labels", "projects", start, err)
	if err != nil {
		return nil, fmt.Errorf("list project labels: %w", err)
	}
	defer rows.Close()

	labels := make(map[string]string, len(projectIDs))
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		labels[id] = name
	}
	return labels, rows.Err()
}

// Claim implements domain.ClaimLedger. The digest_claims table carries a
// unique constraint on (event_id, user_id), so exactly one caller across all
// processes and runs ever observes an inserted row; everyone else gets
// AlreadyClaimed. In-process locking alone could not survive restarts.
func (p *Postgres) Claim(ctx context.Context, eventID, userID string, digestDate time.Time) (domain.ClaimOutcome, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
INSERT INTO digest_claims (event_id, user_id, digest_date)
VALUES ($1, $2, $3)
ON CONFLICT (event_id, user_id) DO NOTHING
`, eventID, userID, digestDate)
	metrics.ObserveNetworkRequest("postgres", "digest_claims_claim", "digest_claims", start, err)
	if err != nil {
		return domain.AlreadyClaimed, fmt.Errorf("claim event: %w", err)
	}
	if res.RowsAffected() > 0 {
		return domain.Claimed, nil
	}
	return domain.AlreadyClaimed, nil
}

// Release implements domain.ClaimLedger. Only the exact-date row is removed,
// so a claim belonging to a different digest date can never be resurrected.
func (p *Postgres) Release(ctx context.Context, eventID, userID string, digestDate time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
DELETE FROM digest_claims
WHERE event_id = $1 AND user_id = $2 AND digest_date = $3
`, eventID, userID, digestDate)
	metrics.ObserveNetworkRequest("postgres", "digest_claims_release", "digest_claims", start, err)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}
