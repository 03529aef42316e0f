package domain

import (
	"context"
	"time"
)

// UserRepo enumerates digest recipients.
type UserRepo interface {
	// ListDigestEligible returns users with an active digest setting at any
	// scope. Users with zero digest settings are skipped entirely.
	ListDigestEligible(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, userID string) (User, error)
}

// EventRepo reads candidate events from the event store.
type EventRepo interface {
	// ListUserEvents returns events created in [from, to) within the user's
	// accessible scopes, ordered by creation time.
	ListUserEvents(ctx context.Context, userID string, from, to time.Time) ([]Event, error)
}

// PreferenceRepo reads the layered preference overrides.
type PreferenceRepo interface {
	ListOverrides(ctx context.Context, userID string) ([]PreferenceOverride, error)
}

// AccessRepo loads the membership/participation/access snapshot for a user.
type AccessRepo interface {
	AccessSnapshot(ctx context.Context, userID string) (AccessSnapshot, error)
}

// ProjectRepo resolves project labels for rendering.
type ProjectRepo interface {
	ProjectLabels(ctx context.Context, projectIDs []string) (map[string]string, error)
}

// ClaimLedger is the durable dedup ledger. Claim must be atomic: concurrent
// or retried calls for the same (event, user) yield exactly one Claimed
// outcome across all callers and all time.
type ClaimLedger interface {
	Claim(ctx context.Context, eventID, userID string, digestDate time.Time) (ClaimOutcome, error)
	// Release undoes a claim after a failed send so a later run can retry.
	// It must not touch a claim belonging to a different digest date.
	Release(ctx context.Context, eventID, userID string, digestDate time.Time) error
}

// DigestSender delivers a built digest. Opaque to the engine; a send error
// releases this iteration's claims and marks the user failed for the run.
type DigestSender interface {
	Send(ctx context.Context, user User, summary DigestSummary) error
}
