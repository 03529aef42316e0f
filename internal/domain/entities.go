package domain

import "time"

// Setting is the effective notification setting for a (user, event type) pair.
type Setting string

const (
	// SettingDigest includes the event in the user's daily digest email.
	SettingDigest Setting = "digest"
	// SettingImmediate delivers the event through the realtime channel, outside the digest.
	SettingImmediate Setting = "immediate"
	// SettingOff suppresses notification entirely.
	SettingOff Setting = "off"
)

// Valid reports whether s is one of the known settings.
func (s Setting) Valid() bool {
	switch s {
	case SettingDigest, SettingImmediate, SettingOff:
		return true
	}
	return false
}

// ScopeKind is the level at which a preference override applies.
type ScopeKind string

const (
	ScopeThread  ScopeKind = "thread"
	ScopeProject ScopeKind = "project"
	ScopeGlobal  ScopeKind = "global"
)

// EventType classifies a raw domain event.
type EventType string

const (
	EventChatMessageSent  EventType = "chat_message_sent"
	EventDocumentUploaded EventType = "document_uploaded"
	EventChecklistUpdated EventType = "checklist_updated"
)

// ScopeRef points at one level of an event's scope chain.
type ScopeRef struct {
	Kind ScopeKind
	ID   string
}

// Event is a raw domain event as stored by the event store. Immutable.
type Event struct {
	ID         string
	Type       EventType
	ProjectID  string
	ThreadID   string // empty when the event is not thread-scoped
	ResourceID string // set for document/resource events
	ActorID    string
	Mentions   []string
	CreatedAt  time.Time
}

// ScopeChain returns the event's scopes from most to least specific.
// Global is implicit and not part of the chain.
func (e Event) ScopeChain() []ScopeRef {
	chain := make([]ScopeRef, 0, 2)
	if e.ThreadID != "" {
		chain = append(chain, ScopeRef{Kind: ScopeThread, ID: e.ThreadID})
	}
	chain = append(chain, ScopeRef{Kind: ScopeProject, ID: e.ProjectID})
	return chain
}

// Mentioned reports whether userID appears in the event's mention set.
func (e Event) Mentioned(userID string) bool {
	for _, id := range e.Mentions {
		if id == userID {
			return true
		}
	}
	return false
}

// PreferenceOverride is a single row of the layered preference model.
// Read-only to this engine; owned by the preference store.
type PreferenceOverride struct {
	UserID  string
	Kind    ScopeKind
	ScopeID string // empty for global overrides
	Type    EventType
	Setting Setting
}

// AccessSnapshot holds everything a user is allowed to see, fetched once per
// user per run so gate decisions stay consistent while the run is in flight.
type AccessSnapshot struct {
	Projects  map[string]struct{}
	Threads   map[string]struct{}
	Resources map[string]struct{}
}

// MemberOfProject reports project membership. Absence fails closed.
func (a AccessSnapshot) MemberOfProject(projectID string) bool {
	_, ok := a.Projects[projectID]
	return ok
}

// ParticipantOfThread reports thread participation.
func (a AccessSnapshot) ParticipantOfThread(threadID string) bool {
	_, ok := a.Threads[threadID]
	return ok
}

// CanAccessResource reports resource-level access.
func (a AccessSnapshot) CanAccessResource(resourceID string) bool {
	_, ok := a.Resources[resourceID]
	return ok
}

// ClaimOutcome is the result of a dedup ledger claim.
type ClaimOutcome int

const (
	// Claimed means this caller now owns the (event, user) pair.
	Claimed ClaimOutcome = iota
	// AlreadyClaimed means the pair was counted by a prior claim. Not an error.
	AlreadyClaimed
)

// User is a digest recipient.
type User struct {
	ID       string
	Email    string
	FullName string
}

// ProjectSection is one project's slice of a digest summary.
type ProjectSection struct {
	ProjectID string
	Label     string
	Counts    map[EventType]int
	Mentions  int
}

// Total returns the number of events counted into the section.
func (s ProjectSection) Total() int {
	total := 0
	for _, n := range s.Counts {
		total += n
	}
	return total
}

// DigestSummary is the per-user aggregate built fresh each run. Sections are
// ordered by descending total, ties broken by project ID ascending.
type DigestSummary struct {
	UserID   string
	Date     time.Time
	Sections []ProjectSection
}

// Empty reports whether the summary has nothing to send.
func (d DigestSummary) Empty() bool { return len(d.Sections) == 0 }

// TotalEvents returns the number of events across all sections.
func (d DigestSummary) TotalEvents() int {
	total := 0
	for _, s := range d.Sections {
		total += s.Total()
	}
	return total
}

// UserFailure records a per-user failure inside a run. Failures are isolated
// and never abort sibling users.
type UserFailure struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// RunReport summarizes one batch run.
type RunReport struct {
	RunID     string        `json:"run_id"`
	Date      time.Time     `json:"date"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Users     int           `json:"users"`
	Sent      int           `json:"sent"`
	Skipped   int           `json:"skipped"`
	Claimed   int           `json:"claimed"`
	Failed    []UserFailure `json:"failed,omitempty"`
}
