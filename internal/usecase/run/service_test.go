package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"capmatch-digest/internal/domain"
	"capmatch-digest/internal/usecase/prefs"
)

var testDay = time.Date(2026, time.August, 26, 0, 0, 0, 0, time.UTC)

// stubStore implements every collaborator port in memory. Its claim map uses
// the same insert-if-absent semantics as the database unique constraint.
type stubStore struct {
	mu        sync.Mutex
	users     []domain.User
	events    map[string][]domain.Event
	overrides map[string][]domain.PreferenceOverride
	access    map[string]domain.AccessSnapshot
	labels    map[string]string
	claims    map[string]time.Time
	sendErr   map[string]error
	sent      []domain.DigestSummary
	released  []string
	eventsErr error
}

func newStubStore() *stubStore {
	return &stubStore{
		events:    map[string][]domain.Event{},
		overrides: map[string][]domain.PreferenceOverride{},
		access:    map[string]domain.AccessSnapshot{},
		labels:    map[string]string{},
		claims:    map[string]time.Time{},
		sendErr:   map[string]error{},
	}
}

func claimKey(eventID, userID string) string { return eventID + "|" + userID }

func (s *stubStore) ListDigestEligible(context.Context) ([]domain.User, error) {
	return s.users, nil
}

func (s *stubStore) GetUser(_ context.Context, userID string) (domain.User, error) {
	for _, u := range s.users {
		if u.ID == userID {
			return u, nil
		}
	}
	return domain.User{}, errors.New("user not found")
}

func (s *stubStore) ListUserEvents(_ context.Context, userID string, _, _ time.Time) ([]domain.Event, error) {
	if s.eventsErr != nil {
		return nil, s.eventsErr
	}
	return s.events[userID], nil
}

func (s *stubStore) ListOverrides(_ context.Context, userID string) ([]domain.PreferenceOverride, error) {
	return s.overrides[userID], nil
}

func (s *stubStore) AccessSnapshot(_ context.Context, userID string) (domain.AccessSnapshot, error) {
	if snap, ok := s.access[userID]; ok {
		return snap, nil
	}
	return domain.AccessSnapshot{
		Projects:  map[string]struct{}{},
		Threads:   map[string]struct{}{},
		Resources: map[string]struct{}{},
	}, nil
}

func (s *stubStore) ProjectLabels(context.Context, []string) (map[string]string, error) {
	return s.labels, nil
}

func (s *stubStore) Claim(_ context.Context, eventID, userID string, digestDate time.Time) (domain.ClaimOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := claimKey(eventID, userID)
	if _, ok := s.claims[key]; ok {
		return domain.AlreadyClaimed, nil
	}
	s.claims[key] = digestDate
	return domain.Claimed, nil
}

func (s *stubStore) Release(_ context.Context, eventID, userID string, digestDate time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := claimKey(eventID, userID)
	if date, ok := s.claims[key]; ok && date.Equal(digestDate) {
		delete(s.claims, key)
		s.released = append(s.released, key)
	}
	return nil
}

func (s *stubStore) Send(_ context.Context, user domain.User, summary domain.DigestSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sendErr[user.ID]; err != nil {
		return err
	}
	s.sent = append(s.sent, summary)
	return nil
}

func memberAccess(projects ...string) domain.AccessSnapshot {
	snap := domain.AccessSnapshot{
		Projects:  map[string]struct{}{},
		Threads:   map[string]struct{}{},
		Resources: map[string]struct{}{},
	}
	for _, p := range projects {
		snap.Projects[p] = struct{}{}
	}
	return snap
}

func newTestService(store *stubStore, opts Options) *Service {
	return NewService(Deps{
		Users:     store,
		Events:    store,
		Overrides: store,
		Access:    store,
		Projects:  store,
		Ledger:    store,
		Sender:    store,
	}, prefs.DefaultPolicy(), opts, zerolog.Nop())
}

func TestRunSendsDigest(t *testing.T) {
	store := newStubStore()
	store.users = []domain.User{{ID: "u1", Email: "u1@example.com"}}
	store.access["u1"] = memberAccess("p1")
	store.events["u1"] = []domain.Event{
		{ID: "e1", Type: domain.EventChatMessageSent, ProjectID: "p1"},
		{ID: "e2", Type: domain.EventDocumentUploaded, ProjectID: "p1"},
	}

	service := newTestService(store, Options{})
	report, err := service.Run(context.Background(), testDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Sent != 1 || report.Skipped != 0 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Claimed != 2 {
		t.Fatalf("expected 2 claimed events, got %d", report.Claimed)
	}
	if len(store.sent) != 1 || store.sent[0].TotalEvents() != 2 {
		t.Fatalf("expected one digest with 2 events, got %+v", store.sent)
	}
	if len(store.claims) != 2 {
		t.Fatalf("claims must stand after a confirmed send, got %d", len(store.claims))
	}
}

func TestRunSkipsEmptyDigest(t *testing.T) {
	store := newStubStore()
	store.users = []domain.User{{ID: "u1", Email: "u1@example.com"}}
	store.access["u1"] = memberAccess("p1")
	store.events["u1"] = []domain.Event{{ID: "e1", Type: domain.EventChatMessageSent, ProjectID: "p1"}}
	// Already counted in a prior run.
	store.claims[claimKey("e1", "u1")] = testDay

	service := newTestService(store, Options{})
	report, err := service.Run(context.Background(), testDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Skipped != 1 || report.Sent != 0 {
		t.Fatalf("already-claimed events must lead to a skip: %+v", report)
	}
	if len(store.sent) != 0 {
		t.Fatalf("empty digest must not be sent")
	}
}

func TestRunFiltersGateAndPreference(t *testing.T) {
	store := newStubStore()
	store.users = []domain.User{{ID: "u1", Email: "u1@example.com"}}
	store.access["u1"] = memberAccess("p1")
	store.overrides["u1"] = []domain.PreferenceOverride{
		{UserID: "u1", Kind: domain.ScopeProject, ScopeID: "p1", Type: domain.EventDocumentUploaded, Setting: domain.SettingOff},
	}
	store.events["u1"] = []domain.Event{
		{ID: "visible", Type: domain.EventChatMessageSent, ProjectID: "p1"},
		{ID: "hidden", Type: domain.EventChatMessageSent, ProjectID: "p2"},  // not a member
		{ID: "muted", Type: domain.EventDocumentUploaded, ProjectID: "p1"}, // preference off
	}

	service := newTestService(store, Options{})
	if _, err := service.Run(context.Background(), testDay); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.claims) != 1 {
		t.Fatalf("only the eligible event may be claimed, got %d", len(store.claims))
	}
	if _, ok := store.claims[claimKey("visible", "u1")]; !ok {
		t.Fatalf("expected the visible event to be claimed")
	}
	if store.sent[0].TotalEvents() != 1 {
		t.Fatalf("filtered events must never reach the aggregator")
	}
}

func TestRunSendFailureReleasesClaimsAndContinues(t *testing.T) {
	store := newStubStore()
	store.users = []domain.User{
		{ID: "u1", Email: "u1@example.com"},
		{ID: "u2", Email: "u2@example.com"},
	}
	store.access["u1"] = memberAccess("p1")
	store.access["u2"] = memberAccess("p1")
	store.events["u1"] = []domain.Event{{ID: "e1", Type: domain.EventChatMessageSent, ProjectID: "p1"}}
	store.events["u2"] = []domain.Event{{ID: "e2", Type: domain.EventChatMessageSent, ProjectID: "p1"}}
	store.sendErr["u1"] = fmt.Errorf("smtp down")

	service := newTestService(store, Options{Workers: 1})
	report, err := service.Run(context.Background(), testDay)
	if err != nil {
		t.Fatalf("one user's failure must not abort the batch: %v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0].UserID != "u1" {
		t.Fatalf("expected u1 to fail, got %+v", report.Failed)
	}
	if report.Sent != 1 {
		t.Fatalf("u2 must still be processed, got %+v", report)
	}
	if _, ok := store.claims[claimKey("e1", "u1")]; ok {
		t.Fatalf("failed send must release the claim")
	}
	if _, ok := store.claims[claimKey("e2", "u2")]; !ok {
		t.Fatalf("successful send must keep the claim")
	}
}

func TestRunRetryAfterFailedSendDeliversOnce(t *testing.T) {
	store := newStubStore()
	store.users = []domain.User{{ID: "u1", Email: "u1@example.com"}}
	store.access["u1"] = memberAccess("p1")
	store.events["u1"] = []domain.Event{{ID: "e1", Type: domain.EventChatMessageSent, ProjectID: "p1"}}
	store.sendErr["u1"] = fmt.Errorf("transient outage")

	service := newTestService(store, Options{})
	if _, err := service.Run(context.Background(), testDay); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Second run on the same date after the outage clears.
	store.mu.Lock()
	delete(store.sendErr, "u1")
	store.mu.Unlock()

	report, err := service.Run(context.Background(), testDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Sent != 1 {
		t.Fatalf("retry run must send, got %+v", report)
	}
	if len(store.sent) != 1 {
		t.Fatalf("event must appear in exactly one sent digest, got %d", len(store.sent))
	}

	// A third run finds the event already claimed and stays silent.
	report, err = service.Run(context.Background(), testDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Sent != 0 || report.Skipped != 1 {
		t.Fatalf("re-run must skip the already-claimed event, got %+v", report)
	}
	if len(store.sent) != 1 {
		t.Fatalf("re-run must not send again")
	}
}

func TestConcurrentRunsClaimExactlyOnce(t *testing.T) {
	store := newStubStore()
	store.users = []domain.User{{ID: "u1", Email: "u1@example.com"}}
	store.access["u1"] = memberAccess("p1")
	store.events["u1"] = []domain.Event{{ID: "e1", Type: domain.EventChatMessageSent, ProjectID: "p1"}}

	// Two independent orchestrators sharing one ledger, as two process
	// instances firing for the same date would.
	first := newTestService(store, Options{})
	second := newTestService(store, Options{})

	var wg sync.WaitGroup
	for _, service := range []*Service{first, second} {
		wg.Add(1)
		go func(s *Service) {
			defer wg.Done()
			if _, err := s.Run(context.Background(), testDay); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}(service)
	}
	wg.Wait()

	if len(store.sent) != 1 {
		t.Fatalf("exactly one run's claim may succeed, got %d sends", len(store.sent))
	}
	if len(store.claims) != 1 {
		t.Fatalf("expected a single claim record, got %d", len(store.claims))
	}
}

func TestRunFailsFastOnConfigError(t *testing.T) {
	store := newStubStore()
	store.users = []domain.User{{ID: "u1", Email: "u1@example.com"}}
	store.access["u1"] = memberAccess("p1")
	store.events["u1"] = []domain.Event{{ID: "e1", Type: domain.EventChatMessageSent, ProjectID: "p1"}}

	service := NewService(Deps{
		Users:     store,
		Events:    store,
		Overrides: store,
		Access:    store,
		Projects:  store,
		Ledger:    store,
		Sender:    store,
	}, prefs.Policy{}, Options{}, zerolog.Nop())

	_, err := service.Run(context.Background(), testDay)
	var cfgErr *domain.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected a ConfigError, got %v", err)
	}
	if len(store.claims) != 0 {
		t.Fatalf("no claim may be made before config validation passes")
	}
}

func TestRunMarksUserFailedOnFetchError(t *testing.T) {
	store := newStubStore()
	store.users = []domain.User{{ID: "u1", Email: "u1@example.com"}}
	store.eventsErr = fmt.Errorf("store unavailable")

	service := newTestService(store, Options{})
	report, err := service.Run(context.Background(), testDay)
	if err != nil {
		t.Fatalf("a transient per-user fetch error must not fail the run: %v", err)
	}
	if len(report.Failed) != 1 {
		t.Fatalf("expected the user to be marked failed, got %+v", report)
	}
}

func TestProcessUserID(t *testing.T) {
	store := newStubStore()
	store.users = []domain.User{{ID: "u1", Email: "u1@example.com"}}
	store.access["u1"] = memberAccess("p1")
	store.events["u1"] = []domain.Event{{ID: "e1", Type: domain.EventChatMessageSent, ProjectID: "p1"}}

	service := newTestService(store, Options{})
	if err := service.ProcessUserID(context.Background(), "u1", testDay); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.sent) != 1 {
		t.Fatalf("expected one digest to be sent")
	}

	if err := service.ProcessUserID(context.Background(), "missing", testDay); err == nil {
		t.Fatalf("unknown user must error so the job is retried or dropped")
	}
}

func TestProcessUserIDPreservesSendError(t *testing.T) {
	sentinel := errors.New("recipient rejected")
	store := newStubStore()
	store.users = []domain.User{{ID: "u1", Email: "u1@example.com"}}
	store.access["u1"] = memberAccess("p1")
	store.events["u1"] = []domain.Event{{ID: "e1", Type: domain.EventChatMessageSent, ProjectID: "p1"}}
	store.sendErr["u1"] = sentinel

	service := newTestService(store, Options{})
	err := service.ProcessUserID(context.Background(), "u1", testDay)
	if !errors.Is(err, sentinel) {
		t.Fatalf("callers must be able to classify the underlying failure, got %v", err)
	}
}

func TestRunUsesDateLock(t *testing.T) {
	store := newStubStore()
	store.users = []domain.User{{ID: "u1", Email: "u1@example.com"}}
	store.access["u1"] = memberAccess("p1")
	store.events["u1"] = []domain.Event{{ID: "e1", Type: domain.EventChatMessageSent, ProjectID: "p1"}}

	lock := &stubLocker{held: map[string]bool{}}
	service := NewService(Deps{
		Users:     store,
		Events:    store,
		Overrides: store,
		Access:    store,
		Projects:  store,
		Ledger:    store,
		Sender:    store,
		Lock:      lock,
	}, prefs.DefaultPolicy(), Options{}, zerolog.Nop())

	if _, err := service.Run(context.Background(), testDay); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	report, err := service.Run(context.Background(), testDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Users != 0 || len(store.sent) != 1 {
		t.Fatalf("second trigger for the same date must be skipped by the lock")
	}
}

type stubLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *stubLocker) Once(_ context.Context, key string, _ time.Duration, fn func() error) error {
	l.mu.Lock()
	if l.held[key] {
		l.mu.Unlock()
		return nil
	}
	l.held[key] = true
	l.mu.Unlock()
	if err := fn(); err != nil {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
		return err
	}
	return nil
}
