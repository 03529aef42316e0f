package prefs

import (
	"capmatch-digest/internal/domain"
)

// Policy is the static default table: event type -> setting when no override
// matches at any scope. Passed in explicitly so the resolver stays pure.
type Policy map[domain.EventType]domain.Setting

// DefaultPolicy returns the per-event-type defaults shipped with the product.
func DefaultPolicy() Policy {
	return Policy{
		domain.EventChatMessageSent:  domain.SettingDigest,
		domain.EventDocumentUploaded: domain.SettingDigest,
		domain.EventChecklistUpdated: domain.SettingOff,
	}
}

// Validate reports the first malformed policy entry, if any.
func (p Policy) Validate() error {
	if len(p) == 0 {
		return &domain.ConfigError{Field: "default_policy", Reason: "table is empty"}
	}
	for eventType, setting := range p {
		if !setting.Valid() {
			return &domain.ConfigError{
				Field:  "default_policy." + string(eventType),
				Reason: "unknown setting " + string(setting),
			}
		}
	}
	return nil
}

type overrideKey struct {
	kind    domain.ScopeKind
	scopeID string
	typ     domain.EventType
}

// Snapshot is a per-user override index built once per run. Overrides changed
// mid-run never affect events already filtered against it.
type Snapshot struct {
	byScope map[overrideKey]domain.Setting
}

// NewSnapshot indexes a user's overrides for scope-chain lookup. Malformed
// rows (unknown setting) are dropped rather than shadowing valid ones.
func NewSnapshot(overrides []domain.PreferenceOverride) Snapshot {
	byScope := make(map[overrideKey]domain.Setting, len(overrides))
	for _, o := range overrides {
		if !o.Setting.Valid() {
			continue
		}
		key := overrideKey{kind: o.Kind, scopeID: o.ScopeID, typ: o.Type}
		if o.Kind == domain.ScopeGlobal {
			key.scopeID = ""
		}
		byScope[key] = o.Setting
	}
	return Snapshot{byScope: byScope}
}

func (s Snapshot) lookup(kind domain.ScopeKind, scopeID string, typ domain.EventType) (domain.Setting, bool) {
	setting, ok := s.byScope[overrideKey{kind: kind, scopeID: scopeID, typ: typ}]
	return setting, ok
}

// Resolver walks scope chains against an override snapshot and a default
// policy. Pure; no side effects.
type Resolver struct {
	defaults Policy
}

// NewResolver builds a resolver over an immutable default table.
func NewResolver(defaults Policy) *Resolver {
	return &Resolver{defaults: defaults}
}

// Resolve returns the effective setting for an event type against a scope
// chain ordered most to least specific. The total order is
// thread > project > global > type default > off: a less specific override
// never shadows a more specific one, and a missing entry at any level falls
// through instead of erroring.
func (r *Resolver) Resolve(snap Snapshot, eventType domain.EventType, chain []domain.ScopeRef) domain.Setting {
	for _, scope := range chain {
		if setting, ok := snap.lookup(scope.Kind, scope.ID, eventType); ok {
			return setting
		}
	}
	if setting, ok := snap.lookup(domain.ScopeGlobal, "", eventType); ok {
		return setting
	}
	if setting, ok := r.defaults[eventType]; ok {
		return setting
	}
	return domain.SettingOff
}
