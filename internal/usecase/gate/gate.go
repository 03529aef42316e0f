// Package gate decides whether a user is allowed to see an event at all,
// independent of notification preference. It runs before preference
// resolution so restricted content never leaks into digest counts.
package gate

import (
	"capmatch-digest/internal/domain"
)

// Allows reports whether userID is a recipient of the event. All rules must
// hold; absence of evidence fails closed.
func Allows(access domain.AccessSnapshot, userID string, event domain.Event) bool {
	if !access.MemberOfProject(event.ProjectID) {
		return false
	}
	// Thread-scoped events require participation, except for users the event
	// explicitly mentions.
	if event.ThreadID != "" {
		if !access.ParticipantOfThread(event.ThreadID) && !event.Mentioned(userID) {
			return false
		}
	}
	// Resource-backed events additionally require resource-level access,
	// regardless of project membership.
	if event.ResourceID != "" && !access.CanAccessResource(event.ResourceID) {
		return false
	}
	return true
}
