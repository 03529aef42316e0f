package digest

import (
	"sort"
	"time"

	"capmatch-digest/internal/domain"
)

// Aggregate builds a DigestSummary from the claimed, eligible event set for
// one user on one date. Events are grouped by project, counted per event
// type, and the user's mentions are tallied separately. Projects are ordered
// by descending total event count, ties broken by project ID ascending, so
// the output is deterministic.
func Aggregate(userID string, date time.Time, events []domain.Event, labels map[string]string) domain.DigestSummary {
	summary := domain.DigestSummary{UserID: userID, Date: date}
	if len(events) == 0 {
		return summary
	}

	byProject := make(map[string]*domain.ProjectSection)
	for _, event := range events {
		section, ok := byProject[event.ProjectID]
		if !ok {
			section = &domain.ProjectSection{
				ProjectID: event.ProjectID,
				Label:     labels[event.ProjectID],
				Counts:    make(map[domain.EventType]int),
			}
			byProject[event.ProjectID] = section
		}
		section.Counts[event.Type]++
		if event.Mentioned(userID) {
			section.Mentions++
		}
	}

	sections := make([]domain.ProjectSection, 0, len(byProject))
	for _, section := range byProject {
		sections = append(sections, *section)
	}
	sort.Slice(sections, func(i, j int) bool {
		ti, tj := sections[i].Total(), sections[j].Total()
		if ti != tj {
			return ti > tj
		}
		return sections[i].ProjectID < sections[j].ProjectID
	})

	summary.Sections = sections
	return summary
}
