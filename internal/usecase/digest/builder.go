package digest

import (
	"fmt"
	"html/template"
	"strings"

	"capmatch-digest/internal/domain"
)

const (
	ctaURL         = "https://capmatch.com/dashboard"
	managePrefsURL = "https://capmatch.com/settings/notifications"
)

// row order inside a project card is fixed so rendering is deterministic.
var rowOrder = []domain.EventType{
	domain.EventChatMessageSent,
	domain.EventDocumentUploaded,
	domain.EventChecklistUpdated,
}

var emailTemplate = template.Must(template.New("digest").Parse(`<!DOCTYPE html>
<html>
<body style="margin:0;padding:0;background:#F1F5F9;font-family:Helvetica,Arial,sans-serif;">
<div style="display:none;max-height:0;overflow:hidden;">{{.Preview}}</div>
<div style="max-width:600px;margin:0 auto;padding:32px 16px;">
<p style="font-size:22px;font-weight:600;color:#0F172A;margin:0 0 4px 0;">CapMatch Daily Digest</p>
<p style="font-size:15px;color:#475569;margin:0 0 24px 0;">Hey {{.Name}}, here&#39;s what happened on {{.Date}}</p>
{{range .Cards}}<div style="background:#F8FAFF;border-radius:20px;border:1px solid #BFDBFE;padding:24px;margin-bottom:16px;">
<p style="font-size:18px;color:#3B82F6;margin:0 0 12px 0;font-weight:600;">{{.Label}}</p>
{{range .Rows}}<p style="font-weight:500;color:#1F2937;margin:6px 0;">{{.}}</p>
{{end}}</div>
{{end}}<p style="margin:24px 0 8px 0;"><a href="{{.CTAURL}}" style="color:#3B82F6;font-weight:600;">Open CapMatch</a></p>
<p style="margin:0;font-size:13px;color:#94A3B8;"><a href="{{.ManagePrefsURL}}" style="color:#94A3B8;">Manage notification preferences</a></p>
</div>
</body>
</html>
`))

type emailCard struct {
	Label string
	Rows  []string
}

type emailData struct {
	Preview        string
	Name           string
	Date           string
	Cards          []emailCard
	CTAURL         string
	ManagePrefsURL string
}

// BuildEmail renders the html and plain-text bodies for a non-empty summary.
func BuildEmail(user domain.User, summary domain.DigestSummary) (string, string, error) {
	if summary.Empty() {
		return "", "", fmt.Errorf("build email: empty summary for user %s", summary.UserID)
	}

	name := user.FullName
	if name == "" {
		name = "there"
	}
	date := summary.Date.Format("January 2, 2006")

	data := emailData{
		Preview:        previewText(summary),
		Name:           name,
		Date:           date,
		CTAURL:         ctaURL,
		ManagePrefsURL: managePrefsURL,
	}

	var text strings.Builder
	text.WriteString("CapMatch Daily Digest\n")
	fmt.Fprintf(&text, "Hey %s, here's what happened on %s\n\n", name, date)

	for _, section := range summary.Sections {
		label := section.Label
		if label == "" {
			label = "A project"
		}
		rows := sectionRows(section)

		data.Cards = append(data.Cards, emailCard{Label: label, Rows: rows})

		text.WriteString(label + "\n")
		text.WriteString(strings.Repeat("-", len(label)) + "\n")
		for _, row := range rows {
			text.WriteString("- " + row + "\n")
		}
		text.WriteString("\n")
	}

	fmt.Fprintf(&text, "Open CapMatch: %s\n", ctaURL)
	fmt.Fprintf(&text, "Manage preferences: %s\n", managePrefsURL)

	var html strings.Builder
	if err := emailTemplate.Execute(&html, data); err != nil {
		return "", "", fmt.Errorf("render digest template: %w", err)
	}
	return html.String(), text.String(), nil
}

func sectionRows(section domain.ProjectSection) []string {
	var rows []string
	for _, typ := range rowOrder {
		count, ok := section.Counts[typ]
		if !ok || count == 0 {
			continue
		}
		switch typ {
		case domain.EventChatMessageSent:
			row := fmt.Sprintf("%d new message(s)", count)
			if section.Mentions > 0 {
				row += fmt.Sprintf(" (%d mentioned you)", section.Mentions)
			}
			rows = append(rows, row)
		case domain.EventDocumentUploaded:
			rows = append(rows, fmt.Sprintf("%d new document upload(s)", count))
		case domain.EventChecklistUpdated:
			rows = append(rows, fmt.Sprintf("%d checklist update(s)", count))
		}
	}
	if len(rows) == 0 {
		rows = append(rows, "No activity matched your preferences.")
	}
	return rows
}

func previewText(summary domain.DigestSummary) string {
	return fmt.Sprintf("%d updates across %d project(s)", summary.TotalEvents(), len(summary.Sections))
}
