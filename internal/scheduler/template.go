package scheduler

import (
	"strings"

	"leados-scheduler/internal/models"
)

// Render fills a campaign template with recipient fields. Both {field} and {{field}} are
// accepted; unknown placeholders are left untouched.
func Render(template string, r models.Recipient) string {
	firstName := ""
	if parts := strings.Fields(r.Name); len(parts) > 0 {
		firstName = parts[0]
	}
	name := strings.TrimSpace(r.Name)
	company := strings.TrimSpace(r.Company)
	city := strings.TrimSpace(r.City)

	msg := strings.NewReplacer(
		"{{first_name}}", firstName,
		"{{name}}", name,
		"{{company}}", company,
		"{{city}}", city,
		"{first_name}", firstName,
		"{name}", name,
		"{company}", company,
		"{city}", city,
	).Replace(template)
	return collapseSpaces(msg)
}

// collapseSpaces squeezes runs of spaces left by empty fields, line by line.
func collapseSpaces(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		var b strings.Builder
		prevSpace := false
		for _, r := range line {
			if r == ' ' {
				if prevSpace {
					continue
				}
				prevSpace = true
			} else {
				prevSpace = false
			}
			b.WriteRune(r)
		}
		lines[i] = strings.TrimRight(b.String(), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
