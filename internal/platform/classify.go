package platform

import (
	"strings"

	"github.com/hochfrequenz/conveyor/internal/domain"
)

// Classify maps ticket labels to a work classification. The first matching
// label wins; unlabeled tickets default to chore.
func Classify(labels []string) domain.Classification {
	for _, label := range labels {
		switch strings.ToLower(label) {
		case "bug", "type:bug", "kind/bug":
			return domain.ClassBug
		case "feature", "enhancement", "type:feature", "kind/feature":
			return domain.ClassFeature
		}
	}
	return domain.ClassChore
}

// Priority returns a sortable weight for a ticket, higher first. Tickets
// without a priority label rank as medium.
func Priority(labels []string) int {
	for _, label := range labels {
		switch strings.ToLower(label) {
		case "priority:critical", "p0":
			return 30
		case "priority:high", "p1":
			return 20
		case "priority:medium", "p2":
			return 10
		case "priority:low", "p3":
			return 0
		}
	}
	return 10
}
