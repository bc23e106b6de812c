package verify

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/conveyor/internal/domain"
)

// JournalCounter is the slice of the run store the data gate needs.
type JournalCounter interface {
	CountJournal(runID string) (int64, error)
}

// ErrorSignatures are log fragments that mean the journal read or render
// path failed rather than the run having nothing to show. An empty render
// next to one of these is a data fault, not a quiet run.
var ErrorSignatures = []string{
	"database is locked",
	"no such table",
	"disk I/O error",
	"database disk image is malformed",
	"level=ERROR",
}

// DataGate cross-checks a rendered review against the journal. A
// clean-looking render is not trusted when the authoritative record count
// disagrees with it.
type DataGate struct {
	journal    JournalCounter
	signatures []string
}

// NewDataGate creates a gate over the run journal using the default error
// signatures.
func NewDataGate(journal JournalCounter) *DataGate {
	return &DataGate{journal: journal, signatures: ErrorSignatures}
}

// Verify checks renderedRecords, the count the review render claims,
// against the journal, and scans the recent operational log when the
// render is empty. An error means the journal could not be read at all.
func (g *DataGate) Verify(runID string, renderedRecords int, logTail []string) (domain.VerificationResult, error) {
	count, err := g.journal.CountJournal(runID)
	if err != nil {
		return domain.VerificationResult{}, fmt.Errorf("counting journal entries for %s: %w", runID, err)
	}
	if renderedRecords > 0 {
		return domain.Pass(fmt.Sprintf("render shows %d records, journal holds %d", renderedRecords, count)), nil
	}

	matched := MatchSignatures(logTail, g.signatures)
	if count > 0 {
		evidence := []string{fmt.Sprintf("journal_count=%d", count)}
		for _, sig := range matched {
			evidence = append(evidence, fmt.Sprintf("matched signature: %q", sig))
		}
		detail := fmt.Sprintf("render shows no records but the journal holds %d entries", count)
		return domain.Fail(domain.CategoryDataIntegrity, detail, evidence...), nil
	}
	if len(matched) > 0 {
		evidence := []string{"journal_count=0"}
		for _, sig := range matched {
			evidence = append(evidence, fmt.Sprintf("matched signature: %q", sig))
		}
		return domain.Fail(domain.CategoryDataIntegrity,
			"render shows no records and the operational log carries error signatures", evidence...), nil
	}
	return domain.Pass("journal is empty and the log is clean"), nil
}

// MatchSignatures returns the signatures found anywhere in the log lines,
// in signature order, without duplicates.
func MatchSignatures(lines, signatures []string) []string {
	var matched []string
	for _, sig := range signatures {
		for _, line := range lines {
			if strings.Contains(line, sig) {
				matched = append(matched, sig)
				break
			}
		}
	}
	return matched
}
