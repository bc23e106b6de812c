// Package health classifies runs by cross-checking their recorded state
// against the external platform: ticket state, merge request state, CI
// rollup and merge ancestry. The classifier is read-only; it reports,
// it never repairs.
package health

import (
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/platform"
)

// DefaultStuckAfter is the running-phase age past which a run counts as
// stuck when no threshold is configured.
const DefaultStuckAfter = 3 * time.Hour

// Label classifies a run's operational health.
type Label string

const (
	// LabelHealthy covers delivered runs and young in-flight runs.
	LabelHealthy Label = "healthy"
	// LabelStuck marks a running run whose current phase exceeds the
	// stuck threshold.
	LabelStuck Label = "stuck"
	// LabelBlockedCIPass marks a non-progressing run whose open merge
	// request has fully green checks: the platform and the run's own
	// verdicts disagree, an operator has to look.
	LabelBlockedCIPass Label = "blocked_ci_pass"
	// LabelFailed marks failed and blocked runs.
	LabelFailed Label = "failed"
	// LabelNoRequest marks a non-running run whose chain requires a
	// merge request that was never produced.
	LabelNoRequest Label = "no_request"
)

// Report is one run's health assessment.
type Report struct {
	RunID           string           `json:"run_id"`
	TicketRef       string           `json:"ticket_ref"`
	Status          domain.RunStatus `json:"status"`
	Label           Label            `json:"label"`
	Detail          string           `json:"detail,omitempty"`
	ArchiveEligible bool             `json:"archive_eligible,omitempty"`
}

// Inputs are the externally observed facts a run is judged on. A failed
// lookup leaves its field at the zero value and is recorded in
// LookupErr; a degraded scan never claims archive eligibility.
type Inputs struct {
	TicketState    string
	MR             *platform.MergeRequest
	Checks         platform.ChecksState
	MergeConfirmed bool
	RequiresMR     bool
	LookupErr      error
}

// Classify computes the label for one run from its state record and the
// observed platform facts.
func Classify(run *domain.Run, in Inputs, stuckAfter time.Duration, now time.Time) Report {
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}
	rep := Report{RunID: run.ID, TicketRef: run.TicketRef, Status: run.Status}

	switch {
	case run.Status == domain.RunSucceeded:
		rep.Label = LabelHealthy
		closed := strings.EqualFold(in.TicketState, "CLOSED")
		if closed && in.MergeConfirmed && in.LookupErr == nil {
			rep.ArchiveEligible = true
			rep.Detail = "merge confirmed on target and ticket closed"
		} else {
			rep.Detail = archiveHoldout(closed, in)
		}

	case openGreenMR(in) && notProgressing(run, stuckAfter, now):
		rep.Label = LabelBlockedCIPass
		rep.Detail = fmt.Sprintf("merge request #%d is open with passing checks while the run is %s",
			in.MR.Number, run.Status)

	case run.Status == domain.RunRunning && run.PhaseAge(now) > stuckAfter:
		rep.Label = LabelStuck
		rep.Detail = fmt.Sprintf("phase %s has been running for %s",
			run.CurrentPhase, run.PhaseAge(now).Round(time.Minute))

	case run.Status == domain.RunFailed:
		rep.Label = LabelFailed
		rep.Detail = failedDetail(run)

	case run.Status != domain.RunRunning && in.RequiresMR && in.MR == nil:
		rep.Label = LabelNoRequest
		rep.Detail = "no merge request was ever produced for this run"

	case run.Status == domain.RunBlocked:
		rep.Label = LabelFailed
		rep.Detail = blockedDetail(run)

	default:
		rep.Label = LabelHealthy
		rep.Detail = "in flight"
	}

	if in.LookupErr != nil && rep.Label != LabelHealthy {
		rep.Detail += fmt.Sprintf(" (platform lookup degraded: %v)", in.LookupErr)
	}
	return rep
}

// AllHealthy reports whether every run in the set carries the healthy
// label. The health command's exit code keys on this.
func AllHealthy(reports []Report) bool {
	for _, rep := range reports {
		if rep.Label != LabelHealthy {
			return false
		}
	}
	return true
}

func openGreenMR(in Inputs) bool {
	// ChecksNone is not green: a repository without CI never produces
	// the verifier-versus-platform disagreement this label flags.
	return in.MR != nil &&
		strings.EqualFold(in.MR.State, "OPEN") &&
		in.Checks == platform.ChecksPassing
}

func notProgressing(run *domain.Run, stuckAfter time.Duration, now time.Time) bool {
	switch run.Status {
	case domain.RunBlocked, domain.RunFailed:
		return true
	case domain.RunRunning:
		return run.PhaseAge(now) > stuckAfter
	}
	return false
}

func archiveHoldout(closed bool, in Inputs) string {
	switch {
	case in.LookupErr != nil:
		return fmt.Sprintf("succeeded; archive withheld, platform lookup failed: %v", in.LookupErr)
	case !closed:
		return "succeeded; archive withheld until the ticket closes"
	default:
		return "succeeded; archive withheld, merge not confirmed on target"
	}
}

func failedDetail(run *domain.Run) string {
	if run.FailureKind == "" {
		return "run failed"
	}
	if len(run.NextSteps) > 0 {
		return run.FailureKind + ": " + run.NextSteps[0]
	}
	return run.FailureKind
}

func blockedDetail(run *domain.Run) string {
	if len(run.NextSteps) > 0 {
		return "blocked: " + run.NextSteps[0]
	}
	return "blocked: operator action required"
}
