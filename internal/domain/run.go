package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the execution state of a run.
// Transitions are forward-only: pending -> running -> terminal.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunBlocked   RunStatus = "blocked"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunBlocked
}

// Classification is the coarse change-request category taken from
// ticket labels. It selects the default chain for a run.
type Classification string

const (
	ClassChore   Classification = "chore"
	ClassBug     Classification = "bug"
	ClassFeature Classification = "feature"
)

// PhaseOutcome is the explicit result a phase reports. There is no
// implicit success: a phase that returns nothing is treated as failed.
type PhaseOutcome string

const (
	OutcomeSuccess            PhaseOutcome = "success"
	OutcomeFailure            PhaseOutcome = "failure"
	OutcomeVerificationFailed PhaseOutcome = "verification_failed"
)

// Well-known artifact keys. Phases publish artifacts under these keys
// and declare them as prerequisites; chain definitions list the ones
// required before a run may succeed.
const (
	ArtifactPlan         = "plan_path"
	ArtifactBranch       = "branch_ref"
	ArtifactCommit       = "commit_ref"
	ArtifactCheckReport  = "check_report"
	ArtifactTestReport   = "test_report"
	ArtifactReview       = "review_path"
	ArtifactDoc          = "doc_path"
	ArtifactMergeRequest = "merge_request"
	ArtifactMergeCommit  = "merge_commit"
)

// Run is one execution of a change request through a phase chain.
// It is mutated exclusively by the chain executor and persisted after
// every phase boundary.
type Run struct {
	ID             string         `json:"run_id"`
	TicketRef      string         `json:"ticket_ref"`
	ChainName      string         `json:"chain_name"`
	Classification Classification `json:"classification"`
	Status         RunStatus      `json:"status"`
	CurrentPhase   string         `json:"current_phase,omitempty"`
	PhaseStartedAt *time.Time     `json:"phase_started_at,omitempty"`
	PhaseHistory   []PhaseRecord  `json:"phase_history"`
	Lease          *Lease         `json:"lease,omitempty"`
	BranchRef      string         `json:"branch_ref,omitempty"`

	// Artifacts maps well-known keys to pointers produced by phases
	// (file paths, branch refs, merge request numbers).
	Artifacts map[string]string `json:"artifacts,omitempty"`

	// FailureKind and NextSteps are populated when the run fails or
	// blocks, for operator and automated triage.
	FailureKind string   `json:"failure_kind,omitempty"`
	NextSteps   []string `json:"next_steps,omitempty"`

	// PID of the owning executor process, used by the lease sweep to
	// probe liveness after a crash.
	PID int `json:"pid,omitempty"`

	// Version increments on every save; a save whose version does not
	// match the stored record is rejected.
	Version int `json:"version"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// PhaseRecord is an immutable entry in a run's phase history.
// Retries append new records, never edit old ones.
type PhaseRecord struct {
	Phase     string       `json:"phase"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at"`
	Outcome   PhaseOutcome `json:"outcome"`
	Category  string       `json:"category,omitempty"`
	Detail    string       `json:"detail,omitempty"`
}

// NewRunID returns an opaque fixed-length run identifier. The short
// form is embedded in branch names and workspace paths, so it stays
// filesystem- and ref-safe.
func NewRunID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// NewRun creates a pending run for a ticket.
func NewRun(ticketRef, chainName string, class Classification) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:             NewRunID(),
		TicketRef:      ticketRef,
		ChainName:      chainName,
		Classification: class,
		Status:         RunPending,
		Artifacts:      make(map[string]string),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Artifact returns the artifact stored under key, or "".
func (r *Run) Artifact(key string) string {
	if r.Artifacts == nil {
		return ""
	}
	return r.Artifacts[key]
}

// SetArtifact records an artifact pointer, mirroring the branch ref
// into its dedicated field.
func (r *Run) SetArtifact(key, value string) {
	if r.Artifacts == nil {
		r.Artifacts = make(map[string]string)
	}
	r.Artifacts[key] = value
	if key == ArtifactBranch {
		r.BranchRef = value
	}
}

// CompletedPhases returns the set of phase names with a success record.
func (r *Run) CompletedPhases() map[string]bool {
	done := make(map[string]bool)
	for _, rec := range r.PhaseHistory {
		if rec.Outcome == OutcomeSuccess {
			done[rec.Phase] = true
		}
	}
	return done
}

// MissingArtifacts returns the subset of keys with no non-empty value.
func (r *Run) MissingArtifacts(keys []string) []string {
	var missing []string
	for _, k := range keys {
		if r.Artifact(k) == "" {
			missing = append(missing, k)
		}
	}
	return missing
}

// PhaseAge returns how long the current phase has been running.
func (r *Run) PhaseAge(now time.Time) time.Duration {
	if r.PhaseStartedAt == nil {
		return 0
	}
	return now.Sub(*r.PhaseStartedAt)
}
