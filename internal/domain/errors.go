package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. LeaseExhausted and StateConflict are the only
// locally retryable kinds; everything else ends the chain.
var (
	ErrLeaseExhausted = errors.New("lease pool exhausted")
	ErrRunNotFound    = errors.New("run not found")
	ErrStateConflict  = errors.New("run state version conflict")
)

// Failure categories attached to phase records and verification
// results.
const (
	CategoryToolCrash       = "tool_crash"
	CategoryToolTimeout     = "tool_timeout"
	CategoryMalformedOutput = "malformed_output"
	CategoryPhantomMerge    = "phantom_merge"
	CategoryDataIntegrity   = "data_integrity_mismatch"
	CategoryPrerequisite    = "prerequisite_missing"
	CategoryCancelled       = "cancelled"
)

// WorkspaceError means workspace creation failed during lease
// acquisition. Unlike exhaustion it is fatal for the attempt.
type WorkspaceError struct {
	Path string
	Err  error
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("workspace creation failed at %s: %v", e.Path, e.Err)
}

func (e *WorkspaceError) Unwrap() error { return e.Err }

// PrerequisiteError means a phase was reached without the artifacts it
// declares as inputs. This is a chain configuration error and blocks
// the run rather than failing it.
type PrerequisiteError struct {
	Phase   string
	Missing []string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("phase %s missing prerequisites: %s", e.Phase, strings.Join(e.Missing, ", "))
}

// NextSteps returns triage hints for a failure category, with concrete
// commands for the given run.
func NextSteps(category, runID string) []string {
	show := fmt.Sprintf("conveyor show %s", runID)
	switch category {
	case CategoryToolCrash, CategoryToolTimeout, CategoryMalformedOutput:
		return []string{
			show,
			"inspect the delegated tool output in the failing phase record",
			fmt.Sprintf("fix the tool invocation, then conveyor recover %s", runID),
		}
	case CategoryPhantomMerge:
		return []string{
			show,
			"compare the reported merge commit against the target branch tip",
			fmt.Sprintf("if the merge actually landed, conveyor recover %s", runID),
		}
	case CategoryDataIntegrity:
		return []string{
			show,
			"compare the rendered review record count with the journal count",
			"check the operational log for storage errors around the review phase",
		}
	case CategoryPrerequisite:
		return []string{
			show,
			"the chain reached a phase before its inputs were produced; check the chain definition order",
		}
	case CategoryCancelled:
		return []string{show, "run was cancelled by an operator"}
	default:
		return []string{show}
	}
}
