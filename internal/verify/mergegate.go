package verify

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/platform"
)

// GitChecker is the slice of the workspace manager the merge gate uses to
// interrogate the main clone.
type GitChecker interface {
	Fetch() error
	DefaultBranchRef() string
	IsAncestor(commit, ref string) (bool, error)
	MissingPaths(ref string, paths []string) ([]string, error)
}

// MergeGate confirms a platform-reported merge actually landed. The
// platform's word is not taken alone: the merge commit must be an
// ancestor of the freshly fetched target tip, and paths the chain expects
// on the target must exist there. Reachability on some ref is not enough,
// a rewritten history can hold a commit that is no ancestor of the tip.
type MergeGate struct {
	git       GitChecker
	targetRef string
}

// NewMergeGate creates a gate against the given target ref. An empty ref
// means the clone's default branch at verification time.
func NewMergeGate(git GitChecker, targetRef string) *MergeGate {
	return &MergeGate{git: git, targetRef: targetRef}
}

// Verify returns a phantom_merge failure when the platform state, the
// ancestry check or the expected-path check disagrees with a landed
// merge. An error means the check itself could not run and says nothing
// about the merge.
func (g *MergeGate) Verify(mr *platform.MergeRequest, expectPaths []string) (domain.VerificationResult, error) {
	if mr == nil {
		return domain.Fail(domain.CategoryPhantomMerge, "no merge request recorded for the run"), nil
	}
	if !strings.EqualFold(mr.State, "MERGED") {
		detail := fmt.Sprintf("merge request #%d is %s, not merged", mr.Number, mr.State)
		return domain.Fail(domain.CategoryPhantomMerge, detail), nil
	}
	if mr.MergeCommit == "" {
		detail := fmt.Sprintf("platform reports merge request #%d merged without a merge commit", mr.Number)
		return domain.Fail(domain.CategoryPhantomMerge, detail), nil
	}

	if err := g.git.Fetch(); err != nil {
		return domain.VerificationResult{}, fmt.Errorf("fetching before ancestry check: %w", err)
	}
	ref := g.targetRef
	if ref == "" {
		ref = g.git.DefaultBranchRef()
	}

	ancestor, err := g.git.IsAncestor(mr.MergeCommit, ref)
	if err != nil {
		return domain.VerificationResult{}, fmt.Errorf("ancestry check for %s: %w", shortCommit(mr.MergeCommit), err)
	}
	if !ancestor {
		detail := fmt.Sprintf("merge commit %s is not an ancestor of %s", shortCommit(mr.MergeCommit), ref)
		return domain.Fail(domain.CategoryPhantomMerge, detail,
			fmt.Sprintf("merge_request=#%d", mr.Number)), nil
	}

	if len(expectPaths) > 0 {
		missing, err := g.git.MissingPaths(ref, expectPaths)
		if err != nil {
			return domain.VerificationResult{}, fmt.Errorf("path presence check on %s: %w", ref, err)
		}
		if len(missing) > 0 {
			detail := fmt.Sprintf("%d expected paths are absent from %s", len(missing), ref)
			return domain.Fail(domain.CategoryPhantomMerge, detail, missing...), nil
		}
	}

	evidence := []string{fmt.Sprintf("merge commit %s is an ancestor of %s", shortCommit(mr.MergeCommit), ref)}
	if len(expectPaths) > 0 {
		evidence = append(evidence, fmt.Sprintf("all %d expected paths present on %s", len(expectPaths), ref))
	}
	return domain.Pass(evidence...), nil
}

// shortCommit truncates a hash for messages.
func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
