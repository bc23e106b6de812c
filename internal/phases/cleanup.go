package phases

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/hochfrequenz/conveyor/internal/chain"
	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/platform"
)

// Cleanup closes out a merged run: it posts the closure comment on the
// ticket, closes the ticket and tears down the leased workspace. The
// platform side runs first so a teardown failure leaves the ticket in
// its final state and the workspace intact for a retry.
type Cleanup struct {
	deps Deps
}

func (c *Cleanup) Name() string { return "cleanup" }
func (c *Cleanup) Prerequisites() []string {
	return []string{domain.ArtifactMergeRequest, domain.ArtifactMergeCommit}
}

func (c *Cleanup) Run(ctx context.Context, env *chain.Env) (chain.Result, error) {
	if env.Ticket == nil {
		return chain.Result{
			Outcome: domain.OutcomeFailure,
			Detail:  "run has no resolved ticket to close",
		}, nil
	}

	mrRef := env.Run.Artifact(domain.ArtifactMergeRequest)
	mrNumber, err := strconv.Atoi(mrRef)
	if err != nil {
		return chain.Result{}, fmt.Errorf("merge_request artifact %q is not a number", mrRef)
	}

	changed, err := c.deps.Git.ChangedPaths(env.Run.Artifact(domain.ArtifactMergeCommit))
	if err != nil {
		c.deps.Log.Warn("changed paths unavailable for closure comment", "run_id", env.Run.ID, "error", err)
		changed = nil
	}

	has, err := c.deps.Platform.HasRunComment(env.Ticket.Number, env.Run.ID, "cleanup")
	if err != nil {
		return chain.Result{}, fmt.Errorf("check closure comment: %w", err)
	}
	if !has {
		comment := platform.BuildClosureComment(env.Run.ID, mrNumber, env.Ticket.Title, changed)
		if err := c.deps.Platform.PostComment(env.Ticket.Number, comment); err != nil {
			return chain.Result{}, fmt.Errorf("post closure comment: %w", err)
		}
	}

	if env.Ticket.State != "CLOSED" {
		if err := c.deps.Platform.CloseTicket(env.Ticket.Number); err != nil {
			return chain.Result{}, fmt.Errorf("close ticket #%d: %w", env.Ticket.Number, err)
		}
	}

	if env.Lease != nil {
		if err := c.deps.Git.Remove(env.Lease.WorkspacePath); err != nil {
			c.deps.Log.Warn("worktree removal failed, deleting directly", "run_id", env.Run.ID, "error", err)
		}
		if err := os.RemoveAll(env.Lease.WorkspacePath); err != nil {
			return chain.Result{}, fmt.Errorf("remove workspace: %w", err)
		}
	}

	return chain.Result{
		Outcome: domain.OutcomeSuccess,
		Detail:  fmt.Sprintf("ticket #%d closed, workspace removed", env.Ticket.Number),
	}, nil
}
