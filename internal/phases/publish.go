package phases

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hochfrequenz/conveyor/internal/chain"
	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/platform"
	"github.com/hochfrequenz/conveyor/internal/verify"
)

const (
	defaultChecksBudget = 10 * time.Minute
	defaultChecksPoll   = 15 * time.Second
)

// Publish opens the merge request (or finds the one a previous attempt
// opened), waits for its checks, merges it and then proves the merge
// through the merge gate before reporting success. The platform's
// "merged" flag alone is never trusted.
type Publish struct {
	deps Deps
}

func (p *Publish) Name() string            { return "publish" }
func (p *Publish) Prerequisites() []string { return []string{domain.ArtifactBranch} }

func (p *Publish) Run(ctx context.Context, env *chain.Env) (chain.Result, error) {
	if env.Ticket == nil {
		return chain.Result{
			Outcome: domain.OutcomeFailure,
			Detail:  "run has no resolved ticket to publish for",
		}, nil
	}

	mr, err := p.deps.Platform.MergeRequestForBranch(env.Branch)
	if err != nil {
		return chain.Result{}, fmt.Errorf("find merge request for %s: %w", env.Branch, err)
	}
	if mr == nil {
		body := fmt.Sprintf("Automated change for #%d.\n\n%s",
			env.Ticket.Number, platform.RunMarker(env.Run.ID, "publish"))
		mr, err = p.deps.Platform.CreateMergeRequest(env.RepoPath, env.Branch, env.Ticket.Title, body)
		if err != nil {
			return chain.Result{}, fmt.Errorf("create merge request: %w", err)
		}
		p.deps.Log.Info("merge request opened", "run_id", env.Run.ID, "mr", mr.Number)
	}

	if mr.State != "MERGED" {
		res, err := p.commentAndMerge(ctx, env, mr)
		if err != nil {
			return chain.Result{}, err
		}
		if res != nil {
			return *res, nil
		}
	}

	merged, err := p.deps.Platform.MergeRequest(mr.Number)
	if err != nil {
		return chain.Result{}, fmt.Errorf("refresh merge request #%d: %w", mr.Number, err)
	}

	targetRef := ""
	if p.deps.Target != "" {
		targetRef = "origin/" + p.deps.Target
	}
	var expectPaths []string
	for _, key := range []string{domain.ArtifactPlan, domain.ArtifactDoc} {
		if v := env.Run.Artifact(key); v != "" {
			expectPaths = append(expectPaths, v)
		}
	}
	verdict, err := verify.NewMergeGate(p.deps.Git, targetRef).Verify(merged, expectPaths)
	if err != nil {
		return chain.Result{}, fmt.Errorf("verify merge: %w", err)
	}
	if !verdict.Passed {
		return chain.Result{
			Outcome:  domain.OutcomeVerificationFailed,
			Category: verdict.Category,
			Detail:   verdictDetail(verdict),
		}, nil
	}

	return chain.Result{
		Outcome: domain.OutcomeSuccess,
		Detail:  fmt.Sprintf("merge request #%d merged as %s", mr.Number, shortRef(merged.MergeCommit)),
		Artifacts: map[string]string{
			domain.ArtifactMergeRequest: strconv.Itoa(mr.Number),
			domain.ArtifactMergeCommit:  merged.MergeCommit,
		},
	}, nil
}

// commentAndMerge posts the run's status comment once, waits out the
// checks rollup and merges. A non-nil result is a terminal phase
// outcome (failing or stuck checks); errors are infrastructure.
func (p *Publish) commentAndMerge(ctx context.Context, env *chain.Env, mr *platform.MergeRequest) (*chain.Result, error) {
	has, err := p.deps.Platform.HasRunComment(mr.Number, env.Run.ID, "publish")
	if err != nil {
		return nil, fmt.Errorf("check run comment: %w", err)
	}
	if !has {
		msg := fmt.Sprintf("Run `%s` opened this merge request for #%d.", env.Run.ID, env.Ticket.Number)
		if err := p.deps.Platform.PostComment(mr.Number, platform.BuildPhaseComment(env.Run.ID, "publish", msg)); err != nil {
			return nil, fmt.Errorf("post run comment: %w", err)
		}
	}

	budget := p.deps.ChecksBudget
	if budget <= 0 {
		budget = defaultChecksBudget
	}
	poll := p.deps.ChecksPoll
	if poll <= 0 {
		poll = defaultChecksPoll
	}

	deadline := time.Now().Add(budget)
	for {
		state, err := p.deps.Platform.ChecksRollup(mr.Number)
		if err != nil {
			return nil, fmt.Errorf("checks rollup #%d: %w", mr.Number, err)
		}
		if state == platform.ChecksFailing {
			return &chain.Result{
				Outcome: domain.OutcomeFailure,
				Detail:  fmt.Sprintf("merge request #%d has failing checks", mr.Number),
			}, nil
		}
		if state == platform.ChecksPassing || state == platform.ChecksNone {
			if state == platform.ChecksNone {
				p.deps.Log.Info("no CI checks on merge request", "run_id", env.Run.ID, "mr", mr.Number)
			}
			break
		}
		if time.Now().After(deadline) {
			return &chain.Result{
				Outcome: domain.OutcomeFailure,
				Detail:  fmt.Sprintf("checks on merge request #%d still pending after %s", mr.Number, budget),
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}

	if err := p.deps.Platform.Merge(mr.Number); err != nil {
		return nil, fmt.Errorf("merge #%d: %w", mr.Number, err)
	}
	return nil, nil
}
