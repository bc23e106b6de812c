package phases

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/conveyor/internal/agent"
	"github.com/hochfrequenz/conveyor/internal/chain"
	"github.com/hochfrequenz/conveyor/internal/domain"
)

// Build has the agent implement the change on the run branch. Success
// requires commits ahead of the target and a pushed branch; an agent
// that edited nothing has not built anything.
type Build struct {
	deps Deps
}

func (b *Build) Name() string            { return "build" }
func (b *Build) Prerequisites() []string { return nil }

func (b *Build) Run(ctx context.Context, env *chain.Env) (chain.Result, error) {
	data := phaseData(env, b.deps.Target)
	if planRel := env.Run.Artifact(domain.ArtifactPlan); planRel != "" {
		content, err := os.ReadFile(filepath.Join(env.RepoPath, planRel))
		if err != nil {
			return chain.Result{
				Outcome: domain.OutcomeFailure,
				Detail:  fmt.Sprintf("plan artifact %s is recorded but unreadable: %v", planRel, err),
			}, nil
		}
		data.PlanPath = planRel
		data.PlanContent = string(content)
	}

	prompt, err := b.deps.Prompts.BuildPhasePrompt("build", data)
	if err != nil {
		return chain.Result{}, err
	}

	res, err := b.deps.Agent.Run(ctx, agent.Request{
		RunID:   env.Run.ID,
		Phase:   "build",
		Prompt:  prompt,
		WorkDir: env.RepoPath,
		LogPath: filepath.Join(env.LogDir, "build.log"),
		Env:     portEnv(env.Lease),
		Resume:  attempted(env.Run, "build"),
	})
	tokensIn, tokensOut, cost := usageOf(res)
	if err != nil {
		return chain.Result{
			Outcome:      domain.OutcomeFailure,
			Detail:       err.Error(),
			TokensInput:  tokensIn,
			TokensOutput: tokensOut,
			CostUSD:      cost,
		}, nil
	}

	base := b.deps.Git.DefaultBranchRef()
	ahead, err := b.deps.Git.CommitsAhead(env.RepoPath, base)
	if err != nil {
		return chain.Result{}, fmt.Errorf("count commits against %s: %w", base, err)
	}
	if ahead == 0 {
		return chain.Result{
			Outcome:      domain.OutcomeFailure,
			Detail:       fmt.Sprintf("agent finished without committing anything on %s", env.Branch),
			TokensInput:  tokensIn,
			TokensOutput: tokensOut,
			CostUSD:      cost,
		}, nil
	}

	if err := b.deps.Git.Push(env.RepoPath, env.Branch); err != nil {
		return chain.Result{}, fmt.Errorf("push %s: %w", env.Branch, err)
	}
	head, err := b.deps.Git.HeadCommit(env.RepoPath)
	if err != nil {
		return chain.Result{}, err
	}

	return chain.Result{
		Outcome: domain.OutcomeSuccess,
		Detail:  fmt.Sprintf("%d commits pushed to %s", ahead, env.Branch),
		Artifacts: map[string]string{
			domain.ArtifactBranch: env.Branch,
			domain.ArtifactCommit: head,
		},
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
		CostUSD:      cost,
	}, nil
}
