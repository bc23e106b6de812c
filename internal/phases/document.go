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

const changelogPath = "CHANGELOG.md"

// Document has the agent record the change in the changelog and pushes
// the resulting commit. The agent must actually commit; an unchanged
// head fails the phase.
type Document struct {
	deps Deps
}

func (d *Document) Name() string            { return "document" }
func (d *Document) Prerequisites() []string { return []string{domain.ArtifactPlan} }

func (d *Document) Run(ctx context.Context, env *chain.Env) (chain.Result, error) {
	data := phaseData(env, d.deps.Target)
	planRel := env.Run.Artifact(domain.ArtifactPlan)
	content, err := os.ReadFile(filepath.Join(env.RepoPath, planRel))
	if err != nil {
		return chain.Result{
			Outcome: domain.OutcomeFailure,
			Detail:  fmt.Sprintf("plan document unreadable at %s: %v", planRel, err),
		}, nil
	}
	data.PlanPath = planRel
	data.PlanContent = string(content)

	prompt, err := d.deps.Prompts.BuildPhasePrompt("document", data)
	if err != nil {
		return chain.Result{}, fmt.Errorf("build document prompt: %w", err)
	}

	before, err := d.deps.Git.HeadCommit(env.RepoPath)
	if err != nil {
		return chain.Result{}, fmt.Errorf("head before document: %w", err)
	}

	res, err := d.deps.Agent.Run(ctx, agent.Request{
		RunID:   env.Run.ID,
		Phase:   "document",
		Prompt:  prompt,
		WorkDir: env.RepoPath,
		LogPath: filepath.Join(env.LogDir, "document.log"),
		Env:     portEnv(env.Lease),
		Resume:  attempted(env.Run, "document"),
	})
	in, out, cost := usageOf(res)
	if err != nil {
		return chain.Result{
			Outcome:      domain.OutcomeFailure,
			Detail:       fmt.Sprintf("document agent: %v", err),
			TokensInput:  in,
			TokensOutput: out,
			CostUSD:      cost,
		}, nil
	}

	if _, err := os.Stat(filepath.Join(env.RepoPath, changelogPath)); err != nil {
		return chain.Result{
			Outcome:      domain.OutcomeFailure,
			Detail:       fmt.Sprintf("agent finished but no changelog exists at %s", changelogPath),
			TokensInput:  in,
			TokensOutput: out,
			CostUSD:      cost,
		}, nil
	}

	after, err := d.deps.Git.HeadCommit(env.RepoPath)
	if err != nil {
		return chain.Result{}, fmt.Errorf("head after document: %w", err)
	}
	if after == before {
		return chain.Result{
			Outcome:      domain.OutcomeFailure,
			Detail:       "agent finished without committing a documentation update",
			TokensInput:  in,
			TokensOutput: out,
			CostUSD:      cost,
		}, nil
	}

	if err := d.deps.Git.Push(env.RepoPath, env.Branch); err != nil {
		return chain.Result{}, fmt.Errorf("push %s: %w", env.Branch, err)
	}

	return chain.Result{
		Outcome:      domain.OutcomeSuccess,
		Detail:       fmt.Sprintf("changelog updated in %s", shortRef(after)),
		Artifacts:    map[string]string{domain.ArtifactDoc: changelogPath},
		TokensInput:  in,
		TokensOutput: out,
		CostUSD:      cost,
	}, nil
}
