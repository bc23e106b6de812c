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

// Plan has the agent write a plan document for the run. The document is
// the contract later phases build and document against.
type Plan struct {
	deps Deps
}

func (p *Plan) Name() string            { return "plan" }
func (p *Plan) Prerequisites() []string { return nil }

func (p *Plan) Run(ctx context.Context, env *chain.Env) (chain.Result, error) {
	if env.Ticket == nil {
		return chain.Result{
			Outcome: domain.OutcomeFailure,
			Detail:  "run has no ticket; the plan phase needs a change request to plan against",
		}, nil
	}

	planRel := filepath.ToSlash(filepath.Join("docs", "plans", env.Run.ID+".md"))
	data := phaseData(env, p.deps.Target)
	data.PlanPath = planRel

	prompt, err := p.deps.Prompts.BuildPhasePrompt("plan", data)
	if err != nil {
		return chain.Result{}, err
	}

	res, err := p.deps.Agent.Run(ctx, agent.Request{
		RunID:   env.Run.ID,
		Phase:   "plan",
		Prompt:  prompt,
		WorkDir: env.RepoPath,
		LogPath: filepath.Join(env.LogDir, "plan.log"),
		Env:     portEnv(env.Lease),
		Resume:  attempted(env.Run, "plan"),
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

	if _, err := os.Stat(filepath.Join(env.RepoPath, planRel)); err != nil {
		return chain.Result{
			Outcome:      domain.OutcomeFailure,
			Detail:       fmt.Sprintf("agent finished but no plan document exists at %s", planRel),
			TokensInput:  tokensIn,
			TokensOutput: tokensOut,
			CostUSD:      cost,
		}, nil
	}

	return chain.Result{
		Outcome:      domain.OutcomeSuccess,
		Detail:       "plan written to " + planRel,
		Artifacts:    map[string]string{domain.ArtifactPlan: planRel},
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
		CostUSD:      cost,
	}, nil
}
