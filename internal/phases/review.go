package phases

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/conveyor/internal/agent"
	"github.com/hochfrequenz/conveyor/internal/chain"
	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/store"
	"github.com/hochfrequenz/conveyor/internal/verify"
)

// Finding is one item from the review agent's findings report.
type Finding struct {
	Severity string `json:"severity"`
	File     string `json:"file"`
	Message  string `json:"message"`
}

// findingsProbe distinguishes a real findings report from arbitrary
// JSON: the findings key must actually be present.
type findingsProbe struct {
	Findings *[]Finding `json:"findings"`
}

// Review has the agent review the branch, then renders a review
// document combining the agent's findings with the run's phase journal.
// The rendered record count is cross-checked against an independent
// journal count so a silently broken read path cannot produce a
// plausible-looking empty review.
type Review struct {
	deps Deps
}

func (r *Review) Name() string            { return "review" }
func (r *Review) Prerequisites() []string { return []string{domain.ArtifactBranch} }

func (r *Review) Run(ctx context.Context, env *chain.Env) (chain.Result, error) {
	data := phaseData(env, r.deps.Target)
	if planRel := env.Run.Artifact(domain.ArtifactPlan); planRel != "" {
		if content, err := os.ReadFile(filepath.Join(env.RepoPath, planRel)); err == nil {
			data.PlanPath = planRel
			data.PlanContent = string(content)
		}
	}
	prompt, err := r.deps.Prompts.BuildPhasePrompt("review", data)
	if err != nil {
		return chain.Result{}, fmt.Errorf("build review prompt: %w", err)
	}

	res, err := r.deps.Agent.Run(ctx, agent.Request{
		RunID:   env.Run.ID,
		Phase:   "review",
		Prompt:  prompt,
		WorkDir: env.RepoPath,
		LogPath: filepath.Join(env.LogDir, "review.log"),
		Env:     portEnv(env.Lease),
		Resume:  attempted(env.Run, "review"),
	})
	in, out, cost := usageOf(res)
	if err != nil {
		return chain.Result{
			Outcome:      domain.OutcomeFailure,
			Detail:       fmt.Sprintf("review agent: %v", err),
			TokensInput:  in,
			TokensOutput: out,
			CostUSD:      cost,
		}, nil
	}

	findings, perr := parseFindings(res.ResultText, res.Output)
	if perr != nil {
		return chain.Result{
			Outcome:      domain.OutcomeFailure,
			Category:     domain.CategoryMalformedOutput,
			Detail:       fmt.Sprintf("review agent produced no findings report: %v", perr),
			TokensInput:  in,
			TokensOutput: out,
			CostUSD:      cost,
		}, nil
	}

	entries, err := r.deps.DB.JournalForRun(env.Run.ID)
	if err != nil {
		return chain.Result{}, fmt.Errorf("read phase journal: %w", err)
	}

	reviewPath := filepath.Join(env.LogDir, "review.md")
	if err := os.WriteFile(reviewPath, []byte(renderReview(env, entries, findings)), 0644); err != nil {
		return chain.Result{}, fmt.Errorf("write review document: %w", err)
	}

	gate := verify.NewDataGate(r.deps.DB)
	verdict, err := gate.Verify(env.Run.ID, len(entries), readLogTail(r.deps.LogPath, 200))
	if err != nil {
		return chain.Result{}, fmt.Errorf("data gate: %w", err)
	}
	if !verdict.Passed {
		return chain.Result{
			Outcome:      domain.OutcomeVerificationFailed,
			Category:     verdict.Category,
			Detail:       verdictDetail(verdict),
			TokensInput:  in,
			TokensOutput: out,
			CostUSD:      cost,
		}, nil
	}

	return chain.Result{
		Outcome:      domain.OutcomeSuccess,
		Detail:       fmt.Sprintf("review written to %s (%d findings, %d journal records)", reviewPath, len(findings), len(entries)),
		Artifacts:    map[string]string{domain.ArtifactReview: reviewPath},
		TokensInput:  in,
		TokensOutput: out,
		CostUSD:      cost,
	}, nil
}

// parseFindings extracts the findings report from the agent's final
// message, falling back to a reverse scan of its output lines. The
// report may be empty but its findings key must be present.
func parseFindings(resultText string, outputLines []string) ([]Finding, error) {
	var probe findingsProbe
	trimmed := strings.TrimSpace(resultText)
	if trimmed != "" {
		if err := json.Unmarshal([]byte(trimmed), &probe); err == nil && probe.Findings != nil {
			return *probe.Findings, nil
		}
	}

	for i := len(outputLines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(outputLines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var probe findingsProbe
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			continue
		}
		if probe.Findings != nil {
			return *probe.Findings, nil
		}
	}

	return nil, fmt.Errorf("no findings report in agent output")
}

// renderReview produces the markdown review document for the run.
func renderReview(env *chain.Env, entries []*store.JournalEntry, findings []Finding) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Review: run %s\n\n", env.Run.ID)
	if env.Ticket != nil {
		fmt.Fprintf(&sb, "Ticket #%d: %s\n\n", env.Ticket.Number, env.Ticket.Title)
	}

	fmt.Fprintf(&sb, "## Phase journal (%d records)\n\n", len(entries))
	if len(entries) == 0 {
		sb.WriteString("No journal records.\n")
	} else {
		sb.WriteString("| Phase | Outcome | Detail |\n|---|---|---|\n")
		for _, e := range entries {
			detail := strings.ReplaceAll(e.Detail, "\n", " ")
			fmt.Fprintf(&sb, "| %s | %s | %s |\n", e.Phase, e.Outcome, detail)
		}
	}

	fmt.Fprintf(&sb, "\n## Findings (%d)\n\n", len(findings))
	if len(findings) == 0 {
		sb.WriteString("No findings.\n")
	} else {
		for _, f := range findings {
			fmt.Fprintf(&sb, "- [%s] %s: %s\n", f.Severity, f.File, f.Message)
		}
	}

	return sb.String()
}
