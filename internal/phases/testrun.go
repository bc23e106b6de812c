package phases

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/conveyor/internal/chain"
	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/verify"
)

// Test runs the configured test command through the tool dispatcher and
// feeds the raw result to the tool gate. The gate decides whether the
// command produced a trustworthy report; only then do the report's own
// counts decide pass or fail.
type Test struct {
	deps Deps
}

func (t *Test) Name() string            { return "test" }
func (t *Test) Prerequisites() []string { return nil }

func (t *Test) Run(ctx context.Context, env *chain.Env) (chain.Result, error) {
	argv := t.deps.ToolsCfg.TestCommand
	if len(argv) == 0 {
		return chain.Result{
			Outcome: domain.OutcomeFailure,
			Detail:  "no test command configured; set tools.test_command",
		}, nil
	}

	res, err := t.deps.Tools.Run(ctx, toolInvocation(env, "test", argv, t.deps.ToolsCfg))
	if err != nil {
		return chain.Result{}, fmt.Errorf("dispatch %v: %w", argv, err)
	}

	verdict, report := verify.VerifyToolRun(res)
	if !verdict.Passed {
		return chain.Result{
			Outcome:  domain.OutcomeFailure,
			Category: verdict.Category,
			Detail:   verdictDetail(verdict),
		}, nil
	}

	reportPath := filepath.Join(env.LogDir, "test_report.json")
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return chain.Result{}, fmt.Errorf("encode test report: %w", err)
	}
	if err := os.WriteFile(reportPath, data, 0644); err != nil {
		return chain.Result{}, fmt.Errorf("write test report: %w", err)
	}
	artifacts := map[string]string{domain.ArtifactTestReport: reportPath}

	if report.Failed > 0 {
		return chain.Result{
			Outcome:   domain.OutcomeFailure,
			Detail:    fmt.Sprintf("%d of %d tests failed", report.Failed, report.Total),
			Artifacts: artifacts,
		}, nil
	}
	if !report.Success {
		return chain.Result{
			Outcome:   domain.OutcomeFailure,
			Detail:    "test command reported failure without naming failed tests",
			Artifacts: artifacts,
		}, nil
	}

	return chain.Result{
		Outcome:   domain.OutcomeSuccess,
		Detail:    fmt.Sprintf("%d tests passed (%d skipped)", report.Passed, report.Skipped),
		Artifacts: artifacts,
	}, nil
}
