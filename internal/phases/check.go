package phases

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/conveyor/internal/chain"
	"github.com/hochfrequenz/conveyor/internal/domain"
)

// Check runs the configured static check commands through the tool
// dispatcher. Every command must exit zero.
type Check struct {
	deps Deps
}

func (c *Check) Name() string            { return "check" }
func (c *Check) Prerequisites() []string { return nil }

func (c *Check) Run(ctx context.Context, env *chain.Env) (chain.Result, error) {
	commands := c.deps.ToolsCfg.CheckCommands
	if len(commands) == 0 {
		return chain.Result{
			Outcome: domain.OutcomeSuccess,
			Detail:  "no check commands configured",
		}, nil
	}

	var report strings.Builder
	for i, argv := range commands {
		res, err := c.deps.Tools.Run(ctx, toolInvocation(env, fmt.Sprintf("check-%d", i), argv, c.deps.ToolsCfg))
		if err != nil {
			return chain.Result{}, fmt.Errorf("dispatch %v: %w", argv, err)
		}
		if res.TimedOut {
			return chain.Result{
				Outcome:  domain.OutcomeFailure,
				Category: domain.CategoryToolTimeout,
				Detail:   fmt.Sprintf("check command %v timed out after %s", argv, res.Duration.Round(time.Second)),
			}, nil
		}
		if !res.Exited() {
			return chain.Result{
				Outcome:  domain.OutcomeFailure,
				Category: domain.CategoryToolCrash,
				Detail:   fmt.Sprintf("check command %v was killed before exiting", argv),
			}, nil
		}
		if code := *res.ExitCode; code != 0 {
			return chain.Result{
				Outcome: domain.OutcomeFailure,
				Detail:  fmt.Sprintf("check command %v exited with code %d:\n%s", argv, code, tail(res.Output(), 10)),
			}, nil
		}
		fmt.Fprintf(&report, "$ %s\nexit 0 in %s\n%s\n", strings.Join(argv, " "), res.Duration.Round(time.Millisecond), res.Output())
	}

	reportPath := filepath.Join(env.LogDir, "check_report.txt")
	if err := os.WriteFile(reportPath, []byte(report.String()), 0644); err != nil {
		return chain.Result{}, fmt.Errorf("write check report: %w", err)
	}

	return chain.Result{
		Outcome:   domain.OutcomeSuccess,
		Detail:    fmt.Sprintf("%d check commands passed", len(commands)),
		Artifacts: map[string]string{domain.ArtifactCheckReport: reportPath},
	}, nil
}
