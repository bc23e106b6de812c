package phases

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/conveyor/internal/config"
	"github.com/hochfrequenz/conveyor/internal/domain"
)

func TestCheckRunsAllCommands(t *testing.T) {
	deps, _, _, _ := testDeps(t)
	deps.ToolsCfg = config.ToolsConfig{
		CheckCommands: [][]string{
			{"sh", "-c", "echo vet ok"},
			{"sh", "-c", "echo lint ok"},
		},
		Timeout: config.Duration(time.Minute),
	}
	env := testEnv(t)

	c := &Check{deps: deps}
	res, err := c.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != domain.OutcomeSuccess {
		t.Fatalf("outcome = %s, detail: %s", res.Outcome, res.Detail)
	}
	if res.Detail != "2 check commands passed" {
		t.Errorf("detail = %q", res.Detail)
	}

	reportPath := res.Artifacts[domain.ArtifactCheckReport]
	data, err := os.ReadFile(reportPath)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	report := string(data)
	if !strings.Contains(report, "vet ok") || !strings.Contains(report, "lint ok") {
		t.Errorf("report missing command output:\n%s", report)
	}
}

func TestCheckFailsOnNonZeroExit(t *testing.T) {
	deps, _, _, _ := testDeps(t)
	deps.ToolsCfg = config.ToolsConfig{
		CheckCommands: [][]string{
			{"sh", "-c", "echo first ok"},
			{"sh", "-c", "echo type mismatch >&2; exit 3"},
		},
		Timeout: config.Duration(time.Minute),
	}
	env := testEnv(t)

	c := &Check{deps: deps}
	res, err := c.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != domain.OutcomeFailure {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Category != "" {
		t.Errorf("a plain failing check is not a taxonomy case, got %q", res.Category)
	}
	if !strings.Contains(res.Detail, "exited with code 3") || !strings.Contains(res.Detail, "type mismatch") {
		t.Errorf("detail = %q", res.Detail)
	}
}

func TestCheckTimeoutIsTaxonomized(t *testing.T) {
	deps, _, _, _ := testDeps(t)
	deps.ToolsCfg = config.ToolsConfig{
		CheckCommands: [][]string{{"sh", "-c", "sleep 5"}},
		Timeout:       config.Duration(100 * time.Millisecond),
	}
	env := testEnv(t)

	c := &Check{deps: deps}
	res, err := c.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != domain.OutcomeFailure || res.Category != domain.CategoryToolTimeout {
		t.Fatalf("outcome = %s, category = %q", res.Outcome, res.Category)
	}
	if !strings.Contains(res.Detail, "timed out") {
		t.Errorf("detail = %q", res.Detail)
	}
}

func TestCheckNoCommandsConfigured(t *testing.T) {
	deps, _, _, _ := testDeps(t)
	env := testEnv(t)

	c := &Check{deps: deps}
	res, err := c.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != domain.OutcomeSuccess {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Detail != "no check commands configured" {
		t.Errorf("detail = %q", res.Detail)
	}
}
