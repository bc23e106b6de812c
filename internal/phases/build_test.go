package phases

import (
	"context"
	"strings"
	"testing"

	"github.com/hochfrequenz/conveyor/internal/domain"
)

func TestBuildPublishesBranchAndCommit(t *testing.T) {
	deps, ag, git, _ := testDeps(t)
	git.ahead = 3
	env := testEnv(t)
	setupPlanArtifact(t, env)

	b := &Build{deps: deps}
	res, err := b.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != domain.OutcomeSuccess {
		t.Fatalf("outcome = %s, detail: %s", res.Outcome, res.Detail)
	}
	if res.Detail != "3 commits pushed to "+env.Branch {
		t.Errorf("detail = %q", res.Detail)
	}
	if res.Artifacts[domain.ArtifactBranch] != env.Branch {
		t.Errorf("branch artifact = %q", res.Artifacts[domain.ArtifactBranch])
	}
	if res.Artifacts[domain.ArtifactCommit] != git.heads[0] {
		t.Errorf("commit artifact = %q", res.Artifacts[domain.ArtifactCommit])
	}
	if len(git.pushed) != 1 || git.pushed[0] != env.Branch {
		t.Errorf("pushed = %v", git.pushed)
	}
	if !strings.Contains(ag.reqs[0].Prompt, "# Plan") {
		t.Error("prompt should carry the plan content")
	}
}

func TestBuildFailsWithoutCommits(t *testing.T) {
	deps, _, git, _ := testDeps(t)
	git.ahead = 0
	env := testEnv(t)

	b := &Build{deps: deps}
	res, err := b.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != domain.OutcomeFailure {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if !strings.Contains(res.Detail, "without committing") {
		t.Errorf("detail = %q", res.Detail)
	}
	if len(git.pushed) != 0 {
		t.Error("no push without commits")
	}
	if res.TokensInput != 10 {
		t.Error("usage must be journaled even for a failed attempt")
	}
}

func TestBuildRunsWithoutPlan(t *testing.T) {
	deps, ag, git, _ := testDeps(t)
	git.ahead = 1
	env := testEnv(t)

	b := &Build{deps: deps}
	res, err := b.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != domain.OutcomeSuccess {
		t.Fatalf("a chain without a plan phase still builds, got %s: %s", res.Outcome, res.Detail)
	}
	if strings.Contains(ag.reqs[0].Prompt, "# Plan") {
		t.Error("prompt must not carry a plan that does not exist")
	}
}

func TestBuildFailsOnRecordedButUnreadablePlan(t *testing.T) {
	deps, ag, _, _ := testDeps(t)
	env := testEnv(t)
	env.Run.SetArtifact(domain.ArtifactPlan, "docs/plans/gone.md")

	b := &Build{deps: deps}
	res, err := b.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != domain.OutcomeFailure {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if !strings.Contains(res.Detail, "unreadable") {
		t.Errorf("detail = %q", res.Detail)
	}
	if len(ag.reqs) != 0 {
		t.Error("agent must not run against a missing plan")
	}
}
