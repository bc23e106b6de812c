package phases

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"log/slog"

	"github.com/hochfrequenz/conveyor/internal/agent"
	"github.com/hochfrequenz/conveyor/internal/chain"
	"github.com/hochfrequenz/conveyor/internal/config"
	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/platform"
	"github.com/hochfrequenz/conveyor/internal/prompts"
	"github.com/hochfrequenz/conveyor/internal/store"
	"github.com/hochfrequenz/conveyor/internal/toolpool"
)

// fakeAgent scripts the agent interface. do runs before the result is
// returned and stands in for the agent's file side effects.
type fakeAgent struct {
	res  *agent.Result
	err  error
	do   func(req agent.Request)
	reqs []agent.Request
}

func (f *fakeAgent) Run(_ context.Context, req agent.Request) (*agent.Result, error) {
	f.reqs = append(f.reqs, req)
	if f.do != nil {
		f.do(req)
	}
	if f.err != nil {
		return f.res, f.err
	}
	if f.res == nil {
		return &agent.Result{ResultText: "done", TokensInput: 10, TokensOutput: 5, CostUSD: 0.01}, nil
	}
	return f.res, nil
}

// fakeGit scripts the git interface. heads holds successive HeadCommit
// returns; the last repeats.
type fakeGit struct {
	heads     []string
	headCalls int
	ahead     int
	aheadErr  error
	pushed    []string
	pushErr   error
	fetched   bool
	ancestor  bool
	missing   []string
	changed   []string
	removed   []string
}

func (f *fakeGit) CommitsAhead(repoPath, base string) (int, error) {
	return f.ahead, f.aheadErr
}

func (f *fakeGit) HeadCommit(dir string) (string, error) {
	if len(f.heads) == 0 {
		return "", fmt.Errorf("no head scripted")
	}
	i := f.headCalls
	if i >= len(f.heads) {
		i = len(f.heads) - 1
	}
	f.headCalls++
	return f.heads[i], nil
}

func (f *fakeGit) Push(repoPath, branch string) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, branch)
	return nil
}

func (f *fakeGit) Fetch() error { f.fetched = true; return nil }

func (f *fakeGit) DefaultBranchRef() string { return "origin/main" }

func (f *fakeGit) IsAncestor(commit, ref string) (bool, error) { return f.ancestor, nil }

func (f *fakeGit) MissingPaths(ref string, paths []string) ([]string, error) {
	return f.missing, nil
}

func (f *fakeGit) ChangedPaths(commit string) ([]string, error) {
	return f.changed, nil
}

func (f *fakeGit) Remove(workspacePath string) error {
	f.removed = append(f.removed, workspacePath)
	return nil
}

// fakePlatform scripts the platform interface. rollups holds successive
// ChecksRollup returns; the last repeats.
type fakePlatform struct {
	existing    *platform.MergeRequest
	refreshed   *platform.MergeRequest
	createdBody string
	rollups     []platform.ChecksState
	rollupCalls int
	merged      []int
	comments    map[int][]string
	hasComment  bool
	closed      []int
}

func (f *fakePlatform) CreateMergeRequest(repoPath, branch, title, body string) (*platform.MergeRequest, error) {
	f.createdBody = body
	return &platform.MergeRequest{
		Number: 7,
		URL:    "https://github.com/acme/widgets/pull/7",
		State:  "OPEN",
		Branch: branch,
	}, nil
}

func (f *fakePlatform) MergeRequestForBranch(branch string) (*platform.MergeRequest, error) {
	return f.existing, nil
}

func (f *fakePlatform) MergeRequest(number int) (*platform.MergeRequest, error) {
	if f.refreshed == nil {
		return nil, fmt.Errorf("no merge request #%d scripted", number)
	}
	return f.refreshed, nil
}

func (f *fakePlatform) ChecksRollup(number int) (platform.ChecksState, error) {
	if len(f.rollups) == 0 {
		return platform.ChecksNone, nil
	}
	i := f.rollupCalls
	if i >= len(f.rollups) {
		i = len(f.rollups) - 1
	}
	f.rollupCalls++
	return f.rollups[i], nil
}

func (f *fakePlatform) Merge(number int) error {
	f.merged = append(f.merged, number)
	return nil
}

func (f *fakePlatform) PostComment(number int, body string) error {
	if f.comments == nil {
		f.comments = make(map[int][]string)
	}
	f.comments[number] = append(f.comments[number], body)
	return nil
}

func (f *fakePlatform) HasRunComment(number int, runID, phase string) (bool, error) {
	return f.hasComment, nil
}

func (f *fakePlatform) CloseTicket(number int) error {
	f.closed = append(f.closed, number)
	return nil
}

// testDeps wires fakes for agent, git and platform with real prompt,
// dispatcher and journal collaborators.
func testDeps(t *testing.T) (Deps, *fakeAgent, *fakeGit, *fakePlatform) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ag := &fakeAgent{}
	git := &fakeGit{
		heads:    []string{"1111aaaa2222bbbb3333cccc4444dddd5555eeee"},
		ahead:    1,
		ancestor: true,
	}
	pf := &fakePlatform{}
	deps := Deps{
		Agent:    ag,
		Prompts:  prompts.NewLoader(),
		Tools:    toolpool.NewLocal(),
		Platform: pf,
		Git:      git,
		DB:       st,
		Target:   "main",
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return deps, ag, git, pf
}

func testEnv(t *testing.T) *chain.Env {
	t.Helper()
	ws := t.TempDir()
	repo := filepath.Join(ws, "repo")
	logs := filepath.Join(ws, "logs")
	for _, dir := range []string{repo, logs} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	run := domain.NewRun("41", "feature", domain.ClassFeature)
	return &chain.Env{
		Run:      run,
		Lease:    &domain.Lease{SlotIndex: 0, WorkspacePath: ws, PortA: 43000, PortB: 44000},
		Ticket:   &platform.Ticket{Number: 41, Title: "Add pagination", State: "OPEN"},
		Branch:   "conveyor/" + run.ID + "-add-pagination",
		RepoPath: repo,
		LogDir:   logs,
	}
}

func TestRegisterCoversBuiltinChains(t *testing.T) {
	deps, _, _, _ := testDeps(t)
	reg := chain.NewRegistry()
	Register(reg, deps)

	for name, def := range chain.Builtins() {
		for _, phase := range def.Phases {
			if _, ok := reg.Get(phase); !ok {
				t.Errorf("chain %s references unregistered phase %s", name, phase)
			}
		}
	}
}

func TestToolInvocationScopesToWorktree(t *testing.T) {
	env := testEnv(t)
	inv := toolInvocation(env, "check-0", []string{"go", "vet"}, config.ToolsConfig{})
	if inv.JobID != env.Run.ID+"-check-0" {
		t.Errorf("JobID = %s", inv.JobID)
	}
	if inv.Dir != env.RepoPath {
		t.Errorf("Dir = %s, want repo path", inv.Dir)
	}
	if inv.Env["CONVEYOR_PORT_A"] != "43000" || inv.Env["CONVEYOR_PORT_B"] != "44000" {
		t.Errorf("ports not exposed: %v", inv.Env)
	}
}

func TestVerdictDetailAppendsEvidence(t *testing.T) {
	v := domain.Fail("phantom_merge", "not an ancestor", "merge_request=#7")
	got := verdictDetail(v)
	want := "not an ancestor\nmerge_request=#7"
	if got != want {
		t.Errorf("verdictDetail = %q, want %q", got, want)
	}
	if verdictDetail(domain.Fail("x", "bare")) != "bare" {
		t.Error("detail without evidence should pass through")
	}
}
