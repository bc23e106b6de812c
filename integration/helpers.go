//go:build integration

package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/conveyor/internal/agent"
	"github.com/hochfrequenz/conveyor/internal/chain"
	"github.com/hochfrequenz/conveyor/internal/config"
	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/leasepool"
	"github.com/hochfrequenz/conveyor/internal/notify"
	"github.com/hochfrequenz/conveyor/internal/phases"
	"github.com/hochfrequenz/conveyor/internal/platform"
	"github.com/hochfrequenz/conveyor/internal/prompts"
	"github.com/hochfrequenz/conveyor/internal/runstate"
	"github.com/hochfrequenz/conveyor/internal/store"
	"github.com/hochfrequenz/conveyor/internal/toolpool"
)

// fixturesDir returns the committed fixtures directory next to this file.
func fixturesDir(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("cannot locate test source file")
	}
	return filepath.Join(filepath.Dir(filename), "fixtures")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// agentScript is one phase's scripted agent behavior.
type agentScript func(req agent.Request) (*agent.Result, error)

// scriptedAgent plays per-phase scripts and counts invocations so tests
// can assert which phases actually ran.
type scriptedAgent struct {
	mu      sync.Mutex
	scripts map[string]agentScript
	calls   map[string]int
}

func (a *scriptedAgent) Run(ctx context.Context, req agent.Request) (*agent.Result, error) {
	a.mu.Lock()
	a.calls[req.Phase]++
	script, ok := a.scripts[req.Phase]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no script for phase %s", req.Phase)
	}
	return script(req)
}

func (a *scriptedAgent) setScript(phase string, script agentScript) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts[phase] = script
}

func (a *scriptedAgent) callCount(phase string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[phase]
}

// happyScripts drives every agent phase to success: the plan and
// changelog land on disk, build and document advance the fake head, and
// review reports no findings.
func happyScripts(git *fakeGit) map[string]agentScript {
	return map[string]agentScript{
		"plan": func(req agent.Request) (*agent.Result, error) {
			rel := filepath.Join("docs", "plans", req.RunID+".md")
			path := filepath.Join(req.WorkDir, rel)
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(path, []byte("# Plan\n\nGuard the ingest endpoint with a limiter.\n"), 0644); err != nil {
				return nil, err
			}
			return &agent.Result{ResultText: "plan written", TokensInput: 900, TokensOutput: 400, CostUSD: 0.04}, nil
		},
		"build": func(req agent.Request) (*agent.Result, error) {
			if err := os.WriteFile(filepath.Join(req.WorkDir, "limiter.go"), []byte("package ingest\n"), 0644); err != nil {
				return nil, err
			}
			git.commit()
			return &agent.Result{ResultText: "implemented", TokensInput: 4200, TokensOutput: 1700, CostUSD: 0.21}, nil
		},
		"review": func(req agent.Request) (*agent.Result, error) {
			return &agent.Result{ResultText: `{"findings": []}`, TokensInput: 1100, TokensOutput: 250, CostUSD: 0.05}, nil
		},
		"document": func(req agent.Request) (*agent.Result, error) {
			if err := os.WriteFile(filepath.Join(req.WorkDir, "CHANGELOG.md"), []byte("## Unreleased\n\n- ingest rate limiting\n"), 0644); err != nil {
				return nil, err
			}
			git.commit()
			return &agent.Result{ResultText: "changelog updated", TokensInput: 700, TokensOutput: 180, CostUSD: 0.02}, nil
		},
	}
}

// fakeGit scripts the git surface the phases and the merge gate touch.
// Commits advance a synthetic head; merge commits become ancestors of
// the target only when the fake platform actually lands them.
type fakeGit struct {
	mu        sync.Mutex
	seq       int
	ahead     int
	head      string
	ancestors map[string]bool
	missing   []string
	pushes    []string
	removed   []string
}

func newFakeGit() *fakeGit {
	return &fakeGit{head: "c000000", ancestors: make(map[string]bool)}
}

func (g *fakeGit) commit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	g.ahead++
	g.head = fmt.Sprintf("c%06d", g.seq)
}

func (g *fakeGit) markAncestor(commit string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ancestors[commit] = true
}

func (g *fakeGit) CommitsAhead(repoPath, base string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ahead, nil
}

func (g *fakeGit) HeadCommit(dir string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.head, nil
}

func (g *fakeGit) Push(repoPath, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes = append(g.pushes, branch)
	return nil
}

func (g *fakeGit) Fetch() error { return nil }

func (g *fakeGit) DefaultBranchRef() string { return "origin/main" }

func (g *fakeGit) IsAncestor(commit, ref string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ancestors[commit], nil
}

func (g *fakeGit) MissingPaths(ref string, paths []string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.missing, nil
}

func (g *fakeGit) ChangedPaths(commit string) ([]string, error) {
	return []string{"limiter.go"}, nil
}

func (g *fakeGit) Remove(workspacePath string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removed = append(g.removed, workspacePath)
	return nil
}

// fakePlatform is an in-memory ticket and merge-request platform. Merge
// lands the commit in the fake git unless phantom is set, which models a
// platform that reports merged work the target never received.
type fakePlatform struct {
	mu       sync.Mutex
	git      *fakeGit
	tickets  map[int]*platform.Ticket
	mrs      map[int]*platform.MergeRequest
	byBranch map[string]int
	comments map[int][]string
	checks   platform.ChecksState
	phantom  bool
	nextMR   int
	closed   []int
}

func newFakePlatform(git *fakeGit) *fakePlatform {
	return &fakePlatform{
		git:      git,
		tickets:  make(map[int]*platform.Ticket),
		mrs:      make(map[int]*platform.MergeRequest),
		byBranch: make(map[string]int),
		comments: make(map[int][]string),
		checks:   platform.ChecksPassing,
		nextMR:   7,
	}
}

func (p *fakePlatform) addTicket(tk *platform.Ticket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tickets[tk.Number] = tk
}

func (p *fakePlatform) ticketState(number int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tk, ok := p.tickets[number]; ok {
		return tk.State
	}
	return ""
}

func (p *fakePlatform) Ticket(number int) (*platform.Ticket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tk, ok := p.tickets[number]
	if !ok {
		return nil, fmt.Errorf("ticket #%d not found", number)
	}
	copied := *tk
	return &copied, nil
}

func (p *fakePlatform) CreateMergeRequest(repoPath, branch, title, body string) (*platform.MergeRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	number := p.nextMR
	p.nextMR++
	mr := &platform.MergeRequest{
		Number: number,
		State:  "OPEN",
		Branch: branch,
		URL:    fmt.Sprintf("https://example.test/pull/%d", number),
	}
	p.mrs[number] = mr
	p.byBranch[branch] = number
	copied := *mr
	return &copied, nil
}

func (p *fakePlatform) MergeRequestForBranch(branch string) (*platform.MergeRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	number, ok := p.byBranch[branch]
	if !ok {
		return nil, nil
	}
	copied := *p.mrs[number]
	return &copied, nil
}

func (p *fakePlatform) MergeRequest(number int) (*platform.MergeRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mr, ok := p.mrs[number]
	if !ok {
		return nil, fmt.Errorf("merge request #%d not found", number)
	}
	copied := *mr
	return &copied, nil
}

func (p *fakePlatform) ChecksRollup(number int) (platform.ChecksState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checks, nil
}

func (p *fakePlatform) Merge(number int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	mr, ok := p.mrs[number]
	if !ok {
		return fmt.Errorf("merge request #%d not found", number)
	}
	mr.State = "MERGED"
	mr.MergeCommit = fmt.Sprintf("m%06d", number)
	if !p.phantom {
		p.git.markAncestor(mr.MergeCommit)
	}
	return nil
}

func (p *fakePlatform) PostComment(number int, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.comments[number] = append(p.comments[number], body)
	return nil
}

func (p *fakePlatform) HasRunComment(number int, runID, phase string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	marker := platform.RunMarker(runID, phase)
	for _, c := range p.comments[number] {
		if strings.Contains(c, marker) {
			return true, nil
		}
	}
	return false, nil
}

func (p *fakePlatform) CloseTicket(number int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	tk, ok := p.tickets[number]
	if !ok {
		return fmt.Errorf("ticket #%d not found", number)
	}
	tk.State = "CLOSED"
	p.closed = append(p.closed, number)
	return nil
}

// stubWorktrees materializes a plain directory where a real manager
// would add a git worktree.
type stubWorktrees struct{}

func (stubWorktrees) Materialize(workspacePath, branch string) (string, error) {
	dir := filepath.Join(workspacePath, "repo")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// scriptedTools answers check invocations with a clean exit and the test
// invocation with a passing JSON report.
type scriptedTools struct {
	mu   sync.Mutex
	jobs []string
}

func (d *scriptedTools) Run(ctx context.Context, inv toolpool.Invocation) (*toolpool.Result, error) {
	d.mu.Lock()
	d.jobs = append(d.jobs, inv.JobID)
	d.mu.Unlock()

	code := 0
	res := &toolpool.Result{JobID: inv.JobID, ExitCode: &code, Duration: 40 * time.Millisecond}
	if strings.HasSuffix(inv.JobID, "-test") {
		res.Stdout = `{"total": 12, "passed": 12, "failed": 0, "skipped": 0, "success": true}` + "\n"
	} else {
		res.Stdout = "ok\n"
	}
	return res, nil
}

// harness wires a real executor, state store, database and lease pool
// over scripted collaborators.
type harness struct {
	states   *runstate.Store
	db       *store.Store
	pool     *leasepool.Pool
	git      *fakeGit
	platform *fakePlatform
	agent    *scriptedAgent
	tools    *scriptedTools
	exec     *chain.Executor
	chains   map[string]chain.Definition
	workRoot string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := quietLogger()

	states := runstate.NewStore(t.TempDir())
	db, err := store.New(filepath.Join(t.TempDir(), "conveyor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	workRoot := t.TempDir()
	pool := leasepool.New(db, leasepool.Options{
		Capacity:      2,
		BasePortA:     43000,
		BasePortB:     44000,
		WorkspaceRoot: workRoot,
	}, log)

	git := newFakeGit()
	plat := newFakePlatform(git)
	ag := &scriptedAgent{scripts: happyScripts(git), calls: make(map[string]int)}
	tools := &scriptedTools{}

	reg := chain.NewRegistry()
	phases.Register(reg, phases.Deps{
		Agent:    ag,
		Prompts:  prompts.DefaultLoader(""),
		Tools:    tools,
		Platform: plat,
		Git:      git,
		DB:       db,
		ToolsCfg: config.ToolsConfig{
			CheckCommands: [][]string{{"go", "vet", "./..."}},
			TestCommand:   []string{"scripts/run-tests"},
			Timeout:       config.Duration(time.Minute),
		},
		Target:       "main",
		ChecksBudget: 2 * time.Second,
		ChecksPoll:   10 * time.Millisecond,
		Log:          log,
	})

	chains := chain.Builtins()
	exec := chain.NewExecutor(chain.Deps{
		States:    states,
		DB:        db,
		Leases:    pool,
		Registry:  reg,
		Chains:    chains,
		Worktrees: stubWorktrees{},
		Tickets:   plat,
		Notifier:  notify.NoopNotifier{},
		Log:       log,
	}, config.ExecutorConfig{LeaseRetries: 1})

	return &harness{
		states:   states,
		db:       db,
		pool:     pool,
		git:      git,
		platform: plat,
		agent:    ag,
		tools:    tools,
		exec:     exec,
		chains:   chains,
		workRoot: workRoot,
	}
}

// startRun saves a fresh run for the ticket and executes its chain.
func (h *harness) startRun(t *testing.T, ticket int, chainName string, class domain.Classification) *domain.Run {
	t.Helper()
	run := domain.NewRun(strconv.Itoa(ticket), chainName, class)
	if err := h.states.Save(run); err != nil {
		t.Fatalf("save run: %v", err)
	}
	if err := h.exec.Start(context.Background(), run.ID); err != nil {
		t.Fatalf("start run: %v", err)
	}
	return h.reload(t, run.ID)
}

func (h *harness) reload(t *testing.T, runID string) *domain.Run {
	t.Helper()
	run, err := h.states.Load(runID)
	if err != nil {
		t.Fatalf("reload run %s: %v", runID, err)
	}
	return run
}
