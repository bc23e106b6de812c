// Package phases holds the concrete phase bodies a chain executes:
// agent-driven work (plan, build, review, document), delegated tool
// runs (check, test) and platform interactions (publish, cleanup).
// Bodies report explicit outcomes and publish artifacts; orchestration
// lives in the chain executor.
package phases

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

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

// AgentRunner runs the creative-work agent. Satisfied by *agent.Runner.
type AgentRunner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// PromptBuilder renders phase instructions. Satisfied by
// *prompts.Loader.
type PromptBuilder interface {
	BuildPhasePrompt(phase string, data prompts.PhaseData) (string, error)
}

// Platform is the slice of the platform client the phases use.
type Platform interface {
	CreateMergeRequest(repoPath, branch, title, body string) (*platform.MergeRequest, error)
	MergeRequestForBranch(branch string) (*platform.MergeRequest, error)
	MergeRequest(number int) (*platform.MergeRequest, error)
	ChecksRollup(number int) (platform.ChecksState, error)
	Merge(number int) error
	PostComment(number int, body string) error
	HasRunComment(number int, runID, phase string) (bool, error)
	CloseTicket(number int) error
}

// Git is the slice of the workspace manager the phases use.
type Git interface {
	CommitsAhead(repoPath, base string) (int, error)
	HeadCommit(dir string) (string, error)
	Push(repoPath, branch string) error
	Fetch() error
	DefaultBranchRef() string
	IsAncestor(commit, ref string) (bool, error)
	MissingPaths(ref string, paths []string) ([]string, error)
	ChangedPaths(commit string) ([]string, error)
	Remove(workspacePath string) error
}

// Deps bundles the collaborators the phase bodies share.
type Deps struct {
	Agent    AgentRunner
	Prompts  PromptBuilder
	Tools    toolpool.Dispatcher
	Platform Platform
	Git      Git
	DB       *store.Store

	ToolsCfg config.ToolsConfig
	// Target is the branch merges land on.
	Target string
	// LogPath is the operational log file scanned by the review gate.
	LogPath string

	// ChecksBudget and ChecksPoll bound the publish phase's CI rollup
	// wait. Zero values take the defaults.
	ChecksBudget time.Duration
	ChecksPoll   time.Duration

	Log *slog.Logger
}

// Register registers every phase body in the registry.
func Register(reg *chain.Registry, deps Deps) {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	deps.Log = deps.Log.With("component", "phases")
	reg.Register(&Plan{deps: deps})
	reg.Register(&Build{deps: deps})
	reg.Register(&Check{deps: deps})
	reg.Register(&Test{deps: deps})
	reg.Register(&Review{deps: deps})
	reg.Register(&Document{deps: deps})
	reg.Register(&Publish{deps: deps})
	reg.Register(&Cleanup{deps: deps})
}

// toolInvocation builds a dispatcher invocation scoped to the run's
// worktree, with the leased ports exposed.
func toolInvocation(env *chain.Env, suffix string, argv []string, cfg config.ToolsConfig) toolpool.Invocation {
	return toolpool.Invocation{
		JobID:   env.Run.ID + "-" + suffix,
		Dir:     env.RepoPath,
		Command: argv,
		Env:     portEnv(env.Lease),
		Timeout: time.Duration(cfg.Timeout),
	}
}

// phaseData assembles the template data shared by the agent phases.
func phaseData(env *chain.Env, target string) prompts.PhaseData {
	data := prompts.PhaseData{
		RunID:          env.Run.ID,
		TicketRef:      env.Run.TicketRef,
		Classification: string(env.Run.Classification),
		Branch:         env.Branch,
		TargetBranch:   target,
	}
	if env.Ticket != nil {
		data.TicketTitle = env.Ticket.Title
		data.TicketBody = env.Ticket.Body
	}
	return data
}

// attempted reports whether the run already has a record for the phase,
// meaning an agent session exists to resume.
func attempted(run *domain.Run, phase string) bool {
	for _, rec := range run.PhaseHistory {
		if rec.Phase == phase {
			return true
		}
	}
	return false
}

// portEnv exposes the leased ports to a subprocess.
func portEnv(lease *domain.Lease) map[string]string {
	if lease == nil {
		return nil
	}
	return map[string]string{
		"CONVEYOR_PORT_A": strconv.Itoa(lease.PortA),
		"CONVEYOR_PORT_B": strconv.Itoa(lease.PortB),
	}
}

// usageOf copies agent usage into a result for the journal.
func usageOf(res *agent.Result) (int, int, float64) {
	if res == nil {
		return 0, 0, 0
	}
	return res.TokensInput, res.TokensOutput, res.CostUSD
}

// shortRef truncates a commit hash for display.
func shortRef(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}

// verdictDetail flattens a gate verdict into a phase detail string,
// appending the evidence lines the gate collected.
func verdictDetail(v domain.VerificationResult) string {
	if len(v.Evidence) == 0 {
		return v.Detail
	}
	return v.Detail + "\n" + strings.Join(v.Evidence, "\n")
}

// tail returns the last n lines of s for failure details.
func tail(s string, n int) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// readLogTail returns up to n trailing lines of the operational log.
// A missing log is not an error, just an empty scan.
func readLogTail(path string, n int) []string {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
