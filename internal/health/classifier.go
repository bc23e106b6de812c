package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/conveyor/internal/chain"
	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/platform"
	"github.com/hochfrequenz/conveyor/internal/runstate"
)

const defaultScanConcurrency = 8

// Platform is the subset of platform lookups a scan performs.
type Platform interface {
	Ticket(number int) (*platform.Ticket, error)
	MergeRequest(number int) (*platform.MergeRequest, error)
	MergeRequestForBranch(branch string) (*platform.MergeRequest, error)
	ChecksRollup(number int) (platform.ChecksState, error)
}

// Git is the subset of repository queries a scan performs.
type Git interface {
	Fetch() error
	DefaultBranchRef() string
	IsAncestor(commit, ref string) (bool, error)
}

// Deps carries the classifier's collaborators.
type Deps struct {
	States   *runstate.Store
	Platform Platform
	Git      Git
	Chains   map[string]chain.Definition
	Log      *slog.Logger
}

// Options tune a classifier.
type Options struct {
	// StuckAfter is the running-phase age past which a run is stuck.
	StuckAfter time.Duration
	// Concurrency caps parallel platform lookups during a scan.
	Concurrency int
	// TargetRef overrides the ref merges are confirmed against. Empty
	// falls back to the repository's default branch.
	TargetRef string
}

// Classifier scans live runs and labels each one.
type Classifier struct {
	deps Deps
	opts Options
}

// NewClassifier builds a classifier over the given collaborators.
func NewClassifier(deps Deps, opts Options) *Classifier {
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = DefaultStuckAfter
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultScanConcurrency
	}
	if deps.Chains == nil {
		deps.Chains = chain.Builtins()
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	deps.Log = deps.Log.With("component", "health")
	return &Classifier{deps: deps, opts: opts}
}

// Scan classifies every live run and returns the reports sorted by run
// ID. Platform lookups fan out with bounded concurrency; a failed
// lookup degrades that run's report instead of failing the scan.
func (c *Classifier) Scan(ctx context.Context) ([]Report, error) {
	runs, err := c.deps.States.List()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		return nil, nil
	}

	// One fetch up front keeps ancestry checks against a current tip
	// without every worker re-fetching.
	if err := c.deps.Git.Fetch(); err != nil {
		c.deps.Log.Warn("fetch before scan failed, ancestry may be stale", "error", err)
	}

	now := time.Now().UTC()
	reports := make([]Report, len(runs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, run := range runs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			reports[i] = Classify(run, c.gather(run), c.opts.StuckAfter, now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].RunID < reports[j].RunID })
	return reports, nil
}

// gather collects the platform facts for one run. Failures accumulate
// in Inputs.LookupErr so Classify can judge on partial facts.
func (c *Classifier) gather(run *domain.Run) Inputs {
	in := Inputs{RequiresMR: c.requiresMR(run.ChainName)}

	if number, err := platform.ParseTicketRef(run.TicketRef); err != nil {
		in.LookupErr = errors.Join(in.LookupErr, err)
	} else if ticket, err := c.deps.Platform.Ticket(number); err != nil {
		in.LookupErr = errors.Join(in.LookupErr, fmt.Errorf("ticket #%d: %w", number, err))
	} else {
		in.TicketState = ticket.State
	}

	mr, err := c.lookupMR(run)
	if err != nil {
		in.LookupErr = errors.Join(in.LookupErr, err)
		return in
	}
	in.MR = mr
	if mr == nil {
		return in
	}

	if checks, err := c.deps.Platform.ChecksRollup(mr.Number); err != nil {
		in.LookupErr = errors.Join(in.LookupErr, fmt.Errorf("checks on #%d: %w", mr.Number, err))
	} else {
		in.Checks = checks
	}

	if strings.EqualFold(mr.State, "MERGED") && mr.MergeCommit != "" {
		ref := c.opts.TargetRef
		if ref == "" {
			ref = c.deps.Git.DefaultBranchRef()
		}
		if ok, err := c.deps.Git.IsAncestor(mr.MergeCommit, ref); err != nil {
			in.LookupErr = errors.Join(in.LookupErr, fmt.Errorf("ancestry of %s: %w", mr.MergeCommit, err))
		} else {
			in.MergeConfirmed = ok
		}
	}
	return in
}

// lookupMR resolves the run's merge request, by recorded number first
// and by branch otherwise. A run with neither pointer has no request.
func (c *Classifier) lookupMR(run *domain.Run) (*platform.MergeRequest, error) {
	if raw := run.Artifact(domain.ArtifactMergeRequest); raw != "" {
		number, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("merge_request artifact %q is not a number", raw)
		}
		mr, err := c.deps.Platform.MergeRequest(number)
		if err != nil {
			return nil, fmt.Errorf("merge request #%d: %w", number, err)
		}
		return mr, nil
	}
	if run.BranchRef != "" {
		mr, err := c.deps.Platform.MergeRequestForBranch(run.BranchRef)
		if err != nil {
			return nil, fmt.Errorf("merge request for %s: %w", run.BranchRef, err)
		}
		return mr, nil
	}
	return nil, nil
}

// requiresMR reports whether the run's chain is expected to produce a
// merge request. Unknown chains are held to the strictest standard.
func (c *Classifier) requiresMR(chainName string) bool {
	def, ok := c.deps.Chains[chainName]
	if !ok {
		return true
	}
	for _, key := range def.RequiredArtifacts {
		if key == domain.ArtifactMergeRequest {
			return true
		}
	}
	return false
}
