package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/conveyor/internal/config"
	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/leasepool"
	"github.com/hochfrequenz/conveyor/internal/notify"
	"github.com/hochfrequenz/conveyor/internal/platform"
	"github.com/hochfrequenz/conveyor/internal/runstate"
	"github.com/hochfrequenz/conveyor/internal/store"
	"github.com/hochfrequenz/conveyor/internal/workspace"
)

const (
	leaseRetryBase = 2 * time.Second
	leaseRetryMax  = 60 * time.Second
)

// TicketSource resolves the ticket a run serves. Satisfied by
// *platform.Client.
type TicketSource interface {
	Ticket(number int) (*platform.Ticket, error)
}

// WorktreeSource materializes run worktrees. Satisfied by
// *workspace.Manager.
type WorktreeSource interface {
	Materialize(workspacePath, branch string) (string, error)
}

// Deps bundles the collaborators an Executor drives.
type Deps struct {
	States    *runstate.Store
	DB        *store.Store
	Leases    *leasepool.Pool
	Registry  *Registry
	Chains    map[string]Definition
	Worktrees WorktreeSource
	Tickets   TicketSource
	Notifier  notify.Notifier
	Log       *slog.Logger
}

// Executor drives runs through their chains. While it holds a run it is
// the only writer of that run's state record; operators interact
// through marker files and separate commands, never by editing state
// underneath it.
type Executor struct {
	deps Deps
	cfg  config.ExecutorConfig
	log  *slog.Logger
}

// NewExecutor creates an executor over the given collaborators.
func NewExecutor(deps Deps, cfg config.ExecutorConfig) *Executor {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NoopNotifier{}
	}
	return &Executor{
		deps: deps,
		cfg:  cfg,
		log:  deps.Log.With("component", "executor"),
	}
}

// Start executes a pending run's chain from the top.
func (e *Executor) Start(ctx context.Context, runID string) error {
	run, err := e.deps.States.Load(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s is %s, use resume", runID, run.Status)
	}
	return e.execute(ctx, run)
}

// Resume continues a stopped run, skipping phases that already
// succeeded. Failed and blocked runs return to running for the retry; a
// run that succeeded has nothing left to execute.
func (e *Executor) Resume(ctx context.Context, runID string) error {
	run, err := e.deps.States.Load(runID)
	if err != nil {
		return err
	}
	if run.Status == domain.RunSucceeded {
		return fmt.Errorf("run %s already succeeded", runID)
	}
	// The retry writes its own verdict.
	run.FailureKind = ""
	run.NextSteps = nil
	return e.execute(ctx, run)
}

func (e *Executor) execute(ctx context.Context, run *domain.Run) error {
	log := e.log.With("run", run.ID, "chain", run.ChainName)

	def, ok := e.deps.Chains[run.ChainName]
	if !ok {
		e.finishFailed(run, "", "", fmt.Sprintf("no chain definition named %s", run.ChainName))
		return fmt.Errorf("no chain definition named %s", run.ChainName)
	}

	ticket, err := e.resolveTicket(run)
	if err != nil {
		// Platform unreachable; the run has not started, leave it
		// untouched for a retry.
		return err
	}

	lease, err := e.acquireLease(ctx, run)
	if err != nil {
		var wsErr *domain.WorkspaceError
		if errors.As(err, &wsErr) {
			e.finishFailed(run, "", "workspace_creation_failed", err.Error())
		}
		return err
	}

	run.Lease = lease
	run.PID = os.Getpid()
	run.Status = domain.RunRunning
	if err := e.save(run); err != nil {
		return err
	}

	title := ""
	if ticket != nil {
		title = ticket.Title
	}
	branch := workspace.BranchName(run.ID, title)
	repoPath, err := e.deps.Worktrees.Materialize(lease.WorkspacePath, branch)
	if err != nil {
		e.finishFailed(run, "", "workspace_creation_failed", err.Error())
		return err
	}

	logDir := filepath.Join(e.deps.States.RunDir(run.ID), "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("create run log dir: %w", err)
	}

	env := &Env{
		Run:      run,
		Lease:    lease,
		Ticket:   ticket,
		Branch:   branch,
		RepoPath: repoPath,
		LogDir:   logDir,
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go e.heartbeatLoop(hbCtx, run.ID)

	log.Info("chain starting", "phases", len(def.Phases), "slot", lease.SlotIndex)
	return e.runPhases(ctx, run, def, env, log)
}

func (e *Executor) runPhases(ctx context.Context, run *domain.Run, def Definition, env *Env, log *slog.Logger) error {
	done := run.CompletedPhases()
	for _, name := range def.Phases {
		if done[name] {
			log.Info("phase already complete, skipping", "phase", name)
			continue
		}

		if e.deps.States.CancelRequested(run.ID) {
			if err := e.deps.States.ClearCancel(run.ID); err != nil {
				log.Warn("clearing cancel marker", "error", err)
			}
			now := time.Now().UTC()
			rec := domain.PhaseRecord{
				Phase: name, StartedAt: now, EndedAt: now,
				Outcome:  domain.OutcomeFailure,
				Category: domain.CategoryCancelled,
				Detail:   "cancelled by operator before phase",
			}
			run.PhaseHistory = append(run.PhaseHistory, rec)
			e.journal(run.ID, rec, Result{})
			e.finishFailed(run, name, domain.CategoryCancelled, "cancelled by operator")
			return nil
		}

		phase, ok := e.deps.Registry.Get(name)
		if !ok {
			e.finishFailed(run, name, "", fmt.Sprintf("no phase implementation registered for %s", name))
			return nil
		}

		if missing := run.MissingArtifacts(phase.Prerequisites()); len(missing) > 0 {
			e.blockRun(run, name, (&domain.PrerequisiteError{Phase: name, Missing: missing}).Error())
			return nil
		}
		if name == def.Final() {
			if missing := run.MissingArtifacts(def.RequiredArtifacts); len(missing) > 0 {
				e.blockRun(run, name, fmt.Sprintf("required artifacts missing before final phase: %v", missing))
				return nil
			}
		}

		started := time.Now().UTC()
		run.CurrentPhase = name
		run.PhaseStartedAt = &started
		if err := e.save(run); err != nil {
			return err
		}
		log.Info("phase starting", "phase", name)

		res := e.runPhase(ctx, phase, env)
		if ctx.Err() != nil && res.Outcome != domain.OutcomeSuccess {
			// Interrupted, not failed: no record is written, so a
			// resume retries this phase.
			log.Warn("chain interrupted", "phase", name)
			return ctx.Err()
		}
		ended := time.Now().UTC()

		rec := domain.PhaseRecord{
			Phase: name, StartedAt: started, EndedAt: ended,
			Outcome: res.Outcome, Category: res.Category, Detail: res.Detail,
		}
		run.PhaseHistory = append(run.PhaseHistory, rec)
		e.journal(run.ID, rec, res)
		for k, v := range res.Artifacts {
			run.SetArtifact(k, v)
		}

		if res.Outcome != domain.OutcomeSuccess {
			e.finishFailed(run, name, res.Category, res.Detail)
			return nil
		}

		done[name] = true
		if err := e.save(run); err != nil {
			return err
		}
		log.Info("phase complete", "phase", name, "duration", ended.Sub(started).Round(time.Second))
	}

	if missing := run.MissingArtifacts(def.RequiredArtifacts); len(missing) > 0 {
		e.blockRun(run, def.Final(), fmt.Sprintf("required artifacts missing after final phase: %v", missing))
		return nil
	}

	run.Status = domain.RunSucceeded
	run.CurrentPhase = ""
	run.PhaseStartedAt = nil
	if err := e.deps.Leases.Release(run.ID); err != nil {
		log.Warn("releasing lease after success", "error", err)
	} else {
		run.Lease = nil
	}
	if err := e.save(run); err != nil {
		return err
	}
	log.Info("run succeeded")
	e.deps.Notifier.Send(notify.Notification{
		Title:   fmt.Sprintf("Run %s succeeded", run.ID),
		Message: fmt.Sprintf("ticket %s delivered through chain %s", run.TicketRef, run.ChainName),
		Type:    notify.NotifySuccess,
		RunID:   run.ID,
	})
	return nil
}

// runPhase executes one phase under the configured timeout and folds
// errors into an explicit outcome. A phase returning neither an outcome
// nor an error is a failure.
func (e *Executor) runPhase(ctx context.Context, phase Phase, env *Env) Result {
	phaseCtx := ctx
	if e.cfg.PhaseTimeout > 0 {
		var cancel context.CancelFunc
		phaseCtx, cancel = context.WithTimeout(ctx, time.Duration(e.cfg.PhaseTimeout))
		defer cancel()
	}

	res, err := phase.Run(phaseCtx, env)
	if err != nil {
		if res.Outcome == "" || res.Outcome == domain.OutcomeSuccess {
			res.Outcome = domain.OutcomeFailure
		}
		if res.Detail == "" {
			res.Detail = err.Error()
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			res.Detail = fmt.Sprintf("phase timed out after %s: %s", time.Duration(e.cfg.PhaseTimeout), res.Detail)
		}
		return res
	}
	if res.Outcome == "" {
		res.Outcome = domain.OutcomeFailure
		if res.Detail == "" {
			res.Detail = "phase returned no explicit outcome"
		}
	}
	return res
}

// acquireLease gets the run's lease, retrying exhaustion with backoff
// within the configured budget. Workspace failures are returned
// immediately, they do not resolve by waiting.
func (e *Executor) acquireLease(ctx context.Context, run *domain.Run) (*domain.Lease, error) {
	retries := e.cfg.LeaseRetries
	if retries <= 0 {
		retries = 1
	}
	backoff := leaseRetryBase
	for attempt := 1; ; attempt++ {
		lease, err := e.deps.Leases.Acquire(run.ID)
		if err == nil {
			return lease, nil
		}
		if !leasepool.IsExhausted(err) {
			return nil, err
		}
		if attempt >= retries {
			return nil, fmt.Errorf("no free slot after %d attempts: %w", attempt, err)
		}
		e.log.Warn("lease pool exhausted, retrying", "run", run.ID, "attempt", attempt, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > leaseRetryMax {
			backoff = leaseRetryMax
		}
	}
}

func (e *Executor) heartbeatLoop(ctx context.Context, runID string) {
	interval := time.Duration(e.cfg.HeartbeatInterval)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.deps.Leases.Heartbeat(runID); err != nil {
				e.log.Warn("lease heartbeat failed", "run", runID, "error", err)
			}
		}
	}
}

func (e *Executor) resolveTicket(run *domain.Run) (*platform.Ticket, error) {
	if run.TicketRef == "" || e.deps.Tickets == nil {
		return nil, nil
	}
	number, err := platform.ParseTicketRef(run.TicketRef)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", run.ID, err)
	}
	ticket, err := e.deps.Tickets.Ticket(number)
	if err != nil {
		return nil, fmt.Errorf("resolve ticket %s: %w", run.TicketRef, err)
	}
	return ticket, nil
}

// journal appends the phase attempt to the durable journal. The journal
// is the ground truth the data-integrity gate counts against; an append
// failure is logged as an error so the gate's signature scan sees it.
func (e *Executor) journal(runID string, rec domain.PhaseRecord, res Result) {
	entry := &store.JournalEntry{
		RunID:        runID,
		Phase:        rec.Phase,
		Outcome:      rec.Outcome,
		Category:     rec.Category,
		Detail:       rec.Detail,
		StartedAt:    rec.StartedAt,
		EndedAt:      rec.EndedAt,
		TokensInput:  res.TokensInput,
		TokensOutput: res.TokensOutput,
		CostUSD:      res.CostUSD,
	}
	if err := e.deps.DB.AppendJournal(entry); err != nil {
		e.log.Error("journal append failed", "run", runID, "phase", rec.Phase, "error", err)
	}
}

func (e *Executor) blockRun(run *domain.Run, phase, detail string) {
	now := time.Now().UTC()
	rec := domain.PhaseRecord{
		Phase: phase, StartedAt: now, EndedAt: now,
		Outcome:  domain.OutcomeFailure,
		Category: domain.CategoryPrerequisite,
		Detail:   detail,
	}
	run.PhaseHistory = append(run.PhaseHistory, rec)
	e.journal(run.ID, rec, Result{})

	run.Status = domain.RunBlocked
	run.FailureKind = domain.CategoryPrerequisite
	run.NextSteps = domain.NextSteps(domain.CategoryPrerequisite, run.ID)
	if err := e.save(run); err != nil {
		e.log.Error("saving blocked run", "run", run.ID, "error", err)
	}
	e.log.Warn("run blocked", "run", run.ID, "phase", phase, "detail", detail)
	e.deps.Notifier.Send(notify.Notification{
		Title:   fmt.Sprintf("Run %s blocked", run.ID),
		Message: fmt.Sprintf("phase %s: %s", phase, detail),
		Type:    notify.NotifyWarning,
		RunID:   run.ID,
	})
}

func (e *Executor) finishFailed(run *domain.Run, phase, category, detail string) {
	run.Status = domain.RunFailed
	run.FailureKind = category
	run.NextSteps = domain.NextSteps(category, run.ID)
	if err := e.save(run); err != nil {
		e.log.Error("saving failed run", "run", run.ID, "error", err)
	}
	e.log.Error("run failed", "run", run.ID, "phase", phase, "category", category, "detail", detail)
	e.deps.Notifier.Send(notify.Notification{
		Title:   fmt.Sprintf("Run %s failed", run.ID),
		Message: fmt.Sprintf("phase %s: %s", phase, detail),
		Type:    notify.NotifyError,
		RunID:   run.ID,
	})
}

// save persists the run, absorbing version conflicts by adopting the
// stored version. The executor is the run's only writer while the chain
// executes; a conflict that comes with a longer stored history means a
// second writer took the run, and this one backs off.
func (e *Executor) save(run *domain.Run) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		err := e.deps.States.Save(run)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrStateConflict) {
			return err
		}
		lastErr = err

		stored, loadErr := e.deps.States.Load(run.ID)
		if loadErr != nil {
			return fmt.Errorf("reload after state conflict: %w", loadErr)
		}
		if len(stored.PhaseHistory) > len(run.PhaseHistory) {
			return fmt.Errorf("run %s advanced by another writer: %w", run.ID, domain.ErrStateConflict)
		}
		run.Version = stored.Version
	}
	return lastErr
}
