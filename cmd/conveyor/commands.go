package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hochfrequenz/conveyor/internal/agent"
	"github.com/hochfrequenz/conveyor/internal/chain"
	"github.com/hochfrequenz/conveyor/internal/config"
	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/health"
	"github.com/hochfrequenz/conveyor/internal/intake"
	"github.com/hochfrequenz/conveyor/internal/leasepool"
	"github.com/hochfrequenz/conveyor/internal/notify"
	"github.com/hochfrequenz/conveyor/internal/phases"
	"github.com/hochfrequenz/conveyor/internal/platform"
	"github.com/hochfrequenz/conveyor/internal/prompts"
	"github.com/hochfrequenz/conveyor/internal/runstate"
	"github.com/hochfrequenz/conveyor/internal/store"
	"github.com/hochfrequenz/conveyor/internal/toolpool"
	"github.com/hochfrequenz/conveyor/internal/verify"
	"github.com/hochfrequenz/conveyor/internal/watch"
	"github.com/hochfrequenz/conveyor/internal/workspace"
	"github.com/hochfrequenz/conveyor/tui"
	"github.com/hochfrequenz/conveyor/web/api"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	startTicket    int
	startChain     string
	leasesRelease  string
	healthJSON     bool
	recoverConfirm string
	intakeMax      int
	servePort      int
)

func init() {
	// start command
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a run for a ticket",
		RunE:  runStart,
	}
	startCmd.Flags().IntVar(&startTicket, "ticket", 0, "ticket number to work on")
	startCmd.Flags().StringVar(&startChain, "chain", "", "chain name (default: by ticket classification)")
	rootCmd.AddCommand(startCmd)

	// resume command
	resumeCmd := &cobra.Command{
		Use:   "resume RUN_ID",
		Short: "Resume a stopped run, skipping completed phases",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	}
	rootCmd.AddCommand(resumeCmd)

	// cancel command
	cancelCmd := &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Request cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	rootCmd.AddCommand(cancelCmd)

	// list command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE:  runList,
	}
	rootCmd.AddCommand(listCmd)

	// show command
	showCmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show one run in detail",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	rootCmd.AddCommand(showCmd)

	// leases command
	leasesCmd := &cobra.Command{
		Use:   "leases",
		Short: "List held workspace leases",
		RunE:  runLeases,
	}
	leasesCmd.Flags().StringVar(&leasesRelease, "release", "", "force-release the lease held by a run")
	rootCmd.AddCommand(leasesCmd)

	// sweep command
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim leases from dead runs",
		RunE:  runSweep,
	}
	rootCmd.AddCommand(sweepCmd)

	// health command
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Classify live runs (exit 0 only when all are healthy)",
		RunE:  runHealth,
	}
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "emit reports as JSON")
	rootCmd.AddCommand(healthCmd)

	// recover command
	recoverCmd := &cobra.Command{
		Use:   "recover RUN_ID",
		Short: "Inspect a stuck run and optionally force completion",
		Args:  cobra.ExactArgs(1),
		RunE:  runRecover,
	}
	recoverCmd.Flags().StringVar(&recoverConfirm, "confirm", "", "re-type the run id to force completion")
	rootCmd.AddCommand(recoverCmd)

	// intake command
	intakeCmd := &cobra.Command{
		Use:   "intake",
		Short: "Start runs for labeled tickets",
		RunE:  runIntake,
	}
	intakeCmd.Flags().IntVar(&intakeMax, "max", 0, "cap on new runs (default from config)")
	rootCmd.AddCommand(intakeCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the web API, sweeper and health monitor",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	rootCmd.AddCommand(serveCmd)

	// tui command
	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch the dashboard",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

// newLogger writes leveled logs to the configured log file. Command
// stdout stays reserved for operator-facing output.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Core.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	w := io.Writer(os.Stderr)
	if cfg.Core.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Core.LogFile), 0755); err == nil {
			if f, err := os.OpenFile(cfg.Core.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
				w = f
			}
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notify.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notify.SlackWebhook))
	}
	if cfg.Notify.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// engine bundles the collaborators most commands share.
type engine struct {
	cfg      *config.Config
	log      *slog.Logger
	states   *runstate.Store
	db       *store.Store
	pool     *leasepool.Pool
	git      *workspace.Manager
	tickets  *platform.Client
	chains   map[string]chain.Definition
	notifier notify.Notifier
	exec     *chain.Executor
}

func (e *engine) Close() {
	e.db.Close()
}

func (e *engine) classifier() *health.Classifier {
	return health.NewClassifier(health.Deps{
		States:   e.states,
		Platform: e.tickets,
		Git:      e.git,
		Chains:   e.chains,
		Log:      e.log,
	}, health.Options{
		StuckAfter: time.Duration(e.cfg.Health.StuckAfter),
	})
}

func (e *engine) newIntake() *intake.Intake {
	return intake.New(intake.Deps{
		States:  e.states,
		Tickets: e.tickets,
		Leases:  e.pool,
		Exec:    e.exec,
		Log:     e.log,
	}, intake.Options{
		Label:   e.cfg.Platform.IntakeLabel,
		MaxRuns: e.cfg.Intake.MaxRuns,
	})
}

func openEngine() (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return buildEngine(cfg, nil)
}

// buildEngine wires the full chain executor. A nil dispatcher means
// check and test commands execute in-process.
func buildEngine(cfg *config.Config, tools toolpool.Dispatcher) (*engine, error) {
	log := newLogger(cfg)

	db, err := store.New(cfg.Core.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	states := runstate.NewStore(cfg.Core.StateDir)
	pool := leasepool.New(db, leasepool.Options{
		Capacity:      cfg.Pool.Capacity,
		BasePortA:     cfg.Pool.BasePortA,
		BasePortB:     cfg.Pool.BasePortB,
		WorkspaceRoot: cfg.Pool.WorkspaceRoot,
	}, log)

	repoDir := cfg.Platform.RepoDir
	if repoDir == "" {
		repoDir, err = os.Getwd()
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	git := workspace.NewManager(repoDir)
	tickets := platform.NewClient(&cfg.Platform)

	chains, err := chain.LoadDefinitions(cfg.Chains.DefinitionsPath)
	if err != nil {
		db.Close()
		return nil, err
	}

	if tools == nil {
		tools = toolpool.NewLocal()
	}
	reg := chain.NewRegistry()
	phases.Register(reg, phases.Deps{
		Agent:    agent.NewRunner(&cfg.Agent),
		Prompts:  prompts.DefaultLoader(repoDir),
		Tools:    tools,
		Platform: tickets,
		Git:      git,
		DB:       db,
		ToolsCfg: cfg.Tools,
		Target:   cfg.Platform.TargetBranch,
		LogPath:  cfg.Core.LogFile,
		Log:      log,
	})
	for name, def := range chains {
		if err := def.Validate(reg); err != nil {
			db.Close()
			return nil, fmt.Errorf("chain %s: %w", name, err)
		}
	}

	notifier := buildNotifier(cfg)
	exec := chain.NewExecutor(chain.Deps{
		States:    states,
		DB:        db,
		Leases:    pool,
		Registry:  reg,
		Chains:    chains,
		Worktrees: git,
		Tickets:   tickets,
		Notifier:  notifier,
		Log:       log,
	}, cfg.Executor)

	return &engine{
		cfg:      cfg,
		log:      log,
		states:   states,
		db:       db,
		pool:     pool,
		git:      git,
		tickets:  tickets,
		chains:   chains,
		notifier: notifier,
		exec:     exec,
	}, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	if startTicket <= 0 {
		return fmt.Errorf("--ticket is required")
	}

	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ticket, err := eng.tickets.Ticket(startTicket)
	if err != nil {
		return err
	}

	class := platform.Classify(ticket.Labels)
	chainName := startChain
	if chainName == "" {
		chainName = chain.ChainFor(class)
	}
	if chainName == "" {
		chainName = eng.cfg.Chains.DefaultChain
	}
	if _, ok := eng.chains[chainName]; !ok {
		return fmt.Errorf("unknown chain %q", chainName)
	}

	run := domain.NewRun(strconv.Itoa(ticket.Number), chainName, class)
	if err := eng.states.Save(run); err != nil {
		return err
	}
	fmt.Printf("Run %s: ticket #%d (%s) on chain %s\n", run.ID, ticket.Number, class, chainName)

	ctx, stop := signalContext()
	defer stop()
	if err := eng.exec.Start(ctx, run.ID); err != nil {
		return err
	}
	return printVerdict(eng.states, run.ID)
}

func runResume(cmd *cobra.Command, args []string) error {
	runID := args[0]

	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signalContext()
	defer stop()
	if err := eng.exec.Resume(ctx, runID); err != nil {
		return err
	}
	return printVerdict(eng.states, runID)
}

// printVerdict reloads a run after its chain stopped and reports the
// final state on stdout.
func printVerdict(states *runstate.Store, runID string) error {
	run, err := states.Load(runID)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			// Succeeded runs may already be archived by an operator.
			return nil
		}
		return err
	}
	fmt.Printf("Run %s finished: %s\n", run.ID, run.Status)
	if run.FailureKind != "" {
		fmt.Printf("  Failure: %s\n", run.FailureKind)
		for _, step := range run.NextSteps {
			fmt.Printf("  - %s\n", step)
		}
	}
	if run.Status != domain.RunSucceeded {
		os.Exit(1)
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	runID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	states := runstate.NewStore(cfg.Core.StateDir)

	run, err := states.Load(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		fmt.Printf("Run %s is already %s\n", runID, run.Status)
		return nil
	}

	if err := states.RequestCancel(runID); err != nil {
		return err
	}
	fmt.Printf("Cancellation requested for %s; the executor stops before its next phase\n", runID)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	states := runstate.NewStore(cfg.Core.StateDir)

	runs, err := states.List()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs")
		return nil
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tTICKET\tCHAIN\tSTATUS\tPHASE\tUPDATED")
	for _, r := range runs {
		phase := r.CurrentPhase
		if phase == "" {
			phase = "-"
		}
		fmt.Fprintf(w, "%s\t#%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.TicketRef, r.ChainName, r.Status, phase, humanize.Time(r.UpdatedAt))
	}
	w.Flush()
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	runID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	states := runstate.NewStore(cfg.Core.StateDir)

	archived := false
	run, err := states.Load(runID)
	if errors.Is(err, domain.ErrRunNotFound) {
		run, err = states.LoadArchived(runID)
		archived = true
	}
	if err != nil {
		return err
	}

	fmt.Printf("Run %s", run.ID)
	if archived {
		fmt.Print(" (archived)")
	}
	fmt.Println()
	fmt.Printf("  Ticket:  #%s\n", run.TicketRef)
	fmt.Printf("  Chain:   %s (%s)\n", run.ChainName, run.Classification)
	fmt.Printf("  Status:  %s\n", run.Status)
	if run.CurrentPhase != "" {
		fmt.Printf("  Phase:   %s", run.CurrentPhase)
		if run.PhaseStartedAt != nil {
			fmt.Printf(" (started %s)", humanize.Time(*run.PhaseStartedAt))
		}
		fmt.Println()
	}
	if run.BranchRef != "" {
		fmt.Printf("  Branch:  %s\n", run.BranchRef)
	}
	if run.Lease != nil {
		fmt.Printf("  Lease:   slot %d, ports %d/%d\n", run.Lease.SlotIndex, run.Lease.PortA, run.Lease.PortB)
	}
	fmt.Printf("  Created: %s\n", humanize.Time(run.CreatedAt))
	fmt.Printf("  Updated: %s\n", humanize.Time(run.UpdatedAt))

	if len(run.PhaseHistory) > 0 {
		fmt.Println("\nPhases:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  PHASE\tOUTCOME\tDURATION\tDETAIL")
		for _, rec := range run.PhaseHistory {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
				rec.Phase, rec.Outcome, rec.EndedAt.Sub(rec.StartedAt).Round(time.Second), rec.Detail)
		}
		w.Flush()
	}

	if len(run.Artifacts) > 0 {
		fmt.Println("\nArtifacts:")
		keys := make([]string, 0, len(run.Artifacts))
		for k := range run.Artifacts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s: %s\n", k, run.Artifacts[k])
		}
	}

	if run.FailureKind != "" {
		fmt.Printf("\nFailure: %s\n", run.FailureKind)
		for _, step := range run.NextSteps {
			fmt.Printf("  - %s\n", step)
		}
	}
	return nil
}

func runLeases(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	if leasesRelease != "" {
		if err := eng.pool.Release(leasesRelease); err != nil {
			return err
		}
		fmt.Printf("Released lease held by %s\n", leasesRelease)
		return nil
	}

	leases, err := eng.pool.Active()
	if err != nil {
		return err
	}
	fmt.Printf("%d/%d slots in use\n", len(leases), eng.pool.Capacity())
	if len(leases) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tRUN\tPORTS\tACQUIRED\tHEARTBEAT")
	for _, l := range leases {
		fmt.Fprintf(w, "%d\t%s\t%d/%d\t%s\t%s\n",
			l.SlotIndex, l.OwnerRunID, l.PortA, l.PortB,
			humanize.Time(l.AcquiredAt), humanize.Time(l.HeartbeatAt))
	}
	w.Flush()
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	sweeper := leasepool.NewSweeper(eng.pool, eng.states,
		time.Duration(eng.cfg.Pool.StaleAfter), nil, eng.log)
	reclaimed, err := sweeper.Sweep()
	if err != nil {
		return err
	}
	if len(reclaimed) == 0 {
		fmt.Println("Nothing to reclaim")
		return nil
	}
	for _, l := range reclaimed {
		fmt.Printf("Reclaimed slot %d from %s (last heartbeat %s)\n",
			l.SlotIndex, l.OwnerRunID, humanize.Time(l.HeartbeatAt))
	}
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signalContext()
	defer stop()
	reports, err := eng.classifier().Scan(ctx)
	if err != nil {
		return err
	}

	if healthJSON {
		data, err := json.MarshalIndent(reports, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else if len(reports) == 0 {
		fmt.Println("No live runs")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tTICKET\tSTATUS\tLABEL\tDETAIL")
		for _, r := range reports {
			fmt.Fprintf(w, "%s\t#%s\t%s\t%s\t%s\n",
				r.RunID, r.TicketRef, r.Status, r.Label, r.Detail)
		}
		w.Flush()
	}

	if !health.AllHealthy(reports) {
		os.Exit(1)
	}
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	runID := args[0]

	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	run, err := eng.states.Load(runID)
	if err != nil {
		return err
	}

	ticketNo, terr := platform.ParseTicketRef(run.TicketRef)
	ticketState := "unknown"
	if terr == nil {
		if t, err := eng.tickets.Ticket(ticketNo); err == nil {
			ticketState = t.State
		}
	}

	mr := findMergeRequest(eng, run)
	gate := verify.NewMergeGate(eng.git, "")
	res, err := gate.Verify(mr, nil)
	if err != nil {
		return fmt.Errorf("merge verification: %w", err)
	}

	fmt.Printf("Run %s: %s", run.ID, run.Status)
	if run.FailureKind != "" {
		fmt.Printf(" (%s)", run.FailureKind)
	}
	fmt.Println()
	fmt.Printf("  Ticket:        #%s (%s)\n", run.TicketRef, ticketState)
	if mr != nil {
		fmt.Printf("  Merge request: #%d %s", mr.Number, mr.State)
		if mr.MergeCommit != "" {
			fmt.Printf(", merge commit %s", mr.MergeCommit)
		}
		fmt.Println()
		if checks, err := eng.tickets.ChecksRollup(mr.Number); err == nil {
			fmt.Printf("  Checks:        %s\n", checks)
		}
	} else {
		fmt.Println("  Merge request: none found")
	}
	if res.Passed {
		fmt.Println("  Merge gate:    confirmed")
	} else {
		fmt.Printf("  Merge gate:    NOT confirmed: %s\n", res.Detail)
	}

	if recoverConfirm == "" {
		if res.Passed {
			fmt.Printf("\nRe-run with --confirm %s to force completion.\n", runID)
		} else {
			fmt.Println("\nForced completion would be refused: the merge is not on the target branch.")
		}
		return nil
	}
	if recoverConfirm != runID {
		return fmt.Errorf("--confirm %q does not match run %s", recoverConfirm, runID)
	}

	if !res.Passed {
		// The platform may claim a merge that never landed. Record the
		// verdict and leave the ticket open.
		run.Status = domain.RunFailed
		run.FailureKind = domain.CategoryPhantomMerge
		run.NextSteps = domain.NextSteps(domain.CategoryPhantomMerge, runID)
		if err := eng.states.Save(run); err != nil {
			return err
		}
		return fmt.Errorf("refusing forced completion: %s", res.Detail)
	}

	run.Status = domain.RunSucceeded
	run.CurrentPhase = ""
	run.PhaseStartedAt = nil
	run.FailureKind = ""
	run.NextSteps = nil
	if mr != nil {
		run.SetArtifact(domain.ArtifactMergeRequest, strconv.Itoa(mr.Number))
		if mr.MergeCommit != "" {
			run.SetArtifact(domain.ArtifactMergeCommit, mr.MergeCommit)
		}
	}
	if err := eng.pool.Release(runID); err != nil {
		eng.log.Warn("releasing lease during recovery", "run", runID, "error", err)
	} else {
		run.Lease = nil
	}
	if err := eng.states.Save(run); err != nil {
		return err
	}

	if terr == nil && ticketState != "CLOSED" {
		if err := eng.tickets.CloseTicket(ticketNo); err != nil {
			fmt.Printf("Warning: closing ticket #%d failed: %v\n", ticketNo, err)
		}
	}
	fmt.Printf("Run %s forced to succeeded\n", runID)
	return nil
}

// findMergeRequest resolves a run's merge request from its artifacts,
// falling back to a branch lookup.
func findMergeRequest(eng *engine, run *domain.Run) *platform.MergeRequest {
	if ref := run.Artifact(domain.ArtifactMergeRequest); ref != "" {
		if n, err := strconv.Atoi(strings.TrimPrefix(ref, "#")); err == nil {
			if mr, err := eng.tickets.MergeRequest(n); err == nil {
				return mr
			}
		}
	}
	if run.BranchRef != "" {
		if mr, err := eng.tickets.MergeRequestForBranch(run.BranchRef); err == nil {
			return mr
		}
	}
	return nil
}

func runIntake(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signalContext()
	defer stop()
	started, err := eng.newIntake().Batch(ctx, intakeMax)
	if err != nil {
		return err
	}
	if len(started) == 0 {
		fmt.Println("No candidate tickets")
		return nil
	}
	fmt.Printf("Started %d runs:\n", len(started))
	for _, run := range started {
		fmt.Printf("  - %s: ticket #%s on chain %s\n", run.ID, run.TicketRef, run.ChainName)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var coord *toolpool.Coordinator
	var tools toolpool.Dispatcher
	if cfg.Runner.Enabled {
		coord = toolpool.NewCoordinator(toolpool.CoordinatorConfig{
			ListenAddr: cfg.Runner.ListenAddr,
			AllowLocal: true,
		}, newLogger(cfg))
		tools = coord
	}

	eng, err := buildEngine(cfg, tools)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signalContext()
	defer stop()

	classifier := eng.classifier()
	srv := api.NewServer(eng.states, eng.pool, classifier, serveAddr(cfg), eng.log)

	watcher, err := watch.New(cfg.Core.StateDir, srv.RunsChanged, eng.log)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	if cfg.Pool.SweepSchedule != "" {
		sched, err := config.ParseCron(cfg.Pool.SweepSchedule)
		if err != nil {
			return err
		}
		sweeper := leasepool.NewSweeper(eng.pool, eng.states,
			time.Duration(cfg.Pool.StaleAfter), sched, eng.log)
		go sweeper.Run(ctx)
	}

	if cfg.Health.ScanSchedule != "" {
		sched, err := config.ParseCron(cfg.Health.ScanSchedule)
		if err != nil {
			return err
		}
		monitor := health.NewMonitor(classifier, eng.notifier, sched, eng.log)
		go monitor.Run(ctx)
	}

	if cfg.Intake.Schedule != "" {
		sched, err := config.ParseCron(cfg.Intake.Schedule)
		if err != nil {
			return err
		}
		it := intake.New(intake.Deps{
			States:  eng.states,
			Tickets: eng.tickets,
			Leases:  eng.pool,
			Exec:    eng.exec,
			Log:     eng.log,
		}, intake.Options{
			Label:    cfg.Platform.IntakeLabel,
			MaxRuns:  cfg.Intake.MaxRuns,
			Schedule: sched,
		})
		go it.Run(ctx)
	}

	if coord != nil {
		go func() {
			if err := coord.Start(ctx); err != nil {
				eng.log.Error("coordinator stopped", "error", err)
			}
		}()
		fmt.Printf("Tool coordinator listening on %s\n", cfg.Runner.ListenAddr)
	}

	fmt.Printf("Serving API at http://%s\n", serveAddr(cfg))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
		return nil
	case err := <-errCh:
		return err
	}
}

func serveAddr(cfg *config.Config) string {
	if servePort != 0 {
		return fmt.Sprintf("%s:%d", cfg.Web.Host, servePort)
	}
	return cfg.Web.Addr()
}

func runTUI(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	model := tui.NewModel(tui.Config{
		Runs:   eng.states,
		Leases: eng.pool,
		Health: eng.classifier(),
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
