// Package intake turns labeled platform tickets into runs. Selection is
// mechanical: candidates carry the intake label, order is priority label
// then ticket age, and starts are capped by both the operator limit and
// free lease slots.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/conveyor/internal/chain"
	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/platform"
	"github.com/hochfrequenz/conveyor/internal/runstate"
)

// DefaultMaxRuns caps one intake batch when no limit is configured.
const DefaultMaxRuns = 5

// Lister lists candidate tickets. Satisfied by *platform.Client.
type Lister interface {
	ListCandidateTickets(label string) ([]*platform.Ticket, error)
}

// Slots exposes lease pool occupancy. Satisfied by *leasepool.Pool.
type Slots interface {
	Capacity() int
	Active() ([]*domain.Lease, error)
}

// Starter launches a saved run's chain. Satisfied by *chain.Executor.
type Starter interface {
	Start(ctx context.Context, runID string) error
}

// Deps carries the intake's collaborators.
type Deps struct {
	States  *runstate.Store
	Tickets Lister
	Leases  Slots
	Exec    Starter
	Log     *slog.Logger
}

// Options tune an intake.
type Options struct {
	// Label selects candidate tickets on the platform.
	Label string
	// MaxRuns caps how many runs one batch may start.
	MaxRuns int
	// Schedule gates scheduled batches; nil disables Run.
	Schedule cron.Schedule
}

// Intake selects candidate tickets and starts runs for them.
type Intake struct {
	deps Deps
	opts Options
	log  *slog.Logger

	lastBatch time.Time
}

// New creates an intake over the given collaborators.
func New(deps Deps, opts Options) *Intake {
	if opts.MaxRuns <= 0 {
		opts.MaxRuns = DefaultMaxRuns
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Intake{deps: deps, opts: opts, log: deps.Log.With("component", "intake")}
}

// Candidates returns unclaimed candidate tickets, highest priority
// first, oldest first within a priority.
func (i *Intake) Candidates() ([]*platform.Ticket, error) {
	tickets, err := i.deps.Tickets.ListCandidateTickets(i.opts.Label)
	if err != nil {
		return nil, fmt.Errorf("list candidate tickets: %w", err)
	}
	if len(tickets) == 0 {
		return nil, nil
	}

	claimed, err := i.claimedTickets()
	if err != nil {
		return nil, err
	}

	var fresh []*platform.Ticket
	for _, ticket := range tickets {
		if claimed[ticket.Number] {
			continue
		}
		fresh = append(fresh, ticket)
	}

	sort.Slice(fresh, func(a, b int) bool {
		pa, pb := platform.Priority(fresh[a].Labels), platform.Priority(fresh[b].Labels)
		if pa != pb {
			return pa > pb
		}
		return fresh[a].Number < fresh[b].Number
	})
	return fresh, nil
}

// claimedTickets returns the ticket numbers already served by a live
// run. A failed run still claims its ticket: retries go through resume,
// never a second run.
func (i *Intake) claimedTickets() (map[int]bool, error) {
	runs, err := i.deps.States.List()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	claimed := make(map[int]bool, len(runs))
	for _, run := range runs {
		if number, err := platform.ParseTicketRef(run.TicketRef); err == nil {
			claimed[number] = true
		}
	}
	return claimed, nil
}

// Batch creates and starts runs for the top candidates, capped by max
// (0 means the configured limit) and by free lease slots. It blocks
// until every started chain returns and reports the runs it created.
func (i *Intake) Batch(ctx context.Context, max int) ([]*domain.Run, error) {
	if max <= 0 {
		max = i.opts.MaxRuns
	}
	candidates, err := i.Candidates()
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	free, err := i.freeSlots()
	if err != nil {
		return nil, err
	}
	budget := min(max, free)
	if budget <= 0 {
		i.log.Info("no capacity for new runs", "candidates", len(candidates), "free_slots", free)
		return nil, nil
	}
	if len(candidates) > budget {
		candidates = candidates[:budget]
	}

	var (
		wg      sync.WaitGroup
		started []*domain.Run
	)
	for _, ticket := range candidates {
		class := platform.Classify(ticket.Labels)
		run := domain.NewRun(strconv.Itoa(ticket.Number), chain.ChainFor(class), class)
		if err := i.deps.States.Save(run); err != nil {
			wg.Wait()
			return started, fmt.Errorf("create run for #%d: %w", ticket.Number, err)
		}
		i.log.Info("run created", "run", run.ID, "ticket", ticket.Number, "chain", run.ChainName)
		started = append(started, run)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := i.deps.Exec.Start(ctx, run.ID); err != nil {
				i.log.Error("run start failed", "run", run.ID, "error", err)
			}
		}()
	}
	wg.Wait()
	return started, nil
}

func (i *Intake) freeSlots() (int, error) {
	active, err := i.deps.Leases.Active()
	if err != nil {
		return 0, fmt.Errorf("count active leases: %w", err)
	}
	return i.deps.Leases.Capacity() - len(active), nil
}

// Run starts batches on the configured schedule until the context ends.
func (i *Intake) Run(ctx context.Context) {
	if i.opts.Schedule == nil {
		return
	}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	i.lastBatch = time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Now().Before(i.opts.Schedule.Next(i.lastBatch)) {
				continue
			}
			i.lastBatch = time.Now()
			if _, err := i.Batch(ctx, 0); err != nil {
				i.log.Error("scheduled intake failed", "error", err)
			}
		}
	}
}
