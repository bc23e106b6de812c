package leasepool

import (
	"context"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/runstate"
)

// Sweeper reclaims slots whose heartbeat went stale while the owning
// run is no longer alive. Reclamation is a recoverable anomaly, never
// a silent delete: every reclaimed slot is logged with its owner and
// staleness.
type Sweeper struct {
	pool       *Pool
	states     *runstate.Store
	staleAfter time.Duration
	sched      cron.Schedule
	log        *slog.Logger

	lastSweep time.Time

	// overridable in tests
	alive func(pid int) bool
}

// NewSweeper creates a sweeper gated by a cron schedule.
func NewSweeper(pool *Pool, states *runstate.Store, staleAfter time.Duration, sched cron.Schedule, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		pool:       pool,
		states:     states,
		staleAfter: staleAfter,
		sched:      sched,
		log:        log.With("component", "sweeper"),
		alive:      processAlive,
	}
}

// Sweep reclaims every stale lease whose owner is reclaimable and
// returns the reclaimed leases.
func (s *Sweeper) Sweep() ([]*domain.Lease, error) {
	cutoff := time.Now().Add(-s.staleAfter)
	stale, err := s.pool.Stale(cutoff)
	if err != nil {
		return nil, err
	}

	var reclaimed []*domain.Lease
	for _, lease := range stale {
		if !s.reclaimable(lease) {
			continue
		}
		if err := s.pool.ForceRelease(lease.SlotIndex); err != nil {
			s.log.Error("reclaim failed", "slot", lease.SlotIndex, "run", lease.OwnerRunID, "error", err)
			continue
		}
		s.log.Warn("reclaimed stale lease",
			"slot", lease.SlotIndex,
			"run", lease.OwnerRunID,
			"stale_for", lease.StaleFor(time.Now()).Round(time.Second).String(),
		)
		reclaimed = append(reclaimed, lease)
	}
	return reclaimed, nil
}

// reclaimable is true when the owning run is not running, or claims to
// be running but its recorded process is gone.
func (s *Sweeper) reclaimable(lease *domain.Lease) bool {
	run, err := s.states.Load(lease.OwnerRunID)
	if err != nil {
		// No state record at all: nothing can heartbeat this lease again.
		return true
	}
	if run.Status != domain.RunRunning {
		return true
	}
	if run.PID != 0 && !s.alive(run.PID) {
		return true
	}
	return false
}

// Run sweeps on the configured schedule until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	s.lastSweep = time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Now().Before(s.sched.Next(s.lastSweep)) {
				continue
			}
			s.lastSweep = time.Now()
			if _, err := s.Sweep(); err != nil {
				s.log.Error("sweep failed", "error", err)
			}
		}
	}
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
