package leasepool

import (
	"testing"
	"time"

	"github.com/hochfrequenz/conveyor/internal/config"
	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/runstate"
	"github.com/hochfrequenz/conveyor/internal/store"
)

func newTestSweeper(t *testing.T, staleAfter time.Duration) (*Sweeper, *Pool, *runstate.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	pool := New(st, Options{Capacity: 8, BasePortA: 43000, BasePortB: 44000, WorkspaceRoot: t.TempDir()}, nil)
	states := runstate.NewStore(t.TempDir())

	sched, err := config.ParseCron("* * * * *")
	if err != nil {
		t.Fatal(err)
	}
	return NewSweeper(pool, states, staleAfter, sched, nil), pool, states
}

// ageLease backdates a lease heartbeat through the pool's store.
func ageLease(t *testing.T, p *Pool, runID string, age time.Duration) {
	t.Helper()
	l, err := p.store.GetLeaseByOwner(runID)
	if err != nil || l == nil {
		t.Fatalf("lease for %s: %v", runID, err)
	}
	// Reinsert with an old heartbeat.
	if err := p.store.DeleteLease(l.SlotIndex); err != nil {
		t.Fatal(err)
	}
	l.HeartbeatAt = time.Now().Add(-age).UTC()
	if err := p.store.InsertLease(l); err != nil {
		t.Fatal(err)
	}
}

func TestSweepReclaimsStaleNonRunning(t *testing.T) {
	sw, pool, states := newTestSweeper(t, 30*time.Minute)

	run := domain.NewRun("42", "feature", domain.ClassFeature)
	run.Status = domain.RunFailed
	if err := states.Save(run); err != nil {
		t.Fatal(err)
	}

	if _, err := pool.Acquire(run.ID); err != nil {
		t.Fatal(err)
	}
	ageLease(t, pool, run.ID, time.Hour)

	reclaimed, err := sw.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if len(reclaimed) != 1 || reclaimed[0].OwnerRunID != run.ID {
		t.Fatalf("reclaimed = %+v, want the failed run's lease", reclaimed)
	}

	active, _ := pool.Active()
	if len(active) != 0 {
		t.Errorf("lease still held after sweep")
	}
}

func TestSweepKeepsFreshLeases(t *testing.T) {
	sw, pool, states := newTestSweeper(t, 30*time.Minute)

	run := domain.NewRun("42", "feature", domain.ClassFeature)
	run.Status = domain.RunFailed
	if err := states.Save(run); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Acquire(run.ID); err != nil {
		t.Fatal(err)
	}

	reclaimed, err := sw.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if len(reclaimed) != 0 {
		t.Errorf("fresh lease reclaimed: %+v", reclaimed)
	}
}

func TestSweepKeepsRunningWithLiveProcess(t *testing.T) {
	sw, pool, states := newTestSweeper(t, 30*time.Minute)
	sw.alive = func(pid int) bool { return true }

	run := domain.NewRun("42", "feature", domain.ClassFeature)
	run.Status = domain.RunRunning
	run.PID = 12345
	if err := states.Save(run); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Acquire(run.ID); err != nil {
		t.Fatal(err)
	}
	ageLease(t, pool, run.ID, 2*time.Hour)

	reclaimed, err := sw.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if len(reclaimed) != 0 {
		t.Errorf("live running run was reclaimed: %+v", reclaimed)
	}
}

func TestSweepReclaimsRunningWithDeadProcess(t *testing.T) {
	sw, pool, states := newTestSweeper(t, 30*time.Minute)
	sw.alive = func(pid int) bool { return false }

	run := domain.NewRun("42", "feature", domain.ClassFeature)
	run.Status = domain.RunRunning
	run.PID = 12345
	if err := states.Save(run); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Acquire(run.ID); err != nil {
		t.Fatal(err)
	}
	ageLease(t, pool, run.ID, 2*time.Hour)

	reclaimed, err := sw.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if len(reclaimed) != 1 {
		t.Errorf("dead running run not reclaimed")
	}
}

func TestSweepReclaimsOrphanLease(t *testing.T) {
	// A lease with no state record at all cannot heartbeat again.
	sw, pool, _ := newTestSweeper(t, 30*time.Minute)

	if _, err := pool.Acquire("ghost-run"); err != nil {
		t.Fatal(err)
	}
	ageLease(t, pool, "ghost-run", time.Hour)

	reclaimed, err := sw.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if len(reclaimed) != 1 {
		t.Errorf("orphan lease not reclaimed")
	}
}
