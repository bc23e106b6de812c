// Package leasepool manages the fixed-capacity pool of workspace and
// port-pair leases. At most one non-released lease exists per slot,
// and a run holds at most one lease; both invariants are backed by
// database constraints so concurrent executor processes cannot
// double-allocate.
package leasepool

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/store"
)

// Options configures a Pool.
type Options struct {
	Capacity      int
	BasePortA     int
	BasePortB     int
	WorkspaceRoot string
}

// Pool allocates slots out of [0, capacity) with deterministic port
// pairs derived from the slot index.
type Pool struct {
	store *store.Store
	opts  Options
	log   *slog.Logger
}

// New creates a pool over the shared lease table.
func New(st *store.Store, opts Options, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{store: st, opts: opts, log: log.With("component", "leasepool")}
}

// Capacity returns the fixed slot count.
func (p *Pool) Capacity() int { return p.opts.Capacity }

// portsFor derives the port pair for a slot. The mapping never changes
// for the pool's lifetime.
func (p *Pool) portsFor(slot int) (int, int) {
	return p.opts.BasePortA + slot, p.opts.BasePortB + slot
}

func (p *Pool) workspaceFor(runID string) string {
	return filepath.Join(p.opts.WorkspaceRoot, runID)
}

// Acquire returns the lease for runID, allocating the lowest free slot
// if the run holds none. Re-acquiring with the same run id returns the
// existing lease as long as its workspace still exists. A full pool
// returns ErrLeaseExhausted; callers queue or retry, they never
// proceed without a lease.
func (p *Pool) Acquire(runID string) (*domain.Lease, error) {
	if runID == "" {
		return nil, fmt.Errorf("acquire: empty run id")
	}

	existing, err := p.store.GetLeaseByOwner(runID)
	if err != nil {
		return nil, fmt.Errorf("lookup lease: %w", err)
	}
	if existing != nil {
		if _, statErr := os.Stat(existing.WorkspacePath); statErr == nil {
			if err := p.store.TouchLease(runID, time.Now().UTC()); err != nil {
				return nil, err
			}
			p.log.Debug("reusing lease", "run", runID, "slot", existing.SlotIndex)
			return existing, nil
		}
		// Workspace vanished; the old binding is useless, allocate fresh.
		p.log.Warn("lease workspace missing, reallocating", "run", runID, "slot", existing.SlotIndex, "workspace", existing.WorkspacePath)
		if err := p.store.DeleteLeaseByOwner(runID); err != nil {
			return nil, fmt.Errorf("drop stale lease: %w", err)
		}
	}

	// Insert races with other processes resolve through the slot
	// primary key; losing a race means rescanning for the next slot.
	var lease *domain.Lease
	for attempt := 0; attempt < 3; attempt++ {
		slot, err := p.lowestFreeSlot()
		if err != nil {
			return nil, err
		}

		portA, portB := p.portsFor(slot)
		now := time.Now().UTC()
		candidate := &domain.Lease{
			SlotIndex:     slot,
			OwnerRunID:    runID,
			WorkspacePath: p.workspaceFor(runID),
			PortA:         portA,
			PortB:         portB,
			AcquiredAt:    now,
			HeartbeatAt:   now,
		}

		if err := p.store.InsertLease(candidate); err != nil {
			if attempt == 2 {
				return nil, fmt.Errorf("insert lease for slot %d: %w", slot, err)
			}
			continue
		}
		lease = candidate
		break
	}
	if lease == nil {
		return nil, fmt.Errorf("acquire: no slot won after retries")
	}

	if err := os.MkdirAll(lease.WorkspacePath, 0755); err != nil {
		// Never leak the slot when the workspace cannot be created.
		if delErr := p.store.DeleteLease(lease.SlotIndex); delErr != nil {
			p.log.Error("rollback of slot failed", "slot", lease.SlotIndex, "error", delErr)
		}
		return nil, &domain.WorkspaceError{Path: lease.WorkspacePath, Err: err}
	}

	p.log.Info("lease acquired", "run", runID, "slot", lease.SlotIndex, "port_a", lease.PortA, "port_b", lease.PortB)
	return lease, nil
}

func (p *Pool) lowestFreeSlot() (int, error) {
	used, err := p.store.UsedSlots()
	if err != nil {
		return 0, fmt.Errorf("scan slots: %w", err)
	}
	for slot := 0; slot < p.opts.Capacity; slot++ {
		if !used[slot] {
			return slot, nil
		}
	}
	return 0, domain.ErrLeaseExhausted
}

// Release frees the slot held by runID. The workspace directory is
// left in place; workspace removal belongs to the cleanup phase.
func (p *Pool) Release(runID string) error {
	if err := p.store.DeleteLeaseByOwner(runID); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	p.log.Info("lease released", "run", runID)
	return nil
}

// Heartbeat refreshes the lease held by runID so the sweep leaves it
// alone.
func (p *Pool) Heartbeat(runID string) error {
	return p.store.TouchLease(runID, time.Now().UTC())
}

// Active returns all currently held leases ordered by slot.
func (p *Pool) Active() ([]*domain.Lease, error) {
	return p.store.ListLeases()
}

// Stale returns held leases without a heartbeat since the cutoff.
func (p *Pool) Stale(cutoff time.Time) ([]*domain.Lease, error) {
	return p.store.StaleLeases(cutoff)
}

// ForceRelease frees a slot regardless of owner. Used by the sweep and
// by operator tooling.
func (p *Pool) ForceRelease(slot int) error {
	return p.store.DeleteLease(slot)
}

// IsExhausted reports whether err is pool exhaustion, the one
// retryable acquire failure.
func IsExhausted(err error) bool {
	return errors.Is(err, domain.ErrLeaseExhausted)
}
