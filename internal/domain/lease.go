package domain

import "time"

// Lease is an exclusive binding of one workspace directory and one
// network port pair to a run. The pool owns the slot-to-port mapping;
// the run holds a borrowed reference for its lifetime.
type Lease struct {
	SlotIndex     int       `json:"slot_index"`
	WorkspacePath string    `json:"workspace_path"`
	PortA         int       `json:"port_a"`
	PortB         int       `json:"port_b"`
	OwnerRunID    string    `json:"owner_run_id"`
	AcquiredAt    time.Time `json:"acquired_at"`
	HeartbeatAt   time.Time `json:"heartbeat_at"`
}

// Ports returns the leased port pair.
func (l *Lease) Ports() (int, int) {
	return l.PortA, l.PortB
}

// StaleFor returns how long ago the lease last heartbeat.
func (l *Lease) StaleFor(now time.Time) time.Duration {
	return now.Sub(l.HeartbeatAt)
}
