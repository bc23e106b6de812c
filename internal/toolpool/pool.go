package toolpool

import "sync"

// slotPool manages a fixed number of job slots on a runner.
type slotPool struct {
	maxJobs   int
	available int
	mu        sync.Mutex
}

func newSlotPool(maxJobs int) *slotPool {
	return &slotPool{
		maxJobs:   maxJobs,
		available: maxJobs,
	}
}

// Acquire tries to claim a job slot. Returns true if successful.
func (p *slotPool) Acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.available <= 0 {
		return false
	}
	p.available--
	return true
}

// Release returns a job slot to the pool.
func (p *slotPool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.available < p.maxJobs {
		p.available++
	}
}

// Available returns the number of free slots.
func (p *slotPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}
