// Package budget meters GPU memory across concurrently running pipeline
// stages. Stages reserve an estimated amount before invoking an engine and
// release it afterwards; requests that do not fit wait in FIFO order.
package budget

import (
	"context"
	"sync"
	"time"

	"github.com/shortforge/api/internal/fault"
	"github.com/shortforge/api/internal/model"
)

// Lease is a granted reservation. It must be released exactly once; extra
// releases are no-ops.
type Lease struct {
	Stage      string
	ReservedMB int64
	Exclusive  bool
	AcquiredAt time.Time

	released bool
}

type waiter struct {
	stage     string
	amountMB  int64
	exclusive bool
	ready     chan *Lease
}

// Budget tracks total and leased memory under a single mutex. The waiter
// queue is strictly head-blocking: nothing is granted while an earlier
// request still waits, so arrival order is the grant order.
type Budget struct {
	mu            sync.Mutex
	totalMB       int64
	leasedMB      int64
	exclusiveHeld bool
	waiters       []*waiter
}

// New creates a budget with the given capacity in megabytes.
func New(totalMB int64) *Budget {
	if totalMB < 0 {
		totalMB = 0
	}
	return &Budget{totalMB: totalMB}
}

// Acquire reserves amountMB for the named stage, waiting until the
// reservation fits. An exclusive reservation is granted only while nothing
// else is leased and blocks every other reservation until released.
// Requests larger than the whole budget fail immediately. Cancelling ctx
// abandons the wait and removes the request from the queue.
func (b *Budget) Acquire(ctx context.Context, stage string, amountMB int64, exclusive bool) (*Lease, error) {
	if amountMB < 0 {
		amountMB = 0
	}

	b.mu.Lock()
	if amountMB > b.totalMB {
		total := b.totalMB
		b.mu.Unlock()
		return nil, fault.Stage(stage, fault.KindResourceUnavailable,
			"requested %d MB exceeds the %d MB budget", amountMB, total)
	}
	if len(b.waiters) == 0 && b.fitsLocked(amountMB, exclusive) {
		lease := b.grantLocked(stage, amountMB, exclusive)
		b.mu.Unlock()
		return lease, nil
	}
	w := &waiter{stage: stage, amountMB: amountMB, exclusive: exclusive, ready: make(chan *Lease, 1)}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	select {
	case lease := <-w.ready:
		return lease, nil
	case <-ctx.Done():
		b.mu.Lock()
		if b.removeWaiterLocked(w) {
			// Removing a waiter can unblock the ones queued behind it.
			b.promoteLocked()
			b.mu.Unlock()
			return nil, ctx.Err()
		}
		b.mu.Unlock()
		// The grant raced the cancellation; take the lease and hand it back.
		lease := <-w.ready
		b.Release(lease)
		return nil, ctx.Err()
	}
}

// Release returns a lease's memory to the pool and wakes whatever now fits.
// Safe to call more than once and with nil.
func (b *Budget) Release(l *Lease) {
	if l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	b.leasedMB -= l.ReservedMB
	if l.Exclusive {
		b.exclusiveHeld = false
	}
	b.promoteLocked()
}

// Available returns the unleased headroom in megabytes.
func (b *Budget) Available() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalMB - b.leasedMB
}

// Total returns the configured capacity in megabytes.
func (b *Budget) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalMB
}

// Snapshot reports the current counters for health and status endpoints.
func (b *Budget) Snapshot() model.BudgetInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return model.BudgetInfo{
		TotalMB:     b.totalMB,
		LeasedMB:    b.leasedMB,
		AvailableMB: b.totalMB - b.leasedMB,
	}
}

func (b *Budget) fitsLocked(amountMB int64, exclusive bool) bool {
	if b.exclusiveHeld {
		return false
	}
	if exclusive {
		return b.leasedMB == 0
	}
	return b.leasedMB+amountMB <= b.totalMB
}

func (b *Budget) grantLocked(stage string, amountMB int64, exclusive bool) *Lease {
	b.leasedMB += amountMB
	if exclusive {
		b.exclusiveHeld = true
	}
	return &Lease{
		Stage:      stage,
		ReservedMB: amountMB,
		Exclusive:  exclusive,
		AcquiredAt: time.Now(),
	}
}

func (b *Budget) promoteLocked() {
	for len(b.waiters) > 0 {
		head := b.waiters[0]
		if !b.fitsLocked(head.amountMB, head.exclusive) {
			return
		}
		b.waiters = b.waiters[1:]
		head.ready <- b.grantLocked(head.stage, head.amountMB, head.exclusive)
	}
}

func (b *Budget) removeWaiterLocked(target *waiter) bool {
	for i, w := range b.waiters {
		if w == target {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return true
		}
	}
	return false
}
