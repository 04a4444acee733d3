package dispatch

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// permitPool is a counting semaphore with non-blocking acquisition and a
// cheap availability check. The dispatch hot path never blocks on a permit;
// an unavailable permit turns into a requeue, not a wait.
type permitPool struct {
	sem  *semaphore.Weighted
	size int64
	used atomic.Int64
}

func newPermitPool(size int) *permitPool {
	return &permitPool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

func (p *permitPool) TryAcquire() bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.used.Add(1)
	return true
}

func (p *permitPool) Release() {
	p.used.Add(-1)
	p.sem.Release(1)
}

// Available is advisory: the count can change the moment it is read. The
// poll loop uses it only to size PopDue, and still TryAcquires per job.
func (p *permitPool) Available() int {
	free := p.size - p.used.Load()
	if free < 0 {
		return 0
	}
	return int(free)
}

func (p *permitPool) InUse() int {
	return int(p.used.Load())
}

// acquireAll blocks until every permit is free, i.e. all holders have
// finished. The shutdown drain uses it as its bounded wait.
func (p *permitPool) acquireAll(ctx context.Context) error {
	return p.sem.Acquire(ctx, p.size)
}
