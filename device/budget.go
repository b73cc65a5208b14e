package device

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// budget accounts every byte of device memory handed out by a Device.
// A zero limit only tracks usage.
type budget struct {
	limit int64
	sem   *semaphore.Weighted
	used  atomic.Int64
}

func newBudget(limit int64) *budget {
	b := &budget{limit: limit}
	if limit > 0 {
		b.sem = semaphore.NewWeighted(limit)
	}
	return b
}

// acquire never blocks, callers decide how to degrade.
func (b *budget) acquire(size int64) error {
	if size <= 0 {
		return nil
	}
	if b.sem != nil && !b.sem.TryAcquire(size) {
		return fmt.Errorf("%w: requested %d bytes, %d of %d in use", ErrOutOfMemory, size, b.used.Load(), b.limit)
	}
	b.used.Add(size)
	return nil
}

func (b *budget) release(size int64) {
	if size <= 0 {
		return
	}
	if b.sem != nil {
		b.sem.Release(size)
	}
	b.used.Add(-size)
}
