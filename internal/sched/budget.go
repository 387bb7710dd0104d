package sched

import "time"

// budget tracks the monotonic time budget of one tick. The deadline is
// the configured function timeout minus the safety buffer; no new batch
// starts once less than minForNewBatch remains.
type budget struct {
	deadline       time.Time
	minForNewBatch time.Duration
}

func newBudget(total, safetyBuffer, minForNewBatch time.Duration) *budget {
	return &budget{
		deadline:       time.Now().Add(total - safetyBuffer),
		minForNewBatch: minForNewBatch,
	}
}

func (b *budget) remaining() time.Duration {
	return time.Until(b.deadline)
}

func (b *budget) shouldStartWork() bool {
	return b.remaining() >= b.minForNewBatch
}
