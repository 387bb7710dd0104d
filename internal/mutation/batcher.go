// Package mutation implements the target-store write batcher.
// Sparse field updates are coalesced per target with last-write-wins
// per field, then flushed periodically, at end of tick, and at shutdown.
package mutation

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/Mopra/exit1.dev-sub001/internal/model"
)

// Store is the batcher's write surface on the control-plane store.
type Store interface {
	ApplyUpdates(ctx context.Context, updates []model.MutationUpdate) error
}

// Batcher coalesces field updates per target. Thread-safe; drain uses
// map-swap for a stable snapshot.
type Batcher struct {
	store    Store
	interval time.Duration

	mu      sync.Mutex
	pending map[string]map[string]any

	flushMu sync.Mutex // serializes flushes

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBatcher creates a Batcher flushing to store every interval.
func NewBatcher(store Store, interval time.Duration) *Batcher {
	return &Batcher{
		store:    store,
		interval: interval,
		pending:  make(map[string]map[string]any),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the periodic flush loop.
func (b *Batcher) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopCh:
				return
			case <-ticker.C:
				if err := b.Flush(context.Background()); err != nil {
					log.Printf("[mutation] periodic flush failed: %v", err)
				}
			}
		}
	}()
}

// Stage merges fields into the pending update for targetID. Within a
// flush window later writes win per field; fields not mentioned again
// survive.
func (b *Batcher) Stage(targetID string, fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	b.mu.Lock()
	cur := b.pending[targetID]
	if cur == nil {
		cur = make(map[string]any, len(fields))
		b.pending[targetID] = cur
	}
	for k, v := range fields {
		cur[k] = v
	}
	b.mu.Unlock()
}

// PendingStatus returns the staged status for targetID, if one exists.
// The scheduler consults this before alerting so a status flip staged
// by an overlapping tick is not reported twice.
func (b *Batcher) PendingStatus(targetID string) (model.Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fields, ok := b.pending[targetID]
	if !ok {
		return "", false
	}
	v, ok := fields[model.FieldStatus]
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case model.Status:
		return s, true
	case string:
		return model.Status(s), true
	}
	return "", false
}

// Len returns the number of targets with staged updates.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush drains the staged updates and applies them in one store call.
// On failure the drained snapshot is merged back without clobbering
// fields staged since the drain, and the error is returned for the
// next flush to retry.
func (b *Batcher) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	drained := b.pending
	b.pending = make(map[string]map[string]any, len(drained)/2)
	b.mu.Unlock()

	if len(drained) == 0 {
		return nil
	}

	updates := make([]model.MutationUpdate, 0, len(drained))
	for id, fields := range drained {
		updates = append(updates, model.MutationUpdate{TargetID: id, Fields: fields})
	}

	if err := b.store.ApplyUpdates(ctx, updates); err != nil {
		b.remerge(drained)
		return err
	}
	return nil
}

// remerge restores a drained snapshot after a failed flush. Fields
// re-staged since the drain are newer and win.
func (b *Batcher) remerge(drained map[string]map[string]any) {
	b.mu.Lock()
	for id, fields := range drained {
		cur := b.pending[id]
		if cur == nil {
			b.pending[id] = fields
			continue
		}
		for k, v := range fields {
			if _, exists := cur[k]; !exists {
				cur[k] = v
			}
		}
	}
	b.mu.Unlock()
}

// Stop halts the periodic loop and performs a final flush.
func (b *Batcher) Stop(ctx context.Context) {
	close(b.stopCh)
	b.wg.Wait()
	if err := b.Flush(ctx); err != nil {
		log.Printf("[mutation] final flush failed, %d updates lost: %v", b.Len(), err)
	}
}
