// Package telemetry implements the insert buffer between probe results
// and the warehouse. Rows are admitted idempotently by id,
// flushed in bounded batches, retried per row with exponential backoff,
// and dropped when they exceed the failure count or time-in-buffer caps.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mopra/exit1.dev-sub001/internal/config"
	"github.com/Mopra/exit1.dev-sub001/internal/model"
	"github.com/Mopra/exit1.dev-sub001/internal/warehouse"
)

// watermarkFlushDelay is the accelerated flush delay used when the
// buffer crosses the high watermark.
const watermarkFlushDelay = 200 * time.Millisecond

// maxDrainAttempts bounds the shutdown drain loop.
const maxDrainAttempts = 5

type entry struct {
	row        model.TelemetryRow
	rowBytes   int
	enqueuedAt time.Time
	seq        uint64 // admission order, for oldest-first eviction
	gen        uint64 // bumped on re-enqueue so stale flush outcomes are ignored

	failures    int
	nextRetryAt time.Time
}

// Buffer is the telemetry insert buffer. Safe for concurrent use.
type Buffer struct {
	client warehouse.Client

	maxBufferSize     int
	highWatermark     int
	flushInterval     time.Duration
	defaultFlushDelay time.Duration
	maxBatchRows      int
	maxBatchBytes     int
	backoffInitial    time.Duration
	backoffMax        time.Duration
	maxFailures       int
	failureTimeout    time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64

	// flushMu serializes flushes; a concurrent attempt no-ops.
	flushMu sync.Mutex

	timerMu    sync.Mutex
	timer      *time.Timer
	nextStamp  time.Time
	flushCh    chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	inShutdown atomic.Bool
}

// NewBuffer creates a Buffer flushing to client.
func NewBuffer(cfg *config.EnvConfig, client warehouse.Client) *Buffer {
	return &Buffer{
		client:            client,
		maxBufferSize:     cfg.TelemetryMaxBufferSize,
		highWatermark:     cfg.TelemetryHighWatermark,
		flushInterval:     cfg.TelemetryFlushInterval,
		defaultFlushDelay: cfg.TelemetryDefaultFlushDelay,
		maxBatchRows:      cfg.TelemetryMaxBatchRows,
		maxBatchBytes:     cfg.TelemetryMaxBatchBytes,
		backoffInitial:    cfg.TelemetryBackoffInitial,
		backoffMax:        cfg.TelemetryBackoffMax,
		maxFailures:       cfg.TelemetryMaxFailuresBeforeDrop,
		failureTimeout:    cfg.TelemetryFailureTimeout,
		entries:           make(map[string]*entry),
		flushCh:           make(chan struct{}, 1),
		stopCh:            make(chan struct{}),
	}
}

// Start launches the flush loop.
func (b *Buffer) Start() {
	b.wg.Add(1)
	go b.run()
}

func (b *Buffer) run() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.Flush(context.Background())
		case <-b.flushCh:
			b.Flush(context.Background())
		}
	}
}

// Enqueue admits a row. Re-enqueueing an id replaces the stored row and
// clears its failure metadata. Crossing the high watermark schedules an
// accelerated flush; overflowing the buffer evicts the oldest rows.
func (b *Buffer) Enqueue(row model.TelemetryRow) {
	size := estimateRowBytes(&row)

	b.mu.Lock()
	b.seq++
	prev := b.entries[row.ID]
	e := &entry{
		row:        row,
		rowBytes:   size,
		enqueuedAt: time.Now(),
		seq:        b.seq,
	}
	if prev != nil {
		e.gen = prev.gen + 1
	}
	b.entries[row.ID] = e

	if over := len(b.entries) - b.maxBufferSize; over > 0 {
		evicted := b.evictOldestLocked(over)
		log.Printf("[telemetry] buffer full, dropped %d oldest rows", evicted)
	}
	n := len(b.entries)
	b.mu.Unlock()

	if n >= b.highWatermark {
		b.scheduleFlush(watermarkFlushDelay)
	} else {
		b.scheduleFlush(b.defaultFlushDelay)
	}
}

// evictOldestLocked drops n entries in admission order. Caller holds mu.
func (b *Buffer) evictOldestLocked(n int) int {
	all := make([]*entry, 0, len(b.entries))
	for _, e := range b.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	if n > len(all) {
		n = len(all)
	}
	for _, e := range all[:n] {
		delete(b.entries, e.row.ID)
	}
	return n
}

// Len returns the number of buffered rows.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// scheduleFlush arms the flush timer for delay from now, unless an
// earlier flush is already pending.
func (b *Buffer) scheduleFlush(delay time.Duration) {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	now := time.Now()
	at := now.Add(delay)
	if !b.nextStamp.IsZero() && b.nextStamp.After(now) && !b.nextStamp.After(at) {
		return
	}
	b.nextStamp = at
	if b.timer == nil {
		b.timer = time.AfterFunc(delay, b.timerFired)
	} else {
		b.timer.Reset(delay)
	}
}

func (b *Buffer) timerFired() {
	b.timerMu.Lock()
	b.nextStamp = time.Time{}
	b.timerMu.Unlock()
	select {
	case b.flushCh <- struct{}{}:
	default:
	}
}

type flushItem struct {
	id  string
	gen uint64
	row model.TelemetryRow
	n   int // byte estimate
}

// Flush pushes ready rows to the warehouse. At most one flush runs at a
// time; a concurrent call returns immediately.
func (b *Buffer) Flush(ctx context.Context) {
	if !b.flushMu.TryLock() {
		return
	}
	defer b.flushMu.Unlock()

	now := time.Now()
	forceReady := b.inShutdown.Load()

	b.mu.Lock()
	ready := make([]flushItem, 0, len(b.entries))
	var dropped int
	for id, e := range b.entries {
		if !forceReady {
			if e.failures >= b.maxFailures || now.Sub(e.enqueuedAt) >= b.failureTimeout {
				delete(b.entries, id)
				dropped++
				continue
			}
			if e.nextRetryAt.After(now) {
				continue // skipped: stays buffered for the backoff flush
			}
		}
		ready = append(ready, flushItem{id: id, gen: e.gen, row: e.row, n: e.rowBytes})
	}
	b.mu.Unlock()

	if dropped > 0 {
		log.Printf("[telemetry] dropped %d rows past retry caps", dropped)
	}
	if len(ready) == 0 {
		b.scheduleBackoffFlush()
		return
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].row.TimestampMs < ready[j].row.TimestampMs })

	for start := 0; start < len(ready); {
		end := start
		bytes := 0
		for end < len(ready) && end-start < b.maxBatchRows {
			if end > start && bytes+ready[end].n > b.maxBatchBytes {
				break
			}
			bytes += ready[end].n
			end++
		}
		b.insertBatch(ctx, ready[start:end])
		start = end
	}

	b.scheduleBackoffFlush()
}

func (b *Buffer) insertBatch(ctx context.Context, batch []flushItem) {
	rows := make([]model.TelemetryRow, len(batch))
	for i, it := range batch {
		rows[i] = it.row
	}

	err := b.client.InsertRows(ctx, rows)

	var partial *warehouse.PartialFailure
	switch {
	case err == nil:
		b.settleBatch(batch, nil)
	case errors.As(err, &partial):
		failed := make(map[int]struct{}, len(partial.Indices))
		for _, i := range partial.Indices {
			failed[i] = struct{}{}
		}
		b.settleBatch(batch, failed)
		log.Printf("[telemetry] batch partially failed: %d of %d rows", len(partial.Indices), len(batch))
	default:
		all := make(map[int]struct{}, len(batch))
		for i := range batch {
			all[i] = struct{}{}
		}
		b.settleBatch(batch, all)
		log.Printf("[telemetry] batch insert failed (%d rows): %v", len(batch), err)
	}
}

// settleBatch removes succeeded rows and records failures for the rest.
// A row re-enqueued during the flush (generation mismatch) is left
// untouched either way.
func (b *Buffer) settleBatch(batch []flushItem, failed map[int]struct{}) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, it := range batch {
		e, ok := b.entries[it.id]
		if !ok || e.gen != it.gen {
			continue
		}
		if _, bad := failed[i]; !bad {
			delete(b.entries, it.id)
			continue
		}
		e.failures++
		e.nextRetryAt = now.Add(b.backoff(e.failures))
	}
}

// backoff computes min(initial * 2^(n-1), max) for the nth failure.
func (b *Buffer) backoff(n int) time.Duration {
	d := b.backoffInitial
	for i := 1; i < n; i++ {
		d *= 2
		if d >= b.backoffMax {
			return b.backoffMax
		}
	}
	if d > b.backoffMax {
		return b.backoffMax
	}
	return d
}

// scheduleBackoffFlush arms the timer for the earliest pending retry.
func (b *Buffer) scheduleBackoffFlush() {
	b.mu.Lock()
	var earliest time.Time
	for _, e := range b.entries {
		if e.nextRetryAt.IsZero() {
			continue
		}
		if earliest.IsZero() || e.nextRetryAt.Before(earliest) {
			earliest = e.nextRetryAt
		}
	}
	b.mu.Unlock()

	if earliest.IsZero() {
		return
	}
	delay := time.Until(earliest)
	if delay < 0 {
		delay = 0
	}
	b.scheduleFlush(delay)
}

// Stop halts the flush loop and drains the buffer: the shutdown flag
// forces every row ready (retry gates ignored) and flushes run until
// the buffer is empty, ctx expires, or the attempt cap is reached.
func (b *Buffer) Stop(ctx context.Context) {
	b.inShutdown.Store(true)
	close(b.stopCh)
	b.wg.Wait()

	b.timerMu.Lock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timerMu.Unlock()

	for attempt := 0; attempt < maxDrainAttempts; attempt++ {
		if b.Len() == 0 {
			return
		}
		if ctx.Err() != nil {
			break
		}
		b.Flush(ctx)
	}
	if n := b.Len(); n > 0 {
		log.Printf("[telemetry] shutdown drain incomplete, %d rows lost", n)
	}
}

func estimateRowBytes(row *model.TelemetryRow) int {
	data, err := json.Marshal(row)
	if err != nil {
		return 256
	}
	return len(data)
}
