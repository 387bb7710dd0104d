// Package sched drives the per-region probe ticks: distributed lock
// with heartbeat, due-target paging, bounded fan-out, the transition
// state machine, and emission into the telemetry buffer and the
// mutation batcher.
package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Mopra/exit1.dev-sub001/internal/alert"
	"github.com/Mopra/exit1.dev-sub001/internal/config"
	"github.com/Mopra/exit1.dev-sub001/internal/model"
	"github.com/Mopra/exit1.dev-sub001/internal/probe"
	"github.com/Mopra/exit1.dev-sub001/internal/region"
	"github.com/Mopra/exit1.dev-sub001/internal/resolver"
	"github.com/Mopra/exit1.dev-sub001/internal/store"
)

// TargetPager pages due targets out of the control-plane store.
type TargetPager interface {
	PageDue(ctx context.Context, region string, includeUnassigned bool, nowMs int64, cursor store.Cursor, limit int) ([]model.Target, store.Cursor, bool, error)
}

// LockStore is the distributed-lock surface of the store.
type LockStore interface {
	AcquireLock(ctx context.Context, doc, owner string, ttl time.Duration) error
	ExtendLock(ctx context.Context, doc, owner string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, doc, owner string) error
}

// Prober performs one probe.
type Prober interface {
	Probe(ctx context.Context, rawURL string, opts probe.Options) *model.ProbeResult
}

// MetaResolver resolves target metadata.
type MetaResolver interface {
	Resolve(ctx context.Context, host string) (model.TargetMeta, error)
}

// TelemetrySink admits telemetry rows into the warehouse buffer.
type TelemetrySink interface {
	Enqueue(row model.TelemetryRow)
}

// MutationSink stages sparse target updates for batched write-back.
type MutationSink interface {
	Stage(targetID string, fields map[string]any)
	PendingStatus(targetID string) (model.Status, bool)
	Flush(ctx context.Context) error
}

// AlertGate fires alerts for status transitions, certificate changes
// and auto-disable events.
type AlertGate interface {
	TriggerAlert(ctx context.Context, t *model.Target, prev, next model.Status, failures, successes int) alert.Result
	TriggerSSLAlert(ctx context.Context, t *model.Target, cert *model.SSLCertInfo) alert.Result
	TriggerDisableAlert(ctx context.Context, t *model.Target, reason string) alert.Result
}

// Scheduler runs probe ticks for the regions this process serves.
type Scheduler struct {
	cfg     *config.EnvConfig
	regions *region.Set

	pager     TargetPager
	locks     LockStore
	prober    Prober
	resolver  MetaResolver
	telemetry TelemetrySink
	mutations MutationSink
	gate      AlertGate

	ownerID string
	sem     chan struct{}
}

// New creates a Scheduler. The owner id identifies this process in
// lock documents for its whole lifetime.
func New(cfg *config.EnvConfig, regions *region.Set, pager TargetPager, locks LockStore,
	prober Prober, res MetaResolver, telemetry TelemetrySink, mutations MutationSink, gate AlertGate) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		regions:   regions,
		pager:     pager,
		locks:     locks,
		prober:    prober,
		resolver:  res,
		telemetry: telemetry,
		mutations: mutations,
		gate:      gate,
		ownerID:   uuid.NewString(),
		sem:       make(chan struct{}, cfg.MaxConcurrent),
	}
}

func lockDoc(regionCode string) string { return "sched:" + regionCode }

// Tick runs one scheduling pass for a region. A region locked by
// another live owner is skipped without error.
func (s *Scheduler) Tick(ctx context.Context, regionCode string) error {
	doc := lockDoc(regionCode)
	if err := s.locks.AcquireLock(ctx, doc, s.ownerID, s.cfg.LockTTL); err != nil {
		if errors.Is(err, store.ErrLockTaken) {
			log.Printf("[sched] region %s locked by another owner, skipping tick", regionCode)
			return nil
		}
		return fmt.Errorf("sched: acquire lock %s: %w", doc, err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.locks.ReleaseLock(releaseCtx, doc, s.ownerID); err != nil {
			log.Printf("[sched] release lock %s: %v", doc, err)
		}
	}()

	// Heartbeat: a stolen lock stops new launches but lets in-flight
	// probes finish and their writes stand.
	var stolen atomic.Bool
	hbStop := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbStop:
				return
			case <-ticker.C:
				if err := s.locks.ExtendLock(ctx, doc, s.ownerID, s.cfg.LockTTL); err != nil {
					log.Printf("[sched] heartbeat lost for %s: %v", doc, err)
					stolen.Store(true)
					return
				}
			}
		}
	}()
	defer func() {
		close(hbStop)
		hbWG.Wait()
	}()

	b := newBudget(s.cfg.FunctionTimeout, s.cfg.SafetyBuffer, s.cfg.MinTimeForNewBatch)
	includeUnassigned := regionCode == region.Canonical

	var cursor store.Cursor
	for page := 0; page < s.cfg.MaxCheckQueryPages; page++ {
		if ctx.Err() != nil || stolen.Load() || !b.shouldStartWork() {
			break
		}
		targets, next, more, err := s.pager.PageDue(ctx, regionCode, includeUnassigned,
			time.Now().UnixMilli(), cursor, s.cfg.MaxWebsitesPerRun)
		if err != nil {
			return fmt.Errorf("sched: page due targets for %s: %w", regionCode, err)
		}
		if len(targets) == 0 {
			break
		}
		cursor = next

		s.runPage(ctx, b, &stolen, regionCode, targets)

		if !more {
			break
		}
	}

	// End-of-tick flush so mutations land before the lock goes away.
	if err := s.mutations.Flush(ctx); err != nil {
		log.Printf("[sched] end-of-tick mutation flush for %s: %v", regionCode, err)
	}
	return nil
}

// runPage partitions a page into batches and runs the batch groups.
func (s *Scheduler) runPage(ctx context.Context, b *budget, stolen *atomic.Bool, regionCode string, targets []model.Target) {
	batchSize := s.cfg.OptimalBatchSize(len(targets))
	if batchSize <= 0 {
		return
	}
	var batches [][]model.Target
	for start := 0; start < len(targets); start += batchSize {
		end := start + batchSize
		if end > len(targets) {
			end = len(targets)
		}
		batches = append(batches, targets[start:end])
	}

	groupSize := s.cfg.MaxParallelBatches()
	for gi := 0; gi < len(batches); gi += groupSize {
		if ctx.Err() != nil || stolen.Load() || !b.shouldStartWork() {
			log.Printf("[sched] region %s: budget or lock exhausted, deferring %d batches",
				regionCode, len(batches)-gi)
			return
		}
		end := gi + groupSize
		if end > len(batches) {
			end = len(batches)
		}

		var wg sync.WaitGroup
		for _, batch := range batches[gi:end] {
			wg.Add(1)
			go func(batch []model.Target) {
				defer wg.Done()
				s.runBatch(ctx, b, stolen, regionCode, batch)
			}(batch)
		}
		wg.Wait()

		if end < len(batches) {
			sleepCtx(ctx, s.cfg.BatchDelay)
		}
	}
}

// runBatch probes a batch in waves bounded by the shared semaphore.
func (s *Scheduler) runBatch(ctx context.Context, b *budget, stolen *atomic.Bool, regionCode string, batch []model.Target) {
	wave := s.cfg.DynamicConcurrency(len(batch))
	for start := 0; start < len(batch); start += wave {
		if ctx.Err() != nil || stolen.Load() || !b.shouldStartWork() {
			return
		}
		end := start + wave
		if end > len(batch) {
			end = len(batch)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return
			}
			wg.Add(1)
			go func(t model.Target) {
				defer wg.Done()
				defer func() { <-s.sem }()
				s.processTarget(ctx, regionCode, &t)
			}(batch[i])
		}
		wg.Wait()

		if end < len(batch) {
			sleepCtx(ctx, s.cfg.ConcurrentBatchDelay)
		}
	}
}

// processTarget runs one probe end to end: metadata, probe, transition,
// telemetry, alerting, and mutation emission.
func (s *Scheduler) processTarget(ctx context.Context, regionCode string, t *model.Target) {
	now := time.Now()
	nowMs := now.UnixMilli()

	if s.cfg.ShouldDisableTarget(t, now) {
		reason := fmt.Sprintf("auto-disabled after %d consecutive failures", t.ConsecutiveFailures)
		log.Printf("[sched] disabling target %s: %s", t.ID, reason)
		s.mutations.Stage(t.ID, map[string]any{
			model.FieldDisabled:       true,
			model.FieldDisabledReason: reason,
			model.FieldDisabledAtMs:   nowMs,
		})
		// Disabled targets leave the paging set, so there is no later
		// probe to retry a missed notification from; deliver best effort.
		if res := s.gate.TriggerDisableAlert(ctx, t, reason); !res.Delivered {
			log.Printf("[sched] disable alert not delivered target=%s reason=%s", t.ID, res.Reason)
		}
		return
	}

	fields := make(map[string]any)

	// A changed probe configuration invalidates the failure streak: the
	// counters no longer describe the same check.
	work := *t
	hash := probe.CheckHash(&work)
	if hash != work.CheckHash {
		if work.CheckHash != "" {
			work.ConsecutiveFailures = 0
			work.ConsecutiveSuccesses = 0
			work.FirstFailureAtMs = 0
		}
		fields[model.FieldCheckHash] = hash
	}

	s.refreshMetadata(ctx, regionCode, &work, fields, nowMs)

	rechecking := isRechecking(&work, s.cfg, nowMs)
	captureCert, tlsTarget := s.wantsCertSnapshot(&work, nowMs)
	opts := s.buildOptions(&work, rechecking, captureCert)

	res := s.prober.Probe(ctx, work.URL, opts)

	if tlsTarget && res.Cert != nil {
		s.handleCertSnapshot(ctx, &work, res.Cert, fields)
	}

	tr := computeTransition(&work, res, s.cfg, nowMs)

	sampled := shouldSample(work.Status, tr.RawStatus, work.LastHistoryAtMs, nowMs, s.cfg.HistorySampleInterval)
	if sampled {
		s.telemetry.Enqueue(s.buildRow(&work, res, tr.RawStatus, nowMs))
		fields[model.FieldLastHistoryAtMs] = nowMs
	}

	s.handleAlerts(ctx, &work, tr, fields, nowMs)

	s.stageResult(&work, res, tr, fields, nowMs)
}

// refreshMetadata resolves DNS and GeoIP metadata when it has never
// been populated or its TTL elapsed, merges it without losing known
// fields, and stages a region assignment for unassigned targets.
func (s *Scheduler) refreshMetadata(ctx context.Context, regionCode string, t *model.Target, fields map[string]any, nowMs int64) {
	due := t.MetaLastCheckedMs == 0 ||
		nowMs-t.MetaLastCheckedMs >= s.cfg.TargetMetadataTTL.Milliseconds() ||
		(t.Meta.IsZero() && nowMs-t.MetaLastCheckedMs >= s.cfg.TargetMetadataRetry.Milliseconds())
	if !due {
		return
	}

	host := hostOf(t.URL)
	if host == "" {
		return
	}

	fresh, err := s.resolver.Resolve(ctx, host)
	if err != nil {
		log.Printf("[sched] metadata lookup failed target=%s host=%s: %v", t.ID, host, err)
		// Record the attempt so the retry interval gates the next one.
		fields[model.FieldMetaLastCheckedMs] = nowMs
		t.MetaLastCheckedMs = nowMs
		return
	}

	merged := resolver.MergeMeta(t.Meta, fresh)
	if merged != t.Meta {
		if data, err := json.Marshal(merged); err == nil {
			fields[model.FieldMetaJSON] = string(data)
		}
		t.Meta = merged
	}
	fields[model.FieldMetaLastCheckedMs] = nowMs
	t.MetaLastCheckedMs = nowMs

	if t.Region == "" {
		assigned := s.regions.Nearest(merged.Lat, merged.Lon)
		fields[model.FieldRegion] = assigned
		t.Region = assigned
		if assigned != regionCode {
			log.Printf("[sched] target %s assigned to %s", t.ID, assigned)
		}
	}
}

// wantsCertSnapshot decides whether this probe should capture the leaf
// certificate: HTTPS targets with no snapshot or a stale one.
func (s *Scheduler) wantsCertSnapshot(t *model.Target, nowMs int64) (capture, tlsTarget bool) {
	u, err := url.Parse(t.URL)
	if err != nil || u.Scheme != "https" {
		return false, false
	}
	if t.Cert == nil || nowMs-t.Cert.LastCheckedMs >= s.cfg.SecurityMetadataTTL.Milliseconds() {
		return true, true
	}
	return false, true
}

// handleCertSnapshot stages the refreshed snapshot and alerts when the
// fingerprint changed from a previously known certificate.
func (s *Scheduler) handleCertSnapshot(ctx context.Context, t *model.Target, cert *model.SSLCertInfo, fields map[string]any) {
	changed := t.Cert != nil && t.Cert.FingerprintSHA256 != cert.FingerprintSHA256
	if data, err := json.Marshal(cert); err == nil {
		fields[model.FieldCertJSON] = string(data)
	}
	if changed {
		res := s.gate.TriggerSSLAlert(ctx, t, cert)
		if !res.Delivered && res.Reason != alert.ReasonNone {
			log.Printf("[sched] ssl alert suppressed target=%s reason=%s", t.ID, res.Reason)
		}
	}
	t.Cert = cert
}

// handleAlerts runs the alert gate against the reported transition and
// stages pending-flag changes. The freshest staged status wins over the
// stored one so an overlapping not-yet-flushed tick is not re-alerted.
func (s *Scheduler) handleAlerts(ctx context.Context, t *model.Target, tr transition, fields map[string]any, nowMs int64) {
	prev := t.Status
	if staged, ok := s.mutations.PendingStatus(t.ID); ok {
		prev = staged
	}
	next := tr.ReportedStatus

	if prev != next {
		// Genuine flip: both pending flags are cleared first; a
		// retryable miss re-sets only its own side.
		res := s.gate.TriggerAlert(ctx, t, prev, next, tr.Failures, tr.Successes)
		if res.Reason == alert.ReasonNone {
			// Transition does not alert (e.g. unknown to online); just
			// clear stale flags.
			if t.PendingDownAlert || t.PendingUpAlert {
				mergeFields(fields, clearedPendingFields())
			}
			return
		}
		dir := alert.DirectionDown
		if next == model.StatusOnline {
			dir = alert.DirectionUp
		}
		mergeFields(fields, alert.PendingFlagFields(dir, res, nowMs))
		return
	}

	// Same status: retry only the pending-flagged side once the probe
	// confirms it.
	switch {
	case next == model.StatusOffline && t.PendingDownAlert:
		res := s.gate.TriggerAlert(ctx, t, model.StatusOnline, model.StatusOffline, tr.Failures, tr.Successes)
		mergeFields(fields, alert.PendingFlagFields(alert.DirectionDown, res, nowMs))
	case next == model.StatusOnline && t.PendingUpAlert:
		res := s.gate.TriggerAlert(ctx, t, model.StatusOffline, model.StatusOnline, tr.Failures, tr.Successes)
		mergeFields(fields, alert.PendingFlagFields(alert.DirectionUp, res, nowMs))
	}
}

func clearedPendingFields() map[string]any {
	return map[string]any{
		model.FieldPendingDownAlert: false,
		model.FieldPendingUpAlert:   false,
		model.FieldPendingSinceMs:   int64(0),
	}
}

// stageResult emits the mutation for this probe. Only fields that
// actually changed are staged; a quiet steady-state probe degrades to
// the minimal freshness update (last checked + next check).
func (s *Scheduler) stageResult(t *model.Target, res *model.ProbeResult, tr transition, fields map[string]any, nowMs int64) {
	fields[model.FieldLastCheckedAtMs] = nowMs
	fields[model.FieldNextCheckAtMs] = tr.NextCheckAtMs

	if tr.ReportedStatus != t.Status {
		fields[model.FieldStatus] = tr.ReportedStatus
	}
	if tr.DetailedStatus != t.DetailedStatus {
		fields[model.FieldDetailedStatus] = tr.DetailedStatus
	}
	if res.StatusCode != t.LastStatusCode {
		fields[model.FieldLastStatusCode] = res.StatusCode
	}
	if res.Error != t.LastError {
		fields[model.FieldLastError] = res.Error
	}
	if tr.Failures != t.ConsecutiveFailures {
		fields[model.FieldConsecutiveFailures] = tr.Failures
	}
	if tr.Successes != t.ConsecutiveSuccesses {
		fields[model.FieldConsecutiveSuccesses] = tr.Successes
	}
	if tr.FirstFailureAtMs != t.FirstFailureAtMs {
		fields[model.FieldFirstFailureAtMs] = tr.FirstFailureAtMs
	}
	if tr.RawStatus == model.StatusOnline && res.ResponseTimeMs != t.LastResponseTimeMs {
		fields[model.FieldLastResponseTimeMs] = res.ResponseTimeMs
	}

	s.mutations.Stage(t.ID, fields)
}

func (s *Scheduler) buildOptions(t *model.Target, rechecking, captureCert bool) probe.Options {
	opts := probe.Options{
		Kind:                t.Kind,
		Method:              t.HTTPMethod,
		Body:                t.RequestBody,
		Validator:           t.Validator,
		ExpectedStatusCodes: t.ExpectedStatusCodes,
		CacheNoCache:        t.CacheNoCache,
		CaptureCert:         captureCert,
		Timeout:             s.cfg.AdaptiveTimeout(t, rechecking),
	}
	if t.HeadersJSON != "" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(t.HeadersJSON), &headers); err == nil {
			opts.Headers = headers
		} else {
			log.Printf("[sched] target %s has malformed headers_json, ignoring", t.ID)
		}
	}
	return opts
}

func (s *Scheduler) buildRow(t *model.Target, res *model.ProbeResult, raw model.Status, nowMs int64) model.TelemetryRow {
	row := model.TelemetryRow{
		ID:             model.NewRowID(t.ID, nowMs),
		TargetID:       t.ID,
		UserID:         t.UserID,
		TimestampMs:    nowMs,
		Status:         string(raw),
		StatusCode:     res.StatusCode,
		ResponseTimeMs: res.ResponseTimeMs,
		Error:          res.Error,
		Timings:        res.Timings,
		Meta:           t.Meta,
	}
	if res.Hints != nil {
		row.Hints = *res.Hints
	}
	return row
}

func mergeFields(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
