package sched

import (
	"time"

	"github.com/Mopra/exit1.dev-sub001/internal/config"
	"github.com/Mopra/exit1.dev-sub001/internal/model"
)

// transition is the scheduler's decision after one probe: the counters,
// the externally reported status (which may be held at online while a
// down state awaits confirmation), and the next check time.
type transition struct {
	RawStatus        model.Status // what the probe observed
	ReportedStatus   model.Status // after down-confirmation holding
	DetailedStatus   model.DetailedStatus
	Failures         int
	Successes        int
	FirstFailureAtMs int64
	NextCheckAtMs    int64
	Rechecking       bool // next probe confirms a suspected down
}

// computeTransition applies the confirmation-window state machine.
// The caller passes the target with any check-identity reset already
// applied to its counters.
func computeTransition(t *model.Target, res *model.ProbeResult, cfg *config.EnvConfig, nowMs int64) transition {
	tr := transition{
		RawStatus:      res.Status,
		DetailedStatus: res.DetailedStatus,
	}

	interval := int64(t.IntervalMinutes) * 60_000
	if interval <= 0 {
		interval = int64(cfg.CheckIntervalMinutes) * 60_000
	}

	if res.Status == model.StatusOnline {
		tr.ReportedStatus = model.StatusOnline
		tr.Failures = 0
		tr.Successes = t.ConsecutiveSuccesses + 1
		tr.FirstFailureAtMs = 0
		tr.NextCheckAtMs = nowMs + interval
		return tr
	}

	tr.Failures = t.ConsecutiveFailures + 1
	tr.Successes = 0
	tr.FirstFailureAtMs = t.FirstFailureAtMs
	if t.ConsecutiveFailures == 0 {
		tr.FirstFailureAtMs = nowMs
	}

	windowMs := cfg.DownConfirmationWindow.Milliseconds()
	inWindow := nowMs-tr.FirstFailureAtMs <= windowMs

	if inWindow && tr.Failures < cfg.DownConfirmationAttempts {
		// Suspected down: hold the reported status at online and
		// recheck shortly to confirm.
		tr.ReportedStatus = model.StatusOnline
		tr.NextCheckAtMs = nowMs + cfg.ImmediateRecheckDelay.Milliseconds()
		tr.Rechecking = true
		return tr
	}

	tr.ReportedStatus = model.StatusOffline
	if t.ConsecutiveFailures == 0 &&
		(t.LastCheckedAtMs == 0 || nowMs-t.LastCheckedAtMs >= cfg.ImmediateRecheckWindow.Milliseconds()) {
		// First failure outside the confirmation hold: still verify
		// sooner than the regular cadence.
		tr.NextCheckAtMs = nowMs + cfg.ImmediateRecheckDelay.Milliseconds()
		tr.Rechecking = true
		return tr
	}
	tr.NextCheckAtMs = nowMs + interval
	return tr
}

// isRechecking reports whether the target is mid-confirmation: it has
// failures inside the confirmation window. The probe timeout tightens
// while rechecking.
func isRechecking(t *model.Target, cfg *config.EnvConfig, nowMs int64) bool {
	return t.ConsecutiveFailures > 0 &&
		t.FirstFailureAtMs > 0 &&
		nowMs-t.FirstFailureAtMs <= cfg.DownConfirmationWindow.Milliseconds()
}

// shouldSample decides whether this probe emits a telemetry row: any
// raw status change (the row carries the observed status, not the held
// one), or a heartbeat when the sample bucket advanced while online.
func shouldSample(prevStatus, rawStatus model.Status, lastHistoryAtMs, nowMs int64, sampleInterval time.Duration) bool {
	if prevStatus != rawStatus {
		return true
	}
	if rawStatus != model.StatusOnline {
		return false
	}
	bucket := sampleInterval.Milliseconds()
	if bucket <= 0 {
		return false
	}
	return nowMs/bucket > lastHistoryAtMs/bucket
}
