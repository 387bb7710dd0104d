// Package alert implements the notification gate. It decides whether a
// status transition produces an alert, applies flap suppression,
// per-target throttling and per-user budgets, and reports a reason the
// scheduler turns into pending-flag retries.
package alert

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/Mopra/exit1.dev-sub001/internal/config"
	"github.com/Mopra/exit1.dev-sub001/internal/model"
	"github.com/Mopra/exit1.dev-sub001/internal/netutil"
)

// Reason explains why an alert was not delivered. Empty on success.
type Reason string

const (
	ReasonNone             Reason = "none"             // transition does not alert
	ReasonFlap             Reason = "flap"             // below min consecutive events
	ReasonSettings         Reason = "settings"         // alerts disabled for user
	ReasonMissingRecipient Reason = "missingRecipient" // nowhere to send
	ReasonThrottle         Reason = "throttle"         // throttled or over budget
	ReasonError            Reason = "error"            // delivery failed
)

// Retryable reports whether the scheduler should set a pending flag and
// retry on the next confirming probe.
func (r Reason) Retryable() bool {
	return r == ReasonFlap || r == ReasonError || r == ReasonThrottle
}

// Result is the outcome of one gate invocation.
type Result struct {
	Delivered bool
	Reason    Reason
}

// Direction of an alert.
type Direction string

const (
	DirectionDown    Direction = "down"
	DirectionUp      Direction = "up"
	DirectionSSL     Direction = "ssl"
	DirectionDisable Direction = "disable"
)

// Settings is the per-user notification bundle.
type Settings struct {
	Enabled              bool            `json:"enabled"`
	MinConsecutiveEvents int             `json:"min_consecutive_events,omitempty"`
	EmailRecipient       string          `json:"email_recipient,omitempty"`
	SMSRecipient         string          `json:"sms_recipient,omitempty"`
	SMSEnabled           bool            `json:"sms_enabled,omitempty"`
	WebhookURL           string          `json:"webhook_url,omitempty"`
	Throttle             config.Duration `json:"throttle,omitempty"` // overrides the global throttle window when > 0
}

// SettingsSource loads the notification bundle for a user.
type SettingsSource interface {
	SettingsFor(ctx context.Context, userID string) (Settings, error)
}

// Event is what a Notifier delivers.
type Event struct {
	Target        *model.Target
	Direction     Direction
	PrevStatus    model.Status
	NewStatus     model.Status
	Failures      int
	Successes     int
	Cert          *model.SSLCertInfo // set for DirectionSSL
	DisableReason string             // set for DirectionDisable
	Settings      Settings
}

// Notifier performs the actual delivery (email, SMS, webhook).
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Gate applies the alert contract. Safe for concurrent use; the
// throttle and budget maps are shared across all probes of a tick.
type Gate struct {
	settings SettingsSource
	notifier Notifier

	throttleWindow time.Duration
	hourlyBudget   int
	monthlyBudget  int

	lastFired *xsync.Map[string, int64] // target|direction -> unix ms
	hourly    *xsync.Map[string, int64] // user|hour bucket -> count
	monthly   *xsync.Map[string, int64] // user|month bucket -> count
}

// NewGate creates a Gate.
func NewGate(cfg *config.EnvConfig, settings SettingsSource, notifier Notifier) *Gate {
	return &Gate{
		settings:       settings,
		notifier:       notifier,
		throttleWindow: cfg.AlertThrottleWindow,
		hourlyBudget:   cfg.AlertHourlyBudget,
		monthlyBudget:  cfg.AlertMonthlyBudget,
		lastFired:      xsync.NewMap[string, int64](),
		hourly:         xsync.NewMap[string, int64](),
		monthly:        xsync.NewMap[string, int64](),
	}
}

// alertingTransition maps a status pair to an alert direction.
// ok=false means the pair never alerts.
func alertingTransition(prev, next model.Status) (Direction, bool) {
	if prev == next {
		return "", false
	}
	switch {
	case next == model.StatusOffline && (prev == model.StatusUnknown || prev == model.StatusOnline):
		return DirectionDown, true
	case next == model.StatusOnline && prev == model.StatusOffline:
		return DirectionUp, true
	}
	return "", false
}

// TriggerAlert runs the full gate for a status transition.
func (g *Gate) TriggerAlert(ctx context.Context, t *model.Target, prev, next model.Status, failures, successes int) Result {
	dir, ok := alertingTransition(prev, next)
	if !ok {
		return Result{Delivered: false, Reason: ReasonNone}
	}

	settings, err := g.settings.SettingsFor(ctx, t.UserID)
	if err != nil {
		log.Printf("[alert] settings lookup failed user=%s: %v", t.UserID, err)
		return Result{Delivered: false, Reason: ReasonError}
	}
	if !settings.Enabled {
		return Result{Delivered: false, Reason: ReasonSettings}
	}

	events := failures
	if dir == DirectionUp {
		events = successes
	}
	if settings.MinConsecutiveEvents > 0 && events < settings.MinConsecutiveEvents {
		return Result{Delivered: false, Reason: ReasonFlap}
	}

	if settings.EmailRecipient == "" && settings.WebhookURL == "" &&
		!(settings.SMSEnabled && settings.SMSRecipient != "") {
		return Result{Delivered: false, Reason: ReasonMissingRecipient}
	}

	if !g.admit(t, dir, settings) {
		return Result{Delivered: false, Reason: ReasonThrottle}
	}

	ev := Event{
		Target:     t,
		Direction:  dir,
		PrevStatus: prev,
		NewStatus:  next,
		Failures:   failures,
		Successes:  successes,
		Settings:   settings,
	}
	if err := g.notifier.Notify(ctx, ev); err != nil {
		log.Printf("[alert] delivery failed target=%s dir=%s: %v", t.ID, dir, err)
		return Result{Delivered: false, Reason: ReasonError}
	}

	g.record(t, dir)
	return Result{Delivered: true}
}

// TriggerSSLAlert fires when an HTTPS probe observes a changed leaf
// certificate fingerprint. Shares the throttle and budgets with status
// alerts but has no flap gate.
func (g *Gate) TriggerSSLAlert(ctx context.Context, t *model.Target, cert *model.SSLCertInfo) Result {
	settings, err := g.settings.SettingsFor(ctx, t.UserID)
	if err != nil {
		log.Printf("[alert] settings lookup failed user=%s: %v", t.UserID, err)
		return Result{Delivered: false, Reason: ReasonError}
	}
	if !settings.Enabled {
		return Result{Delivered: false, Reason: ReasonSettings}
	}
	if settings.EmailRecipient == "" && settings.WebhookURL == "" {
		return Result{Delivered: false, Reason: ReasonMissingRecipient}
	}
	if !g.admit(t, DirectionSSL, settings) {
		return Result{Delivered: false, Reason: ReasonThrottle}
	}

	ev := Event{Target: t, Direction: DirectionSSL, Cert: cert, Settings: settings}
	if err := g.notifier.Notify(ctx, ev); err != nil {
		log.Printf("[alert] ssl delivery failed target=%s: %v", t.ID, err)
		return Result{Delivered: false, Reason: ReasonError}
	}

	g.record(t, DirectionSSL)
	return Result{Delivered: true}
}

// TriggerDisableAlert tells the user their target has been taken out of
// the probe rotation. Fires at most once per target (the target stops
// being paged afterwards), so there is no flap gate and no retry
// contract; throttle and budgets still apply.
func (g *Gate) TriggerDisableAlert(ctx context.Context, t *model.Target, reason string) Result {
	settings, err := g.settings.SettingsFor(ctx, t.UserID)
	if err != nil {
		log.Printf("[alert] settings lookup failed user=%s: %v", t.UserID, err)
		return Result{Delivered: false, Reason: ReasonError}
	}
	if !settings.Enabled {
		return Result{Delivered: false, Reason: ReasonSettings}
	}
	if settings.EmailRecipient == "" && settings.WebhookURL == "" &&
		!(settings.SMSEnabled && settings.SMSRecipient != "") {
		return Result{Delivered: false, Reason: ReasonMissingRecipient}
	}
	if !g.admit(t, DirectionDisable, settings) {
		return Result{Delivered: false, Reason: ReasonThrottle}
	}

	ev := Event{
		Target:        t,
		Direction:     DirectionDisable,
		PrevStatus:    t.Status,
		NewStatus:     model.StatusDisabled,
		Failures:      t.ConsecutiveFailures,
		DisableReason: reason,
		Settings:      settings,
	}
	if err := g.notifier.Notify(ctx, ev); err != nil {
		log.Printf("[alert] disable delivery failed target=%s: %v", t.ID, err)
		return Result{Delivered: false, Reason: ReasonError}
	}

	g.record(t, DirectionDisable)
	return Result{Delivered: true}
}

// admit checks the throttle window and the per-user hourly and monthly
// budgets without consuming them. Throttling is keyed by user and
// eTLD+1, so sibling targets of one domain share a slot.
func (g *Gate) admit(t *model.Target, dir Direction, settings Settings) bool {
	now := time.Now()

	window := g.throttleWindow
	if settings.Throttle.Std() > 0 {
		window = settings.Throttle.Std()
	}
	if last, ok := g.lastFired.Load(throttleKey(t, dir)); ok {
		if now.UnixMilli()-last < window.Milliseconds() {
			return false
		}
	}
	if n, ok := g.hourly.Load(hourKey(t.UserID, now)); ok && n >= int64(g.hourlyBudget) {
		return false
	}
	if n, ok := g.monthly.Load(monthKey(t.UserID, now)); ok && n >= int64(g.monthlyBudget) {
		return false
	}
	return true
}

// record consumes throttle and budget slots after a delivery.
func (g *Gate) record(t *model.Target, dir Direction) {
	now := time.Now()
	g.lastFired.Store(throttleKey(t, dir), now.UnixMilli())

	bump := func(old int64, _ bool) (int64, xsync.ComputeOp) {
		return old + 1, xsync.UpdateOp
	}
	g.hourly.Compute(hourKey(t.UserID, now), bump)
	g.monthly.Compute(monthKey(t.UserID, now), bump)
}

func throttleKey(t *model.Target, dir Direction) string {
	return t.UserID + "|" + netutil.ExtractDomain(t.URL) + "|" + string(dir)
}

func hourKey(userID string, now time.Time) string {
	return fmt.Sprintf("%s|%s", userID, now.UTC().Format("2006010215"))
}

func monthKey(userID string, now time.Time) string {
	return fmt.Sprintf("%s|%s", userID, now.UTC().Format("200601"))
}

// PendingFlagFields converts a gate result into the mutation fields the
// scheduler stages. A retryable miss sets the direction's pending flag;
// success or a terminal miss clears both.
func PendingFlagFields(dir Direction, res Result, nowMs int64) map[string]any {
	if !res.Delivered && res.Reason.Retryable() {
		fields := map[string]any{model.FieldPendingSinceMs: nowMs}
		if dir == DirectionDown {
			fields[model.FieldPendingDownAlert] = true
			fields[model.FieldPendingUpAlert] = false
		} else {
			fields[model.FieldPendingUpAlert] = true
			fields[model.FieldPendingDownAlert] = false
		}
		return fields
	}
	return map[string]any{
		model.FieldPendingDownAlert: false,
		model.FieldPendingUpAlert:   false,
		model.FieldPendingSinceMs:   int64(0),
	}
}
