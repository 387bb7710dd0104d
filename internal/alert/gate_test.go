package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Mopra/exit1.dev-sub001/internal/config"
	"github.com/Mopra/exit1.dev-sub001/internal/model"
)

type staticSettings struct {
	settings Settings
	err      error
}

func (s staticSettings) SettingsFor(context.Context, string) (Settings, error) {
	return s.settings, s.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, ev Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func gateConfig() *config.EnvConfig {
	return &config.EnvConfig{
		AlertThrottleWindow: time.Hour,
		AlertHourlyBudget:   20,
		AlertMonthlyBudget:  500,
	}
}

func enabledSettings() Settings {
	return Settings{Enabled: true, EmailRecipient: "ops@example.com"}
}

func target(id, userID, rawURL string) *model.Target {
	return &model.Target{ID: id, UserID: userID, URL: rawURL, Name: id}
}

func TestGate_DeliversDownAlert(t *testing.T) {
	notifier := &recordingNotifier{}
	g := NewGate(gateConfig(), staticSettings{settings: enabledSettings()}, notifier)

	res := g.TriggerAlert(context.Background(), target("t1", "u1", "https://example.com"),
		model.StatusOnline, model.StatusOffline, 3, 0)
	if !res.Delivered {
		t.Fatalf("not delivered: %s", res.Reason)
	}
	if notifier.count() != 1 {
		t.Fatalf("events = %d", notifier.count())
	}
	ev := notifier.events[0]
	if ev.Direction != DirectionDown || ev.Failures != 3 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestGate_NonAlertingTransitions(t *testing.T) {
	notifier := &recordingNotifier{}
	g := NewGate(gateConfig(), staticSettings{settings: enabledSettings()}, notifier)
	ctx := context.Background()
	tgt := target("t1", "u1", "https://example.com")

	cases := []struct{ prev, next model.Status }{
		{model.StatusOnline, model.StatusOnline},
		{model.StatusOffline, model.StatusOffline},
		{model.StatusUnknown, model.StatusOnline}, // first sighting, nothing to report
	}
	for _, c := range cases {
		res := g.TriggerAlert(ctx, tgt, c.prev, c.next, 1, 1)
		if res.Delivered || res.Reason != ReasonNone {
			t.Errorf("%s->%s: got %+v", c.prev, c.next, res)
		}
	}
	// But an endpoint that was never seen up and is confirmed down alerts.
	if res := g.TriggerAlert(ctx, tgt, model.StatusUnknown, model.StatusOffline, 3, 0); !res.Delivered {
		t.Errorf("unknown->offline: %+v", res)
	}
}

func TestGate_SettingsDisabled(t *testing.T) {
	g := NewGate(gateConfig(), staticSettings{settings: Settings{Enabled: false}}, &recordingNotifier{})
	res := g.TriggerAlert(context.Background(), target("t1", "u1", "https://example.com"),
		model.StatusOnline, model.StatusOffline, 3, 0)
	if res.Delivered || res.Reason != ReasonSettings {
		t.Fatalf("got %+v", res)
	}
}

func TestGate_SettingsLookupError(t *testing.T) {
	g := NewGate(gateConfig(), staticSettings{err: errors.New("backend down")}, &recordingNotifier{})
	res := g.TriggerAlert(context.Background(), target("t1", "u1", "https://example.com"),
		model.StatusOnline, model.StatusOffline, 3, 0)
	if res.Delivered || res.Reason != ReasonError {
		t.Fatalf("got %+v", res)
	}
	if !res.Reason.Retryable() {
		t.Fatal("lookup errors should be retryable")
	}
}

func TestGate_FlapSuppression(t *testing.T) {
	s := enabledSettings()
	s.MinConsecutiveEvents = 3
	g := NewGate(gateConfig(), staticSettings{settings: s}, &recordingNotifier{})
	ctx := context.Background()
	tgt := target("t1", "u1", "https://example.com")

	res := g.TriggerAlert(ctx, tgt, model.StatusOnline, model.StatusOffline, 2, 0)
	if res.Delivered || res.Reason != ReasonFlap {
		t.Fatalf("got %+v", res)
	}
	if !res.Reason.Retryable() {
		t.Fatal("flap should be retryable")
	}

	// The up direction counts successes, not failures.
	res = g.TriggerAlert(ctx, tgt, model.StatusOffline, model.StatusOnline, 0, 2)
	if res.Reason != ReasonFlap {
		t.Fatalf("up flap: %+v", res)
	}
	res = g.TriggerAlert(ctx, tgt, model.StatusOffline, model.StatusOnline, 0, 3)
	if !res.Delivered {
		t.Fatalf("3 successes should deliver: %+v", res)
	}
}

func TestGate_MissingRecipient(t *testing.T) {
	g := NewGate(gateConfig(), staticSettings{settings: Settings{Enabled: true}}, &recordingNotifier{})
	res := g.TriggerAlert(context.Background(), target("t1", "u1", "https://example.com"),
		model.StatusOnline, model.StatusOffline, 3, 0)
	if res.Delivered || res.Reason != ReasonMissingRecipient {
		t.Fatalf("got %+v", res)
	}
	if res.Reason.Retryable() {
		t.Fatal("missing recipient is terminal, not retryable")
	}
}

func TestGate_SMSOnlyRecipientCounts(t *testing.T) {
	s := Settings{Enabled: true, SMSEnabled: true, SMSRecipient: "+31600000000"}
	g := NewGate(gateConfig(), staticSettings{settings: s}, &recordingNotifier{})
	res := g.TriggerAlert(context.Background(), target("t1", "u1", "https://example.com"),
		model.StatusOnline, model.StatusOffline, 3, 0)
	if !res.Delivered {
		t.Fatalf("got %+v", res)
	}
}

func TestGate_ThrottleSharedAcrossSiblings(t *testing.T) {
	notifier := &recordingNotifier{}
	g := NewGate(gateConfig(), staticSettings{settings: enabledSettings()}, notifier)
	ctx := context.Background()

	res := g.TriggerAlert(ctx, target("t1", "u1", "https://api.example.com/health"),
		model.StatusOnline, model.StatusOffline, 3, 0)
	if !res.Delivered {
		t.Fatalf("first alert: %+v", res)
	}

	// A sibling target on the same registrable domain shares the slot.
	res = g.TriggerAlert(ctx, target("t2", "u1", "https://www.example.com/"),
		model.StatusOnline, model.StatusOffline, 3, 0)
	if res.Delivered || res.Reason != ReasonThrottle {
		t.Fatalf("sibling should be throttled: %+v", res)
	}

	// Opposite direction has its own slot.
	res = g.TriggerAlert(ctx, target("t1", "u1", "https://api.example.com/health"),
		model.StatusOffline, model.StatusOnline, 0, 1)
	if !res.Delivered {
		t.Fatalf("up direction: %+v", res)
	}

	// A different domain is unthrottled.
	res = g.TriggerAlert(ctx, target("t3", "u1", "https://example.org/"),
		model.StatusOnline, model.StatusOffline, 3, 0)
	if !res.Delivered {
		t.Fatalf("different domain: %+v", res)
	}
}

func TestGate_PerUserThrottleOverride(t *testing.T) {
	s := enabledSettings()
	s.Throttle = config.Duration(time.Millisecond)
	g := NewGate(gateConfig(), staticSettings{settings: s}, &recordingNotifier{})
	ctx := context.Background()
	tgt := target("t1", "u1", "https://example.com")

	if res := g.TriggerAlert(ctx, tgt, model.StatusOnline, model.StatusOffline, 3, 0); !res.Delivered {
		t.Fatalf("first: %+v", res)
	}
	time.Sleep(5 * time.Millisecond)
	if res := g.TriggerAlert(ctx, tgt, model.StatusOnline, model.StatusOffline, 3, 0); !res.Delivered {
		t.Fatalf("short override window should have elapsed: %+v", res)
	}
}

func TestGate_HourlyBudget(t *testing.T) {
	cfg := gateConfig()
	cfg.AlertHourlyBudget = 1
	g := NewGate(cfg, staticSettings{settings: enabledSettings()}, &recordingNotifier{})
	ctx := context.Background()

	if res := g.TriggerAlert(ctx, target("t1", "u1", "https://example.com"),
		model.StatusOnline, model.StatusOffline, 3, 0); !res.Delivered {
		t.Fatalf("first: %+v", res)
	}
	// Distinct domain, so only the budget can block it.
	res := g.TriggerAlert(ctx, target("t2", "u1", "https://example.org"),
		model.StatusOnline, model.StatusOffline, 3, 0)
	if res.Delivered || res.Reason != ReasonThrottle {
		t.Fatalf("budget exceeded: %+v", res)
	}

	// Another user has an independent budget.
	if res := g.TriggerAlert(ctx, target("t3", "u2", "https://example.net"),
		model.StatusOnline, model.StatusOffline, 3, 0); !res.Delivered {
		t.Fatalf("other user: %+v", res)
	}
}

func TestGate_DeliveryFailure(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("webhook 500")}
	g := NewGate(gateConfig(), staticSettings{settings: enabledSettings()}, notifier)

	res := g.TriggerAlert(context.Background(), target("t1", "u1", "https://example.com"),
		model.StatusOnline, model.StatusOffline, 3, 0)
	if res.Delivered || res.Reason != ReasonError {
		t.Fatalf("got %+v", res)
	}

	// A failed delivery must not consume the throttle slot.
	notifier.err = nil
	res = g.TriggerAlert(context.Background(), target("t1", "u1", "https://example.com"),
		model.StatusOnline, model.StatusOffline, 3, 0)
	if !res.Delivered {
		t.Fatalf("retry after failure: %+v", res)
	}
}

func TestGate_SSLAlert(t *testing.T) {
	notifier := &recordingNotifier{}
	g := NewGate(gateConfig(), staticSettings{settings: enabledSettings()}, notifier)

	cert := &model.SSLCertInfo{FingerprintSHA256: "abc", Subject: "example.com"}
	res := g.TriggerSSLAlert(context.Background(), target("t1", "u1", "https://example.com"), cert)
	if !res.Delivered {
		t.Fatalf("got %+v", res)
	}
	ev := notifier.events[0]
	if ev.Direction != DirectionSSL || ev.Cert != cert {
		t.Fatalf("event = %+v", ev)
	}

	// SSL shares the throttle with status alerts per direction.
	res = g.TriggerSSLAlert(context.Background(), target("t1", "u1", "https://example.com"), cert)
	if res.Delivered || res.Reason != ReasonThrottle {
		t.Fatalf("second ssl alert: %+v", res)
	}
}

func TestGate_DisableAlert(t *testing.T) {
	notifier := &recordingNotifier{}
	g := NewGate(gateConfig(), staticSettings{settings: enabledSettings()}, notifier)

	tgt := target("t1", "u1", "https://example.com")
	tgt.Status = model.StatusOffline
	tgt.ConsecutiveFailures = 60
	res := g.TriggerDisableAlert(context.Background(), tgt, "auto-disabled after 60 consecutive failures")
	if !res.Delivered {
		t.Fatalf("got %+v", res)
	}
	ev := notifier.events[0]
	if ev.Direction != DirectionDisable || ev.NewStatus != model.StatusDisabled {
		t.Fatalf("event = %+v", ev)
	}
	if ev.PrevStatus != model.StatusOffline || ev.DisableReason == "" {
		t.Fatalf("event = %+v", ev)
	}

	// Disabled settings suppress it like any other alert.
	g = NewGate(gateConfig(), staticSettings{settings: Settings{Enabled: false}}, &recordingNotifier{})
	if res := g.TriggerDisableAlert(context.Background(), tgt, "x"); res.Delivered || res.Reason != ReasonSettings {
		t.Fatalf("got %+v", res)
	}
}

func TestPendingFlagFields(t *testing.T) {
	nowMs := int64(1234)

	fields := PendingFlagFields(DirectionDown, Result{Reason: ReasonFlap}, nowMs)
	if fields[model.FieldPendingDownAlert] != true || fields[model.FieldPendingUpAlert] != false {
		t.Fatalf("retryable down miss: %v", fields)
	}
	if fields[model.FieldPendingSinceMs] != nowMs {
		t.Fatalf("pending since: %v", fields)
	}

	fields = PendingFlagFields(DirectionUp, Result{Reason: ReasonError}, nowMs)
	if fields[model.FieldPendingUpAlert] != true || fields[model.FieldPendingDownAlert] != false {
		t.Fatalf("retryable up miss: %v", fields)
	}

	// Delivered or terminal misses clear both sides.
	for _, res := range []Result{
		{Delivered: true},
		{Reason: ReasonMissingRecipient},
		{Reason: ReasonSettings},
	} {
		fields = PendingFlagFields(DirectionDown, res, nowMs)
		if fields[model.FieldPendingDownAlert] != false || fields[model.FieldPendingUpAlert] != false {
			t.Fatalf("%+v: %v", res, fields)
		}
		if fields[model.FieldPendingSinceMs] != int64(0) {
			t.Fatalf("%+v: pending since not cleared: %v", res, fields)
		}
	}
}
