package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Mopra/exit1.dev-sub001/internal/model"
)

func TestWebhookNotifier_Post(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier("checkd-test/1.0")
	ev := Event{
		Target:     &model.Target{ID: "t1", Name: "example", URL: "https://example.com"},
		Direction:  DirectionDown,
		PrevStatus: model.StatusOnline,
		NewStatus:  model.StatusOffline,
		Failures:   3,
		Settings:   Settings{WebhookURL: srv.URL},
	}
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.TargetID != "t1" || got.Direction != "down" || got.NewStatus != "offline" || got.Failures != 3 {
		t.Fatalf("payload = %+v", got)
	}
}

func TestWebhookNotifier_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier("checkd-test/1.0")
	ev := Event{
		Target:   &model.Target{ID: "t1"},
		Settings: Settings{WebhookURL: srv.URL},
	}
	if err := n.Notify(context.Background(), ev); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestWebhookNotifier_NoWebhookIsHandoff(t *testing.T) {
	n := NewWebhookNotifier("checkd-test/1.0")
	ev := Event{
		Target:   &model.Target{ID: "t1"},
		Settings: Settings{EmailRecipient: "a@example.com"},
	}
	// Email-only bundles are delivered by the external dispatcher; not
	// an error here.
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("notify: %v", err)
	}
}
