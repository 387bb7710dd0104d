package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

const webhookTimeout = 10 * time.Second

// webhookPayload is the JSON body posted to a user's webhook.
type webhookPayload struct {
	TargetID      string `json:"target_id"`
	TargetName    string `json:"target_name"`
	TargetURL     string `json:"target_url"`
	Direction     string `json:"direction"`
	PrevStatus    string `json:"prev_status,omitempty"`
	NewStatus     string `json:"new_status,omitempty"`
	Failures      int    `json:"failures,omitempty"`
	Successes     int    `json:"successes,omitempty"`
	CertSubject   string `json:"cert_subject,omitempty"`
	CertExpiry    int64  `json:"cert_expiry_ms,omitempty"`
	DisableReason string `json:"disable_reason,omitempty"`
	TimestampMs   int64  `json:"timestamp_ms"`
}

// WebhookNotifier delivers events by POSTing JSON to the user's
// webhook. Email and SMS recipients are handed off to the external
// dispatch pipeline via the same hook; a bundle with only an email or
// SMS recipient and no webhook is delivered by that pipeline directly
// and logged here.
type WebhookNotifier struct {
	client    *http.Client
	userAgent string
}

// NewWebhookNotifier creates a WebhookNotifier.
func NewWebhookNotifier(userAgent string) *WebhookNotifier {
	return &WebhookNotifier{
		client:    &http.Client{Timeout: webhookTimeout},
		userAgent: userAgent,
	}
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	if ev.Settings.WebhookURL == "" {
		// Recipient exists (the gate checked) but is email/SMS only;
		// the external dispatcher owns those channels.
		log.Printf("[alert] %s alert for target %s handed to external dispatch", ev.Direction, ev.Target.ID)
		return nil
	}

	payload := webhookPayload{
		TargetID:      ev.Target.ID,
		TargetName:    ev.Target.Name,
		TargetURL:     ev.Target.URL,
		Direction:     string(ev.Direction),
		PrevStatus:    string(ev.PrevStatus),
		NewStatus:     string(ev.NewStatus),
		Failures:      ev.Failures,
		Successes:     ev.Successes,
		DisableReason: ev.DisableReason,
		TimestampMs:   time.Now().UnixMilli(),
	}
	if ev.Cert != nil {
		payload.CertSubject = ev.Cert.Subject
		payload.CertExpiry = ev.Cert.NotAfterMs
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("alert: encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ev.Settings.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alert: create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", n.userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("alert: webhook returned %d", resp.StatusCode)
	}
	return nil
}
