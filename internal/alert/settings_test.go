package alert

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileSettings_Lookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	data := `{
		"u1": {"enabled": true, "email_recipient": "a@example.com", "throttle": "30m"},
		"default": {"enabled": true, "webhook_url": "https://hooks.example.com/x"}
	}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	fs := NewFileSettings(path)
	ctx := context.Background()

	s, err := fs.SettingsFor(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !s.Enabled || s.EmailRecipient != "a@example.com" {
		t.Fatalf("u1 = %+v", s)
	}
	if s.Throttle.Std() != 30*time.Minute {
		t.Fatalf("throttle = %v", s.Throttle.Std())
	}

	// Unknown users fall back to the default bundle.
	s, err = fs.SettingsFor(ctx, "stranger")
	if err != nil {
		t.Fatal(err)
	}
	if !s.Enabled || s.WebhookURL != "https://hooks.example.com/x" {
		t.Fatalf("default = %+v", s)
	}
}

func TestFileSettings_MissingFile(t *testing.T) {
	fs := NewFileSettings(filepath.Join(t.TempDir(), "nope.json"))
	s, err := fs.SettingsFor(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Enabled {
		t.Fatalf("missing file should resolve to a disabled bundle, got %+v", s)
	}
}

func TestFileSettings_ReloadOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(`{"u1": {"enabled": false}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	fs := NewFileSettings(path)
	ctx := context.Background()
	if s, _ := fs.SettingsFor(ctx, "u1"); s.Enabled {
		t.Fatal("expected disabled")
	}

	if err := os.WriteFile(path, []byte(`{"u1": {"enabled": true}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	// Force a distinct mtime; coarse filesystem timestamps would
	// otherwise mask the rewrite.
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	if s, _ := fs.SettingsFor(ctx, "u1"); !s.Enabled {
		t.Fatal("edit not picked up")
	}
}

func TestFileSettings_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileSettings(path).SettingsFor(context.Background(), "u1"); err == nil {
		t.Fatal("expected parse error")
	}
}
