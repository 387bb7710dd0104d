package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileSettings serves per-user notification bundles from a JSON file:
// a map of user id to Settings, with an optional "default" entry used
// for users without their own. The file is re-read when its mtime
// changes, so edits apply without a restart.
type FileSettings struct {
	path string

	mu       sync.Mutex
	loadedAt time.Time
	byUser   map[string]Settings
}

// NewFileSettings creates a FileSettings for path. The file may not
// exist yet; lookups then resolve to a disabled bundle.
func NewFileSettings(path string) *FileSettings {
	return &FileSettings{path: path, byUser: make(map[string]Settings)}
}

// SettingsFor implements SettingsSource.
func (f *FileSettings) SettingsFor(_ context.Context, userID string) (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.reloadLocked(); err != nil {
		return Settings{}, err
	}
	if s, ok := f.byUser[userID]; ok {
		return s, nil
	}
	if s, ok := f.byUser["default"]; ok {
		return s, nil
	}
	return Settings{}, nil
}

func (f *FileSettings) reloadLocked() error {
	info, err := os.Stat(f.path)
	if os.IsNotExist(err) {
		f.byUser = map[string]Settings{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("alert: stat settings %s: %w", f.path, err)
	}
	if info.ModTime().Equal(f.loadedAt) {
		return nil
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("alert: read settings %s: %w", f.path, err)
	}
	var byUser map[string]Settings
	if err := json.Unmarshal(data, &byUser); err != nil {
		return fmt.Errorf("alert: parse settings %s: %w", f.path, err)
	}
	f.byUser = byUser
	f.loadedAt = info.ModTime()
	return nil
}
