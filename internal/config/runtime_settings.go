package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MimeLyc/translation-orchestrator/internal/translator"
	"github.com/MimeLyc/translation-orchestrator/pkg/log"
)

// RuntimeSettings are the user-editable translation profiles. They live in
// SETTINGS_FILE and can be changed while the service runs.
type RuntimeSettings struct {
	Profiles        []translator.Config      `json:"profiles"`
	ActiveProfileID string                   `json:"active_profile_id"`
	Batch           translator.BatchSettings `json:"batch"`
}

func (s RuntimeSettings) Validate() error {
	seen := make(map[string]bool, len(s.Profiles))
	for _, p := range s.Profiles {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate profile id %q", p.ID)
		}
		seen[p.ID] = true
	}
	if s.ActiveProfileID != "" && !seen[s.ActiveProfileID] {
		return fmt.Errorf("active_profile_id %q does not match any profile", s.ActiveProfileID)
	}
	if s.Batch.BatchSeconds < 0 {
		return fmt.Errorf("batch_seconds must not be negative, got %d", s.Batch.BatchSeconds)
	}
	return nil
}

// Active returns the active profile, if one is selected.
func (s RuntimeSettings) Active() (translator.Config, bool) {
	if s.ActiveProfileID == "" {
		return translator.Config{}, false
	}
	for _, p := range s.Profiles {
		if p.ID == s.ActiveProfileID {
			return p, true
		}
	}
	return translator.Config{}, false
}

func (s RuntimeSettings) clone() RuntimeSettings {
	s.Profiles = append([]translator.Config(nil), s.Profiles...)
	return s
}

// DefaultRuntimeSettings is used when the settings file does not exist yet.
func (c *Config) DefaultRuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		Profiles: []translator.Config{},
		Batch:    translator.BatchSettings{BatchSeconds: c.Queue.BatchSeconds, StreamingMode: true},
	}
}

func LoadRuntimeSettingsFile(path string) (RuntimeSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeSettings{}, err
	}
	var settings RuntimeSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return RuntimeSettings{}, fmt.Errorf("invalid settings file: %w", err)
	}
	return settings, nil
}

func WriteRuntimeSettingsFile(path string, settings RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	content, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	content = append(content, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// RuntimeSettingsStore serves the current settings and is the source of
// the active translation config for the queue.
type RuntimeSettingsStore struct {
	path string

	mu      sync.RWMutex
	current RuntimeSettings
}

// NewRuntimeSettingsStore loads path, falling back to fallback when the
// file does not exist. The fallback is not written until the first update.
func NewRuntimeSettingsStore(path string, fallback RuntimeSettings) (*RuntimeSettingsStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("settings file path is required")
	}

	initial, err := LoadRuntimeSettingsFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info("Settings file %s not found, starting with defaults", path)
		initial = fallback
	case err != nil:
		return nil, err
	}
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("settings file %s: %w", path, err)
	}

	return &RuntimeSettingsStore{
		path:    path,
		current: initial.clone(),
	}, nil
}

func (s *RuntimeSettingsStore) Get() RuntimeSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.clone()
}

func (s *RuntimeSettingsStore) Update(next RuntimeSettings) (RuntimeSettings, error) {
	if err := next.Validate(); err != nil {
		return RuntimeSettings{}, err
	}
	if err := WriteRuntimeSettingsFile(s.path, next); err != nil {
		return RuntimeSettings{}, err
	}

	s.mu.Lock()
	s.current = next.clone()
	s.mu.Unlock()
	log.Info("Settings updated: %d profiles, active %q", len(next.Profiles), next.ActiveProfileID)
	return next.clone(), nil
}

// ActiveConfig returns the active profile and batch settings. ok is false
// when no profile is active.
func (s *RuntimeSettingsStore) ActiveConfig() (translator.Config, translator.BatchSettings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.current.Active()
	if !ok {
		return translator.Config{}, translator.BatchSettings{}, false
	}
	return profile, s.current.Batch.WithDefaults(), true
}
