package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

const (
	DefaultOCRModel     = "deepseek-ai/DeepSeek-OCR"
	DefaultRestoreModel = "Qwen/Qwen3-VL-32B-Thinking"
)

// DefaultRestoreRubric is the system instruction the restoration model judges
// table segments with.
const DefaultRestoreRubric = `You verify HTML tables produced by an OCR engine against the original page image.

Decide whether the table is REAL TABULAR DATA or LAYOUT ONLY.

It is real tabular data when it has at least one of:
- a header row naming the columns
- cells spanning several rows or columns to group related rows hierarchically
- rows that align attributes with their values

Real tabular data: return the table as HTML, preserving every cell's text verbatim. Fix
only cell boundaries or spans that clearly disagree with the image.

Layout only (text arranged in boxes, forms, multi-column prose, headers/footers): return
the content as markdown headings and paragraphs, in reading order, with no <table> markup.
Every piece of text in the input must appear in the output. Never summarize, translate or
omit anything.

Return only the resulting segment, without explanations or code fences.`

// Settings are the runtime values every OCR and restoration call reads. A
// Settings value is an immutable snapshot; updates replace it as a whole.
type Settings struct {
	APIKey        string `json:"api_key,omitempty"`
	OCRModel      string `json:"ocr_model,omitempty"`
	RestoreModel  string `json:"restore_model,omitempty"`
	RestoreRubric string `json:"restore_rubric,omitempty"`
}

func (s Settings) withDefaults() Settings {
	if s.OCRModel == "" {
		s.OCRModel = DefaultOCRModel
	}
	if s.RestoreModel == "" {
		s.RestoreModel = DefaultRestoreModel
	}
	if s.RestoreRubric == "" {
		s.RestoreRubric = DefaultRestoreRubric
	}
	return s
}

// Redacted returns a copy safe to show to clients.
func (s Settings) Redacted() Settings {
	if len(s.APIKey) > 8 {
		s.APIKey = s.APIKey[:4] + "..." + s.APIKey[len(s.APIKey)-4:]
	} else if s.APIKey != "" {
		s.APIKey = "***"
	}
	return s
}

// SettingsUpdate carries optional overrides. A nil field keeps the current
// value; an empty string resets the field to its built-in default.
type SettingsUpdate struct {
	APIKey        *string `json:"api_key"`
	OCRModel      *string `json:"ocr_model"`
	RestoreModel  *string `json:"restore_model"`
	RestoreRubric *string `json:"restore_rubric"`
}

// SettingsStore holds the current Settings snapshot and persists overrides
// to an optional JSON file.
type SettingsStore struct {
	mu       sync.Mutex // serializes writers
	current  atomic.Pointer[Settings]
	defaults Settings
	path     string
}

// NewSettingsStore seeds the store with defaults and applies any overrides
// found in path. A missing file is not an error.
func NewSettingsStore(defaults Settings, path string) (*SettingsStore, error) {
	s := &SettingsStore{defaults: defaults.withDefaults(), path: path}
	merged := s.defaults
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read settings: %w", err)
		default:
			var stored Settings
			if err := json.Unmarshal(data, &stored); err != nil {
				return nil, fmt.Errorf("decode settings %s: %w", path, err)
			}
			merged = overlay(merged, stored)
		}
	}
	s.current.Store(&merged)
	return s, nil
}

// Snapshot returns the current settings.
func (s *SettingsStore) Snapshot() Settings {
	return *s.current.Load()
}

// Update applies u, persists the overridden fields, and returns the new snapshot.
func (s *SettingsStore) Update(u SettingsUpdate) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.current.Load()
	apply := func(dst *string, v *string, def string) {
		if v == nil {
			return
		}
		if *v == "" {
			*dst = def
			return
		}
		*dst = *v
	}
	apply(&next.APIKey, u.APIKey, s.defaults.APIKey)
	apply(&next.OCRModel, u.OCRModel, s.defaults.OCRModel)
	apply(&next.RestoreModel, u.RestoreModel, s.defaults.RestoreModel)
	apply(&next.RestoreRubric, u.RestoreRubric, s.defaults.RestoreRubric)

	if err := s.persist(next); err != nil {
		return Settings{}, err
	}
	s.current.Store(&next)
	return next, nil
}

// persist writes only the values that differ from the defaults.
func (s *SettingsStore) persist(next Settings) error {
	if s.path == "" {
		return nil
	}
	var diff Settings
	if next.APIKey != s.defaults.APIKey {
		diff.APIKey = next.APIKey
	}
	if next.OCRModel != s.defaults.OCRModel {
		diff.OCRModel = next.OCRModel
	}
	if next.RestoreModel != s.defaults.RestoreModel {
		diff.RestoreModel = next.RestoreModel
	}
	if next.RestoreRubric != s.defaults.RestoreRubric {
		diff.RestoreRubric = next.RestoreRubric
	}
	data, err := json.MarshalIndent(diff, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create settings dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

func overlay(base, over Settings) Settings {
	if over.APIKey != "" {
		base.APIKey = over.APIKey
	}
	if over.OCRModel != "" {
		base.OCRModel = over.OCRModel
	}
	if over.RestoreModel != "" {
		base.RestoreModel = over.RestoreModel
	}
	if over.RestoreRubric != "" {
		base.RestoreRubric = over.RestoreRubric
	}
	return base
}
