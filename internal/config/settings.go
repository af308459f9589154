package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/text/language"
)

const DefaultSettingsFile = "/app/config/settings.json"

// Settings are the user-facing panel preferences. JSON keys match the
// browser extension's storage keys.
type Settings struct {
	Enabled             bool    `json:"isEnabled"`
	FontSize            int     `json:"fontSize"`
	Opacity             float64 `json:"opacity"`
	Width               int     `json:"width,omitempty"`
	Height              int     `json:"height,omitempty"`
	CaptionLanguage     string  `json:"language"`
	TranslationEnabled  bool    `json:"translationEnabled"`
	TranslationLanguage string  `json:"translationLanguage"`
	MixRatio            float64 `json:"translationRatio"`
	Credential          string  `json:"apiKey"`
	SelectedModel       string  `json:"selectedModel"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:             true,
		FontSize:            16,
		Opacity:             0.8,
		CaptionLanguage:     "en",
		TranslationEnabled:  false,
		TranslationLanguage: "zh",
		MixRatio:            1.0,
	}
}

func SettingsFilePath() string {
	return getEnvString("SETTINGS_FILE", DefaultSettingsFile)
}

func (s Settings) Validate() error {
	if s.FontSize < 8 || s.FontSize > 72 {
		return fmt.Errorf("fontSize must be between 8 and 72")
	}
	if s.Opacity < 0 || s.Opacity > 1 {
		return fmt.Errorf("opacity must be between 0 and 1")
	}
	if s.Width < 0 || s.Height < 0 {
		return fmt.Errorf("panel size must not be negative")
	}
	if strings.TrimSpace(s.CaptionLanguage) == "" {
		return fmt.Errorf("language is required")
	}
	if _, err := language.Parse(s.CaptionLanguage); err != nil {
		return fmt.Errorf("invalid language: %w", err)
	}
	if strings.TrimSpace(s.TranslationLanguage) == "" {
		return fmt.Errorf("translationLanguage is required")
	}
	if _, err := language.Parse(s.TranslationLanguage); err != nil {
		return fmt.Errorf("invalid translationLanguage: %w", err)
	}
	if s.MixRatio < 0 || s.MixRatio > 1 {
		return fmt.Errorf("translationRatio must be between 0 and 1")
	}
	return nil
}

// Redacted returns a copy with the credential masked.
func (s Settings) Redacted() Settings {
	if s.Credential != "" {
		s.Credential = maskSecret(s.Credential)
	}
	return s
}

func maskSecret(v string) string {
	if len(v) <= 8 {
		return "***"
	}
	return v[:4] + "***" + v[len(v)-4:]
}

// SettingsPatch is a partial update; nil fields are left unchanged.
type SettingsPatch struct {
	Enabled             *bool    `json:"isEnabled,omitempty"`
	FontSize            *int     `json:"fontSize,omitempty"`
	Opacity             *float64 `json:"opacity,omitempty"`
	Width               *int     `json:"width,omitempty"`
	Height              *int     `json:"height,omitempty"`
	CaptionLanguage     *string  `json:"language,omitempty"`
	TranslationEnabled  *bool    `json:"translationEnabled,omitempty"`
	TranslationLanguage *string  `json:"translationLanguage,omitempty"`
	MixRatio            *float64 `json:"translationRatio,omitempty"`
	Credential          *string  `json:"apiKey,omitempty"`
	SelectedModel       *string  `json:"selectedModel,omitempty"`
}

func (s Settings) Apply(p SettingsPatch) Settings {
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.FontSize != nil {
		s.FontSize = *p.FontSize
	}
	if p.Opacity != nil {
		s.Opacity = *p.Opacity
	}
	if p.Width != nil {
		s.Width = *p.Width
	}
	if p.Height != nil {
		s.Height = *p.Height
	}
	if p.CaptionLanguage != nil {
		s.CaptionLanguage = *p.CaptionLanguage
	}
	if p.TranslationEnabled != nil {
		s.TranslationEnabled = *p.TranslationEnabled
	}
	if p.TranslationLanguage != nil {
		s.TranslationLanguage = *p.TranslationLanguage
	}
	if p.MixRatio != nil {
		s.MixRatio = *p.MixRatio
	}
	if p.Credential != nil {
		s.Credential = *p.Credential
	}
	if p.SelectedModel != nil {
		s.SelectedModel = *p.SelectedModel
	}
	return s
}

// Settings derives the initial panel settings from env configuration.
func (c *Config) Settings() Settings {
	s := DefaultSettings()
	s.CaptionLanguage = c.Caption.Language
	s.TranslationEnabled = c.Translate.Enabled
	s.TranslationLanguage = c.Translate.TargetLanguage.String()
	s.MixRatio = c.Translate.MixRatio
	s.Credential = c.LLM.APIKey
	s.SelectedModel = c.LLM.Model
	return s
}

// WithSettings lets persisted settings override env values.
func WithSettings(settings Settings) Option {
	return func(c *Config) {
		if strings.TrimSpace(settings.Credential) != "" {
			c.LLM.APIKey = settings.Credential
		}
		if strings.TrimSpace(settings.SelectedModel) != "" {
			c.LLM.Model = settings.SelectedModel
		}
		if strings.TrimSpace(settings.CaptionLanguage) != "" {
			c.Caption.Language = settings.CaptionLanguage
		}
		if tag, err := language.Parse(settings.TranslationLanguage); err == nil {
			c.Translate.TargetLanguage = tag
		}
		if settings.MixRatio >= 0 && settings.MixRatio <= 1 {
			c.Translate.MixRatio = settings.MixRatio
		}
		c.Translate.Enabled = settings.TranslationEnabled
	}
}

func LoadSettingsFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	settings := DefaultSettings()
	if err := json.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("invalid settings file: %w", err)
	}
	return settings, nil
}

// LoadSettingsFileOrDefault returns fallback when path does not exist.
func LoadSettingsFileOrDefault(path string, fallback Settings) (Settings, error) {
	settings, err := LoadSettingsFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fallback, nil
	}
	return settings, err
}

func WriteSettingsFile(path string, settings Settings) error {
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

// SettingsStore keeps the current settings in memory and persists every update.
type SettingsStore struct {
	path string

	mu      sync.RWMutex
	current Settings
}

// NewSettingsStore starts from initial. Nothing is written to path until
// the first update.
func NewSettingsStore(path string, initial Settings) (*SettingsStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("settings file path is required")
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &SettingsStore{
		path:    path,
		current: initial,
	}, nil
}

func (s *SettingsStore) GetSettings() (Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

func (s *SettingsStore) UpdateSettings(next Settings) (Settings, error) {
	if err := next.Validate(); err != nil {
		return Settings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := WriteSettingsFile(s.path, next); err != nil {
		return Settings{}, err
	}
	s.current = next
	return next, nil
}

// PatchSettings applies p to the current settings and persists the result.
func (s *SettingsStore) PatchSettings(p SettingsPatch) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Apply(p)
	if err := next.Validate(); err != nil {
		return Settings{}, err
	}
	if err := WriteSettingsFile(s.path, next); err != nil {
		return Settings{}, err
	}
	s.current = next
	return next, nil
}
