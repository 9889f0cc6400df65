package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Session is the user-editable client configuration. It is created with
// defaults at startup, mutated through the configure screen, and read once
// when a session starts to build the token request and device constraints.
type Session struct {
	Model                string  `yaml:"model"`
	Voice                string  `yaml:"voice"`
	Instructions         string  `yaml:"instructions"`
	MicrophoneID         string  `yaml:"microphone_id"`
	StartWithMicDisabled bool    `yaml:"start_with_mic_disabled"`
	Temperature          *string `yaml:"temperature,omitempty"`

	BackendURL string `yaml:"backend_url"`
}

func DefaultSession() Session {
	return Session{
		Model:        "gpt-4o-realtime-preview",
		Voice:        "verse",
		Instructions: "You are a natural, native AI assistant that speaks clearly and conversationally.",
		BackendURL:   "http://localhost:8080",
	}
}

// LoadSession reads the YAML config at path, applying defaults for anything
// left unset. A missing file is not an error; the defaults are returned.
func LoadSession(path string) (Session, error) {
	cfg := DefaultSession()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultSession().Model
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultSession().Voice
	}
	if cfg.BackendURL == "" {
		cfg.BackendURL = DefaultSession().BackendURL
	}
	return cfg, nil
}

// SaveSession persists the config back to path so edits made on the configure
// screen survive restarts.
func SaveSession(path string, cfg Session) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
