// Package listener implements the client-side daemon that watches an
// agent's inbox, invokes a local capability for auto-level messages,
// and parks ask-level messages for human review.
package listener

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CapabilityConfig describes the local command run for auto-level
// messages. The prompt is substituted for any "{prompt}" argument, or
// written to stdin when Stdin is set.
type CapabilityConfig struct {
	Command        []string `json:"command"`
	Stdin          bool     `json:"stdin,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// Config is the daemon configuration stored at
// ~/.context-exchange/config.json. HumanContext is a free-form note
// about the principal that is included in every capability prompt.
type Config struct {
	ServerURL     string           `json:"server_url"`
	APIKey        string           `json:"api_key"`
	Capability    CapabilityConfig `json:"capability"`
	HumanContext  string           `json:"human_context,omitempty"`
	Notifications bool             `json:"notifications"`
}

// Dir returns the listener's state directory, honoring CEX_CONFIG.
func Dir() string {
	if dir := os.Getenv("CEX_CONFIG"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".context-exchange")
}

// ConfigPath returns the config file location.
func ConfigPath() string {
	return filepath.Join(Dir(), "config.json")
}

// InboxPath returns the pending-review file location.
func InboxPath() string {
	return filepath.Join(Dir(), "inbox.json")
}

// PidPath returns the pidfile location.
func PidPath() string {
	return filepath.Join(Dir(), "listener.pid")
}

// LogPath returns the daemon log file location.
func LogPath() string {
	return filepath.Join(Dir(), "listener.log")
}

// LoadConfig reads and validates the daemon configuration.
func LoadConfig() (*Config, error) {
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no config at %s; create one with server_url and api_key", ConfigPath())
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ConfigPath(), err)
	}

	if cfg.ServerURL == "" {
		return nil, errors.New("config is missing server_url")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("config is missing api_key")
	}

	return &cfg, nil
}

// SaveConfig writes the configuration with owner-only permissions; the
// file holds the API key.
func SaveConfig(cfg *Config) error {
	if err := os.MkdirAll(Dir(), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(ConfigPath(), data, 0o600)
}
