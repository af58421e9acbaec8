package client

import (
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings stores user preferences persisted as YAML next to the binary.
type Settings struct {
	ServerURL       string `yaml:"server_url"`
	Username        string `yaml:"username,omitempty"`
	Insecure        bool   `yaml:"insecure,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	LogLevel        string `yaml:"log_level,omitempty"`
}

// DefaultSettings returns default settings.
func DefaultSettings() *Settings {
	return &Settings{
		ServerURL: "ws://localhost:8080/ws",
		LogLevel:  "info",
	}
}

// SettingsPath is the default settings file.
func SettingsPath() string {
	return besideExecutable("settings.yaml")
}

// LoadSettings loads settings from path or returns defaults.
func LoadSettings(path string) *Settings {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		slog.Error("parse settings", "path", path, "err", err)
		return DefaultSettings()
	}
	return s
}

// Save writes settings to path.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
