package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultAuthURL     = "http://localhost:8081"
	defaultSessionsURL = "http://localhost:8082"
	defaultTimeout     = 15 * time.Second
)

// Config is the CLI configuration. Missing files are fine; every field has a
// default.
type Config struct {
	AuthURL     string `yaml:"authURL"`
	SessionsURL string `yaml:"sessionsURL"`
	DataPath    string `yaml:"dataPath"`
	LogLevel    string `yaml:"logLevel"`
	Timeout     string `yaml:"timeout"`
}

// DefaultConfigPath is $XDG_CONFIG_HOME/whatsgonow/config.yaml.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "whatsgonow", "config.yaml")
}

// LoadConfig reads path, applies WHATSGONOW_* overrides and fills defaults.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if path == "" {
		path = DefaultConfigPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	overrides := []struct {
		env string
		dst *string
	}{
		{"WHATSGONOW_AUTH_URL", &cfg.AuthURL},
		{"WHATSGONOW_SESSIONS_URL", &cfg.SessionsURL},
		{"WHATSGONOW_DATA_PATH", &cfg.DataPath},
		{"WHATSGONOW_LOG_LEVEL", &cfg.LogLevel},
		{"WHATSGONOW_TIMEOUT", &cfg.Timeout},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.env)); v != "" {
			*o.dst = v
		}
	}

	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.SessionsURL == "" {
		cfg.SessionsURL = defaultSessionsURL
	}
	if cfg.DataPath == "" {
		cfg.DataPath = filepath.Join(filepath.Dir(path), "device.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "warn"
	}
	if _, err := cfg.timeout(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) timeout() (time.Duration, error) {
	raw := strings.TrimSpace(c.Timeout)
	if raw == "" {
		return defaultTimeout, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: invalid timeout %q", c.Timeout)
	}
	return d, nil
}
