package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const appName = "collabsync"

// Environment variables overriding the file.
const (
	EnvConfigPath = "COLLABSYNC_CONFIG"
	EnvServerURL  = "COLLABSYNC_SERVER_URL"
	EnvLogLevel   = "COLLABSYNC_LOG_LEVEL"
	EnvLogPath    = "COLLABSYNC_LOG_PATH"
)

// Config holds the client configuration
type Config struct {
	ServerURL               string `json:"server_url"`
	UserID                  uint32 `json:"user_id"`
	Token                   string `json:"token,omitempty"`
	LogLevel                string `json:"log_level"` // debug, info, warn, error, none
	LogPath                 string `json:"log_path"`  // "-" is stderr, empty discards
	JournalPath             string `json:"journal_path"`
	JournalEnabled          bool   `json:"journal_enabled"`
	HandshakeTimeoutSeconds int    `json:"handshake_timeout_seconds"`
	WriteTimeoutSeconds     int    `json:"write_timeout_seconds"`
	PingIntervalSeconds     int    `json:"ping_interval_seconds"` // 0 disables pings
	MaxFrameBytes           int64  `json:"max_frame_bytes"`
	ReloadMailboxSize       int    `json:"reload_mailbox_size"`
	ScrollThreshold         int    `json:"scroll_threshold"`
	SingleSide              bool   `json:"single_side"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", appName)
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", appName)
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", appName)
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	return &Config{
		ServerURL:               "ws://localhost:8088/session",
		LogLevel:                "info",
		LogPath:                 filepath.Join(stateDir, appName+".log"),
		JournalPath:             filepath.Join(stateDir, "journal.db"),
		HandshakeTimeoutSeconds: 10,
		WriteTimeoutSeconds:     10,
		PingIntervalSeconds:     54,
		MaxFrameBytes:           1 << 20,
		ReloadMailboxSize:       64,
		ScrollThreshold:         10,
	}
}

// Load loads configuration from file. A missing file yields the defaults.
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		// Unmarshal into default config (overrides only provided fields)
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvServerURL)); v != "" {
		c.ServerURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv(EnvLogPath); ok {
		c.LogPath = strings.TrimSpace(v)
	}
}

// Validate reports settings the client cannot run with.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		return fmt.Errorf("server_url %q must be a ws:// or wss:// url", c.ServerURL)
	}
	if c.MaxFrameBytes < 0 || c.HandshakeTimeoutSeconds < 0 || c.WriteTimeoutSeconds < 0 || c.PingIntervalSeconds < 0 {
		return errors.New("timeouts and frame size must not be negative")
	}
	if c.ReloadMailboxSize <= 0 {
		c.ReloadMailboxSize = DefaultConfig().ReloadMailboxSize
	}
	return nil
}

// HandshakeTimeout returns the websocket handshake timeout.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

// WriteTimeout returns the per-frame write deadline.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// PingInterval returns the keepalive interval.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

// Save saves configuration to file. The file holds the session token, so it
// is only readable by the owner.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// GetConfigPath returns the config path: $COLLABSYNC_CONFIG or the default.
func GetConfigPath() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return filepath.Join(defaultConfigDir(), "config.json")
}
