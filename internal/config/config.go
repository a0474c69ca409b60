// Package config provides configuration loading and persistence for cacd.
//
// Configuration is loaded from:
// 1. ~/.cacd/config.json (file)
// 2. Environment variables (override file values)
//
// Environment variables:
//   - CACD_LISTEN: HTTP/WebSocket listen address
//   - CACD_SAMPLE_MS: screen sample interval in milliseconds
//   - CACD_DWELL_MS: state dwell time in milliseconds
//   - CACD_HISTORY_CAP_BYTES: per-session output history cap
//   - CACD_JUDGE_URL: auto-approval judge endpoint
//   - CACD_SSH_LISTEN: SSH attach listen address
//   - CACD_LOG_LEVEL: debug, info, warn or error
//   - CACD_CONFIG_DIR: Override config directory (for testing)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// AutoApproval configures the prompt verification pipeline.
type AutoApproval struct {
	// Enabled turns automatic approval of agent prompts on.
	Enabled bool `json:"enabled"`

	// TimeoutS is seconds before an undecided verification is treated
	// as needing a human.
	TimeoutS uint64 `json:"timeout_s"`

	// JudgeURL is an optional remote verifier endpoint.
	JudgeURL string `json:"judge_url,omitempty"`

	// AllowPatterns are glob patterns for prompts safe to approve.
	AllowPatterns []string `json:"allow_patterns,omitempty"`

	// DenyPatterns are glob patterns that always require a human.
	DenyPatterns []string `json:"deny_patterns,omitempty"`
}

// Hooks maps session states to shell commands run on entry.
type Hooks struct {
	Idle                string `json:"idle,omitempty"`
	Busy                string `json:"busy,omitempty"`
	WaitingInput        string `json:"waiting_input,omitempty"`
	PendingAutoApproval string `json:"pending_auto_approval,omitempty"`
}

// Commands returns the non-empty hook commands keyed by state name.
func (h Hooks) Commands() map[string]string {
	cmds := make(map[string]string, 4)
	for kind, cmd := range map[string]string{
		"idle":                  h.Idle,
		"busy":                  h.Busy,
		"waiting_input":         h.WaitingInput,
		"pending_auto_approval": h.PendingAutoApproval,
	} {
		if cmd != "" {
			cmds[kind] = cmd
		}
	}
	return cmds
}

// SSH configures the optional SSH attach server.
type SSH struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
}

// Tailscale configures the optional tailnet listener.
type Tailscale struct {
	Enabled    bool   `json:"enabled"`
	Hostname   string `json:"hostname"`
	ControlURL string `json:"control_url,omitempty"`
	AuthKey    string `json:"auth_key,omitempty"`
}

// Config holds all configuration for the daemon.
type Config struct {
	// Listen is the HTTP/WebSocket bind address.
	Listen string `json:"listen"`

	// SampleMs is the screen sample interval in milliseconds.
	SampleMs uint64 `json:"sample_ms"`

	// DwellMs is how long a detected state must hold before it is
	// committed, in milliseconds.
	DwellMs uint64 `json:"dwell_ms"`

	// HistoryCapBytes bounds each session's retained output.
	HistoryCapBytes int `json:"history_cap_bytes"`

	// AutoApproval configures prompt verification.
	AutoApproval AutoApproval `json:"auto_approval"`

	// Hooks are shell commands run on session state changes.
	Hooks Hooks `json:"hooks"`

	// AllowedOrigins are extra WebSocket origins beyond localhost.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	// SSH configures the SSH attach server.
	SSH SSH `json:"ssh"`

	// Tailscale configures the tailnet listener.
	Tailscale Tailscale `json:"tailscale"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `json:"log_level"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:          "127.0.0.1:8700",
		SampleMs:        100,
		DwellMs:         500,
		HistoryCapBytes: 1 << 20,
		AutoApproval: AutoApproval{
			Enabled:  false,
			TimeoutS: 30,
		},
		SSH: SSH{
			Enabled: false,
			Listen:  "127.0.0.1:2200",
		},
		Tailscale: Tailscale{
			Enabled:  false,
			Hostname: "cacd",
		},
		LogLevel: "info",
	}
}

// SampleInterval returns the sample period as a duration.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.SampleMs) * time.Millisecond
}

// Dwell returns the state dwell time as a duration.
func (c *Config) Dwell() time.Duration {
	return time.Duration(c.DwellMs) * time.Millisecond
}

// ApprovalTimeout returns the verification timeout as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.AutoApproval.TimeoutS) * time.Second
}

// ConfigDir returns the configuration directory path, creating it if necessary.
// Respects CACD_CONFIG_DIR environment variable for testing.
func ConfigDir() (string, error) {
	if testDir := os.Getenv("CACD_CONFIG_DIR"); testDir != "" {
		if err := os.MkdirAll(testDir, 0700); err != nil {
			return "", fmt.Errorf("could not create config directory: %w", err)
		}
		return testDir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".cacd")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("could not create config directory: %w", err)
	}

	return dir, nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads configuration from file and applies environment variable overrides.
// Priority: Environment variables > config file > defaults
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Missing or unreadable file just means defaults.
	_ = cfg.loadFromFile()

	cfg.applyEnvOverrides()

	return cfg, nil
}

func (c *Config) loadFromFile() error {
	configPath, err := ConfigPath()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, c)
}

func (c *Config) applyEnvOverrides() {
	if listen := os.Getenv("CACD_LISTEN"); listen != "" {
		c.Listen = listen
	}

	if judgeURL := os.Getenv("CACD_JUDGE_URL"); judgeURL != "" {
		c.AutoApproval.JudgeURL = judgeURL
	}

	if sshListen := os.Getenv("CACD_SSH_LISTEN"); sshListen != "" {
		c.SSH.Listen = sshListen
	}

	if level := os.Getenv("CACD_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}

	if sampleMs := os.Getenv("CACD_SAMPLE_MS"); sampleMs != "" {
		if val, err := strconv.ParseUint(sampleMs, 10, 64); err == nil {
			c.SampleMs = val
		}
	}

	if dwellMs := os.Getenv("CACD_DWELL_MS"); dwellMs != "" {
		if val, err := strconv.ParseUint(dwellMs, 10, 64); err == nil {
			c.DwellMs = val
		}
	}

	if capBytes := os.Getenv("CACD_HISTORY_CAP_BYTES"); capBytes != "" {
		if val, err := strconv.Atoi(capBytes); err == nil {
			c.HistoryCapBytes = val
		}
	}
}

// Save writes configuration to the config file.
func (c *Config) Save() error {
	configPath, err := ConfigPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("could not write config file: %w", err)
	}

	return nil
}
