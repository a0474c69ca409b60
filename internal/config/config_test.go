package config

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestEnv points the config directory at a temp dir and clears
// override env vars. Returns a cleanup function to restore state.
func setupTestEnv(t *testing.T) func() {
	t.Helper()

	vars := []string{
		"CACD_CONFIG_DIR",
		"CACD_LISTEN",
		"CACD_SAMPLE_MS",
		"CACD_DWELL_MS",
		"CACD_HISTORY_CAP_BYTES",
		"CACD_JUDGE_URL",
		"CACD_SSH_LISTEN",
		"CACD_LOG_LEVEL",
	}
	orig := make(map[string]string, len(vars))
	for _, v := range vars {
		orig[v] = os.Getenv(v)
		os.Unsetenv(v)
	}

	tmpDir := t.TempDir()
	os.Setenv("CACD_CONFIG_DIR", tmpDir)

	return func() {
		for _, v := range vars {
			if orig[v] != "" {
				os.Setenv(v, orig[v])
			} else {
				os.Unsetenv(v)
			}
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Listen != "127.0.0.1:8700" {
		t.Errorf("Listen = %q, want %q", cfg.Listen, "127.0.0.1:8700")
	}
	if cfg.SampleMs != 100 {
		t.Errorf("SampleMs = %d, want %d", cfg.SampleMs, 100)
	}
	if cfg.DwellMs != 500 {
		t.Errorf("DwellMs = %d, want %d", cfg.DwellMs, 500)
	}
	if cfg.HistoryCapBytes != 1<<20 {
		t.Errorf("HistoryCapBytes = %d, want %d", cfg.HistoryCapBytes, 1<<20)
	}
	if cfg.AutoApproval.Enabled {
		t.Error("AutoApproval.Enabled should default to false")
	}
	if cfg.AutoApproval.TimeoutS != 30 {
		t.Errorf("AutoApproval.TimeoutS = %d, want %d", cfg.AutoApproval.TimeoutS, 30)
	}
	if cfg.SSH.Enabled {
		t.Error("SSH.Enabled should default to false")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{SampleMs: 250, DwellMs: 750, AutoApproval: AutoApproval{TimeoutS: 5}}

	if got := cfg.SampleInterval(); got != 250*time.Millisecond {
		t.Errorf("SampleInterval() = %v, want %v", got, 250*time.Millisecond)
	}
	if got := cfg.Dwell(); got != 750*time.Millisecond {
		t.Errorf("Dwell() = %v, want %v", got, 750*time.Millisecond)
	}
	if got := cfg.ApprovalTimeout(); got != 5*time.Second {
		t.Errorf("ApprovalTimeout() = %v, want %v", got, 5*time.Second)
	}
}

func TestHookCommands(t *testing.T) {
	h := Hooks{
		Idle:         "notify idle",
		WaitingInput: "notify waiting",
	}

	cmds := h.Commands()
	if len(cmds) != 2 {
		t.Fatalf("Commands() returned %d entries, want 2", len(cmds))
	}
	if cmds["idle"] != "notify idle" {
		t.Errorf(`Commands()["idle"] = %q, want %q`, cmds["idle"], "notify idle")
	}
	if cmds["waiting_input"] != "notify waiting" {
		t.Errorf(`Commands()["waiting_input"] = %q, want %q`, cmds["waiting_input"], "notify waiting")
	}
	if _, ok := cmds["busy"]; ok {
		t.Error("empty hook command should be omitted")
	}
}

func TestLoadFromFile(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	configPath, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath() failed: %v", err)
	}

	fileConfig := DefaultConfig()
	fileConfig.Listen = "0.0.0.0:9000"
	fileConfig.SampleMs = 50
	fileConfig.AutoApproval.Enabled = true
	fileConfig.AutoApproval.AllowPatterns = []string{"*ls*"}
	fileConfig.Hooks.Idle = "notify-send idle"

	data, err := json.MarshalIndent(fileConfig, "", "  ")
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("Listen = %q, want %q", cfg.Listen, "0.0.0.0:9000")
	}
	if cfg.SampleMs != 50 {
		t.Errorf("SampleMs = %d, want %d", cfg.SampleMs, 50)
	}
	if !cfg.AutoApproval.Enabled {
		t.Error("AutoApproval.Enabled should be loaded from file")
	}
	if len(cfg.AutoApproval.AllowPatterns) != 1 || cfg.AutoApproval.AllowPatterns[0] != "*ls*" {
		t.Errorf("AllowPatterns = %v, want [*ls*]", cfg.AutoApproval.AllowPatterns)
	}
	if cfg.Hooks.Idle != "notify-send idle" {
		t.Errorf("Hooks.Idle = %q, want %q", cfg.Hooks.Idle, "notify-send idle")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	configPath, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath() failed: %v", err)
	}

	fileConfig := DefaultConfig()
	fileConfig.Listen = "127.0.0.1:1111"
	fileConfig.SampleMs = 42
	data, _ := json.MarshalIndent(fileConfig, "", "  ")
	os.WriteFile(configPath, data, 0600)

	os.Setenv("CACD_LISTEN", "127.0.0.1:2222")
	os.Setenv("CACD_SAMPLE_MS", "200")
	os.Setenv("CACD_JUDGE_URL", "http://judge.local")
	os.Setenv("CACD_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Listen != "127.0.0.1:2222" {
		t.Errorf("Listen = %q, want env override", cfg.Listen)
	}
	if cfg.SampleMs != 200 {
		t.Errorf("SampleMs = %d, want env override 200", cfg.SampleMs)
	}
	if cfg.AutoApproval.JudgeURL != "http://judge.local" {
		t.Errorf("JudgeURL = %q, want env override", cfg.AutoApproval.JudgeURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want env override debug", cfg.LogLevel)
	}
}

func TestSaveAndLoad(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	cfg := DefaultConfig()
	cfg.HistoryCapBytes = 4096
	cfg.AutoApproval.DenyPatterns = []string{"*rm -rf*"}
	cfg.SSH.Enabled = true

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if loaded.HistoryCapBytes != 4096 {
		t.Errorf("HistoryCapBytes = %d, want %d", loaded.HistoryCapBytes, 4096)
	}
	if len(loaded.AutoApproval.DenyPatterns) != 1 || loaded.AutoApproval.DenyPatterns[0] != "*rm -rf*" {
		t.Errorf("DenyPatterns = %v, want [*rm -rf*]", loaded.AutoApproval.DenyPatterns)
	}
	if !loaded.SSH.Enabled {
		t.Error("SSH.Enabled should persist")
	}
}

func TestConfigDirOverride(t *testing.T) {
	tmpDir := t.TempDir()
	customDir := filepath.Join(tmpDir, "custom_config")

	os.Setenv("CACD_CONFIG_DIR", customDir)
	defer os.Unsetenv("CACD_CONFIG_DIR")

	dir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir() failed: %v", err)
	}

	if dir != customDir {
		t.Errorf("ConfigDir() = %q, want %q", dir, customDir)
	}

	if _, err := os.Stat(customDir); os.IsNotExist(err) {
		t.Errorf("Config directory was not created")
	}
}

func TestLoadWithNoFile(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Listen != "127.0.0.1:8700" {
		t.Errorf("Listen = %q, want default", cfg.Listen)
	}
	if cfg.DwellMs != 500 {
		t.Errorf("DwellMs = %d, want default 500", cfg.DwellMs)
	}
}

func TestInvalidEnvVarsIgnored(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("CACD_SAMPLE_MS", "not_a_number")
	os.Setenv("CACD_DWELL_MS", "")
	os.Setenv("CACD_HISTORY_CAP_BYTES", "invalid")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.SampleMs != 100 {
		t.Errorf("SampleMs = %d, want default 100 (invalid env ignored)", cfg.SampleMs)
	}
	if cfg.DwellMs != 500 {
		t.Errorf("DwellMs = %d, want default 500 (empty env ignored)", cfg.DwellMs)
	}
	if cfg.HistoryCapBytes != 1<<20 {
		t.Errorf("HistoryCapBytes = %d, want default (invalid env ignored)", cfg.HistoryCapBytes)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	cfg := DefaultConfig()
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Config, 1)
	watchDone := make(chan error, 1)
	go func() {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		watchDone <- Watch(ctx, logger, func(c *Config) {
			select {
			case changed <- c:
			default:
			}
		})
	}()

	// Give the watcher a moment to install before mutating the file.
	time.Sleep(100 * time.Millisecond)

	cfg.SampleMs = 77
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	select {
	case got := <-changed:
		if got.SampleMs != 77 {
			t.Errorf("reloaded SampleMs = %d, want 77", got.SampleMs)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Watch never delivered the reloaded config")
	}

	cancel()
	select {
	case err := <-watchDone:
		if err != context.Canceled {
			t.Errorf("Watch() returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop on cancel")
	}
}
