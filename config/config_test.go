// ABOUTME: Tests for configuration loading, environment overrides, validation, and .env handling.
// ABOUTME: Every test points TASKFLOW_HOME at a temp dir so the real home is never touched.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKFLOW_HOME", home)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database != filepath.Join(home, "taskflow.db") {
		t.Errorf("Database = %q", cfg.Database)
	}
	if cfg.PipelinesDir != filepath.Join(home, "pipelines") {
		t.Errorf("PipelinesDir = %q", cfg.PipelinesDir)
	}
	if cfg.Bind != "127.0.0.1:7420" || cfg.Supervisor.Interval != 30*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	t.Setenv("TASKFLOW_HOME", t.TempDir())
	t.Setenv("TASKFLOW_RUN_TIMEOUT", "45m")
	path := writeFile(t, "taskflow.yaml", `
bind: localhost:9000
default_agent: codex
agents:
  - {name: codex, command: "codex exec -"}
  - {name: claude, command: "claude -p"}
supervisor:
  interval: 10s
retry:
  max_retries: 5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bind != "localhost:9000" || cfg.DefaultAgent != "codex" {
		t.Errorf("bind=%q default_agent=%q", cfg.Bind, cfg.DefaultAgent)
	}
	if got := cfg.AgentCommands(); len(got) != 2 || got["codex"] != "codex exec -" {
		t.Errorf("agents = %v", got)
	}
	sup := cfg.SupervisorSettings()
	if sup.Interval != 10*time.Second || sup.RunTimeout != 45*time.Minute {
		t.Errorf("supervisor = %+v", sup)
	}
	if cfg.Retry.MaxRetries != 5 || cfg.Retry.DelayBetweenRetries != 30*time.Second {
		t.Errorf("retry = %+v, want file value merged over defaults", cfg.Retry)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Setenv("TASKFLOW_HOME", t.TempDir())
	path := writeFile(t, "taskflow.yaml", "bnd: 127.0.0.1:1\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "bnd") {
		t.Errorf("err = %v", err)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	t.Setenv("TASKFLOW_HOME", t.TempDir())
	if _, err := Load(writeFile(t, "taskflow.yaml", "")); err != nil {
		t.Errorf("empty file: %v", err)
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"TASKFLOW_SUPERVISOR_INTERVAL": "soon",
		"TASKFLOW_ALLOW_REMOTE":        "maybe",
	}
	err := cfg.ApplyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if err == nil || !strings.Contains(err.Error(), "TASKFLOW_SUPERVISOR_INTERVAL") || !strings.Contains(err.Error(), "TASKFLOW_ALLOW_REMOTE") {
		t.Errorf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "ipv6 loopback", mutate: func(c *Config) { c.Bind = "[::1]:7420" }},
		{name: "remote bind", mutate: func(c *Config) { c.Bind = "0.0.0.0:7420" }, wantErr: "not a loopback address"},
		{name: "remote allowed", mutate: func(c *Config) { c.Bind = "0.0.0.0:7420"; c.AllowRemote = true }},
		{name: "missing port", mutate: func(c *Config) { c.Bind = "127.0.0.1" }, wantErr: "bind"},
		{name: "duplicate agent", mutate: func(c *Config) {
			c.Agents = append(c.Agents, AgentConfig{Name: "claude", Command: "other"})
		}, wantErr: "duplicate agent"},
		{name: "empty command", mutate: func(c *Config) { c.Agents = []AgentConfig{{Name: "claude"}} }, wantErr: "command is required"},
		{name: "unknown default agent", mutate: func(c *Config) { c.DefaultAgent = "codex" }, wantErr: `default_agent "codex"`},
		{name: "zero interval", mutate: func(c *Config) { c.Supervisor.Interval = 0 }, wantErr: "supervisor.interval"},
		{name: "git without repo", mutate: func(c *Config) { c.Git.Enabled = true }, wantErr: "git.repo_dir"},
		{name: "shrinking backoff", mutate: func(c *Config) { c.Retry.BackoffMultiplier = 0.5 }, wantErr: "backoff_multiplier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultHomeUsesXDGDataHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)
	got, err := DefaultHome()
	if err != nil {
		t.Fatalf("DefaultHome: %v", err)
	}
	if got != filepath.Join(dir, "taskflow") {
		t.Errorf("DefaultHome() = %q", got)
	}
}

func TestLoadDotEnvDoesNotClobber(t *testing.T) {
	path := writeFile(t, ".env", "# agent credentials\nexport TASKFLOW_TEST_A=\"from file\"\nTASKFLOW_TEST_B='kept'\nnot a pair\n")
	t.Setenv("TASKFLOW_TEST_A", "")
	os.Unsetenv("TASKFLOW_TEST_A")
	t.Setenv("TASKFLOW_TEST_B", "from env")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("TASKFLOW_TEST_A"); got != "from file" {
		t.Errorf("TASKFLOW_TEST_A = %q", got)
	}
	if got := os.Getenv("TASKFLOW_TEST_B"); got != "from env" {
		t.Errorf("TASKFLOW_TEST_B = %q, want existing value kept", got)
	}
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing file: %v", err)
	}
}
