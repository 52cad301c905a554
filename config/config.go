// ABOUTME: Service configuration loaded from YAML, overridden by TASKFLOW_* environment variables, then validated.
// ABOUTME: The HTTP listener is loopback-only unless allow_remote is set explicitly.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389-research/taskflow/supervisor"
)

// AgentConfig names a shell command that runs one kind of agent.
type AgentConfig struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

// SupervisorConfig holds the health supervisor's timing.
type SupervisorConfig struct {
	Interval   time.Duration `yaml:"interval"`
	RunTimeout time.Duration `yaml:"run_timeout"`
	GhostGrace time.Duration `yaml:"ghost_grace"`
}

// GitConfig enables the PR hooks.
type GitConfig struct {
	Enabled bool   `yaml:"enabled"`
	RepoDir string `yaml:"repo_dir"`
	Remote  string `yaml:"remote"`
}

// Config is the full service configuration.
type Config struct {
	Home         string `yaml:"home"`
	Database     string `yaml:"database"`
	PipelinesDir string `yaml:"pipelines_dir"`
	Bind         string `yaml:"bind"`
	AllowRemote  bool   `yaml:"allow_remote"`

	DefaultAgent string        `yaml:"default_agent"`
	Agents       []AgentConfig `yaml:"agents"`
	WorkDir      string        `yaml:"work_dir"`

	PipelineCacheSize int                    `yaml:"pipeline_cache_size"`
	Supervisor        SupervisorConfig       `yaml:"supervisor"`
	Retry             supervisor.RetryPolicy `yaml:"retry"`
	Git               GitConfig              `yaml:"git"`
}

// Default returns the configuration used when no file or env overrides are given.
func Default() Config {
	sup := supervisor.DefaultConfig()
	return Config{
		Bind:              "127.0.0.1:7420",
		DefaultAgent:      "claude",
		Agents:            []AgentConfig{{Name: "claude", Command: "claude -p"}},
		PipelineCacheSize: 64,
		Supervisor: SupervisorConfig{
			Interval:   sup.Interval,
			RunTimeout: sup.RunTimeout,
			GhostGrace: sup.GhostGrace,
		},
		Retry: supervisor.DefaultRetryPolicy(),
		Git:   GitConfig{Remote: "origin"},
	}
}

// Load reads path (optional), applies environment overrides, fills derived
// paths and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.resolvePaths(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from TASKFLOW_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("TASKFLOW_HOME", &c.Home)
	str("TASKFLOW_DB", &c.Database)
	str("TASKFLOW_BIND", &c.Bind)
	str("TASKFLOW_PIPELINES_DIR", &c.PipelinesDir)
	str("TASKFLOW_DEFAULT_AGENT", &c.DefaultAgent)
	str("TASKFLOW_WORK_DIR", &c.WorkDir)

	var errs []error
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	dur("TASKFLOW_SUPERVISOR_INTERVAL", &c.Supervisor.Interval)
	dur("TASKFLOW_RUN_TIMEOUT", &c.Supervisor.RunTimeout)

	if v, ok := lookup("TASKFLOW_ALLOW_REMOTE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TASKFLOW_ALLOW_REMOTE: %w", err))
		} else {
			c.AllowRemote = b
		}
	}
	return errors.Join(errs...)
}

func (c *Config) resolvePaths() error {
	if c.Home == "" {
		home, err := DefaultHome()
		if err != nil {
			return err
		}
		c.Home = home
	}
	if c.Database == "" {
		c.Database = filepath.Join(c.Home, "taskflow.db")
	}
	if c.PipelinesDir == "" {
		c.PipelinesDir = filepath.Join(c.Home, "pipelines")
	}
	return nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if err := checkBind(c.Bind, c.AllowRemote); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool)
	for i, a := range c.Agents {
		switch {
		case strings.TrimSpace(a.Name) == "":
			errs = append(errs, fmt.Errorf("agents[%d]: name is required", i))
		case seen[a.Name]:
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate agent %q", i, a.Name))
		case strings.TrimSpace(a.Command) == "":
			errs = append(errs, fmt.Errorf("agent %q: command is required", a.Name))
		}
		seen[a.Name] = true
	}
	if c.DefaultAgent != "" && len(c.Agents) > 0 && !seen[c.DefaultAgent] {
		errs = append(errs, fmt.Errorf("default_agent %q is not a configured agent", c.DefaultAgent))
	}

	if c.Supervisor.Interval <= 0 {
		errs = append(errs, errors.New("supervisor.interval must be positive"))
	}
	if c.Supervisor.RunTimeout <= 0 {
		errs = append(errs, errors.New("supervisor.run_timeout must be positive"))
	}
	if c.Supervisor.GhostGrace < 0 {
		errs = append(errs, errors.New("supervisor.ghost_grace must not be negative"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	if c.Retry.Enabled && c.Retry.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("retry.backoff_multiplier must be at least 1"))
	}
	if c.Git.Enabled && c.Git.RepoDir == "" {
		errs = append(errs, errors.New("git.repo_dir is required when git is enabled"))
	}
	return errors.Join(errs...)
}

func checkBind(bind string, allowRemote bool) error {
	host, _, err := net.SplitHostPort(bind)
	if err != nil {
		return fmt.Errorf("bind %q: %w", bind, err)
	}
	if allowRemote {
		return nil
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("bind %q is not a loopback address; set allow_remote to listen remotely", bind)
}

// AgentCommands maps agent name to command.
func (c *Config) AgentCommands() map[string]string {
	out := make(map[string]string, len(c.Agents))
	for _, a := range c.Agents {
		out[a.Name] = a.Command
	}
	return out
}

// SupervisorSettings converts the supervisor section.
func (c *Config) SupervisorSettings() supervisor.Config {
	return supervisor.Config{
		Interval:   c.Supervisor.Interval,
		RunTimeout: c.Supervisor.RunTimeout,
		GhostGrace: c.Supervisor.GhostGrace,
	}
}
