// Package config loads runner settings from a YAML file, then applies
// MATRIXCI_* environment overrides, then defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type PipelineConfig struct {
	Path string `yaml:"path"`
}

// HostConfig selects where jobs execute. Kind is "local" or "agent".
type HostConfig struct {
	Kind      string   `yaml:"kind"`
	AgentURL  string   `yaml:"agentURL"`
	Root      string   `yaml:"root"`
	Platforms []string `yaml:"platforms"`
	Install   []string `yaml:"install"`
	MaxOutput int      `yaml:"maxOutput"`
}

type RunnerConfig struct {
	JobTimeout       time.Duration `yaml:"jobTimeout"`
	StepTimeout      time.Duration `yaml:"stepTimeout"`
	MaxParallel      int           `yaml:"maxParallel"`
	CancelSuperseded *bool         `yaml:"cancelSuperseded"`
	MaxRuns          int           `yaml:"maxRuns"`
}

type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type LogsConfig struct {
	Dir string `yaml:"dir"`
}

// ReportConfig enables signed run reports when Dir is set.
type ReportConfig struct {
	Dir        string `yaml:"dir"`
	PublicKey  string `yaml:"publicKey"`
	PrivateKey string `yaml:"privateKey"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Host      HostConfig      `yaml:"host"`
	Runner    RunnerConfig    `yaml:"runner"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logs      LogsConfig      `yaml:"logs"`
	Report    ReportConfig    `yaml:"report"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path (when non-empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Pipeline.Path == "" {
		c.Pipeline.Path = "pipeline.yaml"
	}
	if c.Host.Kind == "" {
		c.Host.Kind = "local"
	}
	if c.Runner.CancelSuperseded == nil {
		on := true
		c.Runner.CancelSuperseded = &on
	}
	if c.Runner.MaxRuns == 0 {
		c.Runner.MaxRuns = 100
	}
	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = 30 * time.Second
	}
	if c.Logs.Dir == "" {
		c.Logs.Dir = "./logs"
	}
	if c.Report.Dir != "" {
		if c.Report.PublicKey == "" {
			c.Report.PublicKey = "./keys/runner.pub"
		}
		if c.Report.PrivateKey == "" {
			c.Report.PrivateKey = "./keys/runner.priv"
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Addr, "MATRIXCI_ADDR")
	setString(&c.Pipeline.Path, "MATRIXCI_PIPELINE")
	setString(&c.Host.Kind, "MATRIXCI_HOST")
	setString(&c.Host.AgentURL, "MATRIXCI_AGENT_URL")
	setString(&c.Host.Root, "MATRIXCI_WORKSPACE_ROOT")
	setString(&c.Logs.Dir, "MATRIXCI_LOG_DIR")
	setString(&c.Report.Dir, "MATRIXCI_REPORT_DIR")
	setString(&c.Log.Level, "MATRIXCI_LOG_LEVEL")
	if v := getEnv("MATRIXCI_PLATFORMS", ""); v != "" {
		c.Host.Platforms = strings.Split(v, ",")
	}

	var errs []error
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"MATRIXCI_JOB_TIMEOUT", &c.Runner.JobTimeout},
		{"MATRIXCI_STEP_TIMEOUT", &c.Runner.StepTimeout},
		{"MATRIXCI_SCHEDULE_INTERVAL", &c.Scheduler.Interval},
	} {
		if v := getEnv(d.key, ""); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", d.key, err))
				continue
			}
			*d.dst = parsed
		}
	}
	if v := getEnv("MATRIXCI_MAX_PARALLEL", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("MATRIXCI_MAX_PARALLEL: %w", err))
		} else {
			c.Runner.MaxParallel = n
		}
	}
	if v := getEnv("MATRIXCI_CANCEL_SUPERSEDED", ""); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("MATRIXCI_CANCEL_SUPERSEDED: %w", err))
		} else {
			c.Runner.CancelSuperseded = &b
		}
	}
	return errors.Join(errs...)
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	switch c.Host.Kind {
	case "local":
	case "agent":
		if c.Host.AgentURL == "" {
			errs = append(errs, errors.New("host.agentURL is required when host.kind is agent"))
		}
	default:
		errs = append(errs, fmt.Errorf("host.kind must be local or agent, got %q", c.Host.Kind))
	}
	if c.Runner.MaxParallel < 0 {
		errs = append(errs, errors.New("runner.maxParallel must not be negative"))
	}
	if c.Runner.JobTimeout < 0 || c.Runner.StepTimeout < 0 {
		errs = append(errs, errors.New("runner timeouts must not be negative"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel parses Log.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the process logger from Log.Level.
func (c *Config) NewLogger() *slog.Logger {
	level, err := c.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func setString(dst *string, key string) {
	if v := getEnv(key, ""); v != "" {
		*dst = v
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
