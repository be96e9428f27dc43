// Package config loads bridge configuration from an optional YAML file with
// environment variable overrides (SUMBRIDGE_*).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/verbrio/sumbridge"
)

// WorkerConfig controls how the tool worker is launched and supervised.
// Timeouts are in seconds, mirroring the environment variables.
type WorkerConfig struct {
	Command               string   `yaml:"command"`
	Args                  []string `yaml:"args"`
	StartupGraceSeconds   int      `yaml:"startupGraceSeconds"`
	StartupTimeoutSeconds int      `yaml:"startupTimeoutSeconds"`
	CallTimeoutSeconds    int      `yaml:"callTimeoutSeconds"`
	TerminateGraceSeconds int      `yaml:"terminateGraceSeconds"`
	FramerLimitBytes      int      `yaml:"framerLimitBytes"`
}

// StoreConfig controls where summaries are written.
type StoreConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig controls log destination and verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Config aggregates all settings.
type Config struct {
	Worker  WorkerConfig  `yaml:"worker"`
	Store   StoreConfig   `yaml:"store"`
	Logging LoggingConfig `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Worker: WorkerConfig{
			Command:               "sumworker",
			StartupGraceSeconds:   3,
			StartupTimeoutSeconds: 10,
			CallTimeoutSeconds:    60,
			TerminateGraceSeconds: 5,
		},
		Store: StoreConfig{
			Dir: "summaries",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "failed to read config %s", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "failed to parse config %s", path)
		}
	}

	cfg.applyEnv()
	if cfg.Worker.Command == "" {
		return cfg, errors.New("worker.command required")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SUMBRIDGE_WORKER_COMMAND"); v != "" {
		fields := strings.Fields(v)
		c.Worker.Command = fields[0]
		c.Worker.Args = fields[1:]
	}
	setIntEnv("SUMBRIDGE_STARTUP_TIMEOUT", &c.Worker.StartupTimeoutSeconds)
	setIntEnv("SUMBRIDGE_CALL_TIMEOUT", &c.Worker.CallTimeoutSeconds)
	setIntEnv("SUMBRIDGE_TERMINATE_GRACE", &c.Worker.TerminateGraceSeconds)
	if v := os.Getenv("SUMBRIDGE_SUMMARIES_DIR"); v != "" {
		c.Store.Dir = v
	}
	if v := os.Getenv("SUMBRIDGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SUMBRIDGE_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
}

func setIntEnv(name string, target *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*target = n
	}
}

// ManagerConfig converts the worker settings into a Manager configuration.
func (c Config) ManagerConfig() sumbridge.ManagerConfig {
	return sumbridge.ManagerConfig{
		Command:        c.Worker.Command,
		Args:           c.Worker.Args,
		StartupGrace:   time.Duration(c.Worker.StartupGraceSeconds) * time.Second,
		StartupTimeout: time.Duration(c.Worker.StartupTimeoutSeconds) * time.Second,
		CallTimeout:    time.Duration(c.Worker.CallTimeoutSeconds) * time.Second,
		TerminateGrace: time.Duration(c.Worker.TerminateGraceSeconds) * time.Second,
		FramerLimit:    c.Worker.FramerLimitBytes,
	}
}
