package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nstogner/sandboxd/pkg/orchestrator"
	"github.com/nstogner/sandboxd/pkg/probe"
)

type Config struct {
	Addr string `yaml:"addr"`
	// DB is the sqlite database path. "memory" disables persistence.
	DB string `yaml:"db"`
	// Catalog is a YAML template catalog. Empty uses the built-in templates.
	Catalog   string `yaml:"catalog"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// HostIP is the address sandbox ports are published on.
	HostIP string `yaml:"host_ip"`

	MaxInstances      int           `yaml:"max_instances"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	ProvisionTimeout  time.Duration `yaml:"provision_timeout"`
	BootTimeout       time.Duration `yaml:"boot_timeout"`
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	ProbeMaxInterval  time.Duration `yaml:"probe_max_interval"`
	ProbeMultiplier   float64       `yaml:"probe_multiplier"`
	ProbeCheckTimeout time.Duration `yaml:"probe_check_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	HeartbeatFailures int           `yaml:"heartbeat_failures"`
	CleanupTimeout    time.Duration `yaml:"cleanup_timeout"`
	ReaperInterval    time.Duration `yaml:"reaper_interval"`
	TerminalGrace     time.Duration `yaml:"terminal_grace"`
	CleanupMaxRetries int           `yaml:"cleanup_max_retries"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Addr:              "127.0.0.1:8080",
		DB:                defaultDBPath(),
		LogLevel:          "info",
		LogFormat:         "text",
		HostIP:            "127.0.0.1",
		MaxInstances:      defaultMaxInstances(),
		MaxAttempts:       3,
		BackoffBase:       500 * time.Millisecond,
		BackoffMax:        10 * time.Second,
		ProvisionTimeout:  60 * time.Second,
		BootTimeout:       120 * time.Second,
		ProbeInterval:     250 * time.Millisecond,
		ProbeMaxInterval:  2 * time.Second,
		ProbeMultiplier:   1.5,
		ProbeCheckTimeout: 2 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		StaleAfter:        15 * time.Second,
		HeartbeatFailures: 3,
		CleanupTimeout:    30 * time.Second,
		ReaperInterval:    30 * time.Second,
		TerminalGrace:     5 * time.Minute,
		CleanupMaxRetries: 10,
	}
}

func defaultMaxInstances() int {
	return max(runtime.NumCPU()*4, 4)
}

func defaultDBPath() string {
	if dataHome := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dataHome != "" {
		return filepath.Join(dataHome, "sandboxd", "sandboxd.db")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "sandboxd.db"
	}
	return filepath.Join(home, ".local", "share", "sandboxd", "sandboxd.db")
}

// Path returns the config file location: $SANDBOXD_CONFIG, else
// $XDG_CONFIG_HOME/sandboxd/config.yaml, else ~/.config/sandboxd/config.yaml.
func Path() (string, error) {
	if p := strings.TrimSpace(os.Getenv("SANDBOXD_CONFIG")); p != "" {
		return p, nil
	}
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "sandboxd", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "sandboxd", "config.yaml"), nil
}

// Load reads the config at path, or at Path() when path is empty, and applies
// environment overrides. A missing file at the default location yields the
// defaults; a missing explicit path is an error.
func Load(path string) (Config, string, error) {
	explicit := path != ""
	if !explicit {
		var err error
		path, err = Path()
		if err != nil {
			return Config{}, "", err
		}
	}

	cfg := Default()
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, path, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, path, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv("SANDBOXD_ADDR")); v != "" {
		c.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("SANDBOXD_DB")); v != "" {
		c.DB = v
	}
	if v := strings.TrimSpace(os.Getenv("SANDBOXD_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("SANDBOXD_MAX_INSTANCES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SANDBOXD_MAX_INSTANCES: %w", err)
		}
		c.MaxInstances = n
	}
	return nil
}

// Validate rejects non-positive limits and durations.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positiveDur := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	positive("max_instances", c.MaxInstances)
	positive("max_attempts", c.MaxAttempts)
	positive("heartbeat_failures", c.HeartbeatFailures)
	positive("cleanup_max_retries", c.CleanupMaxRetries)
	positiveDur("backoff_base", c.BackoffBase)
	positiveDur("backoff_max", c.BackoffMax)
	positiveDur("provision_timeout", c.ProvisionTimeout)
	positiveDur("boot_timeout", c.BootTimeout)
	positiveDur("probe_interval", c.ProbeInterval)
	positiveDur("probe_max_interval", c.ProbeMaxInterval)
	positiveDur("probe_check_timeout", c.ProbeCheckTimeout)
	positiveDur("heartbeat_interval", c.HeartbeatInterval)
	positiveDur("stale_after", c.StaleAfter)
	positiveDur("cleanup_timeout", c.CleanupTimeout)
	positiveDur("reaper_interval", c.ReaperInterval)
	positiveDur("terminal_grace", c.TerminalGrace)
	if c.BackoffMax < c.BackoffBase {
		errs = append(errs, fmt.Errorf("backoff_max (%s) is less than backoff_base (%s)", c.BackoffMax, c.BackoffBase))
	}
	if c.ProbeMultiplier < 1 {
		errs = append(errs, fmt.Errorf("probe_multiplier must be >= 1, got %g", c.ProbeMultiplier))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Policy converts the config into the orchestrator's policy.
func (c Config) Policy() orchestrator.Policy {
	return orchestrator.Policy{
		MaxAttempts:               c.MaxAttempts,
		BackoffBase:               c.BackoffBase,
		BackoffMax:                c.BackoffMax,
		ProvisionTimeout:          c.ProvisionTimeout,
		BootTimeout:               c.BootTimeout,
		HeartbeatInterval:         c.HeartbeatInterval,
		StaleAfter:                c.StaleAfter,
		HeartbeatFailureThreshold: c.HeartbeatFailures,
		CleanupTimeout:            c.CleanupTimeout,
		ReaperInterval:            c.ReaperInterval,
		TerminalGrace:             c.TerminalGrace,
		CleanupMaxRetries:         c.CleanupMaxRetries,
		MaxInstances:              c.MaxInstances,
	}
}

// ProbePolicy converts the config into the readiness prober's policy.
func (c Config) ProbePolicy() probe.Policy {
	return probe.Policy{
		Interval:     c.ProbeInterval,
		MaxInterval:  c.ProbeMaxInterval,
		Multiplier:   c.ProbeMultiplier,
		CheckTimeout: c.ProbeCheckTimeout,
	}
}
