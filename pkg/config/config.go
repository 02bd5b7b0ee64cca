// Package config provides configuration for the control plane, loaded
// from an optional YAML file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the control plane.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Worker    WorkerConfig    `yaml:"worker"`
	Ports     PortsConfig     `yaml:"ports"`
	Logs      LogsConfig      `yaml:"logs"`
	Preflight PreflightConfig `yaml:"preflight"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// WorkerConfig holds case worker configuration.
type WorkerConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	WorkDir      string        `yaml:"work_dir"`
	CloneTimeout time.Duration `yaml:"clone_timeout"`
	BuildTimeout time.Duration `yaml:"build_timeout"`
}

// PortsConfig bounds the host port pool.
type PortsConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// LogsConfig holds log retention configuration.
type LogsConfig struct {
	// MaxLines caps retained lines per case; oldest lines drop first.
	MaxLines int `yaml:"max_lines"`
}

// PreflightConfig holds preflight scan configuration.
type PreflightConfig struct {
	ScanDepth    int    `yaml:"scan_depth"`
	GeneratedDir string `yaml:"generated_dir"`
}

// CleanupConfig holds workspace janitor configuration.
type CleanupConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Retention is how long finished and failed case workspaces are kept.
	Retention time.Duration `yaml:"retention"`
}

// RuntimeConfig holds container runtime configuration.
type RuntimeConfig struct {
	Network       string          `yaml:"network"`
	ContainerPort int             `yaml:"container_port"`
	AccessHost    string          `yaml:"access_host"`
	StopGrace     time.Duration   `yaml:"stop_grace"`
	Readiness     ReadinessConfig `yaml:"readiness"`
}

// ReadinessConfig is the STARTING to RUNNING policy.
type ReadinessConfig struct {
	// Mode is "probe" (TCP dial loop) or "grace" (fixed wait).
	Mode          string        `yaml:"mode"`
	GracePeriod   time.Duration `yaml:"grace_period"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// defaults returns the built-in configuration.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:             "postgres://localhost:5432/repobox?sslmode=disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 1 * time.Minute,
		},
		Worker: WorkerConfig{
			Concurrency:  4,
			WorkDir:      "/var/lib/repobox/cases",
			CloneTimeout: 5 * time.Minute,
			BuildTimeout: 30 * time.Minute,
		},
		Ports: PortsConfig{
			Min: 20000,
			Max: 20999,
		},
		Logs: LogsConfig{
			MaxLines: 5000,
		},
		Preflight: PreflightConfig{
			ScanDepth:    3,
			GeneratedDir: ".repobox",
		},
		Cleanup: CleanupConfig{
			Interval:  15 * time.Minute,
			Retention: 24 * time.Hour,
		},
		Runtime: RuntimeConfig{
			Network:       "",
			ContainerPort: 8080,
			AccessHost:    "127.0.0.1",
			StopGrace:     10 * time.Second,
			Readiness: ReadinessConfig{
				Mode:          "probe",
				GracePeriod:   3 * time.Second,
				ProbeTimeout:  30 * time.Second,
				ProbeInterval: 500 * time.Millisecond,
			},
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variable overrides.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithDefaults loads configuration without validating, useful for
// tests.
func LoadWithDefaults() *Config {
	cfg := defaults()
	cfg.applyEnv()
	return cfg
}

// applyEnv overrides fields from environment variables.
func (c *Config) applyEnv() {
	c.Server.Host = getEnv("API_HOST", c.Server.Host)
	c.Server.Port = getIntEnv("API_PORT", c.Server.Port)
	c.Server.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Database.DSN = getEnv("DATABASE_URL", c.Database.DSN)
	c.Database.MaxOpenConns = getIntEnv("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = getIntEnv("DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.ConnMaxLifetime = getDurationEnv("DB_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)
	c.Database.ConnMaxIdleTime = getDurationEnv("DB_CONN_MAX_IDLE_TIME", c.Database.ConnMaxIdleTime)

	c.Worker.Concurrency = getIntEnv("WORKER_CONCURRENCY", c.Worker.Concurrency)
	c.Worker.WorkDir = getEnv("WORKER_WORKDIR", c.Worker.WorkDir)
	c.Worker.CloneTimeout = getDurationEnv("CLONE_TIMEOUT", c.Worker.CloneTimeout)
	c.Worker.BuildTimeout = getDurationEnv("BUILD_TIMEOUT", c.Worker.BuildTimeout)

	c.Ports.Min = getIntEnv("PORT_POOL_MIN", c.Ports.Min)
	c.Ports.Max = getIntEnv("PORT_POOL_MAX", c.Ports.Max)

	c.Logs.MaxLines = getIntEnv("LOG_MAX_LINES", c.Logs.MaxLines)

	c.Preflight.ScanDepth = getIntEnv("PREFLIGHT_SCAN_DEPTH", c.Preflight.ScanDepth)
	c.Preflight.GeneratedDir = getEnv("PREFLIGHT_GENERATED_DIR", c.Preflight.GeneratedDir)

	c.Cleanup.Interval = getDurationEnv("CLEANUP_INTERVAL", c.Cleanup.Interval)
	c.Cleanup.Retention = getDurationEnv("CLEANUP_RETENTION", c.Cleanup.Retention)

	c.Runtime.Network = getEnv("BUILD_NETWORK", c.Runtime.Network)
	c.Runtime.ContainerPort = getIntEnv("CONTAINER_PORT", c.Runtime.ContainerPort)
	c.Runtime.AccessHost = getEnv("ACCESS_HOST", c.Runtime.AccessHost)
	c.Runtime.StopGrace = getDurationEnv("STOP_GRACE", c.Runtime.StopGrace)
	c.Runtime.Readiness.Mode = getEnv("READINESS_MODE", c.Runtime.Readiness.Mode)
	c.Runtime.Readiness.GracePeriod = getDurationEnv("READINESS_GRACE_PERIOD", c.Runtime.Readiness.GracePeriod)
	c.Runtime.Readiness.ProbeTimeout = getDurationEnv("READINESS_PROBE_TIMEOUT", c.Runtime.Readiness.ProbeTimeout)
	c.Runtime.Readiness.ProbeInterval = getDurationEnv("READINESS_PROBE_INTERVAL", c.Runtime.Readiness.ProbeInterval)
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Ports.Min <= 0 || c.Ports.Max < c.Ports.Min {
		return fmt.Errorf("port pool bounds invalid: min=%d max=%d", c.Ports.Min, c.Ports.Max)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive")
	}
	if c.Logs.MaxLines <= 0 {
		return fmt.Errorf("log retention must be positive")
	}
	switch c.Runtime.Readiness.Mode {
	case "probe", "grace":
	default:
		return fmt.Errorf("readiness mode must be probe or grace, got %q", c.Runtime.Readiness.Mode)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
