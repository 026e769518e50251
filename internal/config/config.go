// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port          string
	DBPath        string
	LogLevel      slog.Level
	AllowedOrigin string

	// WorkerRuntime selects the default worker backend: "docker" or "discord".
	WorkerRuntime string
	// WorkerImage is the container image launched per bot by the docker runtime.
	WorkerImage string

	Fleet FleetConfig
	// EventQueueSize bounds each event-stream subscriber's queue.
	EventQueueSize int
	// MemoryListMax caps the page size of memory listing and search.
	MemoryListMax int
}

// FleetConfig holds supervision tunables. Defaults are conservative; all are
// operationally adjustable via environment.
type FleetConfig struct {
	HeartbeatInterval  time.Duration
	LivenessMultiple   int
	StopGracePeriod    time.Duration
	RestartBackoffBase time.Duration
	RestartBackoffCap  time.Duration
	CrashThreshold     int
	CrashWindow        time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		DBPath:        getEnv("DB_PATH", "./data/grugfleet.db"),
		LogLevel:      parseLogLevel(getEnv("LOG_LEVEL", "info")),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "*"),
		WorkerRuntime: getEnv("WORKER_RUNTIME", "discord"),
		WorkerImage:   getEnv("WORKER_IMAGE", "grugfleet-bot:latest"),
		Fleet: FleetConfig{
			HeartbeatInterval:  getEnvDuration("HEARTBEAT_INTERVAL", 10*time.Second),
			LivenessMultiple:   getEnvInt("LIVENESS_MULTIPLE", 3),
			StopGracePeriod:    getEnvDuration("STOP_GRACE_PERIOD", 10*time.Second),
			RestartBackoffBase: getEnvDuration("RESTART_BACKOFF_BASE", time.Second),
			RestartBackoffCap:  getEnvDuration("RESTART_BACKOFF_CAP", time.Minute),
			CrashThreshold:     getEnvInt("CRASH_THRESHOLD", 5),
			CrashWindow:        getEnvDuration("CRASH_WINDOW", 10*time.Minute),
		},
		EventQueueSize: getEnvInt("EVENT_QUEUE_SIZE", 256),
		MemoryListMax:  getEnvInt("MEMORY_LIST_MAX", 100),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.WorkerRuntime {
	case "docker", "discord":
	default:
		return fmt.Errorf("WORKER_RUNTIME must be \"docker\" or \"discord\", got %q", c.WorkerRuntime)
	}
	if c.Fleet.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be > 0")
	}
	if c.Fleet.LivenessMultiple < 2 {
		return fmt.Errorf("LIVENESS_MULTIPLE must be >= 2")
	}
	if c.Fleet.StopGracePeriod <= 0 {
		return fmt.Errorf("STOP_GRACE_PERIOD must be > 0")
	}
	if c.Fleet.RestartBackoffBase <= 0 || c.Fleet.RestartBackoffCap < c.Fleet.RestartBackoffBase {
		return fmt.Errorf("restart backoff base must be > 0 and cap >= base")
	}
	if c.Fleet.CrashThreshold <= 0 {
		return fmt.Errorf("CRASH_THRESHOLD must be > 0")
	}
	if c.Fleet.CrashWindow <= 0 {
		return fmt.Errorf("CRASH_WINDOW must be > 0")
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("EVENT_QUEUE_SIZE must be > 0")
	}
	if c.MemoryListMax <= 0 {
		return fmt.Errorf("MEMORY_LIST_MAX must be > 0")
	}
	return nil
}

// LivenessTimeout is the heartbeat gap after which a worker is presumed dead.
func (c *FleetConfig) LivenessTimeout() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.LivenessMultiple)
}

func parseLogLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
