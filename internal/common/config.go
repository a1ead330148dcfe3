package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Workers     WorkersConfig   `toml:"workers"`
	Queue       QueueConfig     `toml:"queue"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Bus         BusConfig       `toml:"bus"`
	WebSocket   WebSocketConfig `toml:"websocket"`
	Logging     LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `toml:"sqlite"`
}

// SQLiteConfig represents SQLite-specific configuration
type SQLiteConfig struct {
	Path          string `toml:"path"`            // Database file path
	WALMode       bool   `toml:"wal_mode"`        // Enable WAL journal mode
	BusyTimeoutMS int    `toml:"busy_timeout_ms"` // Busy timeout in milliseconds
	CacheSizeMB   int    `toml:"cache_size_mb"`   // Page cache size in megabytes
}

// WorkersConfig controls the worker pool
type WorkersConfig struct {
	Concurrency  int    `toml:"concurrency"`   // Number of concurrent job executions
	PollInterval string `toml:"poll_interval"` // e.g., "1s" - dispatch tick period
	MaxJobs      int    `toml:"max_jobs"`      // Stop after N jobs (0 = unbounded)
	AutoStart    bool   `toml:"auto_start"`    // Start the pool with the service
}

// QueueConfig controls queue-level policies
type QueueConfig struct {
	DefaultMaxRetries int    `toml:"default_max_retries"` // Retry cap applied when enqueue options omit one
	Retention         string `toml:"retention"`           // e.g., "24h" - terminal rows older than this are cleaned up
	StuckAfter        string `toml:"stuck_after"`         // e.g., "15m" - processing jobs older than this are reset by the sweep
}

// SchedulerConfig controls cron-driven maintenance
type SchedulerConfig struct {
	Enabled         bool   `toml:"enabled"`          // Run the maintenance scheduler
	CleanupSchedule string `toml:"cleanup_schedule"` // Cron expression for cleanup + sweep
}

// BusConfig selects the message bus adapter
type BusConfig struct {
	Mode string `toml:"mode"` // "memory" (in-process) or "nats" (out-of-process broker)
	URL  string `toml:"url"`  // Broker URL when mode = "nats"
}

// WebSocketConfig contains configuration for the WebSocket event feed
type WebSocketConfig struct {
	// Whitelist of event statuses to broadcast. Empty list allows all events.
	AllowedEvents []string `toml:"allowed_events"`
	// Throttle intervals for high-frequency events. Map of event status to duration string.
	// Example: {"processing": "500ms"}
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in agenda.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Storage: StorageConfig{
			SQLite: SQLiteConfig{
				Path:          "./data/agenda.db",
				WALMode:       true, // WAL keeps readers unblocked during worker writes
				BusyTimeoutMS: 5000, // ~5s avoids spurious SQLITE_BUSY under concurrent workers
				CacheSizeMB:   10,
			},
		},
		Workers: WorkersConfig{
			Concurrency:  4,
			PollInterval: "1s",
			MaxJobs:      0, // Unbounded
			AutoStart:    true,
		},
		Queue: QueueConfig{
			DefaultMaxRetries: 3,
			Retention:         "24h",
			StuckAfter:        "15m",
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			CleanupSchedule: "*/10 * * * *", // Every 10 minutes
		},
		Bus: BusConfig{
			Mode: "memory",
			URL:  "nats://localhost:4222",
		},
		WebSocket: WebSocketConfig{
			AllowedEvents: []string{}, // Empty allows all events
			// Throttle high-frequency progress updates to keep the feed readable
			ThrottleIntervals: map[string]string{
				"processing": "500ms",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("AGENDA_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("AGENDA_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("AGENDA_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if path := os.Getenv("AGENDA_SQLITE_PATH"); path != "" {
		config.Storage.SQLite.Path = path
	}
	if wal := os.Getenv("AGENDA_SQLITE_WAL"); wal != "" {
		if w, err := strconv.ParseBool(wal); err == nil {
			config.Storage.SQLite.WALMode = w
		}
	}

	// Worker configuration
	if concurrency := os.Getenv("AGENDA_WORKERS_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Workers.Concurrency = c
		}
	}
	if pollInterval := os.Getenv("AGENDA_WORKERS_POLL_INTERVAL"); pollInterval != "" {
		config.Workers.PollInterval = pollInterval
	}
	if maxJobs := os.Getenv("AGENDA_WORKERS_MAX_JOBS"); maxJobs != "" {
		if m, err := strconv.Atoi(maxJobs); err == nil {
			config.Workers.MaxJobs = m
		}
	}
	if autoStart := os.Getenv("AGENDA_WORKERS_AUTO_START"); autoStart != "" {
		if a, err := strconv.ParseBool(autoStart); err == nil {
			config.Workers.AutoStart = a
		}
	}

	// Queue configuration
	if maxRetries := os.Getenv("AGENDA_QUEUE_DEFAULT_MAX_RETRIES"); maxRetries != "" {
		if m, err := strconv.Atoi(maxRetries); err == nil {
			config.Queue.DefaultMaxRetries = m
		}
	}
	if retention := os.Getenv("AGENDA_QUEUE_RETENTION"); retention != "" {
		config.Queue.Retention = retention
	}
	if stuckAfter := os.Getenv("AGENDA_QUEUE_STUCK_AFTER"); stuckAfter != "" {
		config.Queue.StuckAfter = stuckAfter
	}

	// Scheduler configuration
	if enabled := os.Getenv("AGENDA_SCHEDULER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Scheduler.Enabled = e
		}
	}
	if schedule := os.Getenv("AGENDA_SCHEDULER_CLEANUP_SCHEDULE"); schedule != "" {
		config.Scheduler.CleanupSchedule = schedule
	}

	// Bus configuration
	if mode := os.Getenv("AGENDA_BUS_MODE"); mode != "" {
		config.Bus.Mode = mode
	}
	if url := os.Getenv("AGENDA_BUS_URL"); url != "" {
		config.Bus.URL = url
	}

	// Logging configuration
	if level := os.Getenv("AGENDA_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("AGENDA_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("AGENDA_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// WebSocket configuration
	if allowedEvents := os.Getenv("AGENDA_WEBSOCKET_ALLOWED_EVENTS"); allowedEvents != "" {
		events := []string{}
		for _, e := range strings.Split(allowedEvents, ",") {
			if trimmed := strings.TrimSpace(e); trimmed != "" {
				events = append(events, trimmed)
			}
		}
		if len(events) > 0 {
			config.WebSocket.AllowedEvents = events
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config.
// Command-line flags have highest priority.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// PollIntervalDuration parses the poll interval, falling back to 1s.
func (c WorkersConfig) PollIntervalDuration() time.Duration {
	if d, err := time.ParseDuration(c.PollInterval); err == nil && d > 0 {
		return d
	}
	return time.Second
}

// RetentionDuration parses the cleanup retention, falling back to 24h.
func (c QueueConfig) RetentionDuration() time.Duration {
	if d, err := time.ParseDuration(c.Retention); err == nil && d > 0 {
		return d
	}
	return 24 * time.Hour
}

// StuckAfterDuration parses the stuck-job threshold, falling back to 15m.
func (c QueueConfig) StuckAfterDuration() time.Duration {
	if d, err := time.ParseDuration(c.StuckAfter); err == nil && d > 0 {
		return d
	}
	return 15 * time.Minute
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
