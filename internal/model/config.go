// Package model defines courier's configuration, command and execution records,
// and the status transition rules that govern them.
package model

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Queue    QueueConfig    `yaml:"queue"`
	Store    StoreConfig    `yaml:"store"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Commands CommandsConfig `yaml:"commands"`
	Runner   RunnerConfig   `yaml:"runner"`
	Events   EventsConfig   `yaml:"events"`
	Logging  LoggingConfig  `yaml:"logging"`
	Agents   []Agent        `yaml:"agents"`
	Groups   []Group        `yaml:"groups"`
}

type ServerConfig struct {
	HTTPAddr           string   `yaml:"http_addr"`
	CORSOrigins        []string `yaml:"cors_origins"`
	ShutdownTimeoutSec int      `yaml:"shutdown_timeout_sec"`
}

type QueueConfig struct {
	Backend          string `yaml:"backend"` // memory | redis
	RedisAddr        string `yaml:"redis_addr"`
	RedisDB          int    `yaml:"redis_db"`
	RedisPassword    string `yaml:"redis_password"`
	KeyPrefix        string `yaml:"key_prefix"`
	EnqueueRetries   int    `yaml:"enqueue_retries"`
	EnqueueBackoffMs int    `yaml:"enqueue_backoff_ms"`
}

type StoreConfig struct {
	Backend    string `yaml:"backend"` // memory | sqlite
	SQLitePath string `yaml:"sqlite_path"`
}

type MonitorConfig struct {
	SweepIntervalSec     int `yaml:"sweep_interval_sec"`
	ReconcileIntervalSec int `yaml:"reconcile_interval_sec"`
}

type CommandsConfig struct {
	DefaultPriority   int `yaml:"default_priority"`
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
	DefaultMaxRetries int `yaml:"default_max_retries"`
	MaxTimeoutSec     int `yaml:"max_timeout_sec"`
	DefaultPageSize   int `yaml:"default_page_size"`
}

type RunnerConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	MaxParallel   int `yaml:"max_parallel"`
}

type EventsConfig struct {
	BusBuffer    int      `yaml:"bus_buffer"`
	AuditLogPath string   `yaml:"audit_log_path"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration written by `courier config init`.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:           "127.0.0.1:8420",
			ShutdownTimeoutSec: 30,
		},
		Queue: QueueConfig{
			Backend:          "memory",
			RedisAddr:        "127.0.0.1:6379",
			KeyPrefix:        "courier",
			EnqueueRetries:   3,
			EnqueueBackoffMs: 100,
		},
		Store: StoreConfig{
			Backend:    "sqlite",
			SQLitePath: "courier.db",
		},
		Monitor: MonitorConfig{
			SweepIntervalSec:     10,
			ReconcileIntervalSec: 60,
		},
		Commands: CommandsConfig{
			DefaultPriority:   0,
			DefaultTimeoutSec: 300,
			DefaultMaxRetries: 3,
			MaxTimeoutSec:     3600,
			DefaultPageSize:   20,
		},
		Runner: RunnerConfig{
			MaxConcurrent: 8,
			MaxParallel:   4,
		},
		Events: EventsConfig{
			BusBuffer:    100,
			AuditLogPath: "audit/transitions.jsonl",
			KafkaTopic:   "courier.transitions",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// ApplyDefaults fills zero values so a sparse config file stays usable.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = d.Server.HTTPAddr
	}
	if c.Server.ShutdownTimeoutSec <= 0 {
		c.Server.ShutdownTimeoutSec = d.Server.ShutdownTimeoutSec
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = d.Queue.Backend
	}
	if c.Queue.RedisAddr == "" {
		c.Queue.RedisAddr = d.Queue.RedisAddr
	}
	if c.Queue.KeyPrefix == "" {
		c.Queue.KeyPrefix = d.Queue.KeyPrefix
	}
	if c.Queue.EnqueueRetries <= 0 {
		c.Queue.EnqueueRetries = d.Queue.EnqueueRetries
	}
	if c.Queue.EnqueueBackoffMs <= 0 {
		c.Queue.EnqueueBackoffMs = d.Queue.EnqueueBackoffMs
	}
	if c.Store.Backend == "" {
		c.Store.Backend = d.Store.Backend
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = d.Store.SQLitePath
	}
	if c.Monitor.SweepIntervalSec <= 0 {
		c.Monitor.SweepIntervalSec = d.Monitor.SweepIntervalSec
	}
	if c.Monitor.ReconcileIntervalSec <= 0 {
		c.Monitor.ReconcileIntervalSec = d.Monitor.ReconcileIntervalSec
	}
	if c.Commands.DefaultTimeoutSec <= 0 {
		c.Commands.DefaultTimeoutSec = d.Commands.DefaultTimeoutSec
	}
	if c.Commands.MaxTimeoutSec <= 0 {
		c.Commands.MaxTimeoutSec = d.Commands.MaxTimeoutSec
	}
	if c.Commands.DefaultPageSize <= 0 {
		c.Commands.DefaultPageSize = d.Commands.DefaultPageSize
	}
	if c.Runner.MaxConcurrent <= 0 {
		c.Runner.MaxConcurrent = d.Runner.MaxConcurrent
	}
	if c.Runner.MaxParallel <= 0 {
		c.Runner.MaxParallel = d.Runner.MaxParallel
	}
	if c.Events.BusBuffer <= 0 {
		c.Events.BusBuffer = d.Events.BusBuffer
	}
	if c.Events.KafkaTopic == "" {
		c.Events.KafkaTopic = d.Events.KafkaTopic
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("queue.backend: unknown backend %q", c.Queue.Backend)
	}
	switch c.Store.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}
	if c.Commands.DefaultPriority < MinPriority || c.Commands.DefaultPriority > MaxPriority {
		return fmt.Errorf("commands.default_priority: must be in [%d,%d]", MinPriority, MaxPriority)
	}
	if c.Commands.DefaultTimeoutSec > c.Commands.MaxTimeoutSec {
		return fmt.Errorf("commands.default_timeout_sec: exceeds max_timeout_sec")
	}
	if c.Commands.DefaultMaxRetries < 0 || c.Commands.DefaultMaxRetries > MaxRetryLimit {
		return fmt.Errorf("commands.default_max_retries: must be in [0,%d]", MaxRetryLimit)
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents: entry without id")
		}
		if seen[a.ID] {
			return fmt.Errorf("agents: duplicate id %q", a.ID)
		}
		seen[a.ID] = true
	}
	for i := range c.Groups {
		if err := c.Groups[i].Validate(); err != nil {
			return fmt.Errorf("groups: %w", err)
		}
		for _, m := range c.Groups[i].Members {
			if !seen[m.AgentID] {
				return fmt.Errorf("groups: %s references unknown agent %q", c.Groups[i].ID, m.AgentID)
			}
		}
	}
	return nil
}

// ApplyEnv overrides fields from COURIER_* environment variables.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("COURIER_HTTP_ADDR", &c.Server.HTTPAddr)
	str("COURIER_QUEUE_BACKEND", &c.Queue.Backend)
	str("COURIER_REDIS_ADDR", &c.Queue.RedisAddr)
	str("COURIER_REDIS_PASSWORD", &c.Queue.RedisPassword)
	str("COURIER_STORE_BACKEND", &c.Store.Backend)
	str("COURIER_SQLITE_PATH", &c.Store.SQLitePath)
	str("COURIER_LOG_LEVEL", &c.Logging.Level)
	str("COURIER_KAFKA_TOPIC", &c.Events.KafkaTopic)
	if v := os.Getenv("COURIER_KAFKA_BROKERS"); v != "" {
		c.Events.KafkaBrokers = strings.Split(v, ",")
	}
	if err := num("COURIER_REDIS_DB", &c.Queue.RedisDB); err != nil {
		return err
	}
	if err := num("COURIER_SWEEP_INTERVAL_SEC", &c.Monitor.SweepIntervalSec); err != nil {
		return err
	}
	return nil
}

// Agent returns the configured agent with the given id.
func (c *Config) Agent(id string) (Agent, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

func (c *Config) Group(id string) (Group, bool) {
	for _, g := range c.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return Group{}, false
}
