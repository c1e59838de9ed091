package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config is the single configuration file format for remora.jsonc (or
// remora.toml). Environment variables override file values.
type Config struct {
	Server  ServerSection  `json:"server" toml:"server"`
	Logging LoggingSection `json:"logging" toml:"logging"`
	Datalog DatalogSection `json:"datalog" toml:"datalog"`
	Pumps   []PumpConfig   `json:"pumps" toml:"pumps"`
}

// ServerSection contains the remote executor server settings
type ServerSection struct {
	HTTPAddress          string          `json:"http_address" toml:"http_address" env:"REMORA_HTTP_ADDRESS"`
	SocketAddress        string          `json:"socket_address" toml:"socket_address" env:"REMORA_SOCKET_ADDRESS"`
	MaxQueueSize         int             `json:"max_queue_size" toml:"max_queue_size" env:"REMORA_MAX_QUEUE_SIZE"`
	HeartbeatSeconds     int             `json:"heartbeat_seconds" toml:"heartbeat_seconds"`
	CreateExecutorForObj bool            `json:"create_executor_for_obj" toml:"create_executor_for_obj" env:"REMORA_CREATE_EXECUTOR_FOR_OBJ"`
	ObjectExecutor       string          `json:"object_executor" toml:"object_executor" env:"REMORA_OBJECT_EXECUTOR"`
	RateLimit            RateLimitConfig `json:"rate_limit" toml:"rate_limit"`
}

// RateLimitConfig bounds HTTP requests per remote address
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `json:"burst" toml:"burst"`
}

// LoggingSection controls log destinations
type LoggingSection struct {
	Dir  string `json:"dir" toml:"dir" env:"REMORA_LOG_DIR"`
	JSON bool   `json:"json" toml:"json" env:"REMORA_LOG_JSON"`
}

// DatalogSection controls the SQLite event log
type DatalogSection struct {
	Enabled bool   `json:"enabled" toml:"enabled" env:"REMORA_DATALOG_ENABLED"`
	Path    string `json:"path" toml:"path" env:"REMORA_DATALOG_PATH"`
	Channel string `json:"channel" toml:"channel"`

	// RetentionHours bounds how long events are kept. Negative keeps
	// them forever.
	RetentionHours       int `json:"retention_hours" toml:"retention_hours" env:"REMORA_DATALOG_RETENTION_HOURS"`
	PruneIntervalMinutes int `json:"prune_interval_minutes" toml:"prune_interval_minutes"`
}

// PumpConfig schedules a periodic method call on a served object
type PumpConfig struct {
	Class  string         `json:"class" toml:"class"`
	Name   string         `json:"name" toml:"name"`
	Method string         `json:"method" toml:"method"`
	Spec   string         `json:"spec" toml:"spec"`
	Config map[string]any `json:"config" toml:"config"`
}

var configNames = []string{"remora.jsonc", "remora.toml"}

// FindConfigPath returns the path to the config file using precedence:
// 1. configDir/remora.jsonc or configDir/remora.toml (if configDir specified)
// 2. ./config/remora.{jsonc,toml} (project-local)
// 3. ~/.remora/config/remora.{jsonc,toml} (user global)
func FindConfigPath(configDir string) (string, error) {
	var dirs []string
	if configDir != "" {
		dirs = []string{configDir}
	} else {
		dirs = []string{"config"}
		if homeDir, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs, filepath.Join(homeDir, ".remora", "config"))
		}
	}

	var tried []string
	for _, dir := range dirs {
		for _, name := range configNames {
			path := filepath.Join(dir, name)
			tried = append(tried, path)
			if _, err := os.Stat(path); err == nil {
				if abs, err := filepath.Abs(path); err == nil {
					return abs, nil
				}
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("remora config not found; tried: %v", tried)
}

// Load reads a config file (JSONC or TOML by extension), applies
// environment overrides and fills defaults. An empty path yields the
// defaults plus environment overrides.
func Load(configPath string) (*Config, error) {
	var cfg Config
	if configPath != "" {
		if err := decodeFile(configPath, &cfg); err != nil {
			return nil, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		return nil
	}
	if err := json.Unmarshal(StripJSONComments(data), cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddress == "" {
		cfg.Server.HTTPAddress = ":8765"
	}
	if cfg.Server.SocketAddress == "" {
		cfg.Server.SocketAddress = ":8766"
	}
	if cfg.Server.MaxQueueSize == 0 {
		cfg.Server.MaxQueueSize = 20
	}
	if cfg.Server.ObjectExecutor == "" {
		cfg.Server.ObjectExecutor = "threadpool"
	}
	if cfg.Server.HeartbeatSeconds == 0 {
		cfg.Server.HeartbeatSeconds = 15
	}
	if cfg.Server.RateLimit.RequestsPerSecond == 0 {
		cfg.Server.RateLimit.RequestsPerSecond = 200
	}
	if cfg.Server.RateLimit.Burst == 0 {
		cfg.Server.RateLimit.Burst = 400
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "logs"
	}
	if cfg.Datalog.Path == "" {
		cfg.Datalog.Path = filepath.Join("data", "events.db")
	}
	if cfg.Datalog.RetentionHours == 0 {
		cfg.Datalog.RetentionHours = 7 * 24
	}
	if cfg.Datalog.PruneIntervalMinutes == 0 {
		cfg.Datalog.PruneIntervalMinutes = 10
	}
}

// Validate reports configuration values that cannot be served.
func (c *Config) Validate() error {
	if c.Server.MaxQueueSize < 1 {
		return fmt.Errorf("server.max_queue_size must be positive, got %d", c.Server.MaxQueueSize)
	}
	switch c.Server.ObjectExecutor {
	case "threadpool", "dedicated":
	default:
		return fmt.Errorf("server.object_executor must be threadpool or dedicated, got %q", c.Server.ObjectExecutor)
	}
	if c.Datalog.PruneIntervalMinutes < 0 {
		return fmt.Errorf("datalog.prune_interval_minutes must be positive, got %d", c.Datalog.PruneIntervalMinutes)
	}
	for i, p := range c.Pumps {
		if p.Class == "" || p.Method == "" || p.Spec == "" {
			return fmt.Errorf("pumps[%d]: class, method and spec are required", i)
		}
	}
	return nil
}
