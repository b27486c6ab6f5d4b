package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Database  DatabaseConfig   `json:"database"`
	Worklist  WorklistConfig   `json:"worklist"`
	Batch     BatchConfig      `json:"batch"`
	Guard     GuardConfig      `json:"guard"`
	Notify    NotifyConfig     `json:"notify"`
	TeamsFile string           `json:"teams_file"`

	// WorkflowTimeoutSeconds bounds a whole workflow call; 0 disables it.
	WorkflowTimeoutSeconds int `json:"workflow_timeout_seconds"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// ProviderConfig describes an OpenAI-compatible reasoning endpoint.
type ProviderConfig struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type RedisConfig struct {
	URL string `json:"url"`
	// MirrorBus copies every bus envelope into a Redis stream.
	MirrorBus bool `json:"mirror_bus"`
}

type WorklistConfig struct {
	Type     string `json:"type"` // "notion" or "memory"
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
	Version  string `json:"version"`
}

type BatchConfig struct {
	IntervalSeconds   int    `json:"interval_seconds"`
	WindowMinutes     int    `json:"window_minutes"`
	RunTimeoutMinutes int    `json:"run_timeout_minutes"`
	BatchSize         int    `json:"batch_size"`
	Workflow          string `json:"workflow"`
	Team              string `json:"team"`
	LockBackend       string `json:"lock_backend"` // "local" or "redis"
	LockScope         string `json:"lock_scope"`   // "global" or "list"
}

type GuardConfig struct {
	Window         int `json:"window"`
	PrefixLen      int `json:"prefix_len"`
	MaxSteps       int `json:"max_steps"`
	TimeoutSeconds int `json:"timeout_seconds"`
}

type NotifyConfig struct {
	Slack   SlackConfig   `json:"slack"`
	Discord DiscordConfig `json:"discord"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references and fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw JSON config bytes.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.withDefaults()
	return cfg
}

func (c *Config) withDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Postgres.MigrationsDir == "" {
		c.Database.Postgres.MigrationsDir = "migrations"
	}
	if c.Worklist.Type == "" {
		c.Worklist.Type = "memory"
	}
	if c.Worklist.Endpoint == "" {
		c.Worklist.Endpoint = "https://api.notion.com/v1"
	}
	if c.Worklist.Version == "" {
		c.Worklist.Version = "2022-06-28"
	}
	if c.Batch.IntervalSeconds <= 0 {
		c.Batch.IntervalSeconds = 30
	}
	if c.Batch.WindowMinutes <= 0 {
		c.Batch.WindowMinutes = 60
	}
	if c.Batch.RunTimeoutMinutes <= 0 {
		c.Batch.RunTimeoutMinutes = 10
	}
	if c.Batch.BatchSize <= 0 {
		c.Batch.BatchSize = 5
	}
	if c.Batch.Workflow == "" && c.Batch.Team == "" {
		c.Batch.Workflow = "standard_analysis"
	}
	if c.Batch.LockBackend == "" {
		c.Batch.LockBackend = "local"
	}
	if c.Batch.LockScope == "" {
		c.Batch.LockScope = "global"
	}
	if c.Guard.Window <= 0 {
		c.Guard.Window = 3
	}
	if c.Guard.PrefixLen <= 0 {
		c.Guard.PrefixLen = 200
	}
	if c.Guard.MaxSteps <= 0 {
		c.Guard.MaxSteps = 30
	}
	if c.Guard.TimeoutSeconds <= 0 {
		c.Guard.TimeoutSeconds = 600
	}
	if c.TeamsFile == "" {
		c.TeamsFile = "configs/teams.yaml"
	}
}

func (c *Config) validate() error {
	switch c.Worklist.Type {
	case "memory", "notion":
	default:
		return fmt.Errorf("unknown worklist type %q", c.Worklist.Type)
	}
	switch c.Batch.LockBackend {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown lock backend %q", c.Batch.LockBackend)
	}
	switch c.Batch.LockScope {
	case "global", "list":
	default:
		return fmt.Errorf("unknown lock scope %q", c.Batch.LockScope)
	}
	if c.Batch.LockBackend == "redis" && c.Database.Redis.URL == "" {
		return fmt.Errorf("redis lock backend requires database.redis.url")
	}
	if c.Worklist.Type == "notion" && c.Worklist.APIKey == "" {
		return fmt.Errorf("notion worklist requires worklist.api_key")
	}
	return nil
}

// Interval returns the cycle interval.
func (b BatchConfig) Interval() time.Duration {
	return time.Duration(b.IntervalSeconds) * time.Second
}

// Window returns how long a started batch stays scheduled.
func (b BatchConfig) Window() time.Duration {
	return time.Duration(b.WindowMinutes) * time.Minute
}

// RunTimeout returns the per-item execution deadline.
func (b BatchConfig) RunTimeout() time.Duration {
	return time.Duration(b.RunTimeoutMinutes) * time.Minute
}

// Timeout returns the guard deadline.
func (g GuardConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}
