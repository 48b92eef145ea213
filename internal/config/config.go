package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Runner   RunnerConfig   `yaml:"runner"`
	Search   SearchConfig   `yaml:"search"`
	Persona  PersonaConfig  `yaml:"persona"`
	Cache    CacheConfig    `yaml:"cache"`
	Pending  PendingConfig  `yaml:"pending"`
	Feedback FeedbackConfig `yaml:"feedback"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// AuthConfig holds the signing secret and the static user table. Guest
// access to /api/chat is always permitted; login only gates identity.
type AuthConfig struct {
	Secret string            `yaml:"secret"`
	Users  map[string]string `yaml:"users"`
}

// RunnerConfig points at the local model runner HTTP API.
type RunnerConfig struct {
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the runner call timeout, defaulting to five minutes.
func (r RunnerConfig) Timeout() time.Duration {
	if r.TimeoutSeconds > 0 {
		return time.Duration(r.TimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// SearchConfig points at the web search collaborator.
type SearchConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BaseURL  string `yaml:"base_url"`
	Provider string `yaml:"provider"`
}

// PersonaConfig optionally overrides the built-in persona texts with a
// YAML file on disk, hot-reloaded when the file changes.
type PersonaConfig struct {
	File string `yaml:"file"`
}

// CacheConfig bounds the response cache.
type CacheConfig struct {
	Capacity   int `yaml:"capacity"`
	TTLSeconds int `yaml:"ttl_seconds"`
}

// TTL returns the cache entry lifetime, defaulting to five minutes.
func (c CacheConfig) TTL() time.Duration {
	if c.TTLSeconds > 0 {
		return time.Duration(c.TTLSeconds) * time.Second
	}
	return 5 * time.Minute
}

// ResolvedCapacity returns the cache capacity, defaulting to 128 entries.
func (c CacheConfig) ResolvedCapacity() int {
	if c.Capacity > 0 {
		return c.Capacity
	}
	return 128
}

// PendingConfig bounds how long settled full answers stay pollable.
type PendingConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// TTL returns the pending entry lifetime, defaulting to fifteen minutes.
func (p PendingConfig) TTL() time.Duration {
	if p.TTLSeconds > 0 {
		return time.Duration(p.TTLSeconds) * time.Second
	}
	return 15 * time.Minute
}

// FeedbackConfig locates the append-only feedback log.
type FeedbackConfig struct {
	Path string `yaml:"path"`
}

// ResolvedPath returns the feedback log path, defaulting next to the binary.
func (f FeedbackConfig) ResolvedPath() string {
	if strings.TrimSpace(f.Path) != "" {
		return f.Path
	}
	return "feedback.ndjson"
}

// Load reads YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	if strings.TrimSpace(c.Runner.BaseURL) == "" {
		return fmt.Errorf("runner.base_url must be provided")
	}
	if strings.TrimSpace(c.Runner.Model) == "" {
		return fmt.Errorf("runner.model must be provided")
	}
	if c.Runner.TimeoutSeconds < 0 {
		return fmt.Errorf("runner.timeout_seconds must not be negative, got %d", c.Runner.TimeoutSeconds)
	}

	if c.Search.Enabled && strings.TrimSpace(c.Search.BaseURL) == "" {
		return fmt.Errorf("search.base_url must be provided when search is enabled")
	}

	if len(c.Auth.Users) > 0 && strings.TrimSpace(c.Auth.Secret) == "" {
		return fmt.Errorf("auth.secret must be provided when auth.users is configured")
	}
	for user, password := range c.Auth.Users {
		if strings.TrimSpace(user) == "" {
			return fmt.Errorf("auth.users contains an empty user name")
		}
		if password == "" {
			return fmt.Errorf("auth.users: user %q has an empty password", user)
		}
	}

	if c.Cache.Capacity < 0 {
		return fmt.Errorf("cache.capacity must not be negative, got %d", c.Cache.Capacity)
	}
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("cache.ttl_seconds must not be negative, got %d", c.Cache.TTLSeconds)
	}
	if c.Pending.TTLSeconds < 0 {
		return fmt.Errorf("pending.ttl_seconds must not be negative, got %d", c.Pending.TTLSeconds)
	}

	return nil
}
