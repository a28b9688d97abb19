// Package config loads appforge configuration from YAML with environment
// overrides for secrets and connection endpoints.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all appforge configuration.
type Config struct {
	Model   ModelConfig   `yaml:"model"`
	Cache   CacheConfig   `yaml:"cache"`
	Store   StoreConfig   `yaml:"store"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Server  ServerConfig  `yaml:"server"`
	Prompt  PromptConfig  `yaml:"prompt"`
	Logging LoggingConfig `yaml:"logging"`
}

// ModelConfig configures the Gemini generation client.
type ModelConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// GenerateTimeout returns the bounded wait for one model invocation.
func (c ModelConfig) GenerateTimeout() time.Duration {
	return parseDuration(c.Timeout, 90*time.Second)
}

// CacheConfig configures the artifact cache.
type CacheConfig struct {
	Backend string `yaml:"backend"` // memory, redis, none
	Addr    string `yaml:"addr"`
	Pass    string `yaml:"password"`
	DB      int    `yaml:"db"`
	TTL     string `yaml:"ttl"`
}

// EntryTTL returns the cache entry lifetime. The original service pinned
// one hour; that stays the default.
func (c CacheConfig) EntryTTL() time.Duration {
	return parseDuration(c.TTL, time.Hour)
}

// StoreConfig configures the project store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// SandboxConfig configures the browser command sandbox.
type SandboxConfig struct {
	Headless       bool   `yaml:"headless"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
	NavTimeout     string `yaml:"nav_timeout"`
	ExecTimeout    string `yaml:"exec_timeout"`
}

// NavigationTimeout returns the per-navigation bound.
func (c SandboxConfig) NavigationTimeout() time.Duration {
	return parseDuration(c.NavTimeout, 30*time.Second)
}

// ExecuteTimeout returns the bound for one sandbox command.
func (c SandboxConfig) ExecuteTimeout() time.Duration {
	return parseDuration(c.ExecTimeout, 45*time.Second)
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// PromptConfig configures prompt template loading.
type PromptConfig struct {
	SystemPromptPath string `yaml:"system_prompt_path"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Model:   "gemini-1.5-pro-latest",
			Timeout: "90s",
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     "1h",
		},
		Store: StoreConfig{
			DatabasePath: "appforge.db",
		},
		Sandbox: SandboxConfig{
			Headless:       true,
			ViewportWidth:  1280,
			ViewportHeight: 800,
			NavTimeout:     "30s",
			ExecTimeout:    "45s",
		},
		Server: ServerConfig{
			Listen: ":8080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path (optional), layers it over defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv lets deployment secrets win over file contents.
func (c *Config) applyEnv() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Model.APIKey = v
	}
	if v := os.Getenv("APPFORGE_MODEL"); v != "" {
		c.Model.Model = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.Backend = "redis"
		c.Cache.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Cache.Pass = v
	}
	if v := os.Getenv("APPFORGE_DB"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("APPFORGE_LISTEN"); v != "" {
		c.Server.Listen = v
	}
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
