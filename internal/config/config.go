// Package config loads the server configuration from an optional TOML file
// with environment variable overrides applied on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const DefaultPath = "conversational.toml"

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	LLM       LLMConfig       `toml:"llm"`
	Log       LogConfig       `toml:"log"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
}

type ServerConfig struct {
	Addr      string `toml:"addr"`
	StaticDir string `toml:"static_dir"`
}

type DatabaseConfig struct {
	Path          string `toml:"path"`
	BusyTimeoutMs int    `toml:"busy_timeout_ms"`
}

type LLMConfig struct {
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	Token   string `toml:"token"`
	// TimeoutSecs bounds a single completion request.
	TimeoutSecs int `toml:"timeout_secs"`
}

type LogConfig struct {
	Development bool `toml:"development"`
}

// RateLimitConfig applies per user to branch creation and deletion.
type RateLimitConfig struct {
	PerSecond float64 `toml:"per_second"`
	Burst     int     `toml:"burst"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      ":8100",
			StaticDir: "web",
		},
		Database: DatabaseConfig{
			Path:          "conversations.db",
			BusyTimeoutMs: 5000,
		},
		LLM: LLMConfig{
			BaseURL:     "http://localhost:11434/v1/",
			Model:       "llama3.1:8b",
			TimeoutSecs: 30,
		},
		RateLimit: RateLimitConfig{
			PerSecond: 5,
			Burst:     20,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error when
// path is the default location.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !(errors.Is(err, os.ErrNotExist) && path == DefaultPath) {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("CGA_DB_PATH")); v != "" {
		c.Database.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("CGA_ADDR")); v != "" {
		c.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("CGA_LLM_BASE_URL")); v != "" {
		c.LLM.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CGA_LLM_MODEL")); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.LLM.Token = v
	}
}

func (c *Config) Validate() error {
	var problems []string
	if c.Server.Addr == "" {
		problems = append(problems, "server.addr must not be empty")
	}
	if c.Database.Path == "" {
		problems = append(problems, "database.path must not be empty")
	}
	if c.Database.BusyTimeoutMs < 0 {
		problems = append(problems, "database.busy_timeout_ms must not be negative")
	}
	if c.LLM.TimeoutSecs <= 0 {
		problems = append(problems, "llm.timeout_secs must be positive")
	}
	if c.RateLimit.PerSecond <= 0 {
		problems = append(problems, "ratelimit.per_second must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		problems = append(problems, "ratelimit.burst must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
