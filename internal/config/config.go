// Package config loads gateway configuration from config.yaml and POLY_
// environment variables with koanf.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/polyglot-token-pool/internal/pool"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Pool      PoolConfig      `koanf:"pool"`
	Storage   StorageConfig   `koanf:"storage"`
	Admin     AdminConfig     `koanf:"admin"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	// Legacy single-credential setup; seeds the pool when set.
	OpenAI OpenAIConfig `koanf:"openai"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type UpstreamConfig struct {
	BaseURL   string `koanf:"base_url"`
	UserAgent string `koanf:"user_agent"`
}

type PoolConfig struct {
	Algorithm    string        `koanf:"algorithm"` // round_robin, strict_round_robin, least_used
	EnforceLimit bool          `koanf:"enforce_limit"`
	Tokens       []TokenConfig `koanf:"tokens"`
}

type TokenConfig struct {
	Credential string `koanf:"credential"`
	Limit      *int64 `koanf:"limit"`
	Usage      *int64 `koanf:"usage"`
}

type StorageConfig struct {
	Type          string        `koanf:"type"` // sqlite, memory, none
	SQLite        SQLiteConfig  `koanf:"sqlite"`
	FlushInterval time.Duration `koanf:"flush_interval"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type AdminConfig struct {
	// JWTSecret enables bearer-token auth on /admin when set.
	JWTSecret         string `koanf:"jwt_secret"`
	RequestsPerMinute int    `koanf:"requests_per_minute"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type OpenAIConfig struct {
	APIKey string `koanf:"api_key"`
}

var defaults = map[string]any{
	"server.port":               8080,
	"server.request_timeout":    "5m",
	"pool.algorithm":            pool.AlgorithmRoundRobin,
	"storage.type":              "none",
	"storage.sqlite.path":       "tokens.db",
	"storage.flush_interval":    "5s",
	"admin.requests_per_minute": 120,
	"telemetry.service_name":    "polyglot-token-pool",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (DefaultPath when empty), overlays POLY_ environment
// variables, applies defaults and validates the result. A missing file is
// not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// POLY_SERVER__PORT -> server.port
	if err := k.Load(env.Provider("POLY_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "POLY_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.OpenAI.APIKey = substituteEnvVars(cfg.OpenAI.APIKey)
	cfg.Admin.JWTSecret = substituteEnvVars(cfg.Admin.JWTSecret)
	for i := range cfg.Pool.Tokens {
		cfg.Pool.Tokens[i].Credential = substituteEnvVars(cfg.Pool.Tokens[i].Credential)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports configuration the gateway cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := pool.SelectorByName(c.Pool.Algorithm); err != nil {
		errs = append(errs, fmt.Errorf("pool.algorithm: %w", err))
	}
	for i, t := range c.Pool.Tokens {
		if t.Credential == "" {
			errs = append(errs, fmt.Errorf("pool.tokens[%d]: empty credential", i))
		}
		if (t.Limit != nil && *t.Limit < 0) || (t.Usage != nil && *t.Usage < 0) {
			errs = append(errs, fmt.Errorf("pool.tokens[%d]: negative limit or usage", i))
		}
	}

	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required for sqlite storage"))
		}
	case "memory", "none", "":
		// Nothing to restore from, so a credential must be configured.
		if len(c.Credentials()) == 0 {
			errs = append(errs, errors.New("no credential configured: set openai.api_key or pool.tokens"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.type %q", c.Storage.Type))
	}

	return errors.Join(errs...)
}

// Credentials returns the configured tokens in pool order: the legacy
// openai.api_key first, then pool.tokens.
func (c *Config) Credentials() []TokenConfig {
	var out []TokenConfig
	if c.OpenAI.APIKey != "" {
		out = append(out, TokenConfig{Credential: c.OpenAI.APIKey})
	}
	return append(out, c.Pool.Tokens...)
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
