// Package config loads router configuration from a TOML file with
// environment-variable overrides, and validates it at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
)

// Config holds all daemon configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Registry  RegistryConfig  `toml:"registry"`
	Router    RouterConfig    `toml:"router"`
	Cache     CacheConfig     `toml:"cache"`
	Inference InferenceConfig `toml:"inference"`
	Limits    LimitsConfig    `toml:"limits"`
	Security  SecurityConfig  `toml:"security"`
	Logging   LoggingConfig   `toml:"logging"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	Metrics     bool     `toml:"metrics"`
}

// RegistryConfig controls the model catalog.
type RegistryConfig struct {
	Path     string `toml:"path"`     // journal file
	DataDir  string `toml:"data_dir"` // sqlite usage store
	Capacity int    `toml:"capacity"` // max registered models; LRU eviction applies
}

// RouterConfig controls model selection.
type RouterConfig struct {
	Strategy         string  `toml:"strategy"`
	ScoreIntervalMs  int     `toml:"score_interval_ms"`
	MaxFallbacks     int     `toml:"max_fallbacks"`
	BreakerWindow    int     `toml:"breaker_window"`
	BreakerThreshold float64 `toml:"breaker_threshold"`
	CooldownMs       int     `toml:"cooldown_ms"`
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	Enabled  bool  `toml:"enabled"`
	TTLMs    int64 `toml:"ttl_ms"`
	Capacity int   `toml:"capacity"`
}

// InferenceConfig controls engine defaults.
type InferenceConfig struct {
	MaxThreads  int `toml:"max_threads"` // 0 = auto (cpuCount - 1)
	ContextSize int `toml:"context_size"`
	BatchSize   int `toml:"batch_size"`
}

// LimitsConfig controls backpressure and teardown behavior.
type LimitsConfig struct {
	QueueDepth  int `toml:"queue_depth"`   // waiters allowed per handle before Busy
	ForceKillMs int `toml:"force_kill_ms"` // unresponsive backend teardown deadline
}

// SecurityConfig holds long-lived secrets. Env-only in production.
type SecurityConfig struct {
	SigningSecret string `toml:"-"`
	SessionSecret string `toml:"-"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Default returns the documented defaults.
func Default() Config {
	home := routerHome()
	return Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8090,
			CORSOrigins: []string{"*"},
			Metrics:     true,
		},
		Registry: RegistryConfig{
			Path:     "./registry.json",
			DataDir:  home,
			Capacity: 100,
		},
		Router: RouterConfig{
			Strategy:         string(domain.StrategyBalanced),
			ScoreIntervalMs:  30_000,
			MaxFallbacks:     2,
			BreakerWindow:    20,
			BreakerThreshold: 0.5,
			CooldownMs:       30_000,
		},
		Cache: CacheConfig{
			Enabled:  true,
			TTLMs:    3_600_000,
			Capacity: 4096,
		},
		Inference: InferenceConfig{
			MaxThreads:  0, // auto
			ContextSize: 2048,
			BatchSize:   8,
		},
		Limits: LimitsConfig{
			QueueDepth:  16,
			ForceKillMs: 5_000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads config from path (empty = $LLMRD_HOME/config.toml), applies
// environment overrides, and validates. Validation collects every problem
// so a broken deployment fails fast with the full list.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(routerHome(), "config.toml")
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	errs := cfg.applyEnv()
	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return cfg, domain.E(domain.KindValidation, "invalid configuration: "+strings.Join(errs, "; "))
	}

	if cfg.Inference.MaxThreads == 0 {
		cfg.Inference.MaxThreads = max(1, runtime.NumCPU()-1)
	}
	return cfg, nil
}

// applyEnv overlays the recognized environment keys. Returns parse problems.
func (c *Config) applyEnv() []string {
	var errs []string

	intKey := func(name string, dst *int, min int) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < min {
			errs = append(errs, fmt.Sprintf("%s must be an integer >= %d, got %q", name, min, v))
			return
		}
		*dst = n
	}

	intKey("MAX_THREADS", &c.Inference.MaxThreads, 1)
	intKey("CONTEXT_SIZE", &c.Inference.ContextSize, 128)
	intKey("BATCH_SIZE", &c.Inference.BatchSize, 1)

	if v := os.Getenv("REGISTRY_PATH"); v != "" {
		c.Registry.Path = v
	}
	if v := os.Getenv("CACHE_TTL_MS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Sprintf("CACHE_TTL_MS must be a positive integer, got %q", v))
		} else {
			c.Cache.TTLMs = n
		}
	}
	if v := os.Getenv("STRATEGY"); v != "" {
		c.Router.Strategy = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	c.Security.SigningSecret = os.Getenv("SIGNING_SECRET")
	c.Security.SessionSecret = os.Getenv("SESSION_SECRET")

	return errs
}

// validate checks every field and reports all problems at once.
func (c *Config) validate() []string {
	var errs []string

	if !domain.Strategy(c.Router.Strategy).Valid() {
		errs = append(errs, fmt.Sprintf("STRATEGY %q is not a recognized strategy", c.Router.Strategy))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("LOG_LEVEL must be debug|info|warn|error, got %q", c.Logging.Level))
	}
	if c.Inference.ContextSize != 0 && c.Inference.ContextSize < 128 {
		errs = append(errs, fmt.Sprintf("CONTEXT_SIZE must be >= 128, got %d", c.Inference.ContextSize))
	}
	if c.Registry.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("registry.capacity must be >= 1, got %d", c.Registry.Capacity))
	}
	if c.Router.MaxFallbacks < 0 {
		errs = append(errs, "router.max_fallbacks must not be negative")
	}

	if Production() {
		if len(c.Security.SigningSecret) < 32 {
			errs = append(errs, "SIGNING_SECRET is required in production and must be at least 32 bytes")
		}
		if len(c.Security.SessionSecret) < 32 {
			errs = append(errs, "SESSION_SECRET is required in production and must be at least 32 bytes")
		}
	}
	return errs
}

// Production reports whether the daemon runs in production mode.
func Production() bool {
	env := os.Getenv("LLMRD_ENV")
	return env == "production" || env == "prod"
}

// routerHome returns the daemon data directory.
func routerHome() string {
	if env := os.Getenv("LLMRD_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".llmrd")
}

// Home is exported for use by other packages.
func Home() string { return routerHome() }
