// Package config loads the worldlink server settings from config.yaml under
// the home directory, then applies WORLDLINK_* environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	wotel "github.com/basket/worldlink/internal/otel"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultBindAddr        = "127.0.0.1:18789"
	DefaultLogLevel        = "info"
	DefaultToolTimeoutMS   = 30000
	DefaultGraceSeconds    = 30
	DefaultMaxSteps        = 25
	DefaultViolationBudget = 16
	DefaultBackend         = "direct"
)

// CORSConfig controls cross-origin headers on the HTTP API.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig bounds how fast one client may open connections or hit the
// API.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// BrainConfig names the command behind the "cli" brain backend.
type BrainConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// AuditConfig selects where tool calls are recorded. An empty SQLitePath
// keeps the JSONL log only.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SQLitePath string `yaml:"sqlite_path"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	Workspace string `yaml:"workspace"`

	// ToolTimeoutMS is the default deadline for one tool call.
	ToolTimeoutMS int `yaml:"tool_timeout_ms"`
	// ToolTimeouts overrides ToolTimeoutMS per tool name.
	ToolTimeouts map[string]int `yaml:"tool_timeouts_ms"`
	// GraceSeconds is how long a session outlives its lost channel.
	GraceSeconds    int    `yaml:"grace_seconds"`
	Backend         string `yaml:"backend"`
	MaxSteps        int    `yaml:"max_steps"`
	ViolationBudget int    `yaml:"violation_budget"`

	// AllowOrigins controls which Origin headers are accepted for browser WS
	// connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	Brain     BrainConfig     `yaml:"brain"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry wotel.Config    `yaml:"telemetry"`
	Audit     AuditConfig     `yaml:"audit"`
}

// ToolTimeout returns the default tool deadline.
func (c Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutMS) * time.Millisecond
}

// ToolOverrides returns the per-tool deadlines.
func (c Config) ToolOverrides() map[string]time.Duration {
	if len(c.ToolTimeouts) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(c.ToolTimeouts))
	for name, ms := range c.ToolTimeouts {
		if ms > 0 {
			out[name] = time.Duration(ms) * time.Millisecond
		}
	}
	return out
}

// GraceWindow returns how long a disconnected session is kept.
func (c Config) GraceWindow() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|workspace=%s|timeout=%d|grace=%d|backend=%s|steps=%d|origins=%v",
		c.BindAddr, c.LogLevel, c.Workspace, c.ToolTimeoutMS, c.GraceSeconds, c.Backend, c.MaxSteps, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:        DefaultBindAddr,
		LogLevel:        DefaultLogLevel,
		ToolTimeoutMS:   DefaultToolTimeoutMS,
		GraceSeconds:    DefaultGraceSeconds,
		Backend:         DefaultBackend,
		MaxSteps:        DefaultMaxSteps,
		ViolationBudget: DefaultViolationBudget,
		Audit:           AuditConfig{Enabled: true},
	}
}

func HomeDir() string {
	if override := os.Getenv("WORLDLINK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".worldlink")
}

// Load reads the config from HomeDir.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads homeDir/config.yaml. A missing file yields the defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create worldlink home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, validate(cfg)
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.Workspace == "" {
		cfg.Workspace = filepath.Join(cfg.HomeDir, "workspace")
	}
	if abs, err := filepath.Abs(cfg.Workspace); err == nil {
		cfg.Workspace = abs
	}
	if cfg.ToolTimeoutMS <= 0 {
		cfg.ToolTimeoutMS = DefaultToolTimeoutMS
	}
	if cfg.GraceSeconds <= 0 {
		cfg.GraceSeconds = DefaultGraceSeconds
	}
	if cfg.Backend == "" {
		cfg.Backend = DefaultBackend
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.ViolationBudget <= 0 {
		cfg.ViolationBudget = DefaultViolationBudget
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "worldlink"
	}
}

func validate(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: want debug, info, warn or error", cfg.LogLevel)
	}
	switch cfg.Backend {
	case "direct", "cli":
	default:
		return fmt.Errorf("backend %q: want direct or cli", cfg.Backend)
	}
	if cfg.Backend == "cli" && cfg.Brain.Command == "" {
		return fmt.Errorf("backend cli needs brain.command")
	}
	if cfg.Telemetry.Enabled {
		if err := cfg.Telemetry.Validate(); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("WORLDLINK_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("WORLDLINK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("WORLDLINK_WORKSPACE"); raw != "" {
		cfg.Workspace = raw
	}
	if raw := os.Getenv("WORLDLINK_TOOL_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ToolTimeoutMS = v
		}
	}
	if raw := os.Getenv("WORLDLINK_GRACE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.GraceSeconds = v
		}
	}
	if raw := os.Getenv("WORLDLINK_BACKEND"); raw != "" {
		cfg.Backend = raw
	}
	if raw := os.Getenv("WORLDLINK_BRAIN_COMMAND"); raw != "" {
		cfg.Brain.Command = raw
	}
}
