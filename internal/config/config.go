// Package config implements the layered configuration snapshot:
// hardcoded defaults -> crossbridge.yml -> CROSSBRIDGE_* environment
// variables -> CLI flags. The snapshot is immutable after load; a reload
// builds a fresh snapshot and swaps it atomically at the call site.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is the application semver reported on /health and in envelopes.
// Overridden by CROSSBRIDGE_APPLICATION_VERSION.
const Version = "1.2.0"

// EnvPrefix is the prefix for all recognized environment variables.
const EnvPrefix = "CROSSBRIDGE_"

type ExecutionConfig struct {
	Workspace    string   `yaml:"workspace"`
	DataDir      string   `yaml:"data_dir"`
	SmokeTags    []string `yaml:"smoke_tags"`
	ImpactedMin  int      `yaml:"impacted_min_tests"`
	SimilarityT  float64  `yaml:"similarity_threshold"`
	RiskMaxTests int      `yaml:"risk_max_tests"`
	HistoryRuns  int      `yaml:"history_window_runs"`
	SpawnRetries int      `yaml:"spawn_retries"`
	AI           AIConfig `yaml:"ai"`
}

type AIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Endpoint   string `yaml:"endpoint"`
	Model      string `yaml:"model"`
	APIKeyEnv  string `yaml:"api_key_env"`
	TimeoutS   int    `yaml:"timeout_seconds"`
	BudgetCall int    `yaml:"max_calls_per_run"`
	CacheTTLH  int    `yaml:"cache_ttl_hours"`
}

type SamplingConfig struct {
	Events     float64 `yaml:"events"`
	Traces     float64 `yaml:"traces"`
	Profiling  float64 `yaml:"profiling"`
	TestEvents float64 `yaml:"test_events"`
}

type AdaptiveConfig struct {
	Enabled       bool    `yaml:"enabled"`
	BoostFactor   float64 `yaml:"boost_factor"`
	BoostDuration int     `yaml:"boost_duration_seconds"`
}

type SidecarConfig struct {
	Mode          string         `yaml:"mode"`
	Host          string         `yaml:"host"`
	Port          int            `yaml:"port"`
	MaxQueueSize  int            `yaml:"max_queue_size"`
	Workers       int            `yaml:"workers"`
	MaxCPUPercent float64        `yaml:"max_cpu_percent"`
	MaxMemoryMB   float64        `yaml:"max_memory_mb"`
	DrainGraceS   int            `yaml:"drain_grace_seconds"`
	Sampling      SamplingConfig `yaml:"sampling"`
	Adaptive      AdaptiveConfig `yaml:"adaptive"`
}

type ProfilingConfig struct {
	Enabled          bool `yaml:"enabled"`
	SamplingInterval int  `yaml:"sampling_interval_seconds"`
	RetentionWindow  int  `yaml:"retention_window_seconds"`
}

type HealthChecksConfig struct {
	Enabled        bool `yaml:"enabled"`
	ColdStartGrace int  `yaml:"cold_start_grace_seconds"`
}

type RuntimeSidecarConfig struct {
	Profiling    ProfilingConfig    `yaml:"profiling"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
}

type RuntimeConfig struct {
	Sidecar RuntimeSidecarConfig `yaml:"sidecar"`
}

type DatabaseConfig struct {
	Backend  string `yaml:"backend"` // sqlite (default) or postgres-compatible DSN pieces below
	Path     string `yaml:"path"`    // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SpoolDir string `yaml:"spool_dir"`
}

type ObservabilityConfig struct {
	GrafanaURL string   `yaml:"grafana_url"`
	Webhooks   []string `yaml:"webhooks"`
}

// Config is the full layered snapshot.
type Config struct {
	Enabled       bool                `yaml:"enabled"`
	LogLevel      string              `yaml:"log_level"`
	Version       string              `yaml:"-"`
	Execution     ExecutionConfig     `yaml:"execution"`
	Sidecar       SidecarConfig       `yaml:"sidecar"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Database      DatabaseConfig      `yaml:"database"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Default returns the hardcoded base layer.
func Default() *Config {
	return &Config{
		Enabled:  true,
		LogLevel: "info",
		Version:  Version,
		Execution: ExecutionConfig{
			Workspace:    "/workspace",
			DataDir:      "/data",
			SmokeTags:    []string{"smoke", "sanity", "critical", "p0"},
			ImpactedMin:  5,
			SimilarityT:  0.7,
			RiskMaxTests: 100,
			HistoryRuns:  50,
			SpawnRetries: 1,
			AI: AIConfig{
				Enabled:    false,
				Model:      "claude-sonnet-4-5",
				APIKeyEnv:  "CROSSBRIDGE_AI_API_KEY",
				TimeoutS:   30,
				BudgetCall: 25,
				CacheTTLH:  24,
			},
		},
		Sidecar: SidecarConfig{
			Mode:          "observer",
			Host:          "127.0.0.1",
			Port:          8787,
			MaxQueueSize:  10_000,
			Workers:       2,
			MaxCPUPercent: 5,
			MaxMemoryMB:   100,
			DrainGraceS:   10,
			Sampling: SamplingConfig{
				Events:     0.1,
				Traces:     0.05,
				Profiling:  0.01,
				TestEvents: 0.2,
			},
			Adaptive: AdaptiveConfig{
				Enabled:       true,
				BoostFactor:   5,
				BoostDuration: 60,
			},
		},
		Runtime: RuntimeConfig{
			Sidecar: RuntimeSidecarConfig{
				Profiling: ProfilingConfig{
					Enabled:          true,
					SamplingInterval: 1,
					RetentionWindow:  300,
				},
				HealthChecks: HealthChecksConfig{
					Enabled:        true,
					ColdStartGrace: 30,
				},
			},
		},
		Database: DatabaseConfig{
			Backend:  "sqlite",
			Path:     "/data/crossbridge.db",
			SpoolDir: "/data/cache/spool",
		},
	}
}

// knownTopLevel is the set of recognized crossbridge.yml sections. Unknown
// top-level keys warn; unknown keys inside a known section fail.
var knownTopLevel = map[string]bool{
	"enabled":       true,
	"log_level":     true,
	"execution":     true,
	"sidecar":       true,
	"runtime":       true,
	"database":      true,
	"observability": true,
}

// Load builds a snapshot from defaults, an optional YAML file and the
// environment. It returns the snapshot plus warnings for unknown top-level
// keys. A missing file is not an error; a malformed or mistyped file is.
func Load(path string) (*Config, []string, error) {
	cfg := Default()
	var warnings []string

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			w, err := mergeYAML(cfg, b)
			if err != nil {
				return nil, nil, &Error{Message: fmt.Sprintf("config %s: %v", path, err)}
			}
			warnings = append(warnings, w...)
		case os.IsNotExist(err):
			// Defaults plus env only.
		default:
			return nil, nil, &Error{Message: fmt.Sprintf("config %s: %v", path, err)}
		}
	}

	applyEnv(cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, warnings, nil
}

// mergeYAML overlays file content on cfg. Top-level keys are checked
// against the known set first so a typo'd section warns instead of being
// silently dropped, while typos inside known sections fail strict decoding.
func mergeYAML(cfg *Config, b []byte) ([]string, error) {
	var top map[string]yaml.Node
	if err := yaml.Unmarshal(b, &top); err != nil {
		return nil, err
	}
	var warnings []string
	filtered := map[string]yaml.Node{}
	for key, node := range top {
		if !knownTopLevel[key] {
			warnings = append(warnings, fmt.Sprintf("unknown config key %q ignored", key))
			continue
		}
		filtered[key] = node
	}
	known, err := yaml.Marshal(filtered)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(known))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, err
	}
	return warnings, nil
}

// applyEnv overlays CROSSBRIDGE_* variables. Unset variables leave the
// current value untouched.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(EnvPrefix + "ENABLED"); v != "" {
		cfg.Enabled = parseBool(v, cfg.Enabled)
	}
	if v := getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
	if v := getenv(EnvPrefix + "APPLICATION_VERSION"); v != "" {
		cfg.Version = strings.TrimSpace(v)
	}
	if v := getenv(EnvPrefix + "SIDECAR_HOST"); v != "" {
		cfg.Sidecar.Host = strings.TrimSpace(v)
	}
	if v := getenv(EnvPrefix + "SIDECAR_PORT"); v != "" {
		cfg.Sidecar.Port = parseInt(v, cfg.Sidecar.Port)
	}
	if v := getenv(EnvPrefix + "MAX_QUEUE_SIZE"); v != "" {
		cfg.Sidecar.MaxQueueSize = parseInt(v, cfg.Sidecar.MaxQueueSize)
	}
	if v := getenv(EnvPrefix + "MAX_CPU_PERCENT"); v != "" {
		cfg.Sidecar.MaxCPUPercent = parseFloat(v, cfg.Sidecar.MaxCPUPercent)
	}
	if v := getenv(EnvPrefix + "MAX_MEMORY_MB"); v != "" {
		cfg.Sidecar.MaxMemoryMB = parseFloat(v, cfg.Sidecar.MaxMemoryMB)
	}
	if v := getenv(EnvPrefix + "PROFILING_ENABLED"); v != "" {
		cfg.Runtime.Sidecar.Profiling.Enabled = parseBool(v, cfg.Runtime.Sidecar.Profiling.Enabled)
	}
	if v := getenv(EnvPrefix + "DB_HOST"); v != "" {
		cfg.Database.Host = strings.TrimSpace(v)
		if cfg.Database.Backend == "sqlite" {
			cfg.Database.Backend = "postgres"
		}
	}
	if v := getenv(EnvPrefix + "DB_PORT"); v != "" {
		cfg.Database.Port = parseInt(v, cfg.Database.Port)
	}
	if v := getenv(EnvPrefix + "DB_NAME"); v != "" {
		cfg.Database.Name = strings.TrimSpace(v)
	}
	if v := getenv(EnvPrefix + "DB_USER"); v != "" {
		cfg.Database.User = strings.TrimSpace(v)
	}
	if v := getenv(EnvPrefix + "DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
}

// Validate rejects snapshots the process cannot run with.
func (c *Config) Validate() error {
	if c.Sidecar.Port < 0 || c.Sidecar.Port > 65535 {
		return &Error{Message: fmt.Sprintf("sidecar.port %d out of range", c.Sidecar.Port)}
	}
	if c.Sidecar.MaxQueueSize < 0 {
		return &Error{Message: "sidecar.max_queue_size must be >= 0"}
	}
	if c.Sidecar.Workers < 1 {
		return &Error{Message: "sidecar.workers must be >= 1"}
	}
	for name, rate := range map[string]float64{
		"events":      c.Sidecar.Sampling.Events,
		"traces":      c.Sidecar.Sampling.Traces,
		"profiling":   c.Sidecar.Sampling.Profiling,
		"test_events": c.Sidecar.Sampling.TestEvents,
	} {
		if rate < 0 || rate > 1 {
			return &Error{Message: fmt.Sprintf("sidecar.sampling.%s must be in [0,1]", name)}
		}
	}
	if c.Sidecar.Adaptive.BoostFactor < 1 {
		return &Error{Message: "sidecar.adaptive.boost_factor must be >= 1"}
	}
	if c.Execution.SimilarityT < 0 || c.Execution.SimilarityT > 1 {
		return &Error{Message: "execution.similarity_threshold must be in [0,1]"}
	}
	switch c.Database.Backend {
	case "sqlite", "postgres":
	default:
		return &Error{Message: fmt.Sprintf("database.backend %q unsupported (want sqlite|postgres)", c.Database.Backend)}
	}
	switch c.Sidecar.Mode {
	case "observer", "embedded":
	default:
		return &Error{Message: fmt.Sprintf("sidecar.mode %q unsupported (want observer|embedded)", c.Sidecar.Mode)}
	}
	return nil
}

// SidecarEndpoint is the base URL in-test listeners POST events to.
func (c *Config) SidecarEndpoint() string {
	return fmt.Sprintf("http://%s:%d", c.Sidecar.Host, c.Sidecar.Port)
}

// DrainGrace returns the draining grace window as a duration.
func (c *SidecarConfig) DrainGrace() time.Duration {
	return time.Duration(c.DrainGraceS) * time.Second
}

// Error is the categorical configuration error: surfaced to the user,
// CLI exit 3, never retried.
type Error struct {
	Message string
}

func (e *Error) Error() string { return "config error: " + e.Message }

func parseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y":
		return true
	case "false", "0", "no", "n":
		return false
	default:
		return def
	}
}

func parseInt(s string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		return f
	}
	return def
}
