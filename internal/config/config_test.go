package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crossbridge.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, warnings, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if cfg.Sidecar.MaxQueueSize != 10_000 {
		t.Fatalf("default max_queue_size: got %d want 10000", cfg.Sidecar.MaxQueueSize)
	}
	if cfg.Sidecar.Sampling.TestEvents != 0.2 {
		t.Fatalf("default test_events rate: got %v", cfg.Sidecar.Sampling.TestEvents)
	}
	if got := cfg.Execution.SmokeTags; len(got) != 4 || got[0] != "smoke" {
		t.Fatalf("default smoke tags: %v", got)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
sidecar:
  port: 9999
  max_queue_size: 42
execution:
  similarity_threshold: 0.5
`)
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sidecar.Port != 9999 || cfg.Sidecar.MaxQueueSize != 42 {
		t.Fatalf("file overlay not applied: %+v", cfg.Sidecar)
	}
	if cfg.Execution.SimilarityT != 0.5 {
		t.Fatalf("similarity threshold: got %v", cfg.Execution.SimilarityT)
	}
	// Untouched defaults survive.
	if cfg.Sidecar.Workers != 2 {
		t.Fatalf("workers default lost: %d", cfg.Sidecar.Workers)
	}
}

func TestLoad_UnknownTopLevelWarns(t *testing.T) {
	path := writeConfig(t, `
sidecarr:
  port: 1
`)
	cfg, warnings, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "sidecarr") {
		t.Fatalf("expected warning about sidecarr, got %v", warnings)
	}
	if cfg.Sidecar.Port != 8787 {
		t.Fatalf("typo'd section must not change config: %d", cfg.Sidecar.Port)
	}
}

func TestLoad_TypoInKnownSectionFails(t *testing.T) {
	path := writeConfig(t, `
sidecar:
  prot: 9999
`)
	if _, _, err := Load(path); err == nil {
		t.Fatalf("expected unknown nested key to fail")
	}
}

func TestLoad_TypeMismatchFails(t *testing.T) {
	path := writeConfig(t, `
sidecar:
  port: "not-a-number"
`)
	_, _, err := Load(path)
	if err == nil {
		t.Fatalf("expected type mismatch to fail")
	}
	var cfgErr *Error
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *config.Error, got %T: %v", err, err)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"CROSSBRIDGE_SIDECAR_HOST":      "10.0.0.5",
		"CROSSBRIDGE_SIDECAR_PORT":      "9000",
		"CROSSBRIDGE_MAX_QUEUE_SIZE":    "77",
		"CROSSBRIDGE_MAX_CPU_PERCENT":   "2.5",
		"CROSSBRIDGE_PROFILING_ENABLED": "false",
		"CROSSBRIDGE_DB_HOST":           "db.internal",
		"CROSSBRIDGE_LOG_LEVEL":         "DEBUG",
	}
	applyEnv(cfg, func(k string) string { return env[k] })
	if cfg.Sidecar.Host != "10.0.0.5" || cfg.Sidecar.Port != 9000 {
		t.Fatalf("sidecar env overlay: %+v", cfg.Sidecar)
	}
	if cfg.Sidecar.MaxQueueSize != 77 || cfg.Sidecar.MaxCPUPercent != 2.5 {
		t.Fatalf("limits env overlay: %+v", cfg.Sidecar)
	}
	if cfg.Runtime.Sidecar.Profiling.Enabled {
		t.Fatalf("profiling should be disabled by env")
	}
	if cfg.Database.Backend != "postgres" || cfg.Database.Host != "db.internal" {
		t.Fatalf("db env overlay: %+v", cfg.Database)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level: %q", cfg.LogLevel)
	}
}

func TestValidate_Bounds(t *testing.T) {
	cfg := Default()
	cfg.Sidecar.Sampling.Events = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected sampling rate out of range to fail")
	}
	cfg = Default()
	cfg.Sidecar.Workers = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected zero workers to fail")
	}
	cfg = Default()
	cfg.Database.Backend = "mongodb"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unsupported backend to fail")
	}
}
