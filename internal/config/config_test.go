package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsWithNoPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WorkerConcurrency != 5 {
		t.Fatalf("WorkerConcurrency = %d, want 5", cfg.WorkerConcurrency)
	}
	if cfg.RunMaxIterationsHardCap != 40 {
		t.Fatalf("RunMaxIterationsHardCap = %d, want 40", cfg.RunMaxIterationsHardCap)
	}
}

func TestLoadFileOverlayLeavesUnsetFieldsAtDefault(t *testing.T) {
	path := writeConfig(t, `
run_max_iterations: 20
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RunMaxIterations != 20 {
		t.Fatalf("RunMaxIterations = %d, want 20", cfg.RunMaxIterations)
	}
	if cfg.WorkerConcurrency != 5 {
		t.Fatalf("WorkerConcurrency = %d, want unchanged default 5", cfg.WorkerConcurrency)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
run_max_iterations: 20
bogus_field: true
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := writeConfig(t, `
worker_concurrency: 3
`)
	t.Setenv("CONDUCTOR_WORKER_CONCURRENCY", "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WorkerConcurrency != 9 {
		t.Fatalf("WorkerConcurrency = %d, want 9 (env override)", cfg.WorkerConcurrency)
	}
}

func TestLoadValidatesIterationOrdering(t *testing.T) {
	path := writeConfig(t, `
run_min_iterations: 20
run_max_iterations_hard_cap: 10
`)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "run_max_iterations_hard_cap") {
		t.Fatalf("expected run_max_iterations_hard_cap error, got %v", err)
	}
}

func TestLoadValidatesLogLevel(t *testing.T) {
	path := writeConfig(t, `
log_level: verbose
`)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Fatalf("expected log_level error, got %v", err)
	}
}

func TestEncryptionKeyBytesRequiresExactly32Bytes(t *testing.T) {
	cfg := Default()
	cfg.EncryptionKeyHex = "deadbeef"
	if _, err := cfg.EncryptionKeyBytes(); err == nil {
		t.Fatalf("expected error for short key")
	}

	cfg.EncryptionKeyHex = strings.Repeat("ab", 32)
	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		t.Fatalf("EncryptionKeyBytes() error = %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("len(key) = %d, want 32", len(key))
	}
}
