package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/srodi/pagecontig/pkg/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pagecontig.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.MinPID != types.DefaultMinPID || cfg.HideKernel || cfg.Watch || cfg.Format != "table" || cfg.Workers != 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	filter := cfg.Filter()
	if filter.MinPID != types.DefaultMinPID || filter.HideKernel == nil || *filter.HideKernel {
		t.Fatalf("unexpected filter: %+v", filter)
	}
}

func TestParseFileThenFlags(t *testing.T) {
	path := writeConfig(t, `
interval: 2s
watch: true
min_pid: 1000
hide_kernel: true
comm_filter: "  Postgres "
format: csv
workers: 8
log_level: debug
`)
	cfg, err := Parse([]string{"-config", path, "-workers", "2", "-format", "json"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Interval != 2*time.Second || !cfg.Watch || cfg.MinPID != 1000 || !cfg.HideKernel {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.CommFilter != "postgres" {
		t.Fatalf("comm filter not normalized: %q", cfg.CommFilter)
	}
	if cfg.Workers != 2 || cfg.Format != "json" {
		t.Fatalf("flags should override the file: %+v", cfg)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("unexpected log level: %q", cfg.LogLevel)
	}
}

func TestHideKernelFlagOverridesFile(t *testing.T) {
	path := writeConfig(t, "hide_kernel: true\n")
	cfg, err := Parse([]string{"-config", path, "-hide-kernel=false"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.HideKernel {
		t.Fatalf("explicit -hide-kernel=false should win over the file")
	}
}

func TestParseClampsValues(t *testing.T) {
	cfg, err := Parse([]string{"-interval", "-1s", "-workers", "0", "-min-pid", "-5"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Interval != DefaultInterval || cfg.Workers != 1 || cfg.MinPID != 0 {
		t.Fatalf("values not clamped: %+v", cfg)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := [][]string{
		{"-format", "xml"},
		{"-log-level", "chatty"},
		{"-listen", "localhost:0"},
		{"-config", filepath.Join(t.TempDir(), "missing.yaml")},
		{"-config", writeConfig(t, "interval: [")},
	}
	for _, args := range cases {
		if _, err := Parse(args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
	if _, err := Parse([]string{"-listen", "localhost:0", "-watch"}); err != nil {
		t.Fatalf("listen with watch should be accepted: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "": slog.LevelInfo, "warn": slog.LevelWarn, "error": slog.LevelError}
	for name, want := range cases {
		got, err := ParseLevel(name)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q): expected %v, got %v err=%v", name, want, got, err)
		}
	}
}
