package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.WorkDir != DefaultWorkDir {
		t.Errorf("WorkDir = %q, want %q", cfg.WorkDir, DefaultWorkDir)
	}
	if cfg.Root != "/" {
		t.Errorf("Root = %q, want /", cfg.Root)
	}
	if cfg.Backup.Layout != "sibling" {
		t.Errorf("Backup.Layout = %q, want sibling", cfg.Backup.Layout)
	}
	if cfg.Sudoers.Dir != "/etc/sudoers.d" || cfg.Sudoers.Checker != "/usr/sbin/visudo" {
		t.Errorf("Sudoers = %+v", cfg.Sudoers)
	}
	if cfg.Commands.Timeout != 30*time.Minute {
		t.Errorf("Commands.Timeout = %v, want 30m", cfg.Commands.Timeout)
	}
	if !cfg.Policy.Builtins {
		t.Error("Policy.Builtins = false, want true")
	}
	if cfg.Tracing.Exporter != "none" {
		t.Errorf("Tracing.Exporter = %q, want none", cfg.Tracing.Exporter)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
workdir: /srv/converge/
root: /mnt/target
dry_run: true
backup:
  layout: TREE
sudoers:
  owner: admin
commands:
  timeout: 90s
logging:
  level: DEBUG
  format: text
journal:
  enabled: true
policy:
  dirs:
    - /etc/converge/policies
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.WorkDir != "/srv/converge" {
		t.Errorf("WorkDir = %q", cfg.WorkDir)
	}
	if cfg.Backup.Layout != "tree" {
		t.Errorf("Backup.Layout = %q, want tree", cfg.Backup.Layout)
	}
	if cfg.Sudoers.Owner != "admin" || cfg.Sudoers.Group != "root" {
		t.Errorf("Sudoers = %+v", cfg.Sudoers)
	}
	if cfg.Commands.Timeout != 90*time.Second {
		t.Errorf("Commands.Timeout = %v", cfg.Commands.Timeout)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Journal.Path != "/srv/converge/journal.db" {
		t.Errorf("Journal.Path = %q", cfg.Journal.Path)
	}
	if len(cfg.Policy.Dirs) != 1 || cfg.Policy.Dirs[0] != "/etc/converge/policies" {
		t.Errorf("Policy.Dirs = %v", cfg.Policy.Dirs)
	}

	opts := cfg.EngineOptions()
	if opts.WorkDir != "/srv/converge" || opts.Root != "/mnt/target" || !opts.DryRun {
		t.Errorf("EngineOptions() = %+v", opts)
	}
	if opts.BackupLayout != engine.BackupTree || opts.SudoersOwner != "admin" {
		t.Errorf("EngineOptions() = %+v", opts)
	}
	if opts.Now == nil {
		t.Error("EngineOptions().Now is nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("CONVERGE_WORKDIR", "/opt/site")
	t.Setenv("CONVERGE_SUDOERS_DIR", "/etc/sudoers.local")
	t.Setenv("CONVERGE_DRY_RUN", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.WorkDir != "/opt/site" {
		t.Errorf("WorkDir = %q, want /opt/site", cfg.WorkDir)
	}
	if cfg.Sudoers.Dir != "/etc/sudoers.local" {
		t.Errorf("Sudoers.Dir = %q", cfg.Sudoers.Dir)
	}
	if !cfg.DryRun {
		t.Error("DryRun = false, want true")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "bad layout", content: "backup:\n  layout: nested\n", wantErr: "Layout"},
		{name: "relative root", content: "root: target\n", wantErr: "Root"},
		{name: "bad level", content: "logging:\n  level: loud\n", wantErr: "Level"},
		{name: "bad exporter", content: "tracing:\n  enabled: true\n  exporter: zipkin\n", wantErr: "Exporter"},
		{name: "otlp without endpoint", content: "tracing:\n  enabled: true\n  exporter: otlp\n", wantErr: "endpoint"},
		{name: "metrics without textfile", content: "metrics:\n  enabled: true\n", wantErr: "textfile"},
		{name: "malformed yaml", content: "root: [\n", wantErr: "read config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestTelemetry(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "warn", Format: "json", Output: "stdout"},
		Metrics: MetricsConfig{Enabled: true, Textfile: "/var/lib/node_exporter/converge.prom"},
		Tracing: TracingConfig{Enabled: true, Exporter: "stdout"},
	}
	tc := cfg.Telemetry("1.2.3")
	if tc.ServiceVersion != "1.2.3" || tc.Logging.Level != "warn" || tc.Logging.Format != "json" {
		t.Errorf("Telemetry() = %+v", tc)
	}
	if tc.Metrics.Textfile != cfg.Metrics.Textfile || !tc.Tracing.Enabled {
		t.Errorf("Telemetry() = %+v", tc)
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("Telemetry().Validate() error: %v", err)
	}
}
