package config

import (
	"path/filepath"
	"strings"
	"time"
)

// DefaultWorkDir is where manifests and the source tree live by default.
const DefaultWorkDir = "/etc/converge"

func defaultValues() map[string]any {
	return map[string]any{
		"workdir":          DefaultWorkDir,
		"root":             "/",
		"dry_run":          false,
		"verbose":          false,
		"backup.layout":    "sibling",
		"sudoers.dir":      "/etc/sudoers.d",
		"sudoers.checker":  "/usr/sbin/visudo",
		"sudoers.owner":    "root",
		"sudoers.group":    "root",
		"commands.timeout": 30 * time.Minute,
		"logging.level":    "info",
		"logging.format":   "console",
		"logging.output":   "stderr",
		"metrics.enabled":  false,
		"metrics.textfile": "",
		"tracing.enabled":  false,
		"tracing.exporter": "none",
		"tracing.endpoint": "",
		"tracing.insecure": true,
		"journal.enabled":  false,
		"journal.path":     "",
		"policy.builtins":  true,
		"policy.dirs":      []string{},
	}
}

// ApplyDefaults fills values that depend on other values and normalizes
// the rest.
func ApplyDefaults(cfg *Config) {
	if cfg.WorkDir == "" {
		cfg.WorkDir = DefaultWorkDir
	}
	cfg.WorkDir = filepath.Clean(cfg.WorkDir)
	if cfg.Root == "" {
		cfg.Root = "/"
	}

	cfg.Backup.Layout = strings.ToLower(cfg.Backup.Layout)
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
	if cfg.Logging.Format == "text" {
		cfg.Logging.Format = "console"
	}

	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		cfg.Journal.Path = filepath.Join(cfg.WorkDir, "journal.db")
	}
	if !cfg.Tracing.Enabled {
		cfg.Tracing.Exporter = "none"
	} else if cfg.Tracing.Exporter == "none" || cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = "stdout"
	}
}
