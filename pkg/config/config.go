// Package config loads the agent configuration from a YAML file, CONVERGE_*
// environment variables and defaults, in that order of precedence below
// command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. CONVERGE_SUDOERS_DIR.
const EnvPrefix = "CONVERGE"

// Config is the complete agent configuration.
type Config struct {
	// WorkDir holds manifests, the files/ source tree, vars/ and backups/.
	WorkDir string `mapstructure:"workdir" validate:"required"`

	// Root is prefixed to every destination.
	Root string `mapstructure:"root" validate:"required,startswith=/"`

	DryRun  bool `mapstructure:"dry_run"`
	Verbose bool `mapstructure:"verbose"`

	Backup   BackupConfig   `mapstructure:"backup"`
	Sudoers  SudoersConfig  `mapstructure:"sudoers"`
	Commands CommandsConfig `mapstructure:"commands"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Policy   PolicyConfig   `mapstructure:"policy"`
}

// BackupConfig selects where backups go.
type BackupConfig struct {
	// Layout is "sibling" (next to the original) or "tree" (under <workdir>/backups).
	Layout string `mapstructure:"layout" validate:"required,oneof=sibling tree"`
}

// SudoersConfig controls sudoers drop-ins.
type SudoersConfig struct {
	Dir     string `mapstructure:"dir" validate:"required,startswith=/"`
	Checker string `mapstructure:"checker" validate:"required"`
	Owner   string `mapstructure:"owner" validate:"required"`
	Group   string `mapstructure:"group" validate:"required"`
}

// CommandsConfig bounds external commands.
type CommandsConfig struct {
	// Timeout applies to every command. Zero means no limit.
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=console json"`
	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output" validate:"required"`
}

// MetricsConfig controls the Prometheus textfile.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Textfile string `mapstructure:"textfile"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter" validate:"required,oneof=otlp stdout none"`
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

// JournalConfig controls the SQLite run journal.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// PolicyConfig controls the Rego guard.
type PolicyConfig struct {
	// Builtins enables the protected-paths and world-writable policies.
	Builtins bool `mapstructure:"builtins"`
	// Dirs are scanned for additional .rego files.
	Dirs []string `mapstructure:"dirs"`
}

// Load reads configPath, or the default location when empty, applies
// environment overrides and defaults, and validates the result. A missing
// file at the default location is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setupViper registers defaults for every key, so that environment variables
// are honoured even for keys absent from the file.
func setupViper(v *viper.Viper, configPath string) {
	for key, value := range defaultValues() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(ConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// ConfigDir is $XDG_CONFIG_HOME/converge, falling back to ~/.config/converge.
func ConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "converge")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "converge")
}

// DefaultConfigPath returns the file Load reads when given no path.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// EngineOptions converts the configuration for the engine.
func (c *Config) EngineOptions() engine.Options {
	opts := engine.DefaultOptions(c.WorkDir)
	opts.Root = c.Root
	opts.DryRun = c.DryRun
	opts.Verbose = c.Verbose
	opts.BackupLayout = engine.BackupLayout(c.Backup.Layout)
	opts.SudoersDir = c.Sudoers.Dir
	opts.SudoersOwner = c.Sudoers.Owner
	opts.SudoersGroup = c.Sudoers.Group
	return opts
}

// Telemetry converts the configuration for the telemetry package.
func (c *Config) Telemetry(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Logging.Level = c.Logging.Level
	tc.Logging.Format = c.Logging.Format
	tc.Logging.Output = c.Logging.Output
	tc.Metrics.Enabled = c.Metrics.Enabled
	tc.Metrics.Textfile = c.Metrics.Textfile
	tc.Tracing.Enabled = c.Tracing.Enabled
	tc.Tracing.Exporter = c.Tracing.Exporter
	tc.Tracing.Endpoint = c.Tracing.Endpoint
	tc.Tracing.Insecure = c.Tracing.Insecure
	return tc
}
