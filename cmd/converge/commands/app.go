package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/manifest"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/stores"
	"github.com/openfroyo/converge/pkg/system"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// app is one fully wired agent: configuration, telemetry, the converger and
// its collaborators.
type app struct {
	cfg       *config.Config
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
	runner    *system.ExecRunner
	guard     *policy.Engine
	store     *stores.SQLiteStore
	journal   *stores.Journal
	converger *engine.Converger
	tally     *engine.Tally
}

// loadConfig reads the configuration and applies command-line overrides.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("workdir") {
		cfg.WorkDir = flags.workDir
	}
	if changed("root") {
		cfg.Root = flags.root
	}
	if changed("dry-run") {
		cfg.DryRun = flags.dryRun
	}
	if changed("verbose") {
		cfg.Verbose = flags.verbose
	}
	// Diffs are logged at debug level.
	if cfg.Verbose && telemetry.ParseLevel(cfg.Logging.Level) > zerolog.DebugLevel {
		cfg.Logging.Level = "debug"
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// newApp wires the agent for one command invocation. The journal is opened
// only when withJournal is set and the journal is enabled.
func newApp(ctx context.Context, cfg *config.Config, info buildInfo, withJournal bool) (*app, error) {
	if os.Getenv("LOG_LEVEL") == "" {
		zerolog.SetGlobalLevel(telemetry.ParseLevel(cfg.Logging.Level))
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry(info.version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger,
		tally:  &engine.Tally{},
	}

	a.runner = &system.ExecRunner{
		Timeout: cfg.Commands.Timeout,
		DryRun:  cfg.DryRun,
		Logger:  a.logger,
		Metrics: tel.Metrics,
	}

	a.guard, err = policy.NewEngine(a.logger, cfg.Policy.Builtins)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	if len(cfg.Policy.Dirs) > 0 {
		if err := a.guard.LoadPolicies(ctx, cfg.Policy.Dirs); err != nil {
			return nil, err
		}
	}

	observers := []engine.Observer{a.tally, engine.NewMetricsObserver(tel.Metrics)}
	if withJournal && cfg.Journal.Enabled {
		store, err := openStore(ctx, cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		a.store = store
		a.journal = stores.NewJournal(store, a.logger)
		observers = append(observers, a.journal)
	}

	a.converger = engine.NewConverger(cfg.EngineOptions(), engine.Dependencies{
		Checker:   system.NewVisudoChecker(a.runner, cfg.Sudoers.Checker),
		Guard:     a.guard,
		Observers: observers,
		Logger:    a.logger,
	})
	return a, nil
}

func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return store, nil
}

// evaluator builds a manifest evaluator over the converger and the system
// collaborators, and installs it as the template context.
func (a *app) evaluator() *manifest.Evaluator {
	fsys := afero.NewOsFs()
	host := manifest.Host{
		Agent:    a.converger,
		Runner:   a.runner,
		Packages: system.NewPackages(a.runner, a.cfg.DryRun, a.logger),
		Services: system.NewServices(a.runner, a.logger),
		Accounts: system.NewAccounts(a.runner, system.SystemLookup{}, a.logger),
		Facts:    system.NewFacts(fsys, a.cfg.WorkDir, a.cfg.DryRun),
	}
	ev := manifest.NewEvaluator(host, manifest.Options{
		WorkDir: a.cfg.WorkDir,
		DryRun:  a.cfg.DryRun,
		FS:      fsys,
		Logger:  a.logger,
	})
	a.converger.SetTemplateContext(ev)
	return ev
}

// close flushes telemetry and closes the journal.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	errs = append(errs, a.tel.Shutdown(context.WithoutCancel(ctx)))
	return errors.Join(errs...)
}
