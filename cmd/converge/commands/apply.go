package commands

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/manifest"
	"github.com/openfroyo/converge/pkg/system"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// rerunDelay coalesces bursts of source-tree events into one run.
const rerunDelay = time.Second

func newApplyCommand(flags *globalFlags, info buildInfo) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "apply <manifest>",
		Short: "Converge the host to a manifest",
		Long: `Execute a Starlark manifest against the host.

Every resource call observes the current state and changes only what
differs. Recoverable problems (a symlink where a file is expected, an
existing backup, a rejected sudoers file) abort that resource and the run
continues; unknown users or template errors stop the run.

The exit code is 0 when every resource converged, 2 when some were aborted
and 1 when the run failed.`,
		Example: `  # Apply the main manifest from the work directory
  converge apply main.star

  # Preview the changes
  converge apply main.star --dry-run --verbose

  # Converge a chroot
  converge apply main.star --root /mnt/target

  # Re-run whenever the manifest or the files/ tree changes
  converge apply main.star --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd, flags, info, args[0], watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "re-run when the work directory changes")
	return cmd
}

func newCheckCommand(flags *globalFlags, info buildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "check <manifest>",
		Short: "Report what apply would change",
		Long: `Execute a manifest in dry-run mode. Nothing on the host is modified;
diffs are logged and the summary reports the resources that would change.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.dryRun = true
			if err := cmd.Flags().Set("dry-run", "true"); err != nil {
				return err
			}
			return runApply(cmd, flags, info, args[0], false)
		},
	}
}

func runApply(cmd *cobra.Command, flags *globalFlags, info buildInfo, path string, watch bool) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, info, true)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(ctx); cerr != nil {
			a.logger.WithError(cerr).Warn("failed to flush telemetry")
		}
	}()

	if watch {
		return a.watch(ctx, cmd, path, flags.jsonOutput)
	}

	summary, runErr := a.apply(ctx, path)
	if summary != nil {
		if err := a.report(cmd, summary, flags.jsonOutput); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if summary.Aborted > 0 {
		return &exitError{code: 2, err: fmt.Errorf("%d resource(s) aborted", summary.Aborted)}
	}
	return nil
}

// apply executes one manifest run with its span, journal entry and metrics.
func (a *app) apply(ctx context.Context, path string) (*manifest.Summary, error) {
	dryRun := a.cfg.DryRun
	*a.tally = engine.Tally{}

	var runID string
	if a.journal != nil {
		id, err := a.journal.Begin(ctx, path, dryRun)
		if err != nil {
			a.logger.WithError(err).Warn("run is not journaled")
		} else {
			runID = id
		}
	}

	ctx, span := a.tel.Tracer.StartRunSpan(ctx, runID, path, dryRun)
	defer span.End()
	ctx = a.tel.WithContext(ctx)
	log := a.logger
	if runID != "" {
		log = log.WithRunID(runID)
	}
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		log = log.WithField("trace_id", traceID)
	}

	timer := telemetry.NewTimer()
	summary, err := a.evaluator().Run(ctx, path)
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", ctx.Err(), err)
	}

	status := "completed"
	if err != nil {
		status = "failed"
		telemetry.RecordError(span, err)
		log.WithError(err).Error("run failed")
	} else {
		telemetry.RecordSuccess(span)
	}
	a.tel.Metrics.RecordRunCompleted(status, dryRun, timer.Duration())

	if runID != "" {
		if jerr := a.journal.Finish(ctx, err); jerr != nil {
			log.WithError(jerr).Warn("failed to close journal run")
		}
	}
	return summary, err
}

func (a *app) report(cmd *cobra.Command, summary *manifest.Summary, jsonOutput bool) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, struct {
			*manifest.Summary
			Unchanged int `json:"unchanged"`
			Failed    int `json:"failed"`
		}{summary, a.tally.Unchanged, a.tally.Failed})
	}

	mode := ""
	if summary.DryRun {
		mode = " (dry-run)"
	}
	fmt.Fprintf(out, "%s%s\n", summary.Manifest, mode)
	fmt.Fprintf(out, "  calls: %d  changed: %d  unchanged: %d  aborted: %d  duration: %s\n",
		summary.Calls, summary.Changed, a.tally.Unchanged, summary.Aborted, summary.Duration.Round(time.Millisecond))
	for _, ab := range summary.Aborts {
		fmt.Fprintf(out, "  aborted %s %s: %s\n", ab.Kind, ab.Path, ab.Message)
	}
	return nil
}

// watch applies path, then re-applies it whenever the work directory
// changes, until ctx is done. Policy directories are hot-reloaded.
func (a *app) watch(ctx context.Context, cmd *cobra.Command, path string, jsonOutput bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	opts := a.converger.Options()
	if err := a.addWatchTree(watcher, a.cfg.WorkDir, opts.BackupDir()); err != nil {
		return err
	}
	if len(a.cfg.Policy.Dirs) > 0 {
		if err := a.guard.Watch(ctx, a.cfg.Policy.Dirs); err != nil {
			return err
		}
	}

	run := func() {
		summary, err := a.apply(ctx, path)
		if summary != nil {
			if rerr := a.report(cmd, summary, jsonOutput); rerr != nil {
				a.logger.WithError(rerr).Warn("failed to print report")
			}
		}
		if err != nil && ctx.Err() == nil {
			a.logger.WithError(err).Warn("run failed; waiting for changes")
		}
	}
	run()

	a.logger.WithField("workdir", a.cfg.WorkDir).Info("watching for changes")
	timer := time.NewTimer(rerunDelay)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if a.ignoreEvent(event, opts.BackupDir()) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := a.addWatchTree(watcher, event.Name, opts.BackupDir()); err != nil {
						a.logger.WithError(err).WithField("path", event.Name).Warn("not watching new directory")
					}
				}
			}
			a.logger.WithFields(map[string]interface{}{
				"file": event.Name,
				"op":   event.Op.String(),
			}).Debug("work directory changed")
			timer.Reset(rerunDelay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.WithError(err).Error("watcher error")

		case <-timer.C:
			run()
		}
	}
}

func (a *app) addWatchTree(watcher *fsnotify.Watcher, root, backupDir string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p == backupDir {
			return filepath.SkipDir
		}
		return watcher.Add(p)
	})
}

// ignoreEvent drops events caused by the agent itself: backups, the
// first-run marker and the journal.
func (a *app) ignoreEvent(event fsnotify.Event, backupDir string) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return true
	}
	if strings.HasPrefix(event.Name, backupDir+string(filepath.Separator)) {
		return true
	}
	base := filepath.Base(event.Name)
	if base == system.MarkerName || strings.HasSuffix(base, "~") {
		return true
	}
	if a.cfg.Journal.Enabled && strings.HasPrefix(event.Name, a.cfg.Journal.Path) {
		return true
	}
	return false
}
