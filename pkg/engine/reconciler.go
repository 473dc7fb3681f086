package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/converge/pkg/render"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// Dependencies are the collaborators of a Converger. Zero fields get defaults.
type Dependencies struct {
	// FS is the destination filesystem. Default: OSFS.
	FS HostFS
	// Source is the source-of-truth tree. Default: <workdir>/files on disk.
	Source afero.Fs
	// Principals resolves users and groups. Default: SystemPrincipals.
	Principals PrincipalResolver
	// Renderer compiles templates. Default: render.New().
	Renderer Renderer
	// Checker validates sudoers content. Required for Visudo.
	Checker SyntaxChecker
	// Guard vets resources before mutation. Optional.
	Guard Guard
	// Observers receive every result.
	Observers []Observer
	// Logger receives every decision.
	Logger *telemetry.Logger
}

// Converger reconciles files, directories, symlinks and sudoers drop-ins.
type Converger struct {
	opts      Options
	host      HostFS
	principal PrincipalResolver
	resolver  *PathResolver
	content   *ContentReconciler
	backups   *BackupManager
	attrs     *AttributeReconciler
	checker   SyntaxChecker
	guard     Guard
	observers []Observer
	logger    *telemetry.Logger
	templates TemplateContext
}

var _ Agent = (*Converger)(nil)

// NewConverger creates a converger for one run.
func NewConverger(opts Options, deps Dependencies) *Converger {
	opts = opts.withDefaults()
	if deps.FS == nil {
		deps.FS = OSFS{}
	}
	if deps.Source == nil {
		deps.Source = afero.NewBasePathFs(afero.NewOsFs(), opts.SourceDir())
	}
	if deps.Principals == nil {
		deps.Principals = SystemPrincipals{}
	}
	if deps.Renderer == nil {
		deps.Renderer = render.New()
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNopLogger()
	}
	logger := deps.Logger.NewComponentLogger("engine")
	if opts.DryRun {
		logger = logger.WithField("dry_run", true)
	}

	resolver := NewPathResolver(opts.Root, deps.Principals)
	return &Converger{
		opts:      opts,
		host:      deps.FS,
		principal: deps.Principals,
		resolver:  resolver,
		content:   NewContentReconciler(deps.Source, deps.Renderer, deps.FS),
		backups:   NewBackupManager(deps.FS, resolver, opts, logger),
		attrs:     NewAttributeReconciler(deps.FS, opts.DryRun, logger),
		checker:   deps.Checker,
		guard:     deps.Guard,
		observers: deps.Observers,
		logger:    logger,
	}
}

// Options returns the run options.
func (c *Converger) Options() Options {
	return c.opts
}

// SetTemplateContext installs extra template functions for rendered sources.
func (c *Converger) SetTemplateContext(tc TemplateContext) {
	c.templates = tc
}

// AddObserver registers an observer for subsequent calls.
func (c *Converger) AddObserver(o Observer) {
	c.observers = append(c.observers, o)
}

// Edit implements Agent.
func (c *Converger) Edit(ctx context.Context, req EditRequest) (*ChangeResult, error) {
	return c.run(ctx, req.Spec(), "edit", func(ctx context.Context) (*ChangeResult, error) {
		return c.edit(ctx, req)
	})
}

// Mkdir implements Agent.
func (c *Converger) Mkdir(ctx context.Context, req MkdirRequest) (*ChangeResult, error) {
	return c.run(ctx, req.Spec(), "mkdir", func(ctx context.Context) (*ChangeResult, error) {
		return c.mkdir(ctx, req)
	})
}

// Symlink implements Agent.
func (c *Converger) Symlink(ctx context.Context, req SymlinkRequest) (*ChangeResult, error) {
	return c.run(ctx, req.Spec(), "symlink", func(ctx context.Context) (*ChangeResult, error) {
		return c.symlink(ctx, req)
	})
}

// run wraps one call with a span, abort containment and observers.
// Resource-class errors become aborted results; fatal errors are returned.
func (c *Converger) run(ctx context.Context, spec ResourceSpec, op string, fn func(context.Context) (*ChangeResult, error)) (*ChangeResult, error) {
	start := time.Now()
	ctx, span := telemetry.StartReconcileSpan(ctx, string(spec.Kind), spec.Dest)
	defer span.End()

	result, err := fn(ctx)
	if err != nil {
		var engErr *EngineError
		if !errors.As(err, &engErr) {
			engErr = NewFatalError(ErrCodeInternal, "reconciliation failed", err)
		}
		if engErr.Path == "" {
			engErr.WithPath(spec.Dest)
		}
		if engErr.Operation == "" {
			engErr.WithOperation(op)
		}

		if engErr.Class == ErrorClassResource {
			c.logger.WithResource(engErr.Path, op).
				WithField("reason", engErr.Code).
				WithError(engErr.Err).
				Warn(engErr.Message)
			result = aborted(spec.Kind, engErr.Path, c.opts.DryRun, engErr)
			err = nil
		} else {
			c.logger.WithResource(engErr.Path, op).
				WithField("code", engErr.Code).
				WithError(engErr.Err).
				Error(engErr.Message)
			err = engErr
		}
	}

	c.annotate(span, result, err)
	rec := Record{Spec: spec, Result: result, Err: err, Duration: time.Since(start)}
	for _, o := range c.observers {
		o.Observe(ctx, rec)
	}
	return result, err
}

func (c *Converger) annotate(span trace.Span, result *ChangeResult, err error) {
	if err != nil {
		telemetry.RecordError(span, err)
		return
	}
	span.SetAttributes(
		telemetry.AttrOutcome.String(string(result.Outcome)),
		telemetry.AttrChanged.Bool(result.Changed),
	)
	if result.Reason != "" {
		span.SetAttributes(telemetry.AttrReason.String(result.Reason))
	}
	telemetry.RecordSuccess(span)
}

func (c *Converger) edit(ctx context.Context, req EditRequest) (*ChangeResult, error) {
	if err := ValidateMode(req.Mode); err != nil {
		return nil, err
	}
	own, err := resolveOwnership(c.principal, req.Owner, req.Group)
	if err != nil {
		return nil, err
	}
	loc, derived, err := c.resolver.Resolve(req.Dest, req.Owner)
	if err != nil {
		return nil, err
	}
	source := req.Source
	if source == "" {
		source = derived
	}

	state, err := c.lstat(loc.Real)
	if err != nil {
		return nil, err
	}
	if state.IsSymlink {
		return nil, NewResourceError(ErrCodeSymlinkRefusal, "refusing to edit symlink", nil).
			WithPath(loc.Absolute).WithDetail("target", state.LinkTarget)
	}
	if state.IsDir {
		return nil, NewResourceError(ErrCodeConflict, "refusing to edit directory", nil).
			WithPath(loc.Absolute)
	}
	if err := c.vet(ctx, KindFile, "edit", loc, req.Mode, req.Owner, req.Group); err != nil {
		return nil, err
	}

	desired, err := c.content.Compile(ctx, source, req.Vars, c.templateFuncs(ctx))
	if err != nil {
		return nil, withPath(err, loc.Absolute)
	}

	result := &ChangeResult{Kind: KindFile, Path: loc.Absolute, DryRun: c.opts.DryRun}
	written, err := c.writeContent(loc, state, source, desired, req.Mode, result)
	if err != nil {
		return nil, err
	}

	if written && !c.opts.DryRun {
		// The rename replaced the inode; carry the old ownership over unless managed.
		if state.Exists {
			if own.UID < 0 {
				own.UID = state.UID
			}
			if own.GID < 0 {
				own.GID = state.GID
			}
		}
		if state, err = c.lstat(loc.Real); err != nil {
			return nil, err
		}
	}

	changed, err := c.attrs.Reconcile(loc.Real, state, own, req.Mode)
	if err != nil {
		return nil, withPath(err, loc.Absolute)
	}
	result.Changed = result.Changed || changed
	return result.finish(), nil
}

// writeContent diffs desired against loc and, when it differs, backs up and
// replaces the file. It reports whether a write happened (or would have).
func (c *Converger) writeContent(loc Location, state EntryState, source string, desired []byte, mode string, result *ChangeResult) (bool, error) {
	d, err := c.content.Diff(loc.Real, loc.Absolute, desired)
	if err != nil {
		return false, err
	}
	if !d.Differs() {
		return false, nil
	}
	if !state.Exists {
		if err := c.requireParent(loc, "write"); err != nil {
			return false, err
		}
	}

	added, removed := d.Stats()
	log := c.logger.WithResource(loc.Absolute, "edit").WithFields(map[string]interface{}{
		"added":   added,
		"removed": removed,
		"exists":  d.Exists,
	})
	log.Info("editing")
	if c.opts.Verbose {
		log.Debug(d.Unified)
	}
	result.Diff = d
	result.Changed = true

	if state.Exists {
		backup, err := c.backups.Backup(loc)
		if err != nil {
			return false, err
		}
		result.BackupPath = backup
	}
	if c.opts.DryRun {
		return true, nil
	}

	perm := permOrDefault(mode, 0o644)
	var mtime time.Time
	if info, err := c.content.SourceInfo(source); err == nil {
		perm = info.Mode().Perm()
		mtime = info.ModTime()
	}
	if err := c.host.WriteFileAtomic(loc.Real, desired, perm); err != nil {
		return false, NewFatalError(ErrCodeIO, "failed to write file", err).
			WithPath(loc.Absolute).WithOperation("write")
	}
	if !mtime.IsZero() {
		if err := c.host.Chtimes(loc.Real, mtime, mtime); err != nil {
			return false, NewFatalError(ErrCodeIO, "failed to copy source timestamps", err).
				WithPath(loc.Absolute).WithOperation("write")
		}
	}
	return true, nil
}

func (c *Converger) mkdir(ctx context.Context, req MkdirRequest) (*ChangeResult, error) {
	if err := ValidateMode(req.Mode); err != nil {
		return nil, err
	}
	own, err := resolveOwnership(c.principal, req.Owner, req.Group)
	if err != nil {
		return nil, err
	}
	loc, _, err := c.resolver.Resolve(req.Dest, req.Owner)
	if err != nil {
		return nil, err
	}

	state, err := c.lstat(loc.Real)
	if err != nil {
		return nil, err
	}
	if state.IsSymlink {
		return nil, NewResourceError(ErrCodeSymlinkRefusal, "refusing to manage symlink as directory", nil).
			WithPath(loc.Absolute).WithDetail("target", state.LinkTarget)
	}
	if state.Exists && !state.IsDir {
		return nil, NewResourceError(ErrCodeNotADirectory, "existing entry is not a directory", nil).
			WithPath(loc.Absolute)
	}
	if err := c.vet(ctx, KindDirectory, "mkdir", loc, req.Mode, req.Owner, req.Group); err != nil {
		return nil, err
	}

	result := &ChangeResult{Kind: KindDirectory, Path: loc.Absolute, DryRun: c.opts.DryRun}
	if !state.Exists {
		if err := c.requireParent(loc, "mkdir"); err != nil {
			return nil, err
		}
		c.logger.WithResource(loc.Absolute, "mkdir").Info("creating directory")
		result.Changed = true
		if c.opts.DryRun {
			return result.finish(), nil
		}
		perm := permOrDefault(req.Mode, 0o755)
		if err := c.host.Mkdir(loc.Real, perm); err != nil {
			return nil, NewFatalError(ErrCodeIO, "failed to create directory", err).
				WithPath(loc.Absolute).WithOperation("mkdir")
		}
		if state, err = c.lstat(loc.Real); err != nil {
			return nil, err
		}
	}

	changed, err := c.attrs.Reconcile(loc.Real, state, own, req.Mode)
	if err != nil {
		return nil, withPath(err, loc.Absolute)
	}
	result.Changed = result.Changed || changed
	return result.finish(), nil
}

func (c *Converger) symlink(ctx context.Context, req SymlinkRequest) (*ChangeResult, error) {
	if req.Target == "" {
		return nil, NewFatalError(ErrCodeInvalidArgument, "symlink target is empty", nil)
	}
	own, err := resolveOwnership(c.principal, req.Owner, req.Group)
	if err != nil {
		return nil, err
	}
	loc, _, err := c.resolver.Resolve(req.Dest, req.Owner)
	if err != nil {
		return nil, err
	}

	state, err := c.lstat(loc.Real)
	if err != nil {
		return nil, err
	}
	if state.Exists && !state.IsSymlink {
		return nil, NewResourceError(ErrCodeConflict, "existing entry is not a symlink", nil).
			WithPath(loc.Absolute)
	}
	if state.IsSymlink && state.LinkTarget != req.Target {
		return nil, NewResourceError(ErrCodeConflict,
			fmt.Sprintf("symlink points at %q, not %q", state.LinkTarget, req.Target), nil).
			WithPath(loc.Absolute)
	}
	if err := c.vet(ctx, KindSymlink, "symlink", loc, "", req.Owner, req.Group); err != nil {
		return nil, err
	}

	result := &ChangeResult{Kind: KindSymlink, Path: loc.Absolute, DryRun: c.opts.DryRun}
	if !state.Exists {
		if err := c.requireParent(loc, "symlink"); err != nil {
			return nil, err
		}
		c.logger.WithResource(loc.Absolute, "symlink").WithField("target", req.Target).Info("linking")
		result.Changed = true
		if c.opts.DryRun {
			return result.finish(), nil
		}
		if err := c.host.Symlink(req.Target, loc.Real); err != nil {
			return nil, NewFatalError(ErrCodeIO, "failed to create symlink", err).
				WithPath(loc.Absolute).WithOperation("symlink")
		}
		if state, err = c.lstat(loc.Real); err != nil {
			return nil, err
		}
	}

	changed, err := c.attrs.ReconcileOwnership(loc.Real, state, own)
	if err != nil {
		return nil, withPath(err, loc.Absolute)
	}
	result.Changed = result.Changed || changed
	return result.finish(), nil
}

// vet asks the guard about a resource before anything is mutated.
func (c *Converger) vet(ctx context.Context, kind ResourceKind, op string, loc Location, mode, owner, group string) error {
	if c.guard == nil {
		return nil
	}
	decision, err := c.guard.Check(ctx, GuardRequest{
		Kind:      kind,
		Operation: op,
		Path:      loc.Absolute,
		Mode:      mode,
		Owner:     owner,
		Group:     group,
		DryRun:    c.opts.DryRun,
	})
	if err != nil {
		return NewFatalError(ErrCodeInternal, "policy evaluation failed", err).WithPath(loc.Absolute)
	}
	if !decision.Allowed {
		return NewResourceError(ErrCodePolicyDenied, "denied by policy", nil).
			WithPath(loc.Absolute).
			WithDetail("violations", decision.Violations)
	}
	return nil
}

func (c *Converger) lstat(real string) (EntryState, error) {
	state, err := c.host.Lstat(real)
	if err != nil {
		return EntryState{}, NewFatalError(ErrCodeIO, "failed to inspect destination", err).
			WithPath(real).WithOperation("lstat")
	}
	return state, nil
}

// requireParent fails when the directory that would hold a new entry at loc
// is missing, so a dry-run reports the same hard error as a real run.
func (c *Converger) requireParent(loc Location, op string) error {
	parent, err := c.host.Stat(filepath.Dir(loc.Real))
	if err != nil {
		return NewFatalError(ErrCodeIO, "failed to inspect parent directory", err).
			WithPath(loc.Absolute).WithOperation(op)
	}
	if !parent.Exists {
		return NewFatalError(ErrCodeIO, "parent directory does not exist", fs.ErrNotExist).
			WithPath(loc.Absolute).WithOperation(op)
	}
	if !parent.IsDir {
		return NewFatalError(ErrCodeIO, "parent is not a directory", nil).
			WithPath(loc.Absolute).WithOperation(op)
	}
	return nil
}

// templateFuncs exposes the engine API and the installed context to templates.
func (c *Converger) templateFuncs(ctx context.Context) map[string]any {
	funcs := map[string]any{
		"edit": func(src, dest, owner, group, mode string, vars ...map[string]any) (bool, error) {
			req := EditRequest{Source: src, Dest: dest, Owner: owner, Group: group, Mode: mode}
			if len(vars) > 0 {
				req.Vars = vars[0]
			}
			return changedOf(c.Edit(ctx, req))
		},
		"mkdir": func(dest, owner, group, mode string) (bool, error) {
			return changedOf(c.Mkdir(ctx, MkdirRequest{Dest: dest, Owner: owner, Group: group, Mode: mode}))
		},
		"symlink": func(target, dest, owner, group string) (bool, error) {
			return changedOf(c.Symlink(ctx, SymlinkRequest{Target: target, Dest: dest, Owner: owner, Group: group}))
		},
		"visudo": func(src, filename string, vars ...map[string]any) (bool, error) {
			req := VisudoRequest{Source: src, Filename: filename}
			if len(vars) > 0 {
				req.Vars = vars[0]
			}
			return changedOf(c.Visudo(ctx, req))
		},
		"dryrun": func() bool { return c.opts.DryRun },
	}
	if c.templates != nil {
		for name, fn := range c.templates.TemplateFuncs(ctx) {
			funcs[name] = fn
		}
	}
	return funcs
}

func changedOf(result *ChangeResult, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	return result.Changed, nil
}

func withPath(err error, p string) error {
	var engErr *EngineError
	if errors.As(err, &engErr) && engErr.Path == "" {
		engErr.WithPath(p)
	}
	return err
}
